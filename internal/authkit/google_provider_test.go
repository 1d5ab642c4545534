package authkit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
)

type stubGoogleValidator struct {
	claims           map[string]interface{}
	err              error
	receivedToken    string
	receivedAudience string
}

func (validator *stubGoogleValidator) Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error) {
	validator.receivedToken = idToken
	validator.receivedAudience = audience
	if validator.err != nil {
		return nil, validator.err
	}
	return &idtoken.Payload{Claims: validator.claims}, nil
}

func newGoogleTokenServer(t *testing.T, idToken string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if err := request.ParseForm(); err != nil {
			http.Error(writer, "bad form", http.StatusBadRequest)
			return
		}
		if request.Form.Get("code") != "auth-code" {
			http.Error(writer, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		writer.Header().Set("Content-Type", "application/json")
		body := `{"access_token":"access","token_type":"Bearer","expires_in":3600`
		if idToken != "" {
			body += `,"id_token":"` + idToken + `"`
		}
		_, _ = writer.Write([]byte(body + "}"))
	}))
	t.Cleanup(server.Close)
	return server
}

func newTestGoogleProvider(server *httptest.Server, validator GoogleTokenValidator) *GoogleProvider {
	return NewGoogleProvider(GoogleProviderConfig{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RedirectURL:  "https://auth.example.com/auth/oauth/google/callback",
		Endpoint: oauth2.Endpoint{
			AuthURL:   server.URL + "/auth",
			TokenURL:  server.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}, validator)
}

func verifiedGoogleClaims() map[string]interface{} {
	return map[string]interface{}{
		"iss":            "https://accounts.google.com",
		"sub":            "google-sub",
		"email":          "jane@example.com",
		"email_verified": true,
		"name":           "Jane Doe",
	}
}

func TestGoogleProviderExchange(t *testing.T) {
	validator := &stubGoogleValidator{claims: verifiedGoogleClaims()}
	provider := newTestGoogleProvider(newGoogleTokenServer(t, "raw-id-token"), validator)

	profile, err := provider.Exchange(context.Background(), "auth-code")
	require.NoError(t, err)
	require.Equal(t, ExternalProfile{
		Provider:    ProviderGoogle,
		SubjectID:   "google-sub",
		Email:       "jane@example.com",
		DisplayName: "Jane Doe",
	}, profile)
	require.Equal(t, "raw-id-token", validator.receivedToken)
	require.Equal(t, "client-id", validator.receivedAudience)
}

func TestGoogleProviderAuthCodeURL(t *testing.T) {
	provider := newTestGoogleProvider(newGoogleTokenServer(t, "raw-id-token"), &stubGoogleValidator{})
	require.Equal(t, ProviderGoogle, provider.Name())

	consentURL, err := url.Parse(provider.AuthCodeURL("state-123"))
	require.NoError(t, err)
	query := consentURL.Query()
	require.Equal(t, "state-123", query.Get("state"))
	require.Equal(t, "client-id", query.Get("client_id"))
	require.Equal(t, "openid email profile", query.Get("scope"))
	require.Equal(t, "online", query.Get("access_type"))
}

func TestGoogleProviderExchangeFailures(t *testing.T) {
	ctx := context.Background()

	_, err := newTestGoogleProvider(newGoogleTokenServer(t, "raw-id-token"), &stubGoogleValidator{claims: verifiedGoogleClaims()}).
		Exchange(ctx, "wrong-code")
	require.Error(t, err)

	_, err = newTestGoogleProvider(newGoogleTokenServer(t, ""), &stubGoogleValidator{claims: verifiedGoogleClaims()}).
		Exchange(ctx, "auth-code")
	require.ErrorIs(t, err, errMissingIDToken)

	validatorErr := errors.New("bad_signature")
	_, err = newTestGoogleProvider(newGoogleTokenServer(t, "raw-id-token"), &stubGoogleValidator{err: validatorErr}).
		Exchange(ctx, "auth-code")
	require.ErrorIs(t, err, validatorErr)
}

func TestProfileFromGooglePayload(t *testing.T) {
	testCases := []struct {
		name        string
		mutate      func(map[string]interface{})
		expectedErr error
	}{
		{name: "bare issuer", mutate: func(claims map[string]interface{}) { claims["iss"] = "accounts.google.com" }},
		{name: "foreign issuer", mutate: func(claims map[string]interface{}) { claims["iss"] = "https://evil.example.com" }, expectedErr: errInvalidIssuer},
		{name: "unverified email", mutate: func(claims map[string]interface{}) { claims["email_verified"] = false }, expectedErr: ErrUnverifiedIdentity},
		{name: "missing email", mutate: func(claims map[string]interface{}) { delete(claims, "email") }, expectedErr: ErrUnverifiedIdentity},
		{name: "missing subject", mutate: func(claims map[string]interface{}) { delete(claims, "sub") }, expectedErr: ErrUnverifiedIdentity},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			claims := verifiedGoogleClaims()
			testCase.mutate(claims)
			profile, err := profileFromGooglePayload(&idtoken.Payload{Claims: claims})
			if testCase.expectedErr != nil {
				require.ErrorIs(t, err, testCase.expectedErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, "google-sub", profile.SubjectID)
		})
	}

	_, err := profileFromGooglePayload(nil)
	require.ErrorIs(t, err, ErrUnverifiedIdentity)
}
