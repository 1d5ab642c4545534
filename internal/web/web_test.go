package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/tyemirov/tauth/internal/authkit"
	"go.uber.org/zap"
)

func TestConfigureCORS(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	middleware, err := ConfigureCORS(zap.NewNop(), []string{"http://localhost"})
	if err != nil {
		t.Fatalf("unexpected error configuring CORS: %v", err)
	}
	router.Use(middleware)
	router.OPTIONS("/resource", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodOptions, "/resource", nil)
	request.Header.Set("Origin", "http://localhost")
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204 from preflight, got %d", recorder.Code)
	}
	if origin := recorder.Header().Get("Access-Control-Allow-Origin"); origin != "http://localhost" {
		t.Fatalf("unexpected allowed origin header: %q", origin)
	}
}

func TestConfigureCORSRejectsUnsafeOrigins(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name    string
		origins []string
	}{
		{name: "nil", origins: nil},
		{name: "whitespace", origins: []string{"  "}},
		{name: "wildcard", origins: []string{"*"}},
		{name: "path", origins: []string{"https://example.com/app"}},
		{name: "scheme", origins: []string{"ftp://example.com"}},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ConfigureCORS(nil, testCase.origins); err == nil {
				t.Fatalf("expected error for origins %v", testCase.origins)
			}
		})
	}
}

func TestInMemoryUsersEnforcesUniqueness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewInMemoryUsers()

	first, err := store.Create(ctx, authkit.NewUser{Username: "alice", Email: "alice@example.com", PasswordHash: "hash"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("expected id and timestamps, got %+v", first)
	}
	if _, err := store.Create(ctx, authkit.NewUser{Username: "other", Email: "alice@example.com"}); !errors.Is(err, authkit.ErrAccountConflict) {
		t.Fatalf("expected email conflict, got %v", err)
	}
	if _, err := store.Create(ctx, authkit.NewUser{Username: "alice", Email: "other@example.com"}); !errors.Is(err, authkit.ErrAccountConflict) {
		t.Fatalf("expected username conflict, got %v", err)
	}

	linked, err := store.Create(ctx, authkit.NewUser{Username: "bob", Email: "bob@example.com", ExternalProvider: "google", ExternalID: "sub-1"})
	if err != nil {
		t.Fatalf("create linked: %v", err)
	}
	if _, err := store.UpdateFields(ctx, first.ID, authkit.UserUpdate{
		ExternalLink: &authkit.ExternalLink{Provider: "google", ExternalID: "sub-1"},
	}); !errors.Is(err, authkit.ErrAccountConflict) {
		t.Fatalf("expected link conflict, got %v", err)
	}
	username := "bob"
	if _, err := store.UpdateFields(ctx, first.ID, authkit.UserUpdate{Username: &username}); !errors.Is(err, authkit.ErrAccountConflict) {
		t.Fatalf("expected username conflict on update, got %v", err)
	}

	found, err := store.FindByExternalID(ctx, "google", "sub-1")
	if err != nil || found.ID != linked.ID {
		t.Fatalf("expected linked user, got %+v err=%v", found, err)
	}
	if _, err := store.FindByID(ctx, "missing"); !errors.Is(err, authkit.ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestInMemoryUsersUpdateFields(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := NewInMemoryUsers()
	created, err := store.Create(ctx, authkit.NewUser{Username: "carol", Email: "carol@example.com"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	secret := "JBSWY3DPEHPK3PXP"
	enabled := true
	updated, err := store.UpdateFields(ctx, created.ID, authkit.UserUpdate{TwoFactorSecret: &secret, TwoFactorEnabled: &enabled})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.TwoFactorSecret != secret || !updated.TwoFactorEnabled {
		t.Fatalf("second factor not stored: %+v", updated)
	}
	cleared := ""
	disabled := false
	updated, err = store.UpdateFields(ctx, created.ID, authkit.UserUpdate{TwoFactorSecret: &cleared, TwoFactorEnabled: &disabled})
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if updated.TwoFactorSecret != "" || updated.TwoFactorEnabled {
		t.Fatalf("second factor not cleared: %+v", updated)
	}
}

type stubProfiles struct {
	users map[string]authkit.User
}

func (profiles stubProfiles) Profile(ctx context.Context, userID string) (authkit.User, error) {
	user, ok := profiles.users[userID]
	if !ok {
		return authkit.User{}, authkit.ErrUserNotFound
	}
	return user, nil
}

func (profiles stubProfiles) UpdateProfile(ctx context.Context, userID string, changes authkit.ProfileChanges) (authkit.User, error) {
	if changes.Username == "taken" {
		return authkit.User{}, authkit.ErrAccountConflict
	}
	user := profiles.users[userID]
	if changes.Username != "" {
		user.Username = changes.Username
	}
	if changes.AvatarURL != "" {
		user.AvatarURL = changes.AvatarURL
	}
	return user, nil
}

func routerWithCurrentUser(user *authkit.User) *gin.Engine {
	router := gin.New()
	router.Use(func(contextGin *gin.Context) {
		if user != nil {
			contextGin.Request = contextGin.Request.WithContext(authkit.WithCurrentUser(contextGin.Request.Context(), *user))
		}
		contextGin.Next()
	})
	return router
}

func TestHandleWhoAmI(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	current := authkit.User{ID: "user-1", Username: "dave", Email: "dave@example.com", PasswordHash: "secret-hash", TwoFactorSecret: "SECRET"}
	router := routerWithCurrentUser(&current)
	router.GET("/me", HandleWhoAmI(zap.NewNop()))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	body := recorder.Body.String()
	if strings.Contains(body, "secret-hash") || strings.Contains(body, "SECRET") {
		t.Fatalf("response leaks credentials: %s", body)
	}
	var payload struct {
		User authkit.SanitizedUser `json:"user"`
	}
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if payload.User.ID != "user-1" || payload.User.Email != "dave@example.com" {
		t.Fatalf("unexpected user: %+v", payload.User)
	}
}

func TestHandleWhoAmIMissingUser(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	router := routerWithCurrentUser(nil)
	router.GET("/me", HandleWhoAmI(zap.NewNop()))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/me", nil))

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 when user missing, got %d", recorder.Code)
	}
}

func TestHandleUpdateProfile(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	current := authkit.User{ID: "user-1", Username: "erin", Email: "erin@example.com"}
	profiles := stubProfiles{users: map[string]authkit.User{current.ID: current}}
	router := routerWithCurrentUser(&current)
	router.PATCH("/me", HandleUpdateProfile(zap.NewNop(), profiles))

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodPatch, "/me", strings.NewReader(`{"username":"erin2","avatar_url":"https://example.com/a.png"}`))
	request.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if !strings.Contains(recorder.Body.String(), `"username":"erin2"`) {
		t.Fatalf("expected updated username, got %s", recorder.Body.String())
	}

	conflictRecorder := httptest.NewRecorder()
	conflictRequest := httptest.NewRequest(http.MethodPatch, "/me", strings.NewReader(`{"username":"taken"}`))
	conflictRequest.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(conflictRecorder, conflictRequest)
	if conflictRecorder.Code != http.StatusConflict {
		t.Fatalf("expected 409 for taken username, got %d", conflictRecorder.Code)
	}
}

func TestHandlePublicProfile(t *testing.T) {
	t.Parallel()
	gin.SetMode(gin.TestMode)

	current := authkit.User{ID: "user-1", Username: "frank", Email: "frank@example.com"}
	other := authkit.User{ID: "user-2", Username: "grace", Email: "grace@example.com"}
	profiles := stubProfiles{users: map[string]authkit.User{current.ID: current, other.ID: other}}
	router := routerWithCurrentUser(&current)
	router.GET("/users/:id", HandlePublicProfile(zap.NewNop(), profiles))

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/users/user-2", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if strings.Contains(recorder.Body.String(), "grace@example.com") {
		t.Fatalf("public profile leaks email: %s", recorder.Body.String())
	}

	missingRecorder := httptest.NewRecorder()
	router.ServeHTTP(missingRecorder, httptest.NewRequest(http.MethodGet, "/users/missing", nil))
	if missingRecorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", missingRecorder.Code)
	}
}

func TestQRCodeRendererProducesDataURL(t *testing.T) {
	t.Parallel()
	key, err := totp.Generate(totp.GenerateOpts{Issuer: "tauth", AccountName: "user@example.com"})
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	rendered, err := NewQRCodeRenderer(0).Render(key.URL())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(rendered, "data:image/png;base64,") {
		t.Fatalf("unexpected data url prefix: %.40s", rendered)
	}
	if _, err := NewQRCodeRenderer(0).Render("::not a uri"); err == nil {
		t.Fatalf("expected error for malformed uri")
	}
}
