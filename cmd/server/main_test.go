package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/internal/authkit"
	"github.com/tyemirov/tauth/internal/web"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/idtoken"
)

func TestZapLoggerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(zapLoggerMiddleware(zaptest.NewLogger(t)))
	router.GET("/ping", func(contextGin *gin.Context) {
		contextGin.Status(http.StatusNoContent)
	})

	recorder := httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/ping", nil)
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", recorder.Code)
	}
}

func TestMetricsHandlerRequiresToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	recorder := authkit.NewCounterMetrics()
	recorder.Increment("login.failure")
	router := gin.New()
	router.GET("/internal/metrics", metricsHandler(recorder, "metrics-secret"))

	testCases := []struct {
		name           string
		authorization  string
		expectedStatus int
	}{
		{name: "missing", authorization: "", expectedStatus: http.StatusUnauthorized},
		{name: "wrong", authorization: "Bearer other", expectedStatus: http.StatusUnauthorized},
		{name: "bare token", authorization: "metrics-secret", expectedStatus: http.StatusUnauthorized},
		{name: "valid", authorization: "Bearer metrics-secret", expectedStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		response := httptest.NewRecorder()
		request := httptest.NewRequest(http.MethodGet, "/internal/metrics", nil)
		if testCase.authorization != "" {
			request.Header.Set("Authorization", testCase.authorization)
		}
		router.ServeHTTP(response, request)
		if response.Code != testCase.expectedStatus {
			t.Fatalf("%s: expected %d, got %d", testCase.name, testCase.expectedStatus, response.Code)
		}
		if testCase.expectedStatus == http.StatusOK && !strings.Contains(response.Body.String(), `"login.failure":1`) {
			t.Fatalf("%s: unexpected body %s", testCase.name, response.Body.String())
		}
		if testCase.expectedStatus != http.StatusOK && strings.Contains(response.Body.String(), "login.failure") {
			t.Fatalf("%s: counters leaked without token", testCase.name)
		}
	}
}

func TestRunServerMetricsRouteRequiresToken(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	var handler http.Handler
	defer withServeHTTPStub(func(server *http.Server) error {
		handler = server.Handler
		return http.ErrServerClosed
	})()
	defer withNopLogger()()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("dev_insecure_http", true)

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	response := httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/internal/metrics", nil))
	if response.Code != http.StatusNotFound {
		t.Fatalf("expected metrics route to be absent without a token, got %d", response.Code)
	}

	viper.Set("metrics_token", "metrics-secret")
	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
	response = httptest.NewRecorder()
	handler.ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/internal/metrics", nil))
	if response.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d", response.Code)
	}
	response = httptest.NewRecorder()
	request := httptest.NewRequest(http.MethodGet, "/internal/metrics", nil)
	request.Header.Set("Authorization", "Bearer metrics-secret")
	handler.ServeHTTP(response, request)
	if response.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", response.Code)
	}
}

func TestRunServerMissingConfig(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	err := runServer(&cobra.Command{}, nil)
	if err == nil {
		t.Fatalf("expected configuration error")
	}

	expectedMessage := "config.uninitialized_server_config: server configuration not prepared; PreRunE must execute before RunE"
	if err.Error() != expectedMessage {
		t.Fatalf("expected error %q, got %q", expectedMessage, err.Error())
	}
}

func TestLoadServerConfigDefaults(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	viper.Set("jwt_signing_key", "signing-secret")

	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	if config.AccessTTL != 15*time.Minute || config.RefreshTTL != 72*time.Hour {
		t.Fatalf("unexpected default ttls: access=%v refresh=%v", config.AccessTTL, config.RefreshTTL)
	}
	if config.AppJWTIssuer != defaultJWTIssuer || config.TOTPIssuer != defaultTOTPIssuer {
		t.Fatalf("unexpected issuers: %q %q", config.AppJWTIssuer, config.TOTPIssuer)
	}
	if config.SameSiteMode != http.SameSiteStrictMode {
		t.Fatalf("expected strict same-site by default")
	}
}

func TestLoadServerConfigRejectsInvalidSettings(t *testing.T) {
	testCases := []struct {
		name            string
		settings        map[string]any
		expectedMessage string
	}{
		{
			name:            "missing signing key",
			settings:        map[string]any{},
			expectedMessage: "config.missing_jwt_signing_key: jwt_signing_key must be provided",
		},
		{
			name:            "non-positive access ttl",
			settings:        map[string]any{"jwt_signing_key": "secret", "access_ttl": 0},
			expectedMessage: "config.invalid_access_ttl: access_ttl must be greater than zero",
		},
		{
			name:            "non-positive refresh ttl",
			settings:        map[string]any{"jwt_signing_key": "secret", "refresh_ttl": -time.Hour},
			expectedMessage: "config.invalid_refresh_ttl: refresh_ttl must be greater than zero",
		},
		{
			name:            "google id without secret",
			settings:        map[string]any{"jwt_signing_key": "secret", "google_client_id": "client"},
			expectedMessage: "config.incomplete_google_config: google_client_secret and google_redirect_url must be provided with google_client_id",
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			viper.Reset()
			defer viper.Reset()
			for key, value := range testCase.settings {
				viper.Set(key, value)
			}
			_, err := LoadServerConfig()
			if err == nil || err.Error() != testCase.expectedMessage {
				t.Fatalf("expected error %q, got %v", testCase.expectedMessage, err)
			}
		})
	}
}

func TestRunServerValidatorInitFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	defer withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})()
	defer withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return nil, errors.New("validator_fail")
	})()
	defer withNopLogger()()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("google_client_id", "client")
	viper.Set("google_client_secret", "client-secret")
	viper.Set("google_redirect_url", "https://auth.example.com/auth/oauth/google/callback")

	command := commandWithConfig(t)
	if err := runServer(command, nil); err == nil || err.Error() != "config.google_validator_init: validator_fail" {
		t.Fatalf("expected google validator init error, got %v", err)
	}
}

func TestRunServerSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	defer withServeHTTPStub(func(server *http.Server) error {
		if server.Handler == nil {
			t.Fatalf("expected handler to be configured")
		}
		return http.ErrServerClosed
	})()
	defer withGoogleValidatorBuilderStub(func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
		return noopGoogleValidator{}, nil
	})()
	defer withNopLogger()()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("cookie_domain", "localhost")
	viper.Set("google_client_id", "client")
	viper.Set("google_client_secret", "client-secret")
	viper.Set("google_redirect_url", "http://localhost/auth/oauth/google/callback")
	viper.Set("dev_insecure_http", true)
	viper.Set("database_url", "sqlite://file::memory:?cache=shared")
	viper.Set("enable_cors", true)
	viper.Set("cors_allowed_origins", []string{"http://localhost:5173"})

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed, got %v", err)
	}
}

func TestRunServerRequiresCORSOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()
	defer withNopLogger()()

	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("enable_cors", true)

	err := runServer(commandWithConfig(t), nil)
	if err == nil || err.Error() != "config.missing_cors_allowed_origins: cors_allowed_origins must be provided when enable_cors is true" {
		t.Fatalf("expected cors origins error, got %v", err)
	}
}

func TestRunServerInMemoryStoresWithRedisRevocations(t *testing.T) {
	gin.SetMode(gin.TestMode)

	viper.Reset()
	defer viper.Reset()

	redisServer := miniredis.RunT(t)

	defer withServeHTTPStub(func(server *http.Server) error {
		return http.ErrServerClosed
	})()
	defer withNopLogger()()

	viper.Set("listen_addr", ":0")
	viper.Set("jwt_signing_key", "signing-secret")
	viper.Set("dev_insecure_http", true)
	viper.Set("redis_url", "redis://"+redisServer.Addr())

	if err := runServer(commandWithConfig(t), nil); err != nil {
		t.Fatalf("expected runServer to succeed with in-memory users, got %v", err)
	}
}

func TestOpenStoresSelectsBackends(t *testing.T) {
	redisServer := miniredis.RunT(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	memoryStores, err := openStores(ctx, logger, "", "")
	if err != nil {
		t.Fatalf("open memory stores: %v", err)
	}
	defer memoryStores.Close()
	if _, ok := memoryStores.users.(*web.InMemoryUsers); !ok {
		t.Fatalf("expected in-memory users, got %T", memoryStores.users)
	}
	if _, ok := memoryStores.revocations.(*authkit.MemoryRevocationStore); !ok {
		t.Fatalf("expected in-memory revocations, got %T", memoryStores.revocations)
	}

	sqliteStores, err := openStores(ctx, logger, "sqlite:file:open-stores?mode=memory&cache=shared", "")
	if err != nil {
		t.Fatalf("open sqlite stores: %v", err)
	}
	defer sqliteStores.Close()
	if _, ok := sqliteStores.users.(*authkit.DatabaseUserStore); !ok {
		t.Fatalf("expected database users, got %T", sqliteStores.users)
	}
	if _, ok := sqliteStores.revocations.(*authkit.DatabaseRevocationStore); !ok {
		t.Fatalf("expected database revocations, got %T", sqliteStores.revocations)
	}

	redisStores, err := openStores(ctx, logger, "", "redis://"+redisServer.Addr())
	if err != nil {
		t.Fatalf("open redis stores: %v", err)
	}
	defer redisStores.Close()
	if _, ok := redisStores.revocations.(*authkit.RedisRevocationStore); !ok {
		t.Fatalf("expected redis revocations, got %T", redisStores.revocations)
	}

	if _, err := openStores(ctx, logger, "mysql://localhost/db", ""); !errors.Is(err, authkit.ErrUnsupportedDialect) {
		t.Fatalf("expected unsupported dialect, got %v", err)
	}
}

func TestPurgeCommand(t *testing.T) {
	viper.Reset()
	defer viper.Reset()
	defer withNopLogger()()

	cmd := newRootCommand()
	cmd.SetArgs([]string{"purge-revocations", "--database_url", "sqlite:file:purge-command?mode=memory&cache=shared"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected purge to succeed: %v", err)
	}
}

func TestNewRootCommandHelp(t *testing.T) {
	viper.Reset()
	defer viper.Reset()

	cmd := newRootCommand()
	cmd.SetArgs([]string{"--help"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("expected help execution to succeed: %v", err)
	}
}

func commandWithConfig(t *testing.T) *cobra.Command {
	t.Helper()
	config, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("expected configuration load to succeed, got %v", err)
	}
	command := &cobra.Command{}
	command.SetContext(context.WithValue(context.Background(), serverConfigContextKey, config))
	return command
}

func withServeHTTPStub(stub func(server *http.Server) error) func() {
	previous := serveHTTP
	serveHTTP = stub
	return func() {
		serveHTTP = previous
	}
}

func withNopLogger() func() {
	previous := buildLogger
	buildLogger = func() (*zap.Logger, error) {
		return zap.NewNop(), nil
	}
	return func() {
		buildLogger = previous
	}
}

type noopGoogleValidator struct{}

func (noopGoogleValidator) Validate(ctx context.Context, token string, audience string) (*idtoken.Payload, error) {
	return &idtoken.Payload{}, nil
}

func withGoogleValidatorBuilderStub(stub func(ctx context.Context) (authkit.GoogleTokenValidator, error)) func() {
	previous := buildGoogleTokenValidator
	buildGoogleTokenValidator = stub
	return func() {
		buildGoogleTokenValidator = previous
	}
}
