package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/tyemirov/tauth/internal/authkit"
	"github.com/tyemirov/tauth/internal/authkitpg"
	"github.com/tyemirov/tauth/internal/web"
	"go.uber.org/zap"
)

var serveHTTP = func(server *http.Server) error {
	return server.ListenAndServe()
}

var buildGoogleTokenValidator = func(ctx context.Context) (authkit.GoogleTokenValidator, error) {
	return authkit.NewGoogleTokenValidator(ctx)
}

var buildLogger = func() (*zap.Logger, error) {
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "tauth",
		Short:   "Credential service with password login, TOTP second factor, Google sign-in, and revocable JWT sessions",
		PreRunE: prepareServerConfig,
		RunE:    runServer,
	}

	rootCmd.PersistentFlags().String("database_url", "", "Database URL for users and revocations (postgres:// or sqlite://; leave empty for in-memory stores)")
	rootCmd.PersistentFlags().String("redis_url", "", "Redis URL for the revocation store (redis://; takes precedence over database_url for revocations)")

	rootCmd.Flags().String("listen_addr", ":8080", "HTTP listen address")
	rootCmd.Flags().String("cookie_domain", "", "Cookie domain; empty for host-only")
	rootCmd.Flags().String("jwt_signing_key", "", "HS256 signing secret for all tokens")
	rootCmd.Flags().String("jwt_issuer", defaultJWTIssuer, "Issuer claim stamped on and required from every token")
	rootCmd.Flags().Duration("access_ttl", authkit.DefaultAccessTTL, "Access token TTL")
	rootCmd.Flags().Duration("refresh_ttl", authkit.DefaultRefreshTTL, "Refresh token TTL")
	rootCmd.Flags().Int("bcrypt_cost", authkit.DefaultPasswordHashCost, "bcrypt cost for stored password hashes")
	rootCmd.Flags().String("totp_issuer", defaultTOTPIssuer, "Issuer label shown by authenticator apps")
	rootCmd.Flags().String("google_client_id", "", "Google OAuth client ID; empty disables Google sign-in")
	rootCmd.Flags().String("google_client_secret", "", "Google OAuth client secret")
	rootCmd.Flags().String("google_redirect_url", "", "Google OAuth redirect URL pointing at /auth/oauth/google/callback")
	rootCmd.Flags().String("frontend_url", "/", "Where the OAuth callback redirects the browser")
	rootCmd.Flags().Duration("oauth_state_ttl", authkit.DefaultOAuthStateTTL, "Lifetime of an OAuth state value")
	rootCmd.Flags().Duration("revocation_purge_interval", authkit.DefaultRevocationPurgeInterval, "Interval between purges of expired revocation entries")
	rootCmd.Flags().String("metrics_token", "", "Bearer token required by /internal/metrics; empty disables the endpoint")
	rootCmd.Flags().Bool("dev_insecure_http", false, "Allow insecure HTTP for local dev")
	rootCmd.Flags().Bool("enable_cors", false, "Enable CORS for cross-origin clients (required to set SameSite=None cookies)")
	rootCmd.Flags().StringSlice("cors_allowed_origins", []string{}, "Allowed origins when CORS is enabled (required if enable_cors is true)")

	_ = viper.BindPFlags(rootCmd.PersistentFlags())
	_ = viper.BindPFlags(rootCmd.Flags())

	viper.SetEnvPrefix("APP")
	viper.AutomaticEnv()

	rootCmd.AddCommand(newPurgeCommand())

	return rootCmd
}

func newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-revocations",
		Short: "Remove revocation entries whose tokens have expired, then exit",
		RunE:  runPurge,
	}
}

const (
	defaultJWTIssuer  = "tauth"
	defaultTOTPIssuer = "tauth"

	sessionCookieName = "app_session"
	refreshCookieName = "app_refresh"
	pendingCookieName = "app_2fa_pending"

	configCodeMissingJWTSigningKey    = "config.missing_jwt_signing_key"
	configCodeMissingJWTIssuer        = "config.missing_jwt_issuer"
	configCodeInvalidAccessTTL        = "config.invalid_access_ttl"
	configCodeInvalidRefreshTTL       = "config.invalid_refresh_ttl"
	configCodeIncompleteGoogleConfig  = "config.incomplete_google_config"
	configCodeUninitializedServerConf = "config.uninitialized_server_config"
	configCodeGoogleValidatorInit     = "config.google_validator_init"
	configCodeMissingCORSOrigins      = "config.missing_cors_allowed_origins"
)

type contextKey string

const serverConfigContextKey contextKey = "serverConfig"

func prepareServerConfig(command *cobra.Command, arguments []string) error {
	serverConfig, loadErr := LoadServerConfig()
	if loadErr != nil {
		return loadErr
	}
	existingContext := command.Context()
	if existingContext == nil {
		existingContext = context.Background()
	}
	command.SetContext(context.WithValue(existingContext, serverConfigContextKey, serverConfig))
	return nil
}

func configError(code, message string) error {
	return fmt.Errorf("%s: %s", code, message)
}

// LoadServerConfig validates viper settings into an authkit.ServerConfig.
func LoadServerConfig() (authkit.ServerConfig, error) {
	jwtSigningKey := viper.GetString("jwt_signing_key")
	if jwtSigningKey == "" {
		return authkit.ServerConfig{}, configError(configCodeMissingJWTSigningKey, "jwt_signing_key must be provided")
	}

	jwtIssuer := strings.TrimSpace(viper.GetString("jwt_issuer"))
	if jwtIssuer == "" {
		jwtIssuer = defaultJWTIssuer
	}

	accessTTL := authkit.DefaultAccessTTL
	if viper.IsSet("access_ttl") {
		accessTTL = viper.GetDuration("access_ttl")
	}
	if accessTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidAccessTTL, "access_ttl must be greater than zero")
	}

	refreshTTL := authkit.DefaultRefreshTTL
	if viper.IsSet("refresh_ttl") {
		refreshTTL = viper.GetDuration("refresh_ttl")
	}
	if refreshTTL <= 0 {
		return authkit.ServerConfig{}, configError(configCodeInvalidRefreshTTL, "refresh_ttl must be greater than zero")
	}

	googleClientID := strings.TrimSpace(viper.GetString("google_client_id"))
	googleClientSecret := viper.GetString("google_client_secret")
	googleRedirectURL := strings.TrimSpace(viper.GetString("google_redirect_url"))
	if googleClientID != "" && (googleClientSecret == "" || googleRedirectURL == "") {
		return authkit.ServerConfig{}, configError(configCodeIncompleteGoogleConfig, "google_client_secret and google_redirect_url must be provided with google_client_id")
	}

	totpIssuer := strings.TrimSpace(viper.GetString("totp_issuer"))
	if totpIssuer == "" {
		totpIssuer = defaultTOTPIssuer
	}

	return authkit.ServerConfig{
		AppJWTSigningKey:     []byte(jwtSigningKey),
		AppJWTIssuer:         jwtIssuer,
		AccessTTL:            accessTTL,
		RefreshTTL:           refreshTTL,
		PasswordHashCost:     viper.GetInt("bcrypt_cost"),
		TOTPIssuer:           totpIssuer,
		CookieDomain:         viper.GetString("cookie_domain"),
		SessionCookieName:    sessionCookieName,
		RefreshCookieName:    refreshCookieName,
		PendingCookieName:    pendingCookieName,
		SameSiteMode:         http.SameSiteStrictMode,
		FrontendURL:          viper.GetString("frontend_url"),
		OAuthStateTTL:        viper.GetDuration("oauth_state_ttl"),
		RevocationPurgeEvery: viper.GetDuration("revocation_purge_interval"),
		GoogleClientID:       googleClientID,
		GoogleClientSecret:   googleClientSecret,
		GoogleRedirectURL:    googleRedirectURL,
	}, nil
}

func runServer(command *cobra.Command, arguments []string) error {
	commandContext := command.Context()
	var contextValue any
	if commandContext != nil {
		contextValue = commandContext.Value(serverConfigContextKey)
	}
	serverConfig, ok := contextValue.(authkit.ServerConfig)
	if !ok {
		return configError(configCodeUninitializedServerConf, "server configuration not prepared; PreRunE must execute before RunE")
	}

	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	listenAddr := viper.GetString("listen_addr")
	enableCORS := viper.GetBool("enable_cors")
	corsAllowedOrigins := viper.GetStringSlice("cors_allowed_origins")

	serverConfig.AllowInsecureHTTP = viper.GetBool("dev_insecure_http")
	if enableCORS {
		if len(corsAllowedOrigins) == 0 {
			return configError(configCodeMissingCORSOrigins, "cors_allowed_origins must be provided when enable_cors is true")
		}
		serverConfig.SameSiteMode = http.SameSiteNoneMode
	}

	stores, storesErr := openStores(commandContext, logger, viper.GetString("database_url"), viper.GetString("redis_url"))
	if storesErr != nil {
		return storesErr
	}
	defer stores.Close()

	clock := authkit.NewSystemClock()
	tokens, tokensErr := authkit.NewTokenService(serverConfig.AppJWTSigningKey, serverConfig.AppJWTIssuer, clock)
	if tokensErr != nil {
		return tokensErr
	}
	credentials := authkit.NewCredentialVerifier(serverConfig.PasswordHashCost)
	twoFactor := authkit.NewTwoFactorService(stores.users, credentials, serverConfig.TOTPIssuer, clock)
	metricsRecorder := authkit.NewCounterMetrics()
	orchestrator, orchestratorErr := authkit.NewOrchestrator(authkit.OrchestratorDependencies{
		Users:       stores.users,
		Tokens:      tokens,
		Revocations: stores.revocations,
		Credentials: credentials,
		TwoFactor:   twoFactor,
		Linker:      authkit.NewIdentityLinker(stores.users),
		AccessTTL:   serverConfig.AccessTTL,
		RefreshTTL:  serverConfig.RefreshTTL,
		Metrics:     metricsRecorder,
		Logger:      logger,
	})
	if orchestratorErr != nil {
		return orchestratorErr
	}
	accounts := authkit.NewAccountService(stores.users, twoFactor)

	var providers []authkit.ExternalIdentityProvider
	if serverConfig.GoogleClientID != "" {
		validator, validatorErr := buildGoogleTokenValidator(commandContext)
		if validatorErr != nil {
			return fmt.Errorf("%s: %w", configCodeGoogleValidatorInit, validatorErr)
		}
		providers = append(providers, authkit.NewGoogleProvider(authkit.GoogleProviderConfig{
			ClientID:     serverConfig.GoogleClientID,
			ClientSecret: serverConfig.GoogleClientSecret,
			RedirectURL:  serverConfig.GoogleRedirectURL,
		}, validator))
	} else {
		logger.Info("google sign-in disabled", zap.String("code", "config.google_disabled"))
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(zapLoggerMiddleware(logger))

	if enableCORS {
		corsMiddleware, corsErr := web.ConfigureCORS(logger, corsAllowedOrigins)
		if corsErr != nil {
			return corsErr
		}
		router.Use(corsMiddleware)
	}

	routeDependencies := authkit.RouteDependencies{
		Orchestrator: orchestrator,
		Accounts:     accounts,
		Providers:    providers,
		States:       authkit.NewMemoryOAuthStateStore(serverConfig.OAuthStateTTL, clock),
		Renderer:     web.NewQRCodeRenderer(0),
		Logger:       logger,
	}
	authkit.MountAuthRoutes(router, serverConfig, routeDependencies)

	protected := router.Group("/api")
	protected.Use(authkit.DeserializeUser(orchestrator, serverConfig, logger), authkit.RequireUser())
	protected.GET("/users/me", web.HandleWhoAmI(logger))
	protected.PATCH("/users/me", web.HandleUpdateProfile(logger, accounts))
	protected.GET("/users/:id", web.HandlePublicProfile(logger, accounts))
	authkit.MountTwoFactorRoutes(protected, serverConfig, routeDependencies)

	if metricsToken := viper.GetString("metrics_token"); metricsToken != "" {
		router.GET("/internal/metrics", metricsHandler(metricsRecorder, metricsToken))
	} else {
		logger.Info("metrics endpoint disabled", zap.String("code", "config.metrics_disabled"))
	}

	server := &http.Server{
		Addr:              listenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	purger := authkit.NewRevocationPurger(stores.revocations, serverConfig.RevocationPurgeEvery, clock, logger)
	go purger.Run(shutdownCtx)

	go func() {
		stopSignals := make(chan os.Signal, 1)
		signal.Notify(stopSignals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(stopSignals)
		select {
		case <-stopSignals:
		case <-shutdownCtx.Done():
			return
		}
		graceCtx, graceCancel := context.WithTimeout(shutdownCtx, 10*time.Second)
		defer graceCancel()
		if err := server.Shutdown(graceCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("listening", zap.String("addr", listenAddr))
	if err := serveHTTP(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen error: %w", err)
	}
	return nil
}

func runPurge(command *cobra.Command, arguments []string) error {
	logger, loggerErr := buildLogger()
	if loggerErr != nil {
		return loggerErr
	}
	defer func() { _ = logger.Sync() }()

	stores, storesErr := openStores(command.Context(), logger, viper.GetString("database_url"), viper.GetString("redis_url"))
	if storesErr != nil {
		return storesErr
	}
	defer stores.Close()

	purger := authkit.NewRevocationPurger(stores.revocations, 0, authkit.NewSystemClock(), logger)
	if !purger.PurgeOnce(command.Context()) {
		return errors.New("revocation.purge.failed: see logs for details")
	}
	return nil
}

type serviceStores struct {
	users       authkit.UserStore
	revocations authkit.RevocationStore
	closers     []func()
}

// Close releases every opened backend in reverse order.
func (stores *serviceStores) Close() {
	for index := len(stores.closers) - 1; index >= 0; index-- {
		stores.closers[index]()
	}
}

// openStores selects user and revocation backends from the configured URLs.
func openStores(ctx context.Context, logger *zap.Logger, databaseURL string, redisURL string) (*serviceStores, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	stores := &serviceStores{}
	var database *authkit.Database
	if strings.TrimSpace(databaseURL) != "" {
		opened, openErr := authkit.OpenDatabase(ctx, databaseURL)
		if openErr != nil {
			return nil, openErr
		}
		database = opened
		stores.closers = append(stores.closers, func() { _ = opened.Close() })
		stores.users = authkit.NewDatabaseUserStore(opened)
		logger.Info("using persistent user store", zap.String("driver", opened.Driver()))
	} else {
		stores.users = web.NewInMemoryUsers()
		logger.Info("using in-memory user store")
	}

	switch {
	case strings.TrimSpace(redisURL) != "":
		redisStore, redisErr := authkit.NewRedisRevocationStore(ctx, redisURL, nil)
		if redisErr != nil {
			stores.Close()
			return nil, redisErr
		}
		stores.closers = append(stores.closers, func() { _ = redisStore.Close() })
		stores.revocations = redisStore
		logger.Info("using redis revocation store")
	case database != nil && database.Driver() == "postgres":
		pgStore, pgErr := authkitpg.OpenRevocationStore(ctx, databaseURL)
		if pgErr != nil {
			stores.Close()
			return nil, pgErr
		}
		stores.closers = append(stores.closers, pgStore.Close)
		stores.revocations = pgStore
		logger.Info("using pgx revocation store")
	case database != nil:
		revocationStore := authkit.NewDatabaseRevocationStore(database)
		stores.revocations = revocationStore
		logger.Info("using persistent revocation store", zap.String("driver", revocationStore.Driver()))
	default:
		stores.revocations = authkit.NewMemoryRevocationStore()
		logger.Info("using in-memory revocation store")
	}
	return stores, nil
}

// metricsHandler serves the counter snapshot to callers presenting the configured bearer token.
func metricsHandler(recorder *authkit.CounterMetrics, token string) gin.HandlerFunc {
	expected := []byte("Bearer " + token)
	return func(contextGin *gin.Context) {
		presented := []byte(contextGin.GetHeader("Authorization"))
		if subtle.ConstantTimeCompare(presented, expected) != 1 {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, recorder.Snapshot())
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		startTime := time.Now()
		contextGin.Next()
		duration := time.Since(startTime)
		logger.Info("http",
			zap.String("method", contextGin.Request.Method),
			zap.String("path", contextGin.Request.URL.Path),
			zap.Int("status", contextGin.Writer.Status()),
			zap.String("ip", contextGin.ClientIP()),
			zap.Duration("elapsed", duration),
		)
	}
}
