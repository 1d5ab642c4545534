package authkit

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const pendingCookiePath = "/auth/2fa"

// ProvisioningRenderer turns an otpauth URI into something a client can display.
type ProvisioningRenderer interface {
	Render(uri string) (string, error)
}

// RouteDependencies are the services the HTTP handlers delegate to.
type RouteDependencies struct {
	Orchestrator *Orchestrator
	Accounts     *AccountService
	Providers    []ExternalIdentityProvider
	States       OAuthStateStore
	Renderer     ProvisioningRenderer
	Logger       *zap.Logger
}

type authRoutes struct {
	configuration ServerConfig
	orchestrator  *Orchestrator
	accounts      *AccountService
	providers     map[string]ExternalIdentityProvider
	states        OAuthStateStore
	renderer      ProvisioningRenderer
	logger        *zap.Logger
}

func newAuthRoutes(configuration ServerConfig, dependencies RouteDependencies) *authRoutes {
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	providers := make(map[string]ExternalIdentityProvider, len(dependencies.Providers))
	for _, provider := range dependencies.Providers {
		providers[provider.Name()] = provider
	}
	return &authRoutes{
		configuration: configuration,
		orchestrator:  dependencies.Orchestrator,
		accounts:      dependencies.Accounts,
		providers:     providers,
		states:        dependencies.States,
		renderer:      dependencies.Renderer,
		logger:        logger,
	}
}

// MountAuthRoutes registers the public /auth endpoints.
func MountAuthRoutes(router gin.IRouter, configuration ServerConfig, dependencies RouteDependencies) {
	routes := newAuthRoutes(configuration, dependencies)
	authGroup := router.Group("/auth")
	authGroup.Use(requireHTTPS(configuration))
	authGroup.POST("/signup", routes.handleSignup)
	authGroup.POST("/login", routes.handleLogin)
	authGroup.POST("/2fa/authenticate", routes.handleTwoFactorAuthenticate)
	authGroup.POST("/refresh", routes.handleRefresh)
	authGroup.POST("/logout", routes.handleLogout)
	if routes.states != nil && len(routes.providers) > 0 {
		authGroup.GET("/oauth/:provider/start", routes.handleOAuthStart)
		authGroup.GET("/oauth/:provider/callback", routes.handleOAuthCallback)
	}
}

// MountTwoFactorRoutes registers the second-factor lifecycle endpoints on a group guarded by RequireUser.
func MountTwoFactorRoutes(protected gin.IRouter, configuration ServerConfig, dependencies RouteDependencies) {
	routes := newAuthRoutes(configuration, dependencies)
	protected.POST("/2fa/generate", routes.handleTwoFactorGenerate)
	protected.POST("/2fa/turn-on", routes.handleTwoFactorTurnOn)
	protected.POST("/2fa/turn-off", routes.handleTwoFactorTurnOff)
}

func (routes *authRoutes) handleSignup(contextGin *gin.Context) {
	var inbound struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	outcome, err := routes.orchestrator.Signup(contextGin.Request.Context(), SignupInput{
		Username: inbound.Username,
		Email:    inbound.Email,
		Password: inbound.Password,
	})
	if err != nil {
		routes.writeError(contextGin, "auth.signup", err)
		return
	}
	routes.writeTokenPair(contextGin, outcome.Tokens)
	contextGin.JSON(http.StatusCreated, gin.H{"user": outcome.User.Sanitized()})
}

func (routes *authRoutes) handleLogin(contextGin *gin.Context) {
	var inbound struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Email) == "" || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	outcome, err := routes.orchestrator.Login(contextGin.Request.Context(), inbound.Email, inbound.Password)
	if err != nil {
		routes.writeError(contextGin, "auth.login", err)
		return
	}
	routes.writeLoginOutcome(contextGin, outcome)
}

func (routes *authRoutes) handleTwoFactorAuthenticate(contextGin *gin.Context) {
	var inbound struct {
		Code      string `json:"code"`
		TempToken string `json:"temp_token"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Code) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	pendingToken := strings.TrimSpace(inbound.TempToken)
	if pendingToken == "" {
		pendingToken = cookieValue(contextGin.Request, routes.configuration.PendingCookieName)
	}
	outcome, err := routes.orchestrator.CompleteTwoFactor(contextGin.Request.Context(), pendingToken, strings.TrimSpace(inbound.Code))
	if err != nil {
		routes.writeError(contextGin, "auth.two_factor", err)
		return
	}
	routes.clearCookie(contextGin, routes.configuration.PendingCookieName, pendingCookiePath)
	routes.writeTokenPair(contextGin, outcome.Tokens)
	contextGin.JSON(http.StatusOK, gin.H{"user": outcome.User.Sanitized()})
}

func (routes *authRoutes) handleRefresh(contextGin *gin.Context) {
	refreshToken := cookieValue(contextGin.Request, routes.configuration.RefreshCookieName)
	if refreshToken == "" {
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_refresh_token"})
		return
	}
	access, err := routes.orchestrator.Refresh(contextGin.Request.Context(), refreshToken)
	if err != nil {
		routes.writeError(contextGin, "auth.refresh", err)
		return
	}
	routes.writeCookie(contextGin, routes.configuration.SessionCookieName, "/", access.Value, access.ExpiresAt)
	contextGin.Status(http.StatusNoContent)
}

func (routes *authRoutes) handleLogout(contextGin *gin.Context) {
	accessToken := accessTokenFromRequest(contextGin.Request, routes.configuration.SessionCookieName)
	refreshToken := cookieValue(contextGin.Request, routes.configuration.RefreshCookieName)
	if err := routes.orchestrator.Logout(contextGin.Request.Context(), accessToken, refreshToken); err != nil {
		routes.writeError(contextGin, "auth.logout", err)
		return
	}
	routes.clearCookie(contextGin, routes.configuration.SessionCookieName, "/")
	routes.clearCookie(contextGin, routes.configuration.RefreshCookieName, "/auth")
	contextGin.Status(http.StatusNoContent)
}

func (routes *authRoutes) handleOAuthStart(contextGin *gin.Context) {
	provider, ok := routes.providers[contextGin.Param("provider")]
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
		return
	}
	state, err := routes.states.Issue(contextGin.Request.Context(), provider.Name())
	if err != nil {
		routes.writeError(contextGin, "auth.oauth.start", err)
		return
	}
	contextGin.Redirect(http.StatusFound, provider.AuthCodeURL(state))
}

func (routes *authRoutes) handleOAuthCallback(contextGin *gin.Context) {
	provider, ok := routes.providers[contextGin.Param("provider")]
	if !ok {
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
		return
	}
	issuedFor, stateErr := routes.states.Consume(contextGin.Request.Context(), contextGin.Query("state"))
	if stateErr != nil || issuedFor != provider.Name() {
		routes.logger.Warn("oauth state rejected",
			zap.String("code", "auth.oauth.invalid_state"),
			zap.String("provider", provider.Name()),
			zap.Error(stateErr))
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_state"})
		return
	}
	code := strings.TrimSpace(contextGin.Query("code"))
	if code == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing_code"})
		return
	}
	profile, err := provider.Exchange(contextGin.Request.Context(), code)
	if err != nil {
		if !errors.Is(err, ErrUnverifiedIdentity) {
			routes.logger.Warn("oauth exchange failed",
				zap.String("code", "auth.oauth.exchange_failed"),
				zap.String("provider", provider.Name()),
				zap.Error(err))
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "oauth_exchange_failed"})
			return
		}
		routes.writeError(contextGin, "auth.oauth.callback", err)
		return
	}
	outcome, err := routes.orchestrator.CompleteExternalLogin(contextGin.Request.Context(), profile)
	if err != nil {
		routes.writeError(contextGin, "auth.oauth.callback", err)
		return
	}
	if outcome.ChallengeRequired {
		routes.writeCookie(contextGin, routes.configuration.PendingCookieName, pendingCookiePath, outcome.PendingToken.Value, outcome.PendingToken.ExpiresAt)
		contextGin.Redirect(http.StatusFound, routes.frontendURL("two_factor_required"))
		return
	}
	routes.writeTokenPair(contextGin, outcome.Tokens)
	contextGin.Redirect(http.StatusFound, routes.frontendURL(""))
}

func (routes *authRoutes) handleTwoFactorGenerate(contextGin *gin.Context) {
	user, _ := CurrentUserFrom(contextGin.Request.Context())
	provisioning, err := routes.accounts.GenerateTwoFactor(contextGin.Request.Context(), user.ID)
	if err != nil {
		routes.writeError(contextGin, "api.two_factor.generate", err)
		return
	}
	response := gin.H{"secret": provisioning.Secret, "otpauth_uri": provisioning.URI}
	if routes.renderer != nil {
		rendered, renderErr := routes.renderer.Render(provisioning.URI)
		if renderErr != nil {
			routes.writeError(contextGin, "api.two_factor.render", renderErr)
			return
		}
		response["qrcode"] = rendered
	}
	contextGin.JSON(http.StatusOK, response)
}

func (routes *authRoutes) handleTwoFactorTurnOn(contextGin *gin.Context) {
	var inbound struct {
		Code string `json:"code"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.Code) == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	user, _ := CurrentUserFrom(contextGin.Request.Context())
	if err := routes.accounts.EnableTwoFactor(contextGin.Request.Context(), user.ID, inbound.Code); err != nil {
		routes.writeError(contextGin, "api.two_factor.turn_on", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"is_2fa_enabled": true})
}

func (routes *authRoutes) handleTwoFactorTurnOff(contextGin *gin.Context) {
	var inbound struct {
		Password string `json:"password"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil || inbound.Password == "" {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	user, _ := CurrentUserFrom(contextGin.Request.Context())
	if err := routes.accounts.DisableTwoFactor(contextGin.Request.Context(), user.ID, inbound.Password); err != nil {
		routes.writeError(contextGin, "api.two_factor.turn_off", err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"is_2fa_enabled": false})
}

func (routes *authRoutes) writeLoginOutcome(contextGin *gin.Context, outcome LoginOutcome) {
	if outcome.ChallengeRequired {
		routes.writeCookie(contextGin, routes.configuration.PendingCookieName, pendingCookiePath, outcome.PendingToken.Value, outcome.PendingToken.ExpiresAt)
		contextGin.JSON(http.StatusOK, gin.H{
			"status":     "two_factor_required",
			"temp_token": outcome.PendingToken.Value,
		})
		return
	}
	routes.writeTokenPair(contextGin, outcome.Tokens)
	contextGin.JSON(http.StatusOK, gin.H{"status": "authenticated", "user": outcome.User.Sanitized()})
}

func (routes *authRoutes) writeTokenPair(contextGin *gin.Context, tokens *TokenPair) {
	if tokens == nil {
		return
	}
	routes.writeCookie(contextGin, routes.configuration.SessionCookieName, "/", tokens.Access.Value, tokens.Access.ExpiresAt)
	routes.writeCookie(contextGin, routes.configuration.RefreshCookieName, "/auth", tokens.Refresh.Value, tokens.Refresh.ExpiresAt)
}

func (routes *authRoutes) writeCookie(contextGin *gin.Context, name string, path string, value string, expiresAt time.Time) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   routes.configuration.CookieDomain,
		Expires:  expiresAt,
		Secure:   !routes.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: routes.configuration.SameSiteMode,
	})
}

func (routes *authRoutes) clearCookie(contextGin *gin.Context, name string, path string) {
	http.SetCookie(contextGin.Writer, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     path,
		Domain:   routes.configuration.CookieDomain,
		MaxAge:   -1,
		Secure:   !routes.configuration.AllowInsecureHTTP,
		HttpOnly: true,
		SameSite: routes.configuration.SameSiteMode,
	})
}

func (routes *authRoutes) frontendURL(status string) string {
	target := routes.configuration.FrontendURL
	if target == "" {
		target = "/"
	}
	if status == "" {
		return target
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return target
	}
	query := parsed.Query()
	query.Set("status", status)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

// writeError maps domain errors to HTTP responses. Revoked and expired tokens
// share one response so a client cannot tell them apart.
func (routes *authRoutes) writeError(contextGin *gin.Context, operation string, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		routes.logger.Error("request failed",
			zap.String("code", operation+".failed"),
			zap.Error(err))
	}
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid_credentials"
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenRevoked):
		return http.StatusUnauthorized, "token_expired"
	case errors.Is(err, ErrTokenInvalid):
		return http.StatusUnauthorized, "token_invalid"
	case errors.Is(err, ErrTwoFactorInvalidCode):
		return http.StatusUnauthorized, "invalid_two_factor_code"
	case errors.Is(err, ErrSecretNotProvisioned):
		return http.StatusBadRequest, "two_factor_not_provisioned"
	case errors.Is(err, ErrTwoFactorAlreadyEnabled):
		return http.StatusConflict, "two_factor_already_enabled"
	case errors.Is(err, ErrPasswordRequired):
		return http.StatusConflict, "password_required"
	case errors.Is(err, ErrAccountConflict):
		return http.StatusConflict, "account_conflict"
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnverifiedIdentity):
		return http.StatusUnauthorized, "unverified_identity"
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout, "request_cancelled"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// WriteError exposes the shared error mapping to handlers outside this package.
func WriteError(contextGin *gin.Context, logger *zap.Logger, operation string, err error) {
	routes := &authRoutes{logger: logger}
	if routes.logger == nil {
		routes.logger = zap.NewNop()
	}
	routes.writeError(contextGin, operation, err)
}

func cookieValue(request *http.Request, name string) string {
	cookie, err := request.Cookie(name)
	if err != nil || cookie == nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func requireHTTPS(configuration ServerConfig) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if !configuration.AllowInsecureHTTP && !isHTTPS(contextGin.Request) {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "https_required"})
			return
		}
		contextGin.Next()
	}
}

func isHTTPS(request *http.Request) bool {
	if request.TLS != nil {
		return true
	}
	scheme := request.Header.Get("X-Forwarded-Proto")
	if strings.EqualFold(scheme, "https") {
		return true
	}
	forwarded := request.Header.Get("Forwarded")
	if forwarded != "" && strings.Contains(strings.ToLower(forwarded), "proto=https") {
		return true
	}
	host, _, splitErr := net.SplitHostPort(request.Host)
	if splitErr == nil && host == "localhost" {
		return true
	}
	return false
}
