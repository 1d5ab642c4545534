package sessionvalidator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// RevocationChecker reports whether a token was revoked before its expiry.
// Services sharing the auth service's revocation store can plug it in here.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

// Config configures the Validator.
type Config struct {
	SigningKey  []byte
	Issuer      string
	CookieName  string
	Clock       Clock
	Revocations RevocationChecker
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

// DefaultCookieName is used when Config.CookieName is empty.
const DefaultCookieName = "app_session"

const accessTokenKind = "access"

// Sentinel errors exposed by the validator.
var (
	ErrMissingSigningKey = errors.New("session.validator.missing_signing_key")
	ErrMissingIssuer     = errors.New("session.validator.missing_issuer")
	ErrMissingToken      = errors.New("session.validator.missing_token")
	ErrMissingCookie     = errors.New("session.validator.missing_cookie")
	ErrInvalidToken      = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer     = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired      = errors.New("session.validator.expired")
	ErrWrongTokenKind    = errors.New("session.validator.wrong_token_kind")
	ErrTokenRevoked      = errors.New("session.validator.revoked")
)

// Validator validates access tokens issued by the auth service.
type Validator struct {
	signingKey  []byte
	issuer      string
	cookieName  string
	clock       Clock
	revocations RevocationChecker
}

// Claims represent the payload embedded inside access tokens.
type Claims struct {
	Username  string `json:"username"`
	Kind      string `json:"kind"`
	LoginStep string `json:"login_step,omitempty"`
	jwt.RegisteredClaims
}

// GetUserID returns the user identifier from the token subject.
func (claims *Claims) GetUserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// GetUsername returns the username stored in the token.
func (claims *Claims) GetUsername() string {
	if claims == nil {
		return ""
	}
	return claims.Username
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingSigningKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	cookieName := configuration.CookieName
	if strings.TrimSpace(cookieName) == "" {
		cookieName = DefaultCookieName
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &Validator{
		signingKey:  configuration.SigningKey,
		issuer:      configuration.Issuer,
		cookieName:  cookieName,
		clock:       clock,
		revocations: configuration.Revocations,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
// Only completed-login access tokens are accepted.
func (validator *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired(), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || claims.Subject == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	if claims.Kind != accessTokenKind || claims.LoginStep != "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrWrongTokenKind)
	}
	if validator.revocations != nil {
		revoked, lookupErr := validator.revocations.IsRevoked(ctx, tokenString)
		if lookupErr != nil {
			return nil, fmt.Errorf("session.validator.revocation_lookup: %w", lookupErr)
		}
		if revoked {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenRevoked)
		}
	}
	return claims, nil
}

// ValidateRequest reads the configured cookie, or a bearer header, and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	tokenValue := ""
	if cookie, cookieErr := request.Cookie(validator.cookieName); cookieErr == nil && cookie != nil {
		tokenValue = strings.TrimSpace(cookie.Value)
	}
	if tokenValue == "" {
		tokenValue = bearerToken(request.Header.Get("Authorization"))
	}
	if tokenValue == "" {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingCookie)
	}
	return validator.ValidateToken(request.Context(), tokenValue)
}

// GinMiddleware returns a Gin middleware that validates the access token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	header = strings.TrimSpace(header)
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
