package authkit

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type currentUserKey struct{}

// Authenticator resolves an access token to its user.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (User, error)
}

// WithCurrentUser returns a context carrying the authenticated user.
func WithCurrentUser(ctx context.Context, user User) context.Context {
	return context.WithValue(ctx, currentUserKey{}, user)
}

// CurrentUserFrom returns the authenticated user, if any.
func CurrentUserFrom(ctx context.Context) (User, bool) {
	user, ok := ctx.Value(currentUserKey{}).(User)
	return user, ok
}

// DeserializeUser resolves the access token from the session cookie or a bearer
// header. A missing, invalid, expired, revoked, or pending token leaves the
// request anonymous; RequireUser decides whether that is acceptable.
func DeserializeUser(authenticator Authenticator, configuration ServerConfig, logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		accessToken := accessTokenFromRequest(contextGin.Request, configuration.SessionCookieName)
		if accessToken == "" {
			contextGin.Next()
			return
		}
		user, err := authenticator.Authenticate(contextGin.Request.Context(), accessToken)
		if err != nil {
			if !isTokenRejection(err) {
				logger.Warn("access token lookup failed",
					zap.String("code", "auth.deserialize.failed"),
					zap.Error(err))
			}
			contextGin.Next()
			return
		}
		contextGin.Request = contextGin.Request.WithContext(WithCurrentUser(contextGin.Request.Context(), user))
		contextGin.Next()
	}
}

// RequireUser rejects anonymous requests with 401.
func RequireUser() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if _, ok := CurrentUserFrom(contextGin.Request.Context()); !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		contextGin.Next()
	}
}

func accessTokenFromRequest(request *http.Request, cookieName string) string {
	if sessionCookie, err := request.Cookie(cookieName); err == nil && strings.TrimSpace(sessionCookie.Value) != "" {
		return strings.TrimSpace(sessionCookie.Value)
	}
	authorization := strings.TrimSpace(request.Header.Get("Authorization"))
	if len(authorization) > len("Bearer ") && strings.EqualFold(authorization[:len("Bearer ")], "Bearer ") {
		return strings.TrimSpace(authorization[len("Bearer "):])
	}
	return ""
}

func isTokenRejection(err error) bool {
	return errors.Is(err, ErrTokenInvalid) || errors.Is(err, ErrTokenExpired) || errors.Is(err, ErrTokenRevoked)
}
