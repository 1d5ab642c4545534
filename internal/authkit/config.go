package authkit

import (
	"net/http"
	"time"
)

// TwoFactorPendingTTL bounds the window between password verification and the second factor.
const TwoFactorPendingTTL = 5 * time.Minute

// ServerConfig configures token issuance, cookies, and the second factor.
type ServerConfig struct {
	AppJWTSigningKey     []byte
	AppJWTIssuer         string
	AccessTTL            time.Duration
	RefreshTTL           time.Duration
	PasswordHashCost     int
	TOTPIssuer           string
	CookieDomain         string
	SessionCookieName    string
	RefreshCookieName    string
	PendingCookieName    string
	SameSiteMode         http.SameSite
	AllowInsecureHTTP    bool
	FrontendURL          string
	OAuthStateTTL        time.Duration
	RevocationPurgeEvery time.Duration
	GoogleClientID       string
	GoogleClientSecret   string
	GoogleRedirectURL    string
}
