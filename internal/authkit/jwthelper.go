package authkit

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenKind tags what a signed token may be used for.
type TokenKind string

const (
	// TokenKindAccess authorizes API calls.
	TokenKindAccess TokenKind = "access"
	// TokenKindRefresh is accepted only by the refresh flow.
	TokenKindRefresh TokenKind = "refresh"
	// TokenKindTwoFactorPending is accepted only when completing a second-factor challenge.
	TokenKindTwoFactorPending TokenKind = "two_fa_pending"

	loginStepTwoFactor = "2fa"
)

// TokenStatus is the outcome of verifying a token's signature and lifetime.
type TokenStatus int

const (
	// TokenInvalid covers bad signatures, malformed input, and any other failure.
	TokenInvalid TokenStatus = iota
	// TokenValid means the signature and the lifetime both check out.
	TokenValid
	// TokenExpired means the signature is valid but the token is past its expiry.
	TokenExpired
)

// JwtCustomClaims are embedded in every token minted by the TokenService.
type JwtCustomClaims struct {
	Username  string    `json:"username"`
	Kind      TokenKind `json:"kind"`
	LoginStep string    `json:"login_step,omitempty"`
	jwt.RegisteredClaims
}

// UserID returns the subject of the token.
func (claims *JwtCustomClaims) UserID() string {
	if claims == nil {
		return ""
	}
	return claims.Subject
}

// IsFullAccess reports whether the claims describe a completed login.
func (claims *JwtCustomClaims) IsFullAccess() bool {
	return claims != nil && claims.Kind == TokenKindAccess && claims.LoginStep == ""
}

// IsRefresh reports whether the claims describe a refresh token.
func (claims *JwtCustomClaims) IsRefresh() bool {
	return claims != nil && claims.Kind == TokenKindRefresh && claims.LoginStep == ""
}

// IsTwoFactorPending reports whether the claims describe a pending second-factor login.
func (claims *JwtCustomClaims) IsTwoFactorPending() bool {
	return claims != nil && claims.Kind == TokenKindTwoFactorPending && claims.LoginStep == loginStepTwoFactor
}

// IssuedToken is a signed token together with its natural expiry.
type IssuedToken struct {
	Value     string
	Kind      TokenKind
	ExpiresAt time.Time
}

// VerifyResult is the three-way outcome of TokenService.Verify.
type VerifyResult struct {
	Status TokenStatus
	Claims *JwtCustomClaims
}

// Valid reports whether the token passed both signature and lifetime checks.
func (result VerifyResult) Valid() bool {
	return result.Status == TokenValid && result.Claims != nil
}

// Expired reports whether the token is correctly signed but past its expiry.
func (result VerifyResult) Expired() bool {
	return result.Status == TokenExpired
}

var (
	errEmptySigningKey = errors.New("jwt.mint.failure: signing key must be non-empty")
	errEmptySubject    = errors.New("jwt.mint.failure: subject must be non-empty")
	errInvalidTokenTTL = errors.New("jwt.mint.failure: ttl must be greater than zero")
)

// TokenService creates and verifies HS256 tokens with an injected key.
type TokenService struct {
	signingKey []byte
	issuer     string
	clock      Clock
}

// NewTokenService constructs a TokenService. A nil clock falls back to the system clock.
func NewTokenService(signingKey []byte, issuer string, clock Clock) (*TokenService, error) {
	if len(signingKey) == 0 {
		return nil, errEmptySigningKey
	}
	return &TokenService{
		signingKey: signingKey,
		issuer:     issuer,
		clock:      clockOrSystem(clock),
	}, nil
}

// Issue mints a token of the given kind for the subject.
func (service *TokenService) Issue(subject string, username string, kind TokenKind, ttl time.Duration) (IssuedToken, error) {
	if strings.TrimSpace(subject) == "" {
		return IssuedToken{}, errEmptySubject
	}
	if ttl <= 0 {
		return IssuedToken{}, errInvalidTokenTTL
	}
	issuedAt := service.clock.Now().UTC()
	expiresAt := issuedAt.Add(ttl)
	claims := JwtCustomClaims{
		Username: username,
		Kind:     kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    service.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt.Add(-30 * time.Second)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if kind == TokenKindTwoFactorPending {
		claims.LoginStep = loginStepTwoFactor
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(service.signingKey)
	if err != nil {
		return IssuedToken{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return IssuedToken{Value: signed, Kind: kind, ExpiresAt: expiresAt}, nil
}

// Verify checks signature, issuer, and lifetime. It never returns claims for an invalid token.
func (service *TokenService) Verify(tokenString string) VerifyResult {
	if strings.TrimSpace(tokenString) == "" {
		return VerifyResult{Status: TokenInvalid}
	}
	claims, parseErr := service.parse(tokenString, jwt.WithTimeFunc(service.clock.Now))
	if parseErr == nil {
		return VerifyResult{Status: TokenValid, Claims: claims}
	}
	if !errors.Is(parseErr, jwt.ErrTokenExpired) {
		return VerifyResult{Status: TokenInvalid}
	}
	// The signature is checked again without lifetime rules so that an
	// expired-but-forged token is still reported as invalid.
	expiredClaims, signatureErr := service.parse(tokenString, jwt.WithoutClaimsValidation())
	if signatureErr != nil {
		return VerifyResult{Status: TokenInvalid}
	}
	return VerifyResult{Status: TokenExpired, Claims: expiredClaims}
}

// SignatureExpiry returns the natural expiry of a correctly signed token regardless of its lifetime.
func (service *TokenService) SignatureExpiry(tokenString string) (time.Time, bool) {
	claims, err := service.parse(tokenString, jwt.WithoutClaimsValidation())
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

func (service *TokenService) parse(tokenString string, options ...jwt.ParserOption) (*JwtCustomClaims, error) {
	options = append(options, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &JwtCustomClaims{}, func(parsed *jwt.Token) (interface{}, error) {
		return service.signingKey, nil
	}, options...)
	if parseErr != nil {
		return nil, parseErr
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, ErrTokenInvalid
	}
	claims, ok := parsedToken.Claims.(*JwtCustomClaims)
	if !ok || claims.Issuer != service.issuer || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
