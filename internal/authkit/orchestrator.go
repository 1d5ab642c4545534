package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultAccessTTL is the lifetime of an access token.
	DefaultAccessTTL = 15 * time.Minute
	// DefaultRefreshTTL is the lifetime of a refresh token.
	DefaultRefreshTTL = 72 * time.Hour
)

// TokenPair is the access and refresh token issued on a completed login.
type TokenPair struct {
	Access  IssuedToken
	Refresh IssuedToken
}

// LoginOutcome is the result of a first-factor or second-factor step.
// Exactly one of Authenticated and ChallengeRequired is set on success.
type LoginOutcome struct {
	Authenticated     bool
	ChallengeRequired bool
	User              User
	Tokens            *TokenPair
	PendingToken      *IssuedToken
}

// SignupInput carries the fields of a password registration.
type SignupInput struct {
	Username string
	Email    string
	Password string
}

// OrchestratorDependencies wires the collaborators of an Orchestrator.
type OrchestratorDependencies struct {
	Users       UserStore
	Tokens      *TokenService
	Revocations RevocationStore
	Credentials *CredentialVerifier
	TwoFactor   *TwoFactorService
	Linker      *IdentityLinker
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	Metrics     MetricsRecorder
	Logger      *zap.Logger
}

// Orchestrator sequences credential checks, the second-factor gate, and token issuance.
type Orchestrator struct {
	users       UserStore
	tokens      *TokenService
	revocations RevocationStore
	credentials *CredentialVerifier
	twoFactor   *TwoFactorService
	linker      *IdentityLinker
	accessTTL   time.Duration
	refreshTTL  time.Duration
	metrics     MetricsRecorder
	logger      *zap.Logger
}

var errMissingDependency = errors.New("orchestrator.missing_dependency")

// NewOrchestrator validates dependencies and applies TTL defaults.
func NewOrchestrator(dependencies OrchestratorDependencies) (*Orchestrator, error) {
	if dependencies.Users == nil || dependencies.Tokens == nil || dependencies.Revocations == nil {
		return nil, errMissingDependency
	}
	if dependencies.Credentials == nil {
		dependencies.Credentials = NewCredentialVerifier(DefaultPasswordHashCost)
	}
	if dependencies.TwoFactor == nil || dependencies.Linker == nil {
		return nil, errMissingDependency
	}
	if dependencies.AccessTTL <= 0 {
		dependencies.AccessTTL = DefaultAccessTTL
	}
	if dependencies.RefreshTTL <= 0 {
		dependencies.RefreshTTL = DefaultRefreshTTL
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		users:       dependencies.Users,
		tokens:      dependencies.Tokens,
		revocations: dependencies.Revocations,
		credentials: dependencies.Credentials,
		twoFactor:   dependencies.TwoFactor,
		linker:      dependencies.Linker,
		accessTTL:   dependencies.AccessTTL,
		refreshTTL:  dependencies.RefreshTTL,
		metrics:     metricsOrNop(dependencies.Metrics),
		logger:      logger,
	}, nil
}

// Signup creates a password account and logs it in.
func (orchestrator *Orchestrator) Signup(ctx context.Context, input SignupInput) (LoginOutcome, error) {
	username := strings.TrimSpace(input.Username)
	email := normalizeEmail(input.Email)
	if username == "" || email == "" || input.Password == "" {
		return LoginOutcome{}, ErrInvalidInput
	}
	passwordHash, err := orchestrator.credentials.Hash(input.Password)
	if err != nil {
		return LoginOutcome{}, err
	}
	created, err := orchestrator.users.Create(ctx, NewUser{
		Username:     username,
		Email:        email,
		PasswordHash: passwordHash,
	})
	if err != nil {
		return LoginOutcome{}, err
	}
	orchestrator.metrics.Increment(metricSignupSuccess)
	orchestrator.logger.Info("account created",
		zap.String("code", "auth.signup.created"),
		zap.String("user_id", created.ID))
	return orchestrator.authenticated(created)
}

// Login checks the password and either completes the login or opens a second-factor challenge.
func (orchestrator *Orchestrator) Login(ctx context.Context, email string, password string) (LoginOutcome, error) {
	user, err := orchestrator.users.FindByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, ErrUserNotFound) {
		orchestrator.metrics.Increment(metricLoginFailure)
		return LoginOutcome{}, ErrInvalidCredentials
	}
	if err != nil {
		return LoginOutcome{}, err
	}
	if !orchestrator.credentials.Verify(password, user.PasswordHash) {
		orchestrator.metrics.Increment(metricLoginFailure)
		return LoginOutcome{}, ErrInvalidCredentials
	}
	orchestrator.metrics.Increment(metricLoginSuccess)
	return orchestrator.afterFirstFactor(user)
}

// CompleteExternalLogin resolves a verified external profile to a local user and
// applies the same second-factor gate as a password login.
func (orchestrator *Orchestrator) CompleteExternalLogin(ctx context.Context, profile ExternalProfile) (LoginOutcome, error) {
	user, outcome, err := orchestrator.linker.Resolve(ctx, profile)
	if err != nil {
		return LoginOutcome{}, err
	}
	orchestrator.metrics.Increment(metricExternalLoginSuccess)
	orchestrator.logger.Info("external identity resolved",
		zap.String("code", "auth.external_login.resolved"),
		zap.String("provider", profile.Provider),
		zap.String("outcome", string(outcome)),
		zap.String("user_id", user.ID))
	return orchestrator.afterFirstFactor(user)
}

// CompleteTwoFactor exchanges a pending token and a valid code for a full token pair.
// A wrong code leaves the pending token usable until it expires.
func (orchestrator *Orchestrator) CompleteTwoFactor(ctx context.Context, pendingToken string, code string) (LoginOutcome, error) {
	claims, err := orchestrator.verifyKind(ctx, pendingToken, (*JwtCustomClaims).IsTwoFactorPending)
	if err != nil {
		return LoginOutcome{}, err
	}
	user, err := orchestrator.lookupSubject(ctx, claims.UserID())
	if err != nil {
		return LoginOutcome{}, err
	}
	if err := orchestrator.twoFactor.VerifyLogin(ctx, user, code); err != nil {
		orchestrator.metrics.Increment(metricTwoFactorFailure)
		return LoginOutcome{}, err
	}
	if err := orchestrator.revocations.Revoke(ctx, pendingToken, claims.ExpiresAt.Time); err != nil {
		return LoginOutcome{}, err
	}
	orchestrator.metrics.Increment(metricTwoFactorSuccess)
	return orchestrator.authenticated(user)
}

// Refresh issues a new access token for a valid, unrevoked refresh token.
// The refresh token itself is not rotated.
func (orchestrator *Orchestrator) Refresh(ctx context.Context, refreshToken string) (IssuedToken, error) {
	claims, err := orchestrator.verifyKind(ctx, refreshToken, (*JwtCustomClaims).IsRefresh)
	if err != nil {
		orchestrator.metrics.Increment(metricRefreshFailure)
		return IssuedToken{}, err
	}
	user, err := orchestrator.lookupSubject(ctx, claims.UserID())
	if err != nil {
		orchestrator.metrics.Increment(metricRefreshFailure)
		return IssuedToken{}, err
	}
	access, err := orchestrator.tokens.Issue(user.ID, user.Username, TokenKindAccess, orchestrator.accessTTL)
	if err != nil {
		return IssuedToken{}, err
	}
	orchestrator.metrics.Increment(metricRefreshSuccess)
	return access, nil
}

// Logout revokes every presented token that is correctly signed and not yet expired.
// Empty, forged, and expired tokens are ignored.
func (orchestrator *Orchestrator) Logout(ctx context.Context, accessToken string, refreshToken string) error {
	for _, token := range []string{accessToken, refreshToken} {
		if strings.TrimSpace(token) == "" {
			continue
		}
		result := orchestrator.tokens.Verify(token)
		if !result.Valid() {
			continue
		}
		if err := orchestrator.revocations.Revoke(ctx, token, result.Claims.ExpiresAt.Time); err != nil {
			return err
		}
	}
	orchestrator.metrics.Increment(metricLogout)
	return nil
}

// Authenticate resolves an access token to its user. Pending and refresh tokens are rejected.
func (orchestrator *Orchestrator) Authenticate(ctx context.Context, accessToken string) (User, error) {
	claims, err := orchestrator.verifyKind(ctx, accessToken, (*JwtCustomClaims).IsFullAccess)
	if err != nil {
		return User{}, err
	}
	return orchestrator.lookupSubject(ctx, claims.UserID())
}

func (orchestrator *Orchestrator) afterFirstFactor(user User) (LoginOutcome, error) {
	if !user.TwoFactorEnabled {
		return orchestrator.authenticated(user)
	}
	pending, err := orchestrator.tokens.Issue(user.ID, user.Username, TokenKindTwoFactorPending, TwoFactorPendingTTL)
	if err != nil {
		return LoginOutcome{}, err
	}
	orchestrator.metrics.Increment(metricLoginChallenge)
	return LoginOutcome{ChallengeRequired: true, User: user, PendingToken: &pending}, nil
}

func (orchestrator *Orchestrator) authenticated(user User) (LoginOutcome, error) {
	access, err := orchestrator.tokens.Issue(user.ID, user.Username, TokenKindAccess, orchestrator.accessTTL)
	if err != nil {
		return LoginOutcome{}, err
	}
	refresh, err := orchestrator.tokens.Issue(user.ID, user.Username, TokenKindRefresh, orchestrator.refreshTTL)
	if err != nil {
		return LoginOutcome{}, err
	}
	return LoginOutcome{
		Authenticated: true,
		User:          user,
		Tokens:        &TokenPair{Access: access, Refresh: refresh},
	}, nil
}

// verifyKind runs the signature, kind, and revocation gates in that order.
func (orchestrator *Orchestrator) verifyKind(ctx context.Context, token string, accepts func(*JwtCustomClaims) bool) (*JwtCustomClaims, error) {
	result := orchestrator.tokens.Verify(token)
	if result.Expired() {
		return nil, ErrTokenExpired
	}
	if !result.Valid() || !accepts(result.Claims) {
		return nil, ErrTokenInvalid
	}
	revoked, err := orchestrator.revocations.IsRevoked(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.revocation_lookup: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return result.Claims, nil
}

func (orchestrator *Orchestrator) lookupSubject(ctx context.Context, userID string) (User, error) {
	user, err := orchestrator.users.FindByID(ctx, userID)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrTokenInvalid
	}
	return user, err
}
