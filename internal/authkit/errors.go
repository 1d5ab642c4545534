package authkit

import "errors"

var (
	// ErrInvalidCredentials merges unknown user and wrong password into one outcome.
	ErrInvalidCredentials = errors.New("auth.invalid_credentials")
	// ErrTokenInvalid indicates a bad signature, malformed token, or wrong token kind.
	ErrTokenInvalid = errors.New("auth.token_invalid")
	// ErrTokenExpired indicates a correctly signed token past its expiry.
	ErrTokenExpired = errors.New("auth.token_expired")
	// ErrTokenRevoked indicates a token present in the revocation store.
	ErrTokenRevoked = errors.New("auth.token_revoked")
	// ErrTwoFactorInvalidCode indicates a rejected one-time code.
	ErrTwoFactorInvalidCode = errors.New("auth.two_factor.invalid_code")
	// ErrSecretNotProvisioned indicates a second-factor check without a generated secret.
	ErrSecretNotProvisioned = errors.New("auth.two_factor.secret_not_provisioned")
	// ErrPasswordRequired indicates a second-factor change on an account without a local password.
	ErrPasswordRequired = errors.New("auth.two_factor.password_required")
	// ErrAccountConflict indicates a duplicate email, username, or external identity.
	ErrAccountConflict = errors.New("user_store.conflict")
	// ErrUserNotFound indicates no user matched the lookup.
	ErrUserNotFound = errors.New("user_store.not_found")
	// ErrUnverifiedIdentity indicates an external profile without a verified subject and email.
	ErrUnverifiedIdentity = errors.New("oauth.unverified_identity")
	// ErrInvalidInput indicates a request missing a required field.
	ErrInvalidInput = errors.New("auth.invalid_input")
	// ErrEmptyToken indicates that the provided token text is empty.
	ErrEmptyToken = errors.New("revocation_store.empty_token")
)
