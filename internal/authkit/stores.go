package authkit

import (
	"context"
	"time"
)

// User is the identity record owned by a UserStore.
type User struct {
	ID               string
	Username         string
	Email            string
	PasswordHash     string
	ExternalProvider string
	ExternalID       string
	AvatarURL        string
	TwoFactorSecret  string
	TwoFactorEnabled bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasPassword reports whether the account can log in with a local password.
func (user User) HasPassword() bool {
	return user.PasswordHash != ""
}

// SanitizedUser is the user view safe to return to clients.
type SanitizedUser struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	Email            string    `json:"email"`
	AvatarURL        string    `json:"avatar_url,omitempty"`
	TwoFactorEnabled bool      `json:"is_2fa_enabled"`
	LinkedProvider   string    `json:"linked_provider,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Sanitized drops the password hash and the second-factor secret.
func (user User) Sanitized() SanitizedUser {
	return SanitizedUser{
		ID:               user.ID,
		Username:         user.Username,
		Email:            user.Email,
		AvatarURL:        user.AvatarURL,
		TwoFactorEnabled: user.TwoFactorEnabled,
		LinkedProvider:   user.ExternalProvider,
		CreatedAt:        user.CreatedAt,
	}
}

// NewUser carries the fields required to create a user.
type NewUser struct {
	Username         string
	Email            string
	PasswordHash     string
	ExternalProvider string
	ExternalID       string
}

// ExternalLink binds a provider subject to a local user.
type ExternalLink struct {
	Provider   string
	ExternalID string
}

// UserUpdate lists the fields to change; nil pointers are left untouched.
// An empty TwoFactorSecret clears the stored secret.
type UserUpdate struct {
	Username         *string
	AvatarURL        *string
	ExternalLink     *ExternalLink
	TwoFactorSecret  *string
	TwoFactorEnabled *bool
}

// UserStore persists and retrieves users. Each call is atomic and the store
// enforces uniqueness of email, username, and the external link.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByID(ctx context.Context, userID string) (User, error)
	FindByExternalID(ctx context.Context, provider string, externalID string) (User, error)
	Create(ctx context.Context, newUser NewUser) (User, error)
	UpdateFields(ctx context.Context, userID string, update UserUpdate) (User, error)
}

// RevocationStore records tokens invalidated before their natural expiry.
type RevocationStore interface {
	Revoke(ctx context.Context, token string, naturalExpiry time.Time) error
	IsRevoked(ctx context.Context, token string) (bool, error)
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

func stringPointer(value string) *string {
	return &value
}

func boolPointer(value bool) *bool {
	return &value
}
