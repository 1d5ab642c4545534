package authkit

import (
	"context"
	"net/url"
	"strings"
)

// ProfileChanges lists the profile fields a user may edit. Empty values are ignored.
type ProfileChanges struct {
	Username  string
	AvatarURL string
}

// AccountService serves the authenticated user's own account operations.
type AccountService struct {
	users     UserStore
	twoFactor *TwoFactorService
}

// NewAccountService constructs an AccountService.
func NewAccountService(users UserStore, twoFactor *TwoFactorService) *AccountService {
	return &AccountService{users: users, twoFactor: twoFactor}
}

// Profile returns the user with the given id.
func (service *AccountService) Profile(ctx context.Context, userID string) (User, error) {
	return service.users.FindByID(ctx, userID)
}

// UpdateProfile applies the non-empty changes. A username taken by another
// account yields ErrAccountConflict.
func (service *AccountService) UpdateProfile(ctx context.Context, userID string, changes ProfileChanges) (User, error) {
	var update UserUpdate
	if username := strings.TrimSpace(changes.Username); username != "" {
		update.Username = &username
	}
	if avatarURL := strings.TrimSpace(changes.AvatarURL); avatarURL != "" {
		if !isHTTPURL(avatarURL) {
			return User{}, ErrInvalidInput
		}
		update.AvatarURL = &avatarURL
	}
	if update.Username == nil && update.AvatarURL == nil {
		return service.users.FindByID(ctx, userID)
	}
	return service.users.UpdateFields(ctx, userID, update)
}

// GenerateTwoFactor provisions a pending secret.
func (service *AccountService) GenerateTwoFactor(ctx context.Context, userID string) (Provisioning, error) {
	return service.twoFactor.Generate(ctx, userID)
}

// EnableTwoFactor confirms the pending secret with a code.
func (service *AccountService) EnableTwoFactor(ctx context.Context, userID string, code string) error {
	return service.twoFactor.Confirm(ctx, userID, strings.TrimSpace(code))
}

// DisableTwoFactor turns the second factor off after re-checking the password.
func (service *AccountService) DisableTwoFactor(ctx context.Context, userID string, password string) error {
	return service.twoFactor.Disable(ctx, userID, password)
}

func isHTTPURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Host == "" {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}
