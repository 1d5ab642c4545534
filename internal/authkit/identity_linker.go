package authkit

import (
	"context"
	"errors"
	"strings"
	"unicode"
)

const (
	// ProviderGoogle names the Google identity provider on external links.
	ProviderGoogle = "google"

	defaultUsernameBase = "User"
)

// ExternalProfile is a verified identity returned by an external provider.
type ExternalProfile struct {
	Provider    string
	SubjectID   string
	Email       string
	DisplayName string
}

// LinkOutcome records which resolution step produced the local account.
type LinkOutcome string

const (
	// LinkExisting means the provider subject was already linked.
	LinkExisting LinkOutcome = "existing"
	// LinkByEmail means an account with the same email was linked.
	LinkByEmail LinkOutcome = "linked_by_email"
	// LinkCreated means a new account was created for the profile.
	LinkCreated LinkOutcome = "created"
)

// IdentityLinker resolves an external profile to exactly one local user.
type IdentityLinker struct {
	users UserStore
}

// NewIdentityLinker constructs an IdentityLinker.
func NewIdentityLinker(users UserStore) *IdentityLinker {
	return &IdentityLinker{users: users}
}

// Resolve prefers an existing link, then an email match (which is linked in
// place), then creates a password-less account.
func (linker *IdentityLinker) Resolve(ctx context.Context, profile ExternalProfile) (User, LinkOutcome, error) {
	if strings.TrimSpace(profile.Provider) == "" || strings.TrimSpace(profile.SubjectID) == "" {
		return User{}, "", ErrUnverifiedIdentity
	}

	linked, err := linker.users.FindByExternalID(ctx, profile.Provider, profile.SubjectID)
	if err == nil {
		return linked, LinkExisting, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, "", err
	}

	email := normalizeEmail(profile.Email)
	if email == "" {
		return User{}, "", ErrUnverifiedIdentity
	}
	matched, err := linker.users.FindByEmail(ctx, email)
	if err == nil {
		// TODO: require proof of ownership of the password account before merging it with an external identity.
		updated, updateErr := linker.users.UpdateFields(ctx, matched.ID, UserUpdate{
			ExternalLink: &ExternalLink{Provider: profile.Provider, ExternalID: profile.SubjectID},
		})
		if updateErr != nil {
			return User{}, "", updateErr
		}
		return updated, LinkByEmail, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return User{}, "", err
	}

	suffix, err := randomHex(usernameSuffixByteLength)
	if err != nil {
		return User{}, "", err
	}
	created, err := linker.users.Create(ctx, NewUser{
		Username:         usernameBase(profile.DisplayName) + suffix,
		Email:            email,
		ExternalProvider: profile.Provider,
		ExternalID:       profile.SubjectID,
	})
	if err != nil {
		return User{}, "", err
	}
	return created, LinkCreated, nil
}

func usernameBase(displayName string) string {
	base := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, displayName)
	if base == "" {
		return defaultUsernameBase
	}
	return base
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
