package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

var (
	errMissingIDToken = errors.New("oauth.google.missing_id_token")
	errInvalidIssuer  = errors.New("oauth.google.invalid_issuer")
)

// ExternalIdentityProvider runs the authorization-code flow of one provider.
type ExternalIdentityProvider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (ExternalProfile, error)
}

// GoogleTokenValidator validates Google ID tokens.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator builds the production validator backed by Google's public keys.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	return idtoken.NewValidator(ctx)
}

// GoogleProviderConfig configures the Google OAuth client.
type GoogleProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Endpoint     oauth2.Endpoint
}

// GoogleProvider exchanges authorization codes and verifies the returned ID token.
type GoogleProvider struct {
	oauthConfig *oauth2.Config
	validator   GoogleTokenValidator
}

// NewGoogleProvider constructs a GoogleProvider. A zero Endpoint selects Google's production endpoint.
func NewGoogleProvider(configuration GoogleProviderConfig, validator GoogleTokenValidator) *GoogleProvider {
	endpoint := configuration.Endpoint
	if endpoint.TokenURL == "" {
		endpoint = google.Endpoint
	}
	return &GoogleProvider{
		oauthConfig: &oauth2.Config{
			ClientID:     configuration.ClientID,
			ClientSecret: configuration.ClientSecret,
			RedirectURL:  configuration.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       []string{"openid", "email", "profile"},
		},
		validator: validator,
	}
}

// Name returns the provider label stored on linked accounts.
func (provider *GoogleProvider) Name() string {
	return ProviderGoogle
}

// AuthCodeURL returns the consent URL carrying the given state.
func (provider *GoogleProvider) AuthCodeURL(state string) string {
	return provider.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOnline)
}

// Exchange trades the code for tokens and returns the verified profile.
func (provider *GoogleProvider) Exchange(ctx context.Context, code string) (ExternalProfile, error) {
	token, exchangeErr := provider.oauthConfig.Exchange(ctx, code)
	if exchangeErr != nil {
		return ExternalProfile{}, fmt.Errorf("oauth.google.exchange: %w", exchangeErr)
	}
	rawIDToken, _ := token.Extra("id_token").(string)
	if strings.TrimSpace(rawIDToken) == "" {
		return ExternalProfile{}, errMissingIDToken
	}
	payload, validateErr := provider.validator.Validate(ctx, rawIDToken, provider.oauthConfig.ClientID)
	if validateErr != nil {
		return ExternalProfile{}, fmt.Errorf("oauth.google.validate: %w", validateErr)
	}
	return profileFromGooglePayload(payload)
}

func profileFromGooglePayload(payload *idtoken.Payload) (ExternalProfile, error) {
	if payload == nil {
		return ExternalProfile{}, ErrUnverifiedIdentity
	}
	issuerValue, _ := payload.Claims["iss"].(string)
	if issuerValue != "https://accounts.google.com" && issuerValue != "accounts.google.com" {
		return ExternalProfile{}, errInvalidIssuer
	}
	googleSub, _ := payload.Claims["sub"].(string)
	userEmail, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	userDisplayName, _ := payload.Claims["name"].(string)
	if googleSub == "" || userEmail == "" || !emailVerified {
		return ExternalProfile{}, ErrUnverifiedIdentity
	}
	return ExternalProfile{
		Provider:    ProviderGoogle,
		SubjectID:   googleSub,
		Email:       userEmail,
		DisplayName: userDisplayName,
	}, nil
}
