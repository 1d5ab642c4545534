package authkit

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

const (
	totpPeriodSeconds = 30
	totpSkewSteps     = 1
	totpSecretSize    = 20
)

// ErrTwoFactorAlreadyEnabled indicates a generate call on an account whose second factor is active.
var ErrTwoFactorAlreadyEnabled = errors.New("auth.two_factor.already_enabled")

var totpCodePattern = regexp.MustCompile(`^[0-9]{6}$`)

var totpValidateOptions = totp.ValidateOpts{
	Period:    totpPeriodSeconds,
	Skew:      totpSkewSteps,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// Provisioning is a freshly generated secret and the otpauth URI describing it.
type Provisioning struct {
	Secret string
	URI    string
}

// TwoFactorService manages the disabled -> pending -> enabled lifecycle of a TOTP secret.
type TwoFactorService struct {
	users       UserStore
	credentials *CredentialVerifier
	issuer      string
	clock       Clock
}

// NewTwoFactorService constructs a TwoFactorService.
func NewTwoFactorService(users UserStore, credentials *CredentialVerifier, issuer string, clock Clock) *TwoFactorService {
	return &TwoFactorService{
		users:       users,
		credentials: credentials,
		issuer:      issuer,
		clock:       clockOrSystem(clock),
	}
}

// Generate stores a new pending secret for the user, replacing any unconfirmed one.
// Accounts without a local password are refused since Disable needs the password.
func (service *TwoFactorService) Generate(ctx context.Context, userID string) (Provisioning, error) {
	user, err := service.users.FindByID(ctx, userID)
	if err != nil {
		return Provisioning{}, err
	}
	if user.TwoFactorEnabled {
		return Provisioning{}, ErrTwoFactorAlreadyEnabled
	}
	if !user.HasPassword() {
		return Provisioning{}, ErrPasswordRequired
	}
	key, generateErr := totp.Generate(totp.GenerateOpts{
		Issuer:      service.issuer,
		AccountName: user.Email,
		Period:      totpPeriodSeconds,
		SecretSize:  totpSecretSize,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if generateErr != nil {
		return Provisioning{}, fmt.Errorf("two_factor.generate: %w", generateErr)
	}
	if _, err := service.users.UpdateFields(ctx, user.ID, UserUpdate{TwoFactorSecret: stringPointer(key.Secret())}); err != nil {
		return Provisioning{}, err
	}
	return Provisioning{Secret: key.Secret(), URI: key.URL()}, nil
}

// Confirm enables the second factor when code matches the pending secret.
// A wrong code leaves the account unchanged.
func (service *TwoFactorService) Confirm(ctx context.Context, userID string, code string) error {
	user, err := service.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if user.TwoFactorSecret == "" {
		return ErrSecretNotProvisioned
	}
	if !service.validCode(user.TwoFactorSecret, code) {
		return ErrTwoFactorInvalidCode
	}
	_, err = service.users.UpdateFields(ctx, user.ID, UserUpdate{TwoFactorEnabled: boolPointer(true)})
	return err
}

// VerifyLogin checks a code during the second login step without changing state.
func (service *TwoFactorService) VerifyLogin(ctx context.Context, user User, code string) error {
	if user.TwoFactorSecret == "" {
		return ErrSecretNotProvisioned
	}
	if !service.validCode(user.TwoFactorSecret, code) {
		return ErrTwoFactorInvalidCode
	}
	return nil
}

// Disable re-verifies the account password, then clears the flag and the secret.
func (service *TwoFactorService) Disable(ctx context.Context, userID string, password string) error {
	user, err := service.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !service.credentials.Verify(password, user.PasswordHash) {
		return ErrInvalidCredentials
	}
	_, err = service.users.UpdateFields(ctx, user.ID, UserUpdate{
		TwoFactorEnabled: boolPointer(false),
		TwoFactorSecret:  stringPointer(""),
	})
	return err
}

func (service *TwoFactorService) validCode(secret string, code string) bool {
	if !totpCodePattern.MatchString(code) {
		return false
	}
	valid, err := totp.ValidateCustom(code, secret, service.clock.Now(), totpValidateOptions)
	return err == nil && valid
}
