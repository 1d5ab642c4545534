package authkit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testReferenceTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

const (
	testSigningKey = "test-signing-key"
	testIssuer     = "tauth-test"
)

func newTestDatabase(t *testing.T) *Database {
	t.Helper()
	database, err := OpenDatabase(context.Background(), "sqlite:file:"+uuid.NewString()+"?mode=memory&cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return database
}

func newTestTokenService(t *testing.T, clock Clock) *TokenService {
	t.Helper()
	service, err := NewTokenService([]byte(testSigningKey), testIssuer, clock)
	require.NoError(t, err)
	return service
}

func newTestCredentials() *CredentialVerifier {
	return NewCredentialVerifier(bcrypt.MinCost)
}

func currentTOTPCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totpValidateOptions)
	require.NoError(t, err)
	return code
}

// wrongTOTPCode returns a well-formed code that differs from every code accepted at the given time.
func wrongTOTPCode(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	accepted := map[string]struct{}{}
	for step := -totpSkewSteps; step <= totpSkewSteps; step++ {
		accepted[currentTOTPCode(t, secret, at.Add(time.Duration(step*totpPeriodSeconds)*time.Second))] = struct{}{}
	}
	for _, candidate := range []string{"000000", "111111", "222222", "333333"} {
		if _, ok := accepted[candidate]; !ok {
			return candidate
		}
	}
	t.Fatalf("could not find a rejected code")
	return ""
}
