package authkit

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// DefaultPasswordHashCost matches the bcrypt cost used for all stored passwords.
const DefaultPasswordHashCost = 10

// CredentialVerifier hashes and checks account passwords with bcrypt.
type CredentialVerifier struct {
	cost int
}

// NewCredentialVerifier fixes the bcrypt cost for the lifetime of the process.
func NewCredentialVerifier(cost int) *CredentialVerifier {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = DefaultPasswordHashCost
	}
	return &CredentialVerifier{cost: cost}
}

// Hash returns a salted bcrypt hash for the plaintext password.
func (verifier *CredentialVerifier) Hash(plaintext string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), verifier.cost)
	if err != nil {
		return "", fmt.Errorf("credentials.hash: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether plaintext matches storedHash. Any error counts as a mismatch.
func (verifier *CredentialVerifier) Verify(plaintext string, storedHash string) bool {
	if strings.TrimSpace(storedHash) == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(plaintext)) == nil
}
