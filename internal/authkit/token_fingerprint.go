package authkit

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

const usernameSuffixByteLength = 3

var randomSource io.Reader = rand.Reader

// TokenFingerprint is the storage key for a revoked token. Equal tokens map to
// equal fingerprints, so lookups keep exact-string semantics.
func TokenFingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomHex(byteLength int) (string, error) {
	buffer := make([]byte, byteLength)
	if _, err := io.ReadFull(randomSource, buffer); err != nil {
		return "", fmt.Errorf("auth.random: %w", err)
	}
	return hex.EncodeToString(buffer), nil
}
