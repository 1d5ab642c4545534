package authkit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryRevocationStore is an in-memory store intended for tests and dev.
type MemoryRevocationStore struct {
	mutex   sync.RWMutex
	entries map[string]time.Time
}

// NewMemoryRevocationStore creates an empty in-memory revocation store.
func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{entries: make(map[string]time.Time)}
}

// Revoke records the token until its natural expiry. Repeated calls keep the first entry.
func (store *MemoryRevocationStore) Revoke(ctx context.Context, token string, naturalExpiry time.Time) error {
	if strings.TrimSpace(token) == "" {
		return ErrEmptyToken
	}
	fingerprint := TokenFingerprint(token)
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.entries[fingerprint]; exists {
		return nil
	}
	store.entries[fingerprint] = naturalExpiry.UTC()
	return nil
}

// IsRevoked reports whether the token was revoked.
func (store *MemoryRevocationStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	_, exists := store.entries[TokenFingerprint(token)]
	return exists, nil
}

// PurgeExpired drops entries whose expiry is before now.
func (store *MemoryRevocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	var removed int64
	for fingerprint, expiresAt := range store.entries {
		if expiresAt.Before(now) {
			delete(store.entries, fingerprint)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries.
func (store *MemoryRevocationStore) Len() int {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	return len(store.entries)
}
