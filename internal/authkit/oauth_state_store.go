package authkit

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultOAuthStateTTL bounds the time between the consent redirect and the callback.
const DefaultOAuthStateTTL = 10 * time.Minute

var (
	// ErrOAuthStateNotFound indicates the state was never issued or was already consumed.
	ErrOAuthStateNotFound = errors.New("oauth.state.not_found")
	// ErrOAuthStateExpired indicates the state outlived its TTL before the callback arrived.
	ErrOAuthStateExpired = errors.New("oauth.state.expired")
)

// OAuthStateStore issues one-time state values that bind a callback to the redirect that started it.
type OAuthStateStore interface {
	// Issue creates a state value for the named provider.
	Issue(ctx context.Context, provider string) (string, error)
	// Consume invalidates the state and returns the provider it was issued for.
	Consume(ctx context.Context, state string) (string, error)
}

type oauthStateEntry struct {
	provider  string
	expiresAt time.Time
}

type memoryOAuthStateStore struct {
	mutex     sync.Mutex
	entries   map[string]oauthStateEntry
	ttl       time.Duration
	clock     Clock
	stateSize int
}

// NewMemoryOAuthStateStore constructs an in-memory OAuthStateStore.
func NewMemoryOAuthStateStore(ttl time.Duration, clock Clock) OAuthStateStore {
	if ttl <= 0 {
		ttl = DefaultOAuthStateTTL
	}
	return &memoryOAuthStateStore{
		entries:   make(map[string]oauthStateEntry),
		ttl:       ttl,
		clock:     clockOrSystem(clock),
		stateSize: 32,
	}
}

func (store *memoryOAuthStateStore) Issue(ctx context.Context, provider string) (string, error) {
	state, err := store.randomState()
	if err != nil {
		return "", err
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.purgeExpiredLocked()
	store.entries[state] = oauthStateEntry{provider: provider, expiresAt: store.clock.Now().Add(store.ttl)}
	return state, nil
}

func (store *memoryOAuthStateStore) Consume(ctx context.Context, state string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	defer store.purgeExpiredLocked()
	entry, ok := store.entries[state]
	if !ok {
		return "", ErrOAuthStateNotFound
	}
	delete(store.entries, state)
	if store.clock.Now().After(entry.expiresAt) {
		return "", ErrOAuthStateExpired
	}
	return entry.provider, nil
}

func (store *memoryOAuthStateStore) purgeExpiredLocked() {
	if len(store.entries) == 0 {
		return
	}
	now := store.clock.Now()
	for state, entry := range store.entries {
		if now.After(entry.expiresAt) {
			delete(store.entries, state)
		}
	}
}

func (store *memoryOAuthStateStore) randomState() (string, error) {
	buffer := make([]byte, store.stateSize)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("oauth.state.random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
