package authkit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisRevocationKeyPrefix = "auth:revoked:"

// RedisRevocationStore keeps revoked tokens as keys that expire with the token.
type RedisRevocationStore struct {
	client *redis.Client
	clock  Clock
}

// NewRedisRevocationStore parses a redis:// URL and verifies the connection.
func NewRedisRevocationStore(ctx context.Context, redisURL string, clock Clock) (*RedisRevocationStore, error) {
	options, parseErr := redis.ParseURL(redisURL)
	if parseErr != nil {
		return nil, fmt.Errorf("revocation_store.redis.parse_url: %w", parseErr)
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("revocation_store.redis.ping: %w", err)
	}
	return NewRedisRevocationStoreFromClient(client, clock), nil
}

// NewRedisRevocationStoreFromClient wraps an existing client.
func NewRedisRevocationStoreFromClient(client *redis.Client, clock Clock) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, clock: clockOrSystem(clock)}
}

// Revoke stores the fingerprint with a TTL equal to the token's remaining lifetime.
func (store *RedisRevocationStore) Revoke(ctx context.Context, token string, naturalExpiry time.Time) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("revocation_store.revoke.redis: %w", ErrEmptyToken)
	}
	remaining := naturalExpiry.Sub(store.clock.Now())
	if remaining <= 0 {
		return nil
	}
	// Round up: the key must not disappear before the token expires.
	remaining = remaining.Truncate(time.Second) + time.Second
	err := store.client.SetNX(ctx, redisRevocationKeyPrefix+TokenFingerprint(token), naturalExpiry.UTC().Unix(), remaining).Err()
	if err != nil {
		return fmt.Errorf("revocation_store.revoke.redis: %w", err)
	}
	return nil
}

// IsRevoked reports whether the fingerprint key exists.
func (store *RedisRevocationStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	count, err := store.client.Exists(ctx, redisRevocationKeyPrefix+TokenFingerprint(token)).Result()
	if err != nil {
		return false, fmt.Errorf("revocation_store.lookup.redis: %w", err)
	}
	return count > 0, nil
}

// PurgeExpired is a no-op: redis drops each entry when its TTL elapses.
func (store *RedisRevocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// Close closes the redis client.
func (store *RedisRevocationStore) Close() error {
	return store.client.Close()
}
