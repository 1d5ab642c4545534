package authkitpg

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tyemirov/tauth/internal/authkit"
)

// PostgresRevocationStore persists revoked tokens in PostgreSQL through pgx.
type PostgresRevocationStore struct {
	pool  *pgxpool.Pool
	clock authkit.Clock
}

// NewPostgresRevocationStore constructs a Postgres store. A nil clock uses the system clock.
func NewPostgresRevocationStore(pool *pgxpool.Pool, clock authkit.Clock) *PostgresRevocationStore {
	if clock == nil {
		clock = authkit.NewSystemClock()
	}
	return &PostgresRevocationStore{pool: pool, clock: clock}
}

// Revoke inserts the token fingerprint; revoking twice keeps the first row.
func (store *PostgresRevocationStore) Revoke(ctx context.Context, token string, naturalExpiry time.Time) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("revocation_store.revoke.pgx: %w", authkit.ErrEmptyToken)
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO token_blacklist (fingerprint, expires_unix, revoked_at_unix)
VALUES ($1, $2, $3)
ON CONFLICT (fingerprint) DO NOTHING
`, authkit.TokenFingerprint(token), naturalExpiry.UTC().Unix(), store.clock.Now().UTC().Unix())
	if err != nil {
		return fmt.Errorf("revocation_store.revoke.pgx: %w", err)
	}
	return nil
}

// IsRevoked reports whether a row exists for the token fingerprint.
func (store *PostgresRevocationStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	var exists bool
	row := store.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM token_blacklist WHERE fingerprint = $1)
`, authkit.TokenFingerprint(token))
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("revocation_store.lookup.pgx: %w", err)
	}
	return exists, nil
}

// PurgeExpired deletes rows whose natural expiry is before now.
func (store *PostgresRevocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := store.pool.Exec(ctx, `
DELETE FROM token_blacklist
WHERE expires_unix < $1
`, now.UTC().Unix())
	if err != nil {
		return 0, fmt.Errorf("revocation_store.purge.pgx: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool.
func (store *PostgresRevocationStore) Close() {
	store.pool.Close()
}
