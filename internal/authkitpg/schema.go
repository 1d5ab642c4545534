package authkitpg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSchema creates the revocation table if it does not exist. The layout
// matches the table the gorm-backed store migrates, so both can share a database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS token_blacklist (
    fingerprint TEXT PRIMARY KEY,
    expires_unix BIGINT NOT NULL,
    revoked_at_unix BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_blacklist_expires_unix ON token_blacklist (expires_unix);
`)
	return err
}
