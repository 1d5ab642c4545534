package authkit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm/clause"
)

type revokedTokenRecord struct {
	Fingerprint   string `gorm:"column:fingerprint;primaryKey"`
	ExpiresUnix   int64  `gorm:"column:expires_unix;index;not null"`
	RevokedAtUnix int64  `gorm:"column:revoked_at_unix;not null"`
}

func (revokedTokenRecord) TableName() string {
	return "token_blacklist"
}

// DatabaseRevocationStore persists revoked tokens using GORM.
type DatabaseRevocationStore struct {
	database *Database
}

// NewDatabaseRevocationStore wraps an opened Database.
func NewDatabaseRevocationStore(database *Database) *DatabaseRevocationStore {
	return &DatabaseRevocationStore{database: database}
}

// Driver exposes the selected database driver label.
func (store *DatabaseRevocationStore) Driver() string {
	return store.database.driverLabel
}

// Revoke inserts the token fingerprint; an existing entry is left untouched.
func (store *DatabaseRevocationStore) Revoke(ctx context.Context, token string, naturalExpiry time.Time) error {
	if strings.TrimSpace(token) == "" {
		return fmt.Errorf("revocation_store.revoke.%s: %w", store.Driver(), ErrEmptyToken)
	}
	record := revokedTokenRecord{
		Fingerprint:   TokenFingerprint(token),
		ExpiresUnix:   naturalExpiry.UTC().Unix(),
		RevokedAtUnix: time.Now().UTC().Unix(),
	}
	err := store.database.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("revocation_store.revoke.%s: %w", store.Driver(), err)
	}
	return nil
}

// IsRevoked reports whether the token fingerprint is stored.
func (store *DatabaseRevocationStore) IsRevoked(ctx context.Context, token string) (bool, error) {
	var count int64
	err := store.database.db.WithContext(ctx).Model(&revokedTokenRecord{}).
		Where("fingerprint = ?", TokenFingerprint(token)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("revocation_store.lookup.%s: %w", store.Driver(), err)
	}
	return count > 0, nil
}

// PurgeExpired deletes entries whose natural expiry is before now.
func (store *DatabaseRevocationStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	result := store.database.db.WithContext(ctx).
		Where("expires_unix < ?", now.UTC().Unix()).
		Delete(&revokedTokenRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("revocation_store.purge.%s: %w", store.Driver(), result.Error)
	}
	return result.RowsAffected, nil
}
