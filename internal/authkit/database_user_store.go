package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type userRecord struct {
	ID               string  `gorm:"column:id;primaryKey"`
	Username         string  `gorm:"column:username;uniqueIndex;not null"`
	Email            string  `gorm:"column:email;uniqueIndex;not null"`
	PasswordHash     *string `gorm:"column:password_hash"`
	ExternalProvider *string `gorm:"column:external_provider;uniqueIndex:idx_users_external_identity"`
	ExternalID       *string `gorm:"column:external_id;uniqueIndex:idx_users_external_identity"`
	AvatarURL        string  `gorm:"column:avatar_url;not null;default:''"`
	TwoFactorSecret  *string `gorm:"column:two_fa_secret"`
	TwoFactorEnabled bool    `gorm:"column:two_fa_enabled;not null"`
	CreatedAtUnix    int64   `gorm:"column:created_at_unix;not null"`
	UpdatedAtUnix    int64   `gorm:"column:updated_at_unix;not null"`
}

func (userRecord) TableName() string {
	return "users"
}

func (record userRecord) toUser() User {
	return User{
		ID:               record.ID,
		Username:         record.Username,
		Email:            record.Email,
		PasswordHash:     derefString(record.PasswordHash),
		ExternalProvider: derefString(record.ExternalProvider),
		ExternalID:       derefString(record.ExternalID),
		AvatarURL:        record.AvatarURL,
		TwoFactorSecret:  derefString(record.TwoFactorSecret),
		TwoFactorEnabled: record.TwoFactorEnabled,
		CreatedAt:        time.Unix(record.CreatedAtUnix, 0).UTC(),
		UpdatedAt:        time.Unix(record.UpdatedAtUnix, 0).UTC(),
	}
}

// DatabaseUserStore persists users using GORM.
type DatabaseUserStore struct {
	database *Database
}

// NewDatabaseUserStore wraps an opened Database.
func NewDatabaseUserStore(database *Database) *DatabaseUserStore {
	return &DatabaseUserStore{database: database}
}

// FindByEmail returns the user with the given email.
func (store *DatabaseUserStore) FindByEmail(ctx context.Context, email string) (User, error) {
	return store.findOne(ctx, "find_by_email", "email = ?", email)
}

// FindByUsername returns the user with the given username.
func (store *DatabaseUserStore) FindByUsername(ctx context.Context, username string) (User, error) {
	return store.findOne(ctx, "find_by_username", "username = ?", username)
}

// FindByID returns the user with the given identifier.
func (store *DatabaseUserStore) FindByID(ctx context.Context, userID string) (User, error) {
	return store.findOne(ctx, "find_by_id", "id = ?", userID)
}

// FindByExternalID returns the user linked to the provider subject.
func (store *DatabaseUserStore) FindByExternalID(ctx context.Context, provider string, externalID string) (User, error) {
	return store.findOne(ctx, "find_by_external_id", "external_provider = ? AND external_id = ?", provider, externalID)
}

// Create inserts a user after checking every unique attribute inside one transaction.
func (store *DatabaseUserStore) Create(ctx context.Context, newUser NewUser) (User, error) {
	now := time.Now().UTC().Unix()
	record := userRecord{
		ID:            uuid.NewString(),
		Username:      newUser.Username,
		Email:         newUser.Email,
		PasswordHash:  nullableString(newUser.PasswordHash),
		CreatedAtUnix: now,
		UpdatedAtUnix: now,
	}
	if newUser.ExternalProvider != "" && newUser.ExternalID != "" {
		record.ExternalProvider = stringPointer(newUser.ExternalProvider)
		record.ExternalID = stringPointer(newUser.ExternalID)
	}
	err := store.database.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conflicts int64
		query := tx.Model(&userRecord{}).Where("email = ? OR username = ?", newUser.Email, newUser.Username)
		if record.ExternalID != nil {
			query = query.Or("external_provider = ? AND external_id = ?", newUser.ExternalProvider, newUser.ExternalID)
		}
		if err := query.Count(&conflicts).Error; err != nil {
			return err
		}
		if conflicts > 0 {
			return ErrAccountConflict
		}
		return tx.Create(&record).Error
	})
	if err != nil {
		return User{}, store.wrap("create", err)
	}
	return record.toUser(), nil
}

// UpdateFields applies the non-nil fields of update atomically and returns the stored user.
func (store *DatabaseUserStore) UpdateFields(ctx context.Context, userID string, update UserUpdate) (User, error) {
	var updated userRecord
	err := store.database.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current userRecord
		if err := tx.Where("id = ?", userID).Take(&current).Error; err != nil {
			return err
		}
		changes := map[string]interface{}{
			"updated_at_unix": time.Now().UTC().Unix(),
		}
		if update.Username != nil && *update.Username != current.Username {
			var conflicts int64
			if err := tx.Model(&userRecord{}).Where("username = ? AND id <> ?", *update.Username, userID).Count(&conflicts).Error; err != nil {
				return err
			}
			if conflicts > 0 {
				return ErrAccountConflict
			}
			changes["username"] = *update.Username
		}
		if update.AvatarURL != nil {
			changes["avatar_url"] = *update.AvatarURL
		}
		if update.ExternalLink != nil {
			var conflicts int64
			if err := tx.Model(&userRecord{}).
				Where("external_provider = ? AND external_id = ? AND id <> ?", update.ExternalLink.Provider, update.ExternalLink.ExternalID, userID).
				Count(&conflicts).Error; err != nil {
				return err
			}
			if conflicts > 0 {
				return ErrAccountConflict
			}
			changes["external_provider"] = update.ExternalLink.Provider
			changes["external_id"] = update.ExternalLink.ExternalID
		}
		if update.TwoFactorSecret != nil {
			changes["two_fa_secret"] = nullableString(*update.TwoFactorSecret)
		}
		if update.TwoFactorEnabled != nil {
			changes["two_fa_enabled"] = *update.TwoFactorEnabled
		}
		if err := tx.Model(&userRecord{}).Where("id = ?", userID).Updates(changes).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", userID).Take(&updated).Error
	})
	if err != nil {
		return User{}, store.wrap("update", err)
	}
	return updated.toUser(), nil
}

func (store *DatabaseUserStore) findOne(ctx context.Context, operation string, query string, arguments ...interface{}) (User, error) {
	var record userRecord
	if err := store.database.db.WithContext(ctx).Where(query, arguments...).Take(&record).Error; err != nil {
		return User{}, store.wrap(operation, err)
	}
	return record.toUser(), nil
}

func (store *DatabaseUserStore) wrap(operation string, err error) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		err = ErrUserNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		err = ErrAccountConflict
	}
	return fmt.Errorf("user_store.%s.%s: %w", operation, store.database.driverLabel, err)
}

func nullableString(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
