package web

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tyemirov/tauth/internal/authkit"
	"go.uber.org/zap"
)

// InMemoryUsers is a mutex-guarded authkit.UserStore used for demo and local runs.
type InMemoryUsers struct {
	mutex sync.RWMutex
	users map[string]authkit.User
}

// NewInMemoryUsers constructs an empty store.
func NewInMemoryUsers() *InMemoryUsers {
	return &InMemoryUsers{users: make(map[string]authkit.User)}
}

// FindByEmail returns the user with the given email.
func (store *InMemoryUsers) FindByEmail(ctx context.Context, email string) (authkit.User, error) {
	return store.findFirst(func(user authkit.User) bool { return user.Email == email })
}

// FindByUsername returns the user with the given username.
func (store *InMemoryUsers) FindByUsername(ctx context.Context, username string) (authkit.User, error) {
	return store.findFirst(func(user authkit.User) bool { return user.Username == username })
}

// FindByID returns the user with the given identifier.
func (store *InMemoryUsers) FindByID(ctx context.Context, userID string) (authkit.User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	user, ok := store.users[userID]
	if !ok {
		return authkit.User{}, authkit.ErrUserNotFound
	}
	return user, nil
}

// FindByExternalID returns the user linked to the provider subject.
func (store *InMemoryUsers) FindByExternalID(ctx context.Context, provider string, externalID string) (authkit.User, error) {
	return store.findFirst(func(user authkit.User) bool {
		return user.ExternalProvider == provider && user.ExternalID == externalID
	})
}

// Create inserts a user when email, username, and external link are all unused.
func (store *InMemoryUsers) Create(ctx context.Context, newUser authkit.NewUser) (authkit.User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	hasLink := newUser.ExternalProvider != "" && newUser.ExternalID != ""
	for _, existing := range store.users {
		if existing.Email == newUser.Email || existing.Username == newUser.Username {
			return authkit.User{}, authkit.ErrAccountConflict
		}
		if hasLink && existing.ExternalProvider == newUser.ExternalProvider && existing.ExternalID == newUser.ExternalID {
			return authkit.User{}, authkit.ErrAccountConflict
		}
	}
	now := time.Now().UTC()
	user := authkit.User{
		ID:           uuid.NewString(),
		Username:     newUser.Username,
		Email:        newUser.Email,
		PasswordHash: newUser.PasswordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if hasLink {
		user.ExternalProvider = newUser.ExternalProvider
		user.ExternalID = newUser.ExternalID
	}
	store.users[user.ID] = user
	return user, nil
}

// UpdateFields applies the non-nil fields of update under the write lock.
func (store *InMemoryUsers) UpdateFields(ctx context.Context, userID string, update authkit.UserUpdate) (authkit.User, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	user, ok := store.users[userID]
	if !ok {
		return authkit.User{}, authkit.ErrUserNotFound
	}
	for otherID, other := range store.users {
		if otherID == userID {
			continue
		}
		if update.Username != nil && other.Username == *update.Username {
			return authkit.User{}, authkit.ErrAccountConflict
		}
		if update.ExternalLink != nil && other.ExternalProvider == update.ExternalLink.Provider && other.ExternalID == update.ExternalLink.ExternalID {
			return authkit.User{}, authkit.ErrAccountConflict
		}
	}
	if update.Username != nil {
		user.Username = *update.Username
	}
	if update.AvatarURL != nil {
		user.AvatarURL = *update.AvatarURL
	}
	if update.ExternalLink != nil {
		user.ExternalProvider = update.ExternalLink.Provider
		user.ExternalID = update.ExternalLink.ExternalID
	}
	if update.TwoFactorSecret != nil {
		user.TwoFactorSecret = *update.TwoFactorSecret
	}
	if update.TwoFactorEnabled != nil {
		user.TwoFactorEnabled = *update.TwoFactorEnabled
	}
	user.UpdatedAt = time.Now().UTC()
	store.users[userID] = user
	return user, nil
}

func (store *InMemoryUsers) findFirst(matches func(authkit.User) bool) (authkit.User, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	for _, user := range store.users {
		if matches(user) {
			return user, nil
		}
	}
	return authkit.User{}, authkit.ErrUserNotFound
}

// ProfileService reads and edits user profiles.
type ProfileService interface {
	Profile(ctx context.Context, userID string) (authkit.User, error)
	UpdateProfile(ctx context.Context, userID string, changes authkit.ProfileChanges) (authkit.User, error)
}

// PublicProfile is the view of a user visible to other authenticated users.
type PublicProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	AvatarURL string    `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// HandleWhoAmI returns the authenticated user's sanitized record.
func HandleWhoAmI(logger *zap.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(contextGin *gin.Context) {
		user, ok := authkit.CurrentUserFrom(contextGin.Request.Context())
		if !ok {
			logger.Warn("missing current user on context",
				zap.String("code", "api.me.missing_user"))
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": user.Sanitized()})
	}
}

// HandleUpdateProfile edits the authenticated user's username and avatar.
func HandleUpdateProfile(logger *zap.Logger, profiles ProfileService) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if profiles == nil {
		panic("profile service is required")
	}
	return func(contextGin *gin.Context) {
		user, ok := authkit.CurrentUserFrom(contextGin.Request.Context())
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		var inbound struct {
			Username  string `json:"username"`
			AvatarURL string `json:"avatar_url"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		updated, err := profiles.UpdateProfile(contextGin.Request.Context(), user.ID, authkit.ProfileChanges{
			Username:  inbound.Username,
			AvatarURL: inbound.AvatarURL,
		})
		if err != nil {
			authkit.WriteError(contextGin, logger, "api.me.update", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": updated.Sanitized()})
	}
}

// HandlePublicProfile returns another user's public profile by id.
func HandlePublicProfile(logger *zap.Logger, profiles ProfileService) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if profiles == nil {
		panic("profile service is required")
	}
	return func(contextGin *gin.Context) {
		userID := strings.TrimSpace(contextGin.Param("id"))
		found, err := profiles.Profile(contextGin.Request.Context(), userID)
		if err != nil {
			if !errors.Is(err, authkit.ErrUserNotFound) {
				logger.Error("user profile lookup error",
					zap.String("code", "api.users.profile_error"),
					zap.String("user_id", userID),
					zap.Error(err))
			}
			authkit.WriteError(contextGin, logger, "api.users.get", err)
			return
		}
		contextGin.JSON(http.StatusOK, gin.H{"user": PublicProfile{
			ID:        found.ID,
			Username:  found.Username,
			AvatarURL: found.AvatarURL,
			CreatedAt: found.CreatedAt,
		}})
	}
}
