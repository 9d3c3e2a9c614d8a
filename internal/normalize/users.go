// ABOUTME: Caches sender display names so push deliveries, which omit them, can be filled in
// ABOUTME: Placeholder names are never cached

package normalize

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-chat/internal/state"
)

// DefaultUserCacheTTL bounds how long a cached display name is trusted.
const DefaultUserCacheTTL = 8 * time.Hour

// UserInfo is what the cache remembers about a sender.
type UserInfo struct {
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

// UserCache stores UserInfo under <platform>:user:<senderId>.
type UserCache struct {
	platform string
	store    state.Store
	ttl      time.Duration
	logger   *slog.Logger
}

// NewUserCache creates a cache. A zero ttl uses DefaultUserCacheTTL.
func NewUserCache(platform string, store state.Store, ttl time.Duration, logger *slog.Logger) *UserCache {
	if ttl <= 0 {
		ttl = DefaultUserCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &UserCache{platform: platform, store: store, ttl: ttl, logger: logger.With("component", "user_cache")}
}

func (c *UserCache) key(userID string) string {
	return c.platform + ":user:" + userID
}

// IsPlaceholderName reports names backends substitute when they do not know
// the real one.
func IsPlaceholderName(name, userID string) bool {
	n := strings.TrimSpace(name)
	if n == "" || n == userID {
		return true
	}
	switch strings.ToLower(n) {
	case "unknown", "unknown user", "user", "bot":
		return true
	}
	return false
}

// Remember caches info for userID unless the name is a placeholder.
func (c *UserCache) Remember(ctx context.Context, userID string, info UserInfo) {
	if userID == "" || IsPlaceholderName(info.Name, userID) {
		return
	}
	if err := state.SetJSON(ctx, c.store, c.key(userID), info, c.ttl); err != nil {
		c.logger.Warn("failed to cache user", "user_id", userID, "error", err)
	}
}

// Lookup returns cached info for userID.
func (c *UserCache) Lookup(ctx context.Context, userID string) (UserInfo, bool) {
	var info UserInfo
	if userID == "" {
		return info, false
	}
	err := state.GetJSON(ctx, c.store, c.key(userID), &info)
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			c.logger.Warn("failed to read cached user", "user_id", userID, "error", err)
		}
		return UserInfo{}, false
	}
	return info, true
}
