// ABOUTME: Keeps expiring push subscriptions alive per conversation resource
// ABOUTME: Shared cache in the state store, singleflight dedup in process, discovery before create

package pushsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-chat/internal/state"
)

const (
	DefaultRefreshBuffer   = time.Hour
	DefaultCacheTTL        = 25 * time.Hour
	DefaultSubscriptionTTL = 24 * time.Hour
	DefaultKeyPrefix       = "subscription"

	ensureTimeout = 30 * time.Second
)

// Info describes one provider-side subscription.
type Info struct {
	Name       string    `json:"name"`
	ResourceID string    `json:"resourceId"`
	ExpireTime time.Time `json:"expireTime"`
}

// Provider talks to the backend's subscription API.
type Provider interface {
	// FindSubscription returns an existing subscription for resourceID, or
	// nil if there is none. It guards against duplicate creation when the
	// cache was lost.
	FindSubscription(ctx context.Context, resourceID string) (*Info, error)
	CreateSubscription(ctx context.Context, resourceID string, ttl time.Duration) (*Info, error)
}

// Options tune a Manager. Zero values use the defaults.
type Options struct {
	Platform        string
	KeyPrefix       string
	RefreshBuffer   time.Duration
	CacheTTL        time.Duration
	SubscriptionTTL time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
	// OnCreate, if set, is called after a subscription is created.
	OnCreate func(resourceID string)
	// OnError, if set, is called when Ensure fails.
	OnError func(resourceID string, err error)
}

// Manager ensures a live subscription exists for each resource it is asked about.
type Manager struct {
	store    state.Store
	provider Provider
	opts     Options
	logger   *slog.Logger
	inflight singleflight.Group
}

// NewManager creates a Manager.
func NewManager(store state.Store, provider Provider, opts Options) *Manager {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = DefaultKeyPrefix
	}
	if opts.RefreshBuffer <= 0 {
		opts.RefreshBuffer = DefaultRefreshBuffer
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.SubscriptionTTL <= 0 {
		opts.SubscriptionTTL = DefaultSubscriptionTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		store:    store,
		provider: provider,
		opts:     opts,
		logger:   opts.Logger.With("component", "pushsub", "platform", opts.Platform),
	}
}

func (m *Manager) key(resourceID string) string {
	return m.opts.Platform + ":" + m.opts.KeyPrefix + ":" + resourceID
}

func (m *Manager) fresh(info *Info) bool {
	return info != nil && info.ExpireTime.Sub(m.opts.Now()) > m.opts.RefreshBuffer
}

// Cached returns the cached subscription for resourceID, fresh or not.
func (m *Manager) Cached(ctx context.Context, resourceID string) (*Info, bool) {
	var info Info
	if err := state.GetJSON(ctx, m.store, m.key(resourceID), &info); err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			m.logger.Warn("failed to read cached subscription", "resource", resourceID, "error", err)
		}
		return nil, false
	}
	return &info, true
}

// Ensure returns a subscription for resourceID that will stay valid for at
// least the refresh buffer. Failures are logged and reported as false; they
// never propagate to the caller.
func (m *Manager) Ensure(ctx context.Context, resourceID string) (*Info, bool) {
	if resourceID == "" {
		return nil, false
	}

	if info, ok := m.Cached(ctx, resourceID); ok && m.fresh(info) {
		return info, true
	}

	// The shared work outlives any single caller's cancellation.
	v, err, shared := m.inflight.Do(resourceID, func() (any, error) {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ensureTimeout)
		defer cancel()
		return m.refresh(wctx, resourceID)
	})
	if err != nil {
		m.logger.Error("failed to ensure subscription", "resource", resourceID, "error", err)
		if m.opts.OnError != nil {
			m.opts.OnError(resourceID, err)
		}
		return nil, false
	}
	info := v.(*Info)
	if shared {
		m.logger.Debug("joined in-flight subscription refresh", "resource", resourceID)
	}
	return info, true
}

func (m *Manager) refresh(ctx context.Context, resourceID string) (*Info, error) {
	info, err := m.provider.FindSubscription(ctx, resourceID)
	if err != nil {
		// Discovery is best-effort; fall through to create.
		m.logger.Warn("subscription discovery failed", "resource", resourceID, "error", err)
		info = nil
	}

	if m.fresh(info) {
		m.logger.Debug("found existing subscription", "resource", resourceID, "subscription", info.Name)
	} else {
		info, err = m.provider.CreateSubscription(ctx, resourceID, m.opts.SubscriptionTTL)
		if err != nil {
			return nil, fmt.Errorf("create subscription: %w", err)
		}
		if info == nil {
			return nil, errors.New("create subscription: provider returned no subscription")
		}
		if info.ResourceID == "" {
			info.ResourceID = resourceID
		}
		m.logger.Info("created subscription", "resource", resourceID, "subscription", info.Name, "expires", info.ExpireTime)
		if m.opts.OnCreate != nil {
			m.opts.OnCreate(resourceID)
		}
	}

	if err := state.SetJSON(ctx, m.store, m.key(resourceID), info, m.opts.CacheTTL); err != nil {
		m.logger.Warn("failed to cache subscription", "resource", resourceID, "error", err)
	}
	return info, nil
}
