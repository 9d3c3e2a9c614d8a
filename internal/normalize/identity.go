// ABOUTME: Learns and resolves this bot's own user id per platform
// ABOUTME: In-memory value wins for the process; the durable copy is written best-effort in the background

package normalize

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/state"
)

const persistTimeout = 5 * time.Second

// BotIDKey is the state key holding a platform's learned bot identity.
func BotIDKey(platform string) string {
	return platform + ":botId"
}

// IdentityResolver answers "did this bot send that?" for one platform.
type IdentityResolver struct {
	platform string
	store    state.Store
	logger   *slog.Logger
	// assumeBotIsSelf enables the single-bot heuristic for direct deliveries.
	assumeBotIsSelf bool

	mu    sync.RWMutex
	botID string

	persisting sync.WaitGroup
}

// NewIdentityResolver creates a resolver with no learned identity.
func NewIdentityResolver(platform string, store state.Store, assumeBotIsSelf bool, logger *slog.Logger) *IdentityResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &IdentityResolver{
		platform:        platform,
		store:           store,
		assumeBotIsSelf: assumeBotIsSelf,
		logger:          logger.With("component", "identity", "platform", platform),
	}
}

// BotID returns the identity currently known to this process.
func (r *IdentityResolver) BotID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.botID
}

// Load refreshes the identity from the store when this process has not
// learned one itself. Another replica may have learned it meanwhile.
func (r *IdentityResolver) Load(ctx context.Context) string {
	if id := r.BotID(); id != "" {
		return id
	}

	data, err := r.store.Get(ctx, BotIDKey(r.platform))
	if err != nil {
		if !errors.Is(err, state.ErrNotFound) {
			r.logger.Warn("failed to read bot identity", "error", err)
		}
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.botID == "" {
		r.botID = string(data)
		r.logger.Debug("loaded bot identity", "bot_id", r.botID)
	}
	return r.botID
}

// Seed installs an identity known from configuration. It is never persisted.
func (r *IdentityResolver) Seed(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.botID = id
}

// Learn records id as this bot's identity. It returns true if the value
// changed. Persistence happens in the background and failures are logged.
func (r *IdentityResolver) Learn(ctx context.Context, id string) bool {
	if id == "" {
		return false
	}

	r.mu.Lock()
	if r.botID == id {
		r.mu.Unlock()
		return false
	}
	previous := r.botID
	r.botID = id
	r.mu.Unlock()

	if previous != "" {
		r.logger.Info("bot identity changed", "previous", previous, "bot_id", id)
	} else {
		r.logger.Info("learned bot identity", "bot_id", id)
	}

	r.persisting.Add(1)
	go func() {
		defer r.persisting.Done()
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if err := r.store.Set(pctx, BotIDKey(r.platform), []byte(id), 0); err != nil {
			r.logger.Warn("failed to persist bot identity", "bot_id", id, "error", err)
		}
	}()
	return true
}

// ResolveIsMe reports whether senderID is this bot. Without a learned
// identity the answer is false, except for bot-flagged senders on direct
// deliveries when the single-bot heuristic is enabled. Push deliveries can
// carry other bots' messages and never use the heuristic.
func (r *IdentityResolver) ResolveIsMe(senderID string, senderIsBot bool, delivery chat.Delivery) bool {
	botID := r.BotID()
	if botID != "" {
		return senderID == botID
	}
	return r.assumeBotIsSelf && senderIsBot && delivery == chat.DeliveryDirect
}

// Wait blocks until background persistence has finished.
func (r *IdentityResolver) Wait() {
	r.persisting.Wait()
}
