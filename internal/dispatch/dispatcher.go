// ABOUTME: Dispatcher routes normalized events to handlers under a per-thread lock
// ABOUTME: Self messages and events for already-locked threads are dropped, never queued

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/normalize"
	"github.com/2389/coven-chat/internal/state"
)

const (
	DefaultLockTTL = 30 * time.Second
	releaseTimeout = 5 * time.Second
)

// Reasons passed to Observer.EventDropped.
const (
	DropSelf       = "self"
	DropLockHeld   = "lock_held"
	DropDecode     = "decode"
	DropNoHandler  = "no_handler"
	DropShutdown   = "shutting_down"
	DropBadRequest = "bad_request"
)

// ErrUnknownPlatform is returned for a platform with no registered adapter.
var ErrUnknownPlatform = errors.New("unknown platform")

// Observer receives dispatch outcomes. Implementations must be safe for
// concurrent use.
type Observer interface {
	WebhookHandled(platform string, status int)
	EventDropped(platform, reason string)
	EventHandled(platform string, kind chat.Kind, elapsed time.Duration, err error)
}

type nopObserver struct{}

func (nopObserver) WebhookHandled(string, int)                           {}
func (nopObserver) EventDropped(string, string)                          {}
func (nopObserver) EventHandled(string, chat.Kind, time.Duration, error) {}

// Options configure a Dispatcher.
type Options struct {
	Store state.Store
	// Normalize configures identity resolution and mention handling.
	Normalize normalize.Config
	// LockTTL bounds how long one event may hold a thread.
	LockTTL time.Duration
	// StreamEditInterval paces intermediate edits in Thread.PostStream.
	StreamEditInterval time.Duration
	Logger             *slog.Logger
	Observer           Observer
}

// Dispatcher owns the adapters and handlers of one bot.
type Dispatcher struct {
	store  state.Store
	norm   *normalize.Normalizer
	opts   Options
	logger *slog.Logger
	obs    Observer

	mu                 sync.RWMutex
	adapters           map[string]chat.Adapter
	mentionHandlers    []MessageHandler
	subscribedHandlers []MessageHandler
	patternHandlers    []patternHandler
	actionHandlers     []actionHandler
	reactionHandlers   []reactionHandler
	modalHandlers      []modalHandler

	background sync.WaitGroup
	closing    atomic.Bool
}

// New creates a Dispatcher. opts.Store is required and must be connected.
func New(opts Options) (*Dispatcher, error) {
	if opts.Store == nil {
		return nil, errors.New("dispatch: state store is required")
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Normalize.Logger == nil {
		opts.Normalize.Logger = opts.Logger
	}
	return &Dispatcher{
		store:    opts.Store,
		norm:     normalize.New(opts.Store, opts.Normalize),
		opts:     opts,
		logger:   opts.Logger.With("component", "dispatch"),
		obs:      opts.Observer,
		adapters: make(map[string]chat.Adapter),
	}, nil
}

// AddAdapter registers a backend. Adapters that know their own user id
// seed the identity resolver.
func (d *Dispatcher) AddAdapter(a chat.Adapter) {
	d.mu.Lock()
	d.adapters[a.Name()] = a
	d.mu.Unlock()

	if seeder, ok := a.(chat.BotIdentitySeeder); ok && seeder.BotUserID() != "" {
		d.norm.Resolver(a.Name()).Seed(seeder.BotUserID())
	}
	d.logger.Info("adapter registered", "platform", a.Name())
}

// Adapter returns the adapter registered for platform.
func (d *Dispatcher) Adapter(platform string) (chat.Adapter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	a, ok := d.adapters[platform]
	return a, ok
}

// Platforms lists registered platform names.
func (d *Dispatcher) Platforms() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		out = append(out, name)
	}
	return out
}

// Normalizer exposes the identity and user caches.
func (d *Dispatcher) Normalizer() *normalize.Normalizer { return d.norm }

// Process normalizes one decoded inbound value and runs its handlers while
// holding the thread lock. It returns after every handler and every task
// started with Thread.Go has finished.
func (d *Dispatcher) Process(ctx context.Context, platform string, in chat.Inbound) error {
	adapter, ok := d.Adapter(platform)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlatform, platform)
	}

	switch v := in.(type) {
	case chat.Handshake, *chat.Handshake, chat.Ignored, *chat.Ignored:
		return nil
	case chat.Batch:
		var errs []error
		for _, item := range v {
			if err := d.Process(ctx, platform, item); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	ev, err := d.norm.Normalize(ctx, adapter, in)
	if err != nil {
		if errors.Is(err, chat.ErrDecode) {
			d.obs.EventDropped(platform, DropDecode)
		}
		return err
	}
	log := d.logger.With("platform", platform, "thread_id", ev.ThreadID, "kind", ev.Kind, "delivery", ev.Delivery)

	if ev.Actor().IsMe {
		log.Debug("dropping own event")
		d.obs.EventDropped(platform, DropSelf)
		return nil
	}

	lock, err := d.store.AcquireLock(ctx, ev.ThreadID, d.opts.LockTTL)
	if errors.Is(err, state.ErrLockHeld) {
		log.Info("thread busy, dropping event")
		d.obs.EventDropped(platform, DropLockHeld)
		return nil
	}
	if err != nil {
		return fmt.Errorf("acquire thread lock: %w", err)
	}

	t := newThread(ctx, d, adapter, ev.ThreadID, lock)
	defer t.release(ctx)

	start := time.Now()
	handled, herr := d.route(ctx, t, ev)
	if werr := t.wait(); werr != nil {
		herr = errors.Join(herr, werr)
	}

	if !handled {
		log.Debug("no handler for event")
		d.obs.EventDropped(platform, DropNoHandler)
		return nil
	}
	d.obs.EventHandled(platform, ev.Kind, time.Since(start), herr)
	if herr != nil {
		if wait, ok := chat.RetryAfter(herr); ok {
			log.Warn("handler rate limited", "retry_after", wait, "error", herr)
		} else {
			log.Error("handler failed", "error", herr)
		}
		return herr
	}
	log.Debug("event handled", "elapsed", time.Since(start))
	return nil
}

// route runs the handlers for ev. It reports whether any handler ran.
func (d *Dispatcher) route(ctx context.Context, t *Thread, ev *chat.Event) (bool, error) {
	// Handlers run without d.mu so they may register more handlers.
	d.mu.RLock()
	var (
		actionHandlers     = slices.Clone(d.actionHandlers)
		reactionHandlers   = slices.Clone(d.reactionHandlers)
		modalHandlers      = slices.Clone(d.modalHandlers)
		subscribedHandlers = slices.Clone(d.subscribedHandlers)
		mentionHandlers    = slices.Clone(d.mentionHandlers)
		patternHandlers    = slices.Clone(d.patternHandlers)
	)
	d.mu.RUnlock()

	var errs []error
	ran := false
	call := func(fn func() error) {
		ran = true
		if err := safeCall(fn); err != nil {
			errs = append(errs, err)
		}
	}

	switch ev.Kind {
	case chat.KindAction:
		for _, h := range actionHandlers {
			if matches(h.ids, ev.Action.ActionID) {
				call(func() error { return h.fn(ctx, t, ev.Action) })
			}
		}

	case chat.KindReaction:
		for _, h := range reactionHandlers {
			if matches(h.emoji, ev.Reaction.Emoji) {
				call(func() error { return h.fn(ctx, t, ev.Reaction) })
			}
		}

	case chat.KindModalSubmit:
		for _, h := range modalHandlers {
			if matches(h.callbacks, ev.ModalSubmit.CallbackID) {
				call(func() error { return h.fn(ctx, t, ev.ModalSubmit) })
			}
		}

	case chat.KindMessage:
		msg := ev.Message
		subscribed, err := d.store.IsSubscribed(ctx, ev.ThreadID)
		if err != nil {
			return false, fmt.Errorf("check subscription: %w", err)
		}

		switch {
		case subscribed:
			if ensurer, ok := t.adapter.(chat.SubscriptionEnsurer); ok {
				t.Go(func(ctx context.Context) error {
					ensurer.EnsureSubscription(ctx, ev.ThreadID)
					return nil
				})
			}
			for _, fn := range subscribedHandlers {
				call(func() error { return fn(ctx, t, msg) })
			}
		case msg.IsMention:
			for _, fn := range mentionHandlers {
				call(func() error { return fn(ctx, t, msg) })
			}
		default:
			for _, h := range patternHandlers {
				if patternMatches(h.pattern, msg.Text) {
					call(func() error { return h.fn(ctx, t, msg) })
				}
			}
		}
	}

	return ran, errors.Join(errs...)
}

func patternMatches(p *regexp.Regexp, text string) bool {
	return p == nil || p.MatchString(text)
}

// safeCall runs fn, turning a panic into an error.
func safeCall(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn()
}

// Shutdown stops accepting webhooks and waits for in-flight processing.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.closing.Store(true)

	done := make(chan struct{})
	go func() {
		d.background.Wait()
		d.norm.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight events: %w", ctx.Err())
	}
}
