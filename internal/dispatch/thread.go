// ABOUTME: Thread is the handle handlers use to reply, react and manage subscriptions
// ABOUTME: Background work started with Go keeps the thread lock held until it finishes

package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/format"
	"github.com/2389/coven-chat/internal/state"
	"github.com/2389/coven-chat/internal/stream"
)

// Thread is bound to one conversation thread for the duration of an event.
type Thread struct {
	d       *Dispatcher
	adapter chat.Adapter
	id      string
	// ctx outlives the webhook request; tasks started with Go inherit it.
	ctx context.Context

	lockMu     sync.Mutex
	lock       *state.Lock
	lastExtend time.Time

	tasks   sync.WaitGroup
	errMu   sync.Mutex
	taskErr []error
}

func newThread(ctx context.Context, d *Dispatcher, adapter chat.Adapter, threadID string, lock *state.Lock) *Thread {
	return &Thread{
		d:          d,
		adapter:    adapter,
		id:         threadID,
		ctx:        context.WithoutCancel(ctx),
		lock:       lock,
		lastExtend: time.Now(),
	}
}

// ID returns the canonical thread id.
func (t *Thread) ID() string { return t.id }

// Platform returns the adapter name.
func (t *Thread) Platform() string { return t.adapter.Name() }

// Channel returns the id of the thread's container, such as the space,
// room or chat. Top-level posts to it start new threads.
func (t *Thread) Channel() string {
	ch, err := t.adapter.Codec().Channel(t.id)
	if err != nil {
		return t.id
	}
	return ch
}

// Adapter exposes the underlying adapter for platform-specific calls.
func (t *Thread) Adapter() chat.Adapter { return t.adapter }

// Post sends content as a new message and returns its id.
func (t *Thread) Post(ctx context.Context, content format.Content) (string, error) {
	return t.adapter.PostMessage(ctx, t.id, content)
}

// PostMarkdown sends markdown text as a new message.
func (t *Thread) PostMarkdown(ctx context.Context, markdown string) (string, error) {
	return t.Post(ctx, format.Parse(markdown))
}

// PostToChannel sends markdown as a top-level message in the thread's channel.
func (t *Thread) PostToChannel(ctx context.Context, markdown string) (string, error) {
	return t.adapter.PostMessage(ctx, t.Channel(), format.Parse(markdown))
}

// PostStream posts the source's chunks as one message edited in place. The
// thread lock is extended as chunks arrive.
func (t *Thread) PostStream(ctx context.Context, src stream.Source) (*stream.Result, error) {
	c := stream.NewController(t.adapter, stream.Options{
		MinEditInterval: t.d.opts.StreamEditInterval,
		OnChunk:         t.maybeExtend,
		Logger:          t.d.logger,
	})
	return c.Stream(ctx, t.id, src)
}

func (t *Thread) Edit(ctx context.Context, messageID string, content format.Content) error {
	return t.adapter.EditMessage(ctx, t.id, messageID, content)
}

func (t *Thread) Delete(ctx context.Context, messageID string) error {
	return t.adapter.DeleteMessage(ctx, t.id, messageID)
}

func (t *Thread) React(ctx context.Context, messageID, emoji string) error {
	return t.adapter.AddReaction(ctx, t.id, messageID, emoji)
}

func (t *Thread) Unreact(ctx context.Context, messageID, emoji string) error {
	return t.adapter.RemoveReaction(ctx, t.id, messageID, emoji)
}

// Subscribe routes every later message in this thread to subscribed-message
// handlers and asks the adapter to keep push delivery alive.
func (t *Thread) Subscribe(ctx context.Context) error {
	if err := t.d.store.Subscribe(ctx, t.id); err != nil {
		return err
	}
	if ensurer, ok := t.adapter.(chat.SubscriptionEnsurer); ok {
		ensurer.EnsureSubscription(ctx, t.id)
	}
	return nil
}

func (t *Thread) Unsubscribe(ctx context.Context) error {
	return t.d.store.Unsubscribe(ctx, t.id)
}

func (t *Thread) IsSubscribed(ctx context.Context) (bool, error) {
	return t.d.store.IsSubscribed(ctx, t.id)
}

// FetchMessages pages through the thread's history.
func (t *Thread) FetchMessages(ctx context.Context, opts chat.FetchOptions) (*chat.MessagePage, error) {
	return t.adapter.FetchMessages(ctx, t.id, opts)
}

// ExtendLock renews the thread lock for another lock TTL. It returns false
// if the lock has already passed to another event.
func (t *Thread) ExtendLock(ctx context.Context) (bool, error) {
	t.lockMu.Lock()
	defer t.lockMu.Unlock()
	if t.lock == nil {
		return false, nil
	}
	ok, err := t.d.store.ExtendLock(ctx, t.lock, t.d.opts.LockTTL)
	if err == nil && ok {
		t.lastExtend = time.Now()
	}
	return ok, err
}

// maybeExtend renews the lock once a third of its TTL has passed since the
// last renewal.
func (t *Thread) maybeExtend(ctx context.Context) {
	t.lockMu.Lock()
	due := time.Since(t.lastExtend) >= t.d.opts.LockTTL/3
	t.lockMu.Unlock()
	if !due {
		return
	}
	ok, err := t.ExtendLock(ctx)
	if err != nil {
		t.d.logger.Warn("failed to extend thread lock", "thread_id", t.id, "error", err)
	} else if !ok {
		t.d.logger.Warn("thread lock lost during stream", "thread_id", t.id)
	}
}

// Go runs fn in the background. The event is not finished, and the thread
// lock is not released, until fn returns.
func (t *Thread) Go(fn func(ctx context.Context) error) {
	t.tasks.Add(1)
	go func() {
		defer t.tasks.Done()
		if err := safeCall(func() error { return fn(t.ctx) }); err != nil {
			t.errMu.Lock()
			t.taskErr = append(t.taskErr, err)
			t.errMu.Unlock()
		}
	}()
}

// wait blocks until every task started with Go has finished.
func (t *Thread) wait() error {
	t.tasks.Wait()
	t.errMu.Lock()
	defer t.errMu.Unlock()
	return errors.Join(t.taskErr...)
}

func (t *Thread) release(ctx context.Context) {
	t.lockMu.Lock()
	lock := t.lock
	t.lock = nil
	t.lockMu.Unlock()
	if lock == nil {
		return
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := t.d.store.ReleaseLock(rctx, lock); err != nil {
		t.d.logger.Warn("failed to release thread lock", "thread_id", t.id, "error", err)
	}
}
