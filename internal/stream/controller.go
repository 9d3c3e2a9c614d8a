// ABOUTME: Delivers a streamed reply as one posted message plus coalesced in-place edits
// ABOUTME: At most one edit is in flight; chunks that arrive meanwhile ride along with the next edit

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/coven-chat/internal/format"
)

// Target is the part of an adapter a stream writes to.
type Target interface {
	PostMessage(ctx context.Context, threadID string, content format.Content) (string, error)
	EditMessage(ctx context.Context, threadID, messageID string, content format.Content) error
}

// Options tune a Controller.
type Options struct {
	// MinEditInterval paces intermediate edits. Zero means edit whenever
	// the update slot is free. The final edit is never paced.
	MinEditInterval time.Duration
	// OnChunk runs after each chunk is appended.
	OnChunk func(ctx context.Context)
	Logger  *slog.Logger
}

// Result describes what a stream left posted.
type Result struct {
	MessageID string
	Text      string
	// Edits counts completed edits including the final one.
	Edits int
	// Coalesced counts chunks that did not start an edit of their own.
	Coalesced int
}

// Controller streams chunked text into a single message.
type Controller struct {
	target Target
	opts   Options
	logger *slog.Logger
}

// NewController creates a Controller writing to target.
func NewController(target Target, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Controller{target: target, opts: opts, logger: opts.Logger.With("component", "stream")}
}

// run holds the state of one Stream call.
type run struct {
	c        *Controller
	threadID string
	limiter  *rate.Limiter
	// slot has capacity one: holding it means an edit is in flight.
	slot chan struct{}

	mu       sync.Mutex
	lastSent string
	edits    int
	editErr  error
}

// Stream posts the first non-empty chunk, edits the message as more text
// arrives and finishes with one edit carrying the full text if it differs
// from what was last sent. On error the partial message stays posted and
// the returned Result describes it.
func (c *Controller) Stream(ctx context.Context, threadID string, src Source) (*Result, error) {
	r := &run{c: c, threadID: threadID, slot: make(chan struct{}, 1)}
	if c.opts.MinEditInterval > 0 {
		r.limiter = rate.NewLimiter(rate.Every(c.opts.MinEditInterval), 1)
	}

	var (
		buf strings.Builder
		res = &Result{}
	)

	for {
		if err := r.failed(); err != nil {
			r.wait()
			return r.result(res, buf.String()), err
		}

		chunk, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			r.wait()
			return r.result(res, buf.String()), fmt.Errorf("reading stream: %w", err)
		}
		if chunk == "" {
			continue
		}
		buf.WriteString(chunk)
		if c.opts.OnChunk != nil {
			c.opts.OnChunk(ctx)
		}

		text := buf.String()
		if res.MessageID == "" {
			id, err := c.target.PostMessage(ctx, threadID, format.Parse(text))
			if err != nil {
				return res, fmt.Errorf("posting stream message: %w", err)
			}
			res.MessageID = id
			r.setSent(text)
			continue
		}

		if !r.tryEdit(ctx, res.MessageID, text) {
			res.Coalesced++
		}
	}

	r.wait()
	if err := r.failed(); err != nil {
		return r.result(res, buf.String()), err
	}
	if res.MessageID == "" {
		return res, nil
	}

	final := buf.String()
	if final != r.sent() {
		if err := c.target.EditMessage(ctx, threadID, res.MessageID, format.Parse(final)); err != nil {
			return r.result(res, buf.String()), fmt.Errorf("final stream edit: %w", err)
		}
		r.mu.Lock()
		r.lastSent = final
		r.edits++
		r.mu.Unlock()
	}
	return r.result(res, final), nil
}

// tryEdit starts an edit if the slot is free and the pacing allows it.
func (r *run) tryEdit(ctx context.Context, messageID, text string) bool {
	select {
	case r.slot <- struct{}{}:
	default:
		return false
	}
	if r.limiter != nil && !r.limiter.Allow() {
		<-r.slot
		return false
	}

	go func() {
		defer func() { <-r.slot }()
		err := r.c.target.EditMessage(ctx, r.threadID, messageID, format.Parse(text))
		r.mu.Lock()
		defer r.mu.Unlock()
		if err != nil {
			if r.editErr == nil {
				r.editErr = fmt.Errorf("stream edit: %w", err)
			}
			return
		}
		r.lastSent = text
		r.edits++
	}()
	return true
}

// wait blocks until no edit is in flight.
func (r *run) wait() {
	r.slot <- struct{}{}
	<-r.slot
}

func (r *run) failed() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.editErr
}

func (r *run) setSent(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSent = text
}

func (r *run) sent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSent
}

func (r *run) result(res *Result, buffered string) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res.Edits = r.edits
	res.Text = r.lastSent
	if res.MessageID == "" {
		res.Text = ""
	}
	if buffered != r.lastSent {
		r.c.logger.Debug("stream ended with unsent text", "thread_id", r.threadID, "unsent", len(buffered)-len(r.lastSent))
	}
	return res
}
