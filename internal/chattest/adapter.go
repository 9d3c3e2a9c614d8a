// ABOUTME: In-memory chat adapter that records every outbound call
// ABOUTME: Decodes a small JSON payload so dispatcher and server tests can drive full webhook flows

package chattest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/format"
	"github.com/2389/coven-chat/internal/threadid"
)

// Platform is the default platform prefix.
const Platform = "test"

// SecretHeader carries the shared secret checked by Verify.
const SecretHeader = "X-Test-Secret"

// Operation names recorded in Call.Op.
const (
	OpPost           = "post"
	OpEdit           = "edit"
	OpDelete         = "delete"
	OpAddReaction    = "add_reaction"
	OpRemoveReaction = "remove_reaction"
)

// Call is one recorded outbound operation.
type Call struct {
	Op        string
	ThreadID  string
	MessageID string
	Text      string
	Emoji     string
	At        time.Time
}

// Adapter implements chat.Adapter, chat.SubscriptionEnsurer and
// chat.BotIdentitySeeder in memory. Hooks may be set before use.
type Adapter struct {
	Platform string
	// Secret, when set, must match SecretHeader on every webhook.
	Secret string
	// Retries is returned from RetriesFailedDeliveries.
	Retries bool
	// SelfID is returned from BotUserID.
	SelfID string

	// OnPost and OnEdit run before the call is recorded. A returned error
	// fails the call.
	OnPost func(ctx context.Context, threadID, text string) error
	OnEdit func(ctx context.Context, threadID, messageID, text string) error
	// OnReact runs before AddReaction and RemoveReaction are recorded.
	OnReact func(ctx context.Context, messageID, emoji string, added bool) error

	mu       sync.Mutex
	calls    []Call
	history  map[string][]chat.Message
	ensured  []string
	sequence int
}

// New returns an adapter for Platform.
func New() *Adapter {
	return &Adapter{Platform: Platform}
}

var _ chat.Adapter = (*Adapter)(nil)
var _ chat.SubscriptionEnsurer = (*Adapter)(nil)
var _ chat.BotIdentitySeeder = (*Adapter)(nil)

func (a *Adapter) Name() string { return a.Platform }

func (a *Adapter) Codec() threadid.Codec { return threadid.Codec{Platform: a.Platform} }

func (a *Adapter) RetriesFailedDeliveries() bool { return a.Retries }

func (a *Adapter) BotUserID() string { return a.SelfID }

// Verify checks the shared secret header.
func (a *Adapter) Verify(r *http.Request, _ []byte) error {
	if a.Secret == "" {
		return nil
	}
	if r.Header.Get(SecretHeader) != a.Secret {
		return fmt.Errorf("%w: bad secret", chat.ErrAuth)
	}
	return nil
}

// Decode parses a Payload.
func (a *Adapter) Decode(_ context.Context, _ http.Header, body []byte) (chat.Inbound, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, &chat.DecodeError{Reason: "invalid test payload", Err: err}
	}
	return p.Inbound()
}

func (a *Adapter) PostMessage(ctx context.Context, threadID string, content format.Content) (string, error) {
	if a.OnPost != nil {
		if err := a.OnPost(ctx, threadID, content.Markdown()); err != nil {
			return "", err
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sequence++
	id := "msg-" + strconv.Itoa(a.sequence)
	a.calls = append(a.calls, Call{Op: OpPost, ThreadID: threadID, MessageID: id, Text: content.Markdown(), At: time.Now()})
	return id, nil
}

func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, content format.Content) error {
	if a.OnEdit != nil {
		if err := a.OnEdit(ctx, threadID, messageID, content.Markdown()); err != nil {
			return err
		}
	}
	a.record(Call{Op: OpEdit, ThreadID: threadID, MessageID: messageID, Text: content.Markdown()})
	return nil
}

func (a *Adapter) DeleteMessage(_ context.Context, threadID, messageID string) error {
	a.record(Call{Op: OpDelete, ThreadID: threadID, MessageID: messageID})
	return nil
}

func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	if a.OnReact != nil {
		if err := a.OnReact(ctx, messageID, emoji, true); err != nil {
			return err
		}
	}
	a.record(Call{Op: OpAddReaction, ThreadID: threadID, MessageID: messageID, Emoji: emoji})
	return nil
}

func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	if a.OnReact != nil {
		if err := a.OnReact(ctx, messageID, emoji, false); err != nil {
			return err
		}
	}
	a.record(Call{Op: OpRemoveReaction, ThreadID: threadID, MessageID: messageID, Emoji: emoji})
	return nil
}

// FetchMessages pages through history installed with SetHistory. Page
// tokens are decimal offsets.
func (a *Adapter) FetchMessages(_ context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	all := a.history[threadID]
	ordered := make([]chat.Message, len(all))
	copy(ordered, all)
	if opts.Direction == chat.Backward {
		for i, j := 0, len(ordered)-1; i < j; i, j = i+1, j-1 {
			ordered[i], ordered[j] = ordered[j], ordered[i]
		}
	}

	start := 0
	if opts.PageToken != "" {
		n, err := strconv.Atoi(opts.PageToken)
		if err != nil || n < 0 || n > len(ordered) {
			return nil, fmt.Errorf("invalid page token %q", opts.PageToken)
		}
		start = n
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	end := min(start+limit, len(ordered))

	page := &chat.MessagePage{Messages: ordered[start:end]}
	if end < len(ordered) {
		page.NextPageToken = strconv.Itoa(end)
	}
	return page, nil
}

// EnsureSubscription records the thread.
func (a *Adapter) EnsureSubscription(_ context.Context, threadID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensured = append(a.ensured, threadID)
}

// SetHistory installs messages, oldest first, for FetchMessages.
func (a *Adapter) SetHistory(threadID string, msgs []chat.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.history == nil {
		a.history = make(map[string][]chat.Message)
	}
	a.history[threadID] = msgs
}

func (a *Adapter) record(c Call) {
	c.At = time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, c)
}

// Calls returns every recorded call in order.
func (a *Adapter) Calls() []Call {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Call, len(a.calls))
	copy(out, a.calls)
	return out
}

// CallsOf returns recorded calls with the given Op.
func (a *Adapter) CallsOf(op string) []Call {
	var out []Call
	for _, c := range a.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Ensured returns threads passed to EnsureSubscription.
func (a *Adapter) Ensured() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.ensured))
	copy(out, a.ensured)
	return out
}
