// ABOUTME: Adapter contract every chat backend implements
// ABOUTME: Webhook verification and decoding plus the REST operations handlers call

package chat

import (
	"context"
	"net/http"

	"github.com/2389/coven-chat/internal/format"
	"github.com/2389/coven-chat/internal/threadid"
)

// Direction orders a message listing.
type Direction int

const (
	Backward Direction = iota // newest first
	Forward                   // oldest first
)

// FetchOptions page through a thread's history.
type FetchOptions struct {
	Limit     int
	Direction Direction
	PageToken string
}

// MessagePage is one page of fetched history.
type MessagePage struct {
	Messages      []Message
	NextPageToken string
}

// Adapter connects one chat backend to the dispatcher.
type Adapter interface {
	// Name is the platform prefix used in thread ids and state keys.
	Name() string
	Codec() threadid.Codec

	// Verify authenticates a webhook before anything else reads it.
	// It returns an error matching ErrAuth on failure.
	Verify(r *http.Request, body []byte) error
	// Decode turns a verified request body into an Inbound value.
	Decode(ctx context.Context, header http.Header, body []byte) (Inbound, error)
	// RetriesFailedDeliveries reports whether the backend redelivers on non-2xx.
	RetriesFailedDeliveries() bool

	PostMessage(ctx context.Context, threadID string, content format.Content) (messageID string, err error)
	EditMessage(ctx context.Context, threadID, messageID string, content format.Content) error
	DeleteMessage(ctx context.Context, threadID, messageID string) error
	AddReaction(ctx context.Context, threadID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error
	FetchMessages(ctx context.Context, threadID string, opts FetchOptions) (*MessagePage, error)
}

// SubscriptionEnsurer is implemented by adapters that only receive
// non-mention traffic through an expiring push subscription.
type SubscriptionEnsurer interface {
	EnsureSubscription(ctx context.Context, threadID string)
}

// BotIdentitySeeder is implemented by adapters that know their own user id
// from configuration and need not learn it from traffic.
type BotIdentitySeeder interface {
	BotUserID() string
}
