// ABOUTME: Google Chat adapter: verification, decoding and REST for one Chat app
// ABOUTME: Non-mention traffic arrives through Workspace Events subscriptions kept alive by pushsub

package gchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	chatv1 "google.golang.org/api/chat/v1"
	"google.golang.org/api/option"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/pushsub"
	"github.com/2389/coven-chat/internal/state"
	"github.com/2389/coven-chat/internal/threadid"
)

// Platform is the thread id prefix of Google Chat threads.
const Platform = "gchat"

// Service roots; the generated clients append the API version.
const (
	DefaultAPIBaseURL    = "https://chat.googleapis.com/"
	DefaultEventsBaseURL = "https://workspaceevents.googleapis.com/"
)

// RequestVerifier checks the bearer token of one delivery shape.
type RequestVerifier interface {
	VerifyRequest(r *http.Request) (*auth.GoogleClaims, error)
}

// Options configure an Adapter.
type Options struct {
	// HTTPClient must attach app credentials; see NewCredentialsClient.
	HTTPClient    *http.Client
	APIBaseURL    string
	EventsBaseURL string

	// ChatVerifier checks direct app events. Required.
	ChatVerifier RequestVerifier
	// PushVerifier checks Pub/Sub push deliveries. Nil rejects them.
	PushVerifier RequestVerifier

	// PubSubTopic enables Workspace Events subscriptions for subscribed
	// spaces. Empty disables them.
	PubSubTopic   string
	Store         state.Store
	Subscriptions pushsub.Options

	Logger *slog.Logger
}

// Adapter implements chat.Adapter for Google Chat.
type Adapter struct {
	api      *chatv1.Service
	codec    threadid.Codec
	chatAuth RequestVerifier
	pushAuth RequestVerifier
	subs     *pushsub.Manager
	logger   *slog.Logger
}

var (
	_ chat.Adapter             = (*Adapter)(nil)
	_ chat.SubscriptionEnsurer = (*Adapter)(nil)
)

// New creates an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.ChatVerifier == nil {
		return nil, errors.New("gchat: chat verifier is required")
	}
	if opts.HTTPClient == nil {
		return nil, errors.New("gchat: http client is required")
	}
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = DefaultAPIBaseURL
	}
	if opts.EventsBaseURL == "" {
		opts.EventsBaseURL = DefaultEventsBaseURL
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	api, err := chatv1.NewService(context.Background(), option.WithHTTPClient(opts.HTTPClient), option.WithEndpoint(opts.APIBaseURL))
	if err != nil {
		return nil, fmt.Errorf("gchat: creating chat client: %w", err)
	}

	a := &Adapter{
		api:      api,
		codec:    threadid.Codec{Platform: Platform},
		chatAuth: opts.ChatVerifier,
		pushAuth: opts.PushVerifier,
		logger:   opts.Logger.With("component", "gchat"),
	}

	if opts.PubSubTopic != "" {
		if opts.Store == nil {
			return nil, errors.New("gchat: push subscriptions need a state store")
		}
		provider, err := NewEventsProvider(context.Background(), opts.HTTPClient, opts.EventsBaseURL, opts.PubSubTopic)
		if err != nil {
			return nil, fmt.Errorf("gchat: %w", err)
		}
		subOpts := opts.Subscriptions
		subOpts.Platform = Platform
		if subOpts.Logger == nil {
			subOpts.Logger = opts.Logger
		}
		a.subs = pushsub.NewManager(opts.Store, provider, subOpts)
	}
	return a, nil
}

func (a *Adapter) Name() string { return Platform }

func (a *Adapter) Codec() threadid.Codec { return a.codec }

// RetriesFailedDeliveries is true: Pub/Sub redelivers until acknowledged.
func (a *Adapter) RetriesFailedDeliveries() bool { return true }

// isPush reports whether body is a Pub/Sub push envelope.
func isPush(body []byte) bool {
	return gjson.GetBytes(body, "subscription").Exists() && gjson.GetBytes(body, "message.data").Exists()
}

// Verify checks the token of the delivery shape found in body.
func (a *Adapter) Verify(r *http.Request, body []byte) error {
	verifier := a.chatAuth
	if isPush(body) {
		if a.pushAuth == nil {
			return fmt.Errorf("%w: push delivery without push verification configured", chat.ErrAuth)
		}
		verifier = a.pushAuth
	}
	if _, err := verifier.VerifyRequest(r); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	return nil
}

// EnsureSubscription keeps a Workspace Events subscription alive for the
// thread's space. It is a no-op without a Pub/Sub topic.
func (a *Adapter) EnsureSubscription(ctx context.Context, threadID string) {
	if a.subs == nil {
		return
	}
	scope, err := a.codec.Decode(threadID)
	if err != nil {
		a.logger.Warn("cannot ensure subscription for thread", "thread", threadID, "error", err)
		return
	}
	a.subs.Ensure(ctx, scope.Primary)
}

// Subscriptions exposes the subscription manager, or nil when disabled.
func (a *Adapter) Subscriptions() *pushsub.Manager { return a.subs }
