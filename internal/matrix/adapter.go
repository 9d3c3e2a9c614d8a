// ABOUTME: Matrix adapter: application service transactions in, client-server API out
// ABOUTME: Room ids contain ':' so the thread id codec base64-encodes the primary scope

package matrix

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/threadid"
)

// Platform is the thread id prefix of Matrix threads.
const Platform = "matrix"

// Options configure an Adapter.
type Options struct {
	Homeserver string
	// UserID is the application service's bot user.
	UserID string
	// ASToken authenticates this service to the homeserver.
	ASToken string
	// HSToken is what the homeserver presents on transaction pushes.
	HSToken string

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Adapter implements chat.Adapter for a Matrix application service.
type Adapter struct {
	client   *mautrix.Client
	codec    threadid.Codec
	verifier *auth.StaticToken
	botID    id.UserID
	logger   *slog.Logger
}

var (
	_ chat.Adapter           = (*Adapter)(nil)
	_ chat.BotIdentitySeeder = (*Adapter)(nil)
)

// New creates an Adapter.
func New(opts Options) (*Adapter, error) {
	if opts.Homeserver == "" || opts.UserID == "" {
		return nil, errors.New("matrix: homeserver and user id are required")
	}
	if opts.ASToken == "" || opts.HSToken == "" {
		return nil, errors.New("matrix: as_token and hs_token are required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client, err := mautrix.NewClient(opts.Homeserver, id.UserID(opts.UserID), opts.ASToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}
	if opts.HTTPClient != nil {
		client.Client = opts.HTTPClient
	}
	// Rate limits surface to handlers instead of being retried here.
	client.DefaultHTTPRetries = 0

	return &Adapter{
		client:   client,
		codec:    threadid.Codec{Platform: Platform, EncodePrimary: true},
		verifier: auth.NewStaticToken(opts.HSToken),
		botID:    id.UserID(opts.UserID),
		logger:   opts.Logger.With("component", "matrix"),
	}, nil
}

func (a *Adapter) Name() string { return Platform }

func (a *Adapter) Codec() threadid.Codec { return a.codec }

// RetriesFailedDeliveries is true: homeservers retry a transaction until it
// is acknowledged.
func (a *Adapter) RetriesFailedDeliveries() bool { return true }

// BotUserID returns the configured bot user.
func (a *Adapter) BotUserID() string { return a.botID.String() }

// Verify checks the homeserver token, sent as a bearer token or, by older
// homeservers, as the access_token query parameter.
func (a *Adapter) Verify(r *http.Request, _ []byte) error {
	token, ok := auth.BearerToken(r)
	if !ok {
		return fmt.Errorf("%w: missing homeserver token", chat.ErrAuth)
	}
	if _, err := a.verifier.Verify(token); err != nil {
		return fmt.Errorf("%w: %v", chat.ErrAuth, err)
	}
	return nil
}
