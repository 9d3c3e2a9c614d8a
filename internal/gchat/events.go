// ABOUTME: Workspace Events subscription provider for Chat spaces
// ABOUTME: Implements pushsub.Provider over the generated workspaceevents/v1 client

package gchat

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/workspaceevents/v1"

	"github.com/2389/coven-chat/internal/pushsub"
)

// SubscribedEventTypes are the Chat events a space subscription delivers.
var SubscribedEventTypes = []string{
	CloudEventMessageCreated,
	CloudEventReactionCreated,
	CloudEventReactionDeleted,
}

const chatResourcePrefix = "//chat.googleapis.com/"

// EventsProvider manages Workspace Events subscriptions that publish Chat
// space events to one Pub/Sub topic.
type EventsProvider struct {
	api   *workspaceevents.Service
	topic string
	now   func() time.Time
}

var _ pushsub.Provider = (*EventsProvider)(nil)

// NewEventsProvider creates a provider using an authorized client.
func NewEventsProvider(ctx context.Context, client *http.Client, baseURL, topic string) (*EventsProvider, error) {
	if baseURL == "" {
		baseURL = DefaultEventsBaseURL
	}
	api, err := workspaceevents.NewService(ctx, option.WithHTTPClient(client), option.WithEndpoint(baseURL))
	if err != nil {
		return nil, fmt.Errorf("creating workspace events client: %w", err)
	}
	return &EventsProvider{api: api, topic: topic, now: time.Now}, nil
}

func targetResource(space string) string {
	return chatResourcePrefix + space
}

// FindSubscription returns the active subscription for space that expires
// last, or nil.
func (p *EventsProvider) FindSubscription(ctx context.Context, space string) (*pushsub.Info, error) {
	filter := fmt.Sprintf(`event_types:"%s" AND target_resource="%s"`, CloudEventMessageCreated, targetResource(space))

	var best *pushsub.Info
	err := p.api.Subscriptions.List().Filter(filter).Pages(ctx, func(page *workspaceevents.ListSubscriptionsResponse) error {
		for _, sub := range page.Subscriptions {
			if sub.State != "" && sub.State != "ACTIVE" {
				continue
			}
			info := p.info(space, sub)
			if best == nil || info.ExpireTime.After(best.ExpireTime) {
				best = info
			}
		}
		return nil
	})
	if err != nil {
		return nil, apiError("listing subscriptions", err)
	}
	return best, nil
}

// CreateSubscription creates a subscription for space lasting ttl.
func (p *EventsProvider) CreateSubscription(ctx context.Context, space string, ttl time.Duration) (*pushsub.Info, error) {
	req := &workspaceevents.Subscription{
		TargetResource:       targetResource(space),
		EventTypes:           SubscribedEventTypes,
		NotificationEndpoint: &workspaceevents.NotificationEndpoint{PubsubTopic: p.topic},
		PayloadOptions:       &workspaceevents.PayloadOptions{IncludeResource: true},
		Ttl:                  fmt.Sprintf("%ds", int(ttl.Seconds())),
	}

	op, err := p.api.Subscriptions.Create(req).Context(ctx).Do()
	if err != nil {
		return nil, apiError("creating subscription", err)
	}
	if op.Error != nil {
		return nil, fmt.Errorf("creating subscription: %s", op.Error.Message)
	}

	if op.Done && len(op.Response) > 0 {
		var sub workspaceevents.Subscription
		if err := json.Unmarshal(op.Response, &sub); err != nil {
			return nil, fmt.Errorf("decoding created subscription: %w", err)
		}
		info := p.info(space, &sub)
		if info.ExpireTime.IsZero() {
			info.ExpireTime = p.now().Add(ttl)
		}
		return info, nil
	}

	// Creation is still running; the operation resolves to a subscription
	// with the requested lifetime.
	return &pushsub.Info{
		Name:       strings.TrimPrefix(op.Name, "operations/"),
		ResourceID: space,
		ExpireTime: p.now().Add(ttl),
	}, nil
}

func (p *EventsProvider) info(space string, sub *workspaceevents.Subscription) *pushsub.Info {
	return &pushsub.Info{
		Name:       sub.Name,
		ResourceID: space,
		ExpireTime: parseTime(sub.ExpireTime),
	}
}
