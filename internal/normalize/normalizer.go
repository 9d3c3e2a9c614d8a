// ABOUTME: Turns decoded direct and push envelopes into canonical chat events
// ABOUTME: Resolves thread identity, learns the bot's id, sets isMe and fills names from the user cache

package normalize

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/format"
	"github.com/2389/coven-chat/internal/state"
)

// Config controls how inbound traffic is normalized.
type Config struct {
	// BotName is the display name backends render in mentions.
	BotName string
	// BotHandle replaces self-mentions in text. Defaults to BotName.
	BotHandle string
	// AssumeBotSenderIsSelf treats any bot-flagged sender as this bot on
	// direct deliveries until an identity has been learned.
	AssumeBotSenderIsSelf bool
	UserCacheTTL          time.Duration
	Logger                *slog.Logger
}

// Normalizer holds per-platform identity resolvers and user caches.
type Normalizer struct {
	store  state.Store
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	resolvers map[string]*IdentityResolver
	users     map[string]*UserCache
}

// New creates a Normalizer backed by store.
func New(store state.Store, cfg Config) *Normalizer {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.BotHandle == "" {
		cfg.BotHandle = cfg.BotName
	}
	return &Normalizer{
		store:     store,
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "normalize"),
		resolvers: make(map[string]*IdentityResolver),
		users:     make(map[string]*UserCache),
	}
}

// Resolver returns the identity resolver for platform, creating it on first use.
func (n *Normalizer) Resolver(platform string) *IdentityResolver {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.resolvers[platform]
	if !ok {
		r = NewIdentityResolver(platform, n.store, n.cfg.AssumeBotSenderIsSelf, n.cfg.Logger)
		n.resolvers[platform] = r
	}
	return r
}

// Users returns the user cache for platform.
func (n *Normalizer) Users(platform string) *UserCache {
	n.mu.Lock()
	defer n.mu.Unlock()
	c, ok := n.users[platform]
	if !ok {
		c = NewUserCache(platform, n.store, n.cfg.UserCacheTTL, n.cfg.Logger)
		n.users[platform] = c
	}
	return c
}

// Wait blocks until every resolver has finished persisting.
func (n *Normalizer) Wait() {
	n.mu.Lock()
	resolvers := make([]*IdentityResolver, 0, len(n.resolvers))
	for _, r := range n.resolvers {
		resolvers = append(resolvers, r)
	}
	n.mu.Unlock()
	for _, r := range resolvers {
		r.Wait()
	}
}

// Normalize converts a DirectEvent or PushEnvelope into a canonical event.
// Handshake and Ignored values are the caller's to handle.
func (n *Normalizer) Normalize(ctx context.Context, adapter chat.Adapter, in chat.Inbound) (*chat.Event, error) {
	var (
		env      chat.Envelope
		delivery chat.Delivery
	)
	switch v := in.(type) {
	case chat.DirectEvent:
		env, delivery = v.Envelope, chat.DeliveryDirect
	case *chat.DirectEvent:
		env, delivery = v.Envelope, chat.DeliveryDirect
	case chat.PushEnvelope:
		env, delivery = v.Envelope, chat.DeliveryPush
	case *chat.PushEnvelope:
		env, delivery = v.Envelope, chat.DeliveryPush
	default:
		return nil, fmt.Errorf("normalize: unexpected inbound %T", in)
	}

	if env.Scope.Primary == "" {
		return nil, chat.Decodef("missing conversation scope")
	}

	platform := adapter.Name()
	resolver := n.Resolver(platform)
	resolver.Load(ctx)

	ev := &chat.Event{
		Kind:     env.Kind,
		Platform: platform,
		ThreadID: adapter.Codec().Encode(env.Scope),
		Delivery: delivery,
	}

	switch env.Kind {
	case chat.KindMessage:
		if env.Message == nil {
			return nil, chat.Decodef("message event without message")
		}
		msg, err := n.message(ctx, platform, resolver, ev.ThreadID, env.Message, delivery)
		if err != nil {
			return nil, err
		}
		ev.Message = msg

	case chat.KindAction:
		a := env.Action
		if a == nil {
			return nil, chat.Decodef("action event without action")
		}
		ev.Action = &chat.Action{
			ActionID:  a.ActionID,
			Value:     a.Value,
			MessageID: a.MessageID,
			User:      n.author(ctx, platform, resolver, a.UserID, a.UserName, a.UserIsBot, delivery),
		}

	case chat.KindReaction:
		r := env.Reaction
		if r == nil {
			return nil, chat.Decodef("reaction event without reaction")
		}
		ev.Reaction = &chat.Reaction{
			Emoji:     r.Emoji,
			Added:     r.Added,
			MessageID: r.MessageID,
			User:      n.author(ctx, platform, resolver, r.UserID, r.UserName, r.UserIsBot, delivery),
		}

	case chat.KindModalSubmit:
		m := env.ModalSubmit
		if m == nil {
			return nil, chat.Decodef("modal submit event without payload")
		}
		ev.ModalSubmit = &chat.ModalSubmit{
			CallbackID: m.CallbackID,
			Values:     m.Values,
			User:       n.author(ctx, platform, resolver, m.UserID, m.UserName, false, delivery),
		}

	default:
		return nil, chat.Decodef("unknown event kind %q", env.Kind)
	}

	return ev, nil
}

func (n *Normalizer) message(ctx context.Context, platform string, resolver *IdentityResolver, threadID string, raw *chat.RawMessage, delivery chat.Delivery) (*chat.Message, error) {
	if raw.MessageID == "" {
		return nil, chat.Decodef("message without id")
	}
	if strings.TrimSpace(raw.Text) == "" && len(raw.Attachments) == 0 {
		return nil, chat.Decodef("message %s without body", raw.MessageID)
	}

	n.learnFromMentions(ctx, resolver, raw, delivery)
	botID := resolver.BotID()

	isSelf := func(s chat.MentionSpan) bool {
		if botID != "" && s.EntityID == botID {
			return true
		}
		return s.EntityIsBot && n.cfg.BotName != "" && strings.EqualFold(s.DisplayName, n.cfg.BotName)
	}

	text, mentioned := NormalizeMentions(raw.Text, raw.Mentions, isSelf, n.cfg.BotName, n.cfg.BotHandle)
	if !mentioned {
		for _, s := range raw.Mentions {
			if isSelf(s) {
				mentioned = true
				break
			}
		}
	}
	if !mentioned && n.cfg.BotHandle != "" {
		mentioned = containsFold(text, "@"+n.cfg.BotHandle)
	}

	return &chat.Message{
		ID:          raw.MessageID,
		ThreadID:    threadID,
		Text:        text,
		Formatted:   format.Parse(text),
		Author:      n.authorWithEmail(ctx, platform, resolver, raw.SenderID, raw.SenderName, raw.SenderEmail, raw.SenderIsBot, delivery),
		SentAt:      raw.SentAt,
		Edited:      raw.Edited,
		Attachments: raw.Attachments,
		IsMention:   raw.AddressedToBot || mentioned,
		Raw:         raw.Raw,
	}, nil
}

// learnFromMentions teaches the resolver from a bot-typed mention. A span
// whose display name matches the configured bot name is authoritative. With
// no configured name, a lone bot-typed span in a direct delivery is used.
func (n *Normalizer) learnFromMentions(ctx context.Context, resolver *IdentityResolver, raw *chat.RawMessage, delivery chat.Delivery) {
	var bots []chat.MentionSpan
	for _, s := range raw.Mentions {
		if s.EntityIsBot && s.EntityID != "" {
			bots = append(bots, s)
		}
	}
	if len(bots) == 0 {
		return
	}

	if n.cfg.BotName != "" {
		for _, s := range bots {
			if strings.EqualFold(s.DisplayName, n.cfg.BotName) {
				resolver.Learn(ctx, s.EntityID)
				return
			}
		}
		return
	}

	if delivery == chat.DeliveryDirect && raw.AddressedToBot && len(bots) == 1 {
		resolver.Learn(ctx, bots[0].EntityID)
	}
}

func (n *Normalizer) author(ctx context.Context, platform string, resolver *IdentityResolver, userID, name string, isBot bool, delivery chat.Delivery) chat.Author {
	return n.authorWithEmail(ctx, platform, resolver, userID, name, "", isBot, delivery)
}

func (n *Normalizer) authorWithEmail(ctx context.Context, platform string, resolver *IdentityResolver, userID, name, email string, isBot bool, delivery chat.Delivery) chat.Author {
	users := n.Users(platform)
	if IsPlaceholderName(name, userID) {
		if info, ok := users.Lookup(ctx, userID); ok {
			name = info.Name
		}
	} else if delivery == chat.DeliveryDirect && !isBot {
		users.Remember(ctx, userID, UserInfo{Name: name, Email: email})
	}

	userName := name
	if userName == "" {
		userName = userID
	}
	return chat.Author{
		UserID:   userID,
		UserName: userName,
		FullName: name,
		IsBot:    isBot,
		IsMe:     resolver.ResolveIsMe(userID, isBot, delivery),
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
