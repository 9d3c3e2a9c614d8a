// ABOUTME: Builds the enabled platform adapters from configuration
// ABOUTME: Push subscription outcomes are reported to metrics when they are enabled

package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/feishu"
	"github.com/2389/coven-chat/internal/gchat"
	"github.com/2389/coven-chat/internal/matrix"
	"github.com/2389/coven-chat/internal/metrics"
	"github.com/2389/coven-chat/internal/pushsub"
	"github.com/2389/coven-chat/internal/state"
)

func buildAdapters(ctx context.Context, cfg *config.Config, store state.Store, m *metrics.Metrics, logger *slog.Logger) ([]chat.Adapter, error) {
	var adapters []chat.Adapter
	p := cfg.Platforms

	if p.GChat.Enabled {
		a, err := buildGChat(ctx, cfg, store, m, logger)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, a)
	}

	if p.Matrix.Enabled {
		a, err := matrix.New(matrix.Options{
			Homeserver: p.Matrix.Homeserver,
			UserID:     p.Matrix.UserID,
			ASToken:    p.Matrix.ASToken,
			HSToken:    p.Matrix.HSToken,
			Logger:     logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating matrix adapter: %w", err)
		}
		adapters = append(adapters, a)
	}

	if p.Feishu.Enabled {
		a, err := feishu.New(feishu.Options{
			AppID:             p.Feishu.AppID,
			AppSecret:         p.Feishu.AppSecret,
			EncryptKey:        p.Feishu.EncryptKey,
			VerificationToken: p.Feishu.VerificationToken,
			BaseURL:           p.Feishu.BaseURL,
			BotName:           cfg.Dispatch.BotName,
			Logger:            logger,
		})
		if err != nil {
			return nil, fmt.Errorf("creating feishu adapter: %w", err)
		}
		adapters = append(adapters, a)
	}

	return adapters, nil
}

func buildGChat(ctx context.Context, cfg *config.Config, store state.Store, m *metrics.Metrics, logger *slog.Logger) (*gchat.Adapter, error) {
	g := cfg.Platforms.GChat
	client, err := gchat.NewCredentialsClient(ctx, g.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("loading gchat credentials: %w", err)
	}

	chatAuth, err := auth.NewChatVerifier(ctx, g.ProjectNumber, nil)
	if err != nil {
		return nil, fmt.Errorf("loading gchat signing keys: %w", err)
	}

	opts := gchat.Options{
		HTTPClient:    client,
		APIBaseURL:    g.APIBaseURL,
		EventsBaseURL: g.EventsBaseURL,
		ChatVerifier:  chatAuth,
		PubSubTopic:   g.PubSubTopic,
		Store:         store,
		Subscriptions: pushsub.Options{
			RefreshBuffer:   cfg.PushSubscriptions.RefreshBuffer,
			CacheTTL:        cfg.PushSubscriptions.CacheTTL,
			SubscriptionTTL: cfg.PushSubscriptions.SubscriptionTTL,
			Logger:          logger,
		},
		Logger: logger,
	}
	if g.PubSubTopic != "" {
		pushAuth, err := auth.NewPushVerifier(ctx, cfg.PushAudience(), g.PushServiceAccount, nil)
		if err != nil {
			return nil, fmt.Errorf("loading pubsub signing keys: %w", err)
		}
		opts.PushVerifier = pushAuth
	}
	if m != nil {
		opts.Subscriptions.OnCreate = func(string) { m.SubscriptionCreated(gchat.Platform) }
		opts.Subscriptions.OnError = func(string, error) { m.SubscriptionFailed(gchat.Platform) }
	}

	a, err := gchat.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating gchat adapter: %w", err)
	}
	return a, nil
}
