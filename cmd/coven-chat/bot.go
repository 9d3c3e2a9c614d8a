// ABOUTME: Echo bot wired to every handler type so a deployment can be checked end to end
// ABOUTME: Mentions subscribe the thread and stream a reply; later messages are echoed back

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/dispatch"
	"github.com/2389/coven-chat/internal/stream"
)

var stopPattern = regexp.MustCompile(`(?i)^\s*(stop|unsubscribe)\s*$`)

// displayName prefers the full name over the user id.
func displayName(a chat.Author) string {
	switch {
	case a.FullName != "":
		return a.FullName
	case a.UserName != "":
		return a.UserName
	default:
		return a.UserID
	}
}

// words splits s into chunks that keep their trailing space, so joining
// them reproduces s.
func words(s string) []string {
	fields := strings.SplitAfter(s, " ")
	out := fields[:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// produce sends chunks from a separate goroutine the way a model client
// would. The channel closes after the last chunk or when ctx ends.
func produce(ctx context.Context, chunks []string) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// registerEchoBot installs the echo bot's handlers on d.
func registerEchoBot(d *dispatch.Dispatcher, logger *slog.Logger) {
	log := logger.With("component", "echo-bot")

	d.OnNewMention(func(ctx context.Context, t *dispatch.Thread, msg *chat.Message) error {
		if err := t.Subscribe(ctx); err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}
		reply := fmt.Sprintf("Hi %s, I'm listening in this thread. Say **stop** to end. You said: %s",
			displayName(msg.Author), msg.Text)
		streamCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		res, err := t.PostStream(streamCtx, stream.FromChannel(produce(streamCtx, words(reply))))
		if err != nil {
			return fmt.Errorf("streaming reply: %w", err)
		}
		log.Info("answered mention", "thread_id", t.ID(), "message_id", res.MessageID, "edits", res.Edits)
		return nil
	})

	d.OnSubscribedMessage(func(ctx context.Context, t *dispatch.Thread, msg *chat.Message) error {
		if stopPattern.MatchString(msg.Text) {
			if err := t.Unsubscribe(ctx); err != nil {
				return fmt.Errorf("unsubscribing: %w", err)
			}
			_, err := t.PostMarkdown(ctx, "Unsubscribed. Mention me to start again.")
			return err
		}
		_, err := t.PostStream(ctx, stream.FromSlice(words("echo: "+msg.Text)...))
		return err
	})

	d.OnAction(func(ctx context.Context, t *dispatch.Thread, action *chat.Action) error {
		text := fmt.Sprintf("**%s** clicked `%s`", displayName(action.User), action.ActionID)
		if action.Value != "" {
			text += fmt.Sprintf(" with `%s`", action.Value)
		}
		_, err := t.PostMarkdown(ctx, text)
		return err
	})

	// Reactions are mirrored on the same message when the platform has
	// an equivalent.
	d.OnReaction(func(ctx context.Context, t *dispatch.Thread, r *chat.Reaction) error {
		if r.MessageID == "" {
			return nil
		}
		mirror := t.Unreact
		if r.Added {
			mirror = t.React
		}
		err := mirror(ctx, r.MessageID, r.Emoji)
		if errors.Is(err, chat.ErrNotSupported) {
			log.Debug("reaction not mirrored", "thread_id", t.ID(), "emoji", r.Emoji, "error", err)
			return nil
		}
		return err
	})

	d.OnModalSubmit(func(ctx context.Context, t *dispatch.Thread, submit *chat.ModalSubmit) error {
		keys := make([]string, 0, len(submit.Values))
		for k := range submit.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var b strings.Builder
		fmt.Fprintf(&b, "**%s** submitted `%s`", displayName(submit.User), submit.CallbackID)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n- %s: %s", k, submit.Values[k])
		}
		// Form results are shared with the whole channel, not the thread.
		_, err := t.PostToChannel(ctx, b.String())
		return err
	})
}
