// ABOUTME: Google Chat REST operations through the generated chat/v1 client
// ABOUTME: HTTP 429 surfaces as chat.RateLimitedError carrying Retry-After

package gchat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	chatv1 "google.golang.org/api/chat/v1"
	"google.golang.org/api/googleapi"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/format"
	"github.com/2389/coven-chat/internal/threadid"
)

const defaultPageSize = 50

// apiError wraps a client error with op, mapping throttling to
// chat.RateLimitedError.
func apiError(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == http.StatusTooManyRequests {
		return &chat.RateLimitedError{RetryAfter: retryAfter(gerr.Header), Err: err}
	}
	return err
}

// retryAfter parses a Retry-After header given in seconds or as an HTTP date.
func retryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func (a *Adapter) scope(threadID string) (threadid.Scope, error) {
	s, err := a.codec.Decode(threadID)
	if err != nil {
		return threadid.Scope{}, fmt.Errorf("gchat: %w", err)
	}
	return s, nil
}

// PostMessage creates a message, replying in the thread when the id names one.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, content format.Content) (string, error) {
	scope, err := a.scope(threadID)
	if err != nil {
		return "", err
	}

	msg := &chatv1.Message{Text: Render(content)}
	call := a.api.Spaces.Messages.Create(scope.Primary, msg)
	if scope.Sub != "" {
		msg.Thread = &chatv1.Thread{Name: scope.Sub}
		call = call.MessageReplyOption("REPLY_MESSAGE_FALLBACK_TO_NEW_THREAD")
	}
	created, err := call.Context(ctx).Do()
	if err != nil {
		return "", apiError("posting message", err)
	}
	return created.Name, nil
}

// EditMessage replaces the text of a message.
func (a *Adapter) EditMessage(ctx context.Context, _ string, messageID string, content format.Content) error {
	_, err := a.api.Spaces.Messages.Patch(messageID, &chatv1.Message{Text: Render(content)}).
		UpdateMask("text").Context(ctx).Do()
	if err != nil {
		return apiError("editing message", err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, _ string, messageID string) error {
	if _, err := a.api.Spaces.Messages.Delete(messageID).Context(ctx).Do(); err != nil {
		return apiError("deleting message", err)
	}
	return nil
}

func (a *Adapter) AddReaction(ctx context.Context, _ string, messageID, emoji string) error {
	reaction := &chatv1.Reaction{Emoji: &chatv1.Emoji{Unicode: emoji}}
	if _, err := a.api.Spaces.Messages.Reactions.Create(messageID, reaction).Context(ctx).Do(); err != nil {
		return apiError("adding reaction", err)
	}
	return nil
}

// RemoveReaction deletes this app's reactions with emoji on the message.
func (a *Adapter) RemoveReaction(ctx context.Context, _ string, messageID, emoji string) error {
	list, err := a.api.Spaces.Messages.Reactions.List(messageID).
		Filter(fmt.Sprintf("emoji.unicode = %q", emoji)).Context(ctx).Do()
	if err != nil {
		return apiError("listing reactions", err)
	}
	for _, r := range list.Reactions {
		if !isBot(r.User) {
			continue
		}
		if _, err := a.api.Spaces.Messages.Reactions.Delete(r.Name).Context(ctx).Do(); err != nil {
			return apiError("removing reaction", err)
		}
	}
	return nil
}

// FetchMessages lists a thread's messages, or a whole space's when the id
// has no sub-scope.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	scope, err := a.scope(threadID)
	if err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	order := "createTime desc"
	if opts.Direction == chat.Forward {
		order = "createTime asc"
	}
	call := a.api.Spaces.Messages.List(scope.Primary).PageSize(int64(limit)).OrderBy(order)
	if opts.PageToken != "" {
		call = call.PageToken(opts.PageToken)
	}
	if scope.Sub != "" {
		call = call.Filter(fmt.Sprintf("thread.name = %s", scope.Sub))
	}

	list, err := call.Context(ctx).Do()
	if err != nil {
		return nil, apiError("listing messages", err)
	}

	page := &chat.MessagePage{NextPageToken: list.NextPageToken}
	for _, m := range list.Messages {
		page.Messages = append(page.Messages, a.canonical(scope.Primary, m))
	}
	return page, nil
}

func (a *Adapter) canonical(space string, m *chatv1.Message) chat.Message {
	raw := rawMessage(m)
	return chat.Message{
		ID:          m.Name,
		ThreadID:    a.codec.Encode(threadid.Scope{Primary: space, Sub: threadName(m)}),
		Text:        m.Text,
		Formatted:   format.Parse(m.Text),
		SentAt:      raw.SentAt,
		Edited:      raw.Edited,
		Attachments: raw.Attachments,
		Raw:         m,
		Author: chat.Author{
			UserID:   raw.SenderID,
			UserName: raw.SenderName,
			FullName: raw.SenderName,
			IsBot:    raw.SenderIsBot,
		},
	}
}
