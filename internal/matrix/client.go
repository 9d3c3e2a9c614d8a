// ABOUTME: Matrix client-server operations through mautrix: send, edit, redact, react, history
// ABOUTME: Bodies carry a plain fallback plus goldmark-rendered HTML; M_LIMIT_EXCEEDED maps to RateLimitedError

package matrix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/format"
	"github.com/2389/coven-chat/internal/threadid"
)

const defaultPageSize = 50

// wrapErr annotates err with op and turns homeserver rate limiting into
// chat.RateLimitedError.
func wrapErr(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)
	if !errors.Is(err, mautrix.MLimitExceeded) {
		return wrapped
	}
	var retry time.Duration
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		if ms, ok := respErr.ExtraData["retry_after_ms"].(float64); ok && ms > 0 {
			retry = time.Duration(ms) * time.Millisecond
		}
	}
	return &chat.RateLimitedError{RetryAfter: retry, Err: wrapped}
}

func (a *Adapter) scope(threadID string) (threadid.Scope, error) {
	s, err := a.codec.Decode(threadID)
	if err != nil {
		return threadid.Scope{}, fmt.Errorf("matrix: %w", err)
	}
	return s, nil
}

// messageContent builds an m.text body with an HTML rendering.
func messageContent(c format.Content) (*event.MessageEventContent, error) {
	html, err := c.HTML()
	if err != nil {
		return nil, err
	}
	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    c.Plain(),
	}
	if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}
	return content, nil
}

// PostMessage sends a message into the thread named by threadID.
func (a *Adapter) PostMessage(ctx context.Context, threadID string, c format.Content) (string, error) {
	scope, err := a.scope(threadID)
	if err != nil {
		return "", err
	}
	content, err := messageContent(c)
	if err != nil {
		return "", err
	}
	if scope.Sub != "" {
		root := id.EventID(scope.Sub)
		content.RelatesTo = (&event.RelatesTo{}).SetThread(root, root)
	}

	resp, err := a.client.SendMessageEvent(ctx, id.RoomID(scope.Primary), event.EventMessage, content)
	if err != nil {
		return "", wrapErr("sending message", err)
	}
	return resp.EventID.String(), nil
}

// EditMessage replaces a message's content with an m.replace edit.
func (a *Adapter) EditMessage(ctx context.Context, threadID, messageID string, c format.Content) error {
	scope, err := a.scope(threadID)
	if err != nil {
		return err
	}
	content, err := messageContent(c)
	if err != nil {
		return err
	}
	content.SetEdit(id.EventID(messageID))

	if _, err := a.client.SendMessageEvent(ctx, id.RoomID(scope.Primary), event.EventMessage, content); err != nil {
		return wrapErr("editing message", err)
	}
	return nil
}

func (a *Adapter) DeleteMessage(ctx context.Context, threadID, messageID string) error {
	scope, err := a.scope(threadID)
	if err != nil {
		return err
	}
	if _, err := a.client.RedactEvent(ctx, id.RoomID(scope.Primary), id.EventID(messageID)); err != nil {
		return wrapErr("redacting message", err)
	}
	return nil
}

func (a *Adapter) AddReaction(ctx context.Context, threadID, messageID, emoji string) error {
	scope, err := a.scope(threadID)
	if err != nil {
		return err
	}
	if _, err := a.client.SendReaction(ctx, id.RoomID(scope.Primary), id.EventID(messageID), emoji); err != nil {
		return wrapErr("sending reaction", err)
	}
	return nil
}

// RemoveReaction redacts the bot's own annotations with emoji on the message.
func (a *Adapter) RemoveReaction(ctx context.Context, threadID, messageID, emoji string) error {
	scope, err := a.scope(threadID)
	if err != nil {
		return err
	}
	room := id.RoomID(scope.Primary)
	resp, err := a.client.GetRelations(ctx, room, id.EventID(messageID), &mautrix.ReqGetRelations{
		RelationType: event.RelAnnotation,
		EventType:    event.EventReaction,
	})
	if err != nil {
		return wrapErr("listing reactions", err)
	}
	for _, evt := range resp.Chunk {
		if evt.Sender != a.botID {
			continue
		}
		if gjson.GetBytes(evt.Content.VeryRaw, `m\.relates_to.key`).String() != emoji {
			continue
		}
		if _, err := a.client.RedactEvent(ctx, room, evt.ID); err != nil {
			return wrapErr("redacting reaction", err)
		}
	}
	return nil
}

// FetchMessages pages through a thread's replies, or through the room
// timeline when the id has no sub-scope.
func (a *Adapter) FetchMessages(ctx context.Context, threadID string, opts chat.FetchOptions) (*chat.MessagePage, error) {
	scope, err := a.scope(threadID)
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultPageSize
	}
	dir := mautrix.DirectionBackward
	if opts.Direction == chat.Forward {
		dir = mautrix.DirectionForward
	}
	room := id.RoomID(scope.Primary)

	var (
		events []*event.Event
		next   string
	)
	if scope.Sub != "" {
		resp, err := a.client.GetRelations(ctx, room, id.EventID(scope.Sub), &mautrix.ReqGetRelations{
			RelationType: event.RelThread,
			Dir:          dir,
			From:         opts.PageToken,
			Limit:        limit,
		})
		if err != nil {
			return nil, wrapErr("listing thread", err)
		}
		events, next = resp.Chunk, resp.NextBatch
	} else {
		resp, err := a.client.Messages(ctx, room, opts.PageToken, "", dir, nil, limit)
		if err != nil {
			return nil, wrapErr("listing messages", err)
		}
		events, next = resp.Chunk, resp.End
	}

	page := &chat.MessagePage{NextPageToken: next}
	for _, evt := range events {
		if msg, ok := a.canonical(evt); ok {
			page.Messages = append(page.Messages, msg)
		}
	}
	return page, nil
}

func (a *Adapter) canonical(evt *event.Event) (chat.Message, bool) {
	evt.Type.Class = event.MessageEventType
	if evt.Type != event.EventMessage {
		return chat.Message{}, false
	}
	if evt.Content.Parsed == nil {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			return chat.Message{}, false
		}
	}
	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return chat.Message{}, false
	}
	return chat.Message{
		ID:        evt.ID.String(),
		ThreadID:  a.codec.Encode(threadid.Scope{Primary: evt.RoomID.String(), Sub: threadRoot(evt.ID, content.RelatesTo)}),
		Text:      content.Body,
		Formatted: format.Parse(content.Body),
		SentAt:    time.UnixMilli(evt.Timestamp).UTC(),
		Raw:       evt,
		Author: chat.Author{
			UserID:   evt.Sender.String(),
			UserName: evt.Sender.String(),
			IsBot:    content.MsgType == event.MsgNotice,
			IsMe:     evt.Sender == a.botID,
		},
	}, true
}
