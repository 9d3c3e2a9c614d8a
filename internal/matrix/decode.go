// ABOUTME: Decodes application service transactions into canonical inbound events
// ABOUTME: Messages and reactions are kept; edits, redactions and state events are skipped

package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/threadid"
)

type transaction struct {
	Events []*event.Event `json:"events"`
}

// Decode turns a transaction body into one event, a Batch, or Ignored.
func (a *Adapter) Decode(ctx context.Context, _ http.Header, body []byte) (chat.Inbound, error) {
	var txn transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		return nil, &chat.DecodeError{Reason: "invalid transaction", Err: err}
	}

	var batch chat.Batch
	for _, evt := range txn.Events {
		if evt == nil || evt.StateKey != nil {
			continue
		}
		in, ok := a.decodeEvent(ctx, evt)
		if !ok {
			continue
		}
		batch = append(batch, in)
	}

	switch len(batch) {
	case 0:
		return chat.Ignored{Reason: "no message or reaction events in transaction"}, nil
	case 1:
		return batch[0], nil
	default:
		return batch, nil
	}
}

func (a *Adapter) decodeEvent(ctx context.Context, evt *event.Event) (chat.Inbound, bool) {
	evt.Type.Class = event.MessageEventType
	switch evt.Type {
	case event.EventMessage, event.EventReaction:
	default:
		return nil, false
	}
	if err := evt.Content.ParseRaw(evt.Type); err != nil {
		a.logger.Warn("skipping unparseable event", "event_id", evt.ID, "type", evt.Type.Type, "error", err)
		return nil, false
	}

	if evt.Type == event.EventReaction {
		return a.decodeReaction(ctx, evt)
	}
	return a.decodeMessage(evt)
}

func (a *Adapter) decodeMessage(evt *event.Event) (chat.Inbound, bool) {
	content := evt.Content.AsMessage()
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return nil, false
	}

	raw := &chat.RawMessage{
		SenderID:    evt.Sender.String(),
		SenderIsBot: content.MsgType == event.MsgNotice,
		MessageID:   evt.ID.String(),
		SentAt:      time.UnixMilli(evt.Timestamp).UTC(),
		Raw:         evt,
	}

	switch content.MsgType {
	case event.MsgText, event.MsgNotice, event.MsgEmote:
		raw.Text = content.Body
	case event.MsgImage, event.MsgFile, event.MsgVideo, event.MsgAudio:
		att := chat.Attachment{URL: string(content.URL), Name: content.Body}
		if content.Info != nil {
			att.MimeType = content.Info.MimeType
		}
		raw.Attachments = append(raw.Attachments, att)
	default:
		return nil, false
	}

	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			raw.Mentions = append(raw.Mentions, chat.MentionSpan{
				EntityID:    uid.String(),
				EntityIsBot: uid == a.botID,
			})
		}
	}

	return chat.DirectEvent{Envelope: chat.Envelope{
		Kind:    chat.KindMessage,
		Scope:   threadid.Scope{Primary: evt.RoomID.String(), Sub: threadRoot(evt.ID, content.RelatesTo)},
		Message: raw,
	}}, true
}

func (a *Adapter) decodeReaction(ctx context.Context, evt *event.Event) (chat.Inbound, bool) {
	content := evt.Content.AsReaction()
	target := content.RelatesTo.EventID
	if target == "" || content.RelatesTo.Key == "" {
		return nil, false
	}
	return chat.DirectEvent{Envelope: chat.Envelope{
		Kind:  chat.KindReaction,
		Scope: threadid.Scope{Primary: evt.RoomID.String(), Sub: a.threadOf(ctx, evt.RoomID, target)},
		Reaction: &chat.RawReaction{
			Emoji:     content.RelatesTo.Key,
			Added:     true,
			MessageID: target.String(),
			UserID:    evt.Sender.String(),
		},
	}}, true
}

// threadRoot returns the root of the thread an event belongs to. An event
// outside any thread roots its own, so replies to it open a thread.
func threadRoot(eventID id.EventID, rel *event.RelatesTo) string {
	if rel != nil && rel.Type == event.RelThread && rel.EventID != "" {
		return rel.EventID.String()
	}
	return eventID.String()
}

// threadOf looks up the thread of a reacted event. On failure the event is
// treated as its own thread root.
func (a *Adapter) threadOf(ctx context.Context, room id.RoomID, eventID id.EventID) string {
	evt, err := a.client.GetEvent(ctx, room, eventID)
	if err != nil {
		a.logger.Warn("failed to look up reacted event", "event_id", eventID, "error", err)
		return eventID.String()
	}
	rel := gjson.GetBytes(evt.Content.VeryRaw, `m\.relates_to`)
	if rel.Get("rel_type").String() == string(event.RelThread) {
		if root := rel.Get("event_id").String(); root != "" {
			return root
		}
	}
	return eventID.String()
}
