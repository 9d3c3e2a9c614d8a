// ABOUTME: Decodes schema 2.0 event callbacks: messages, reactions, card actions and URL challenges
// ABOUTME: Mention placeholders (@_user_N) are rewritten to @name and reported without spans

package feishu

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	"github.com/tidwall/gjson"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/threadid"
)

// Event types handled by Decode.
const (
	EventMessageReceived = "im.message.receive_v1"
	EventReactionCreated = "im.message.reaction.created_v1"
	EventReactionDeleted = "im.message.reaction.deleted_v1"
	EventCardAction      = "card.action.trigger"
)

// Decode turns a verified callback into an Inbound value.
func (a *Adapter) Decode(ctx context.Context, _ http.Header, body []byte) (chat.Inbound, error) {
	plain, err := a.plaintext(body)
	if err != nil {
		return nil, &chat.DecodeError{Reason: "undecryptable callback", Err: err}
	}
	if !gjson.ValidBytes(plain) {
		return nil, chat.Decodef("callback is not JSON")
	}

	if gjson.GetBytes(plain, "type").String() == "url_verification" {
		challenge, _ := json.Marshal(map[string]string{"challenge": gjson.GetBytes(plain, "challenge").String()})
		return chat.Handshake{ContentType: "application/json", Body: challenge}, nil
	}

	eventType := gjson.GetBytes(plain, "header.event_type").String()
	switch eventType {
	case EventMessageReceived:
		var ev larkim.P2MessageReceiveV1
		if err := json.Unmarshal(plain, &ev); err != nil {
			return nil, &chat.DecodeError{Reason: "invalid message event", Err: err}
		}
		return a.decodeMessage(&ev)

	case EventReactionCreated, EventReactionDeleted:
		return a.decodeReaction(ctx, plain, eventType == EventReactionCreated)

	case EventCardAction:
		return a.decodeCardAction(ctx, plain)

	default:
		return chat.Ignored{Reason: "unhandled event type " + eventType}, nil
	}
}

func (a *Adapter) decodeMessage(ev *larkim.P2MessageReceiveV1) (chat.Inbound, error) {
	if ev.Event == nil || ev.Event.Message == nil {
		return nil, chat.Decodef("message event without message")
	}
	msg := ev.Event.Message
	chatID := str(msg.ChatId)
	if chatID == "" {
		return nil, chat.Decodef("message %s without chat", str(msg.MessageId))
	}

	names := make(map[string]string)
	var mentions []chat.MentionSpan
	for _, m := range msg.Mentions {
		if m == nil {
			continue
		}
		name := str(m.Name)
		names[str(m.Key)] = name
		var openID string
		if m.Id != nil {
			openID = str(m.Id.OpenId)
		}
		mentions = append(mentions, chat.MentionSpan{
			EntityID:    openID,
			EntityIsBot: a.botName != "" && strings.EqualFold(name, a.botName),
			DisplayName: name,
		})
	}

	raw := &chat.RawMessage{
		MessageID:      str(msg.MessageId),
		Mentions:       mentions,
		AddressedToBot: str(msg.ChatType) == "p2p",
		SentAt:         parseMillis(str(msg.CreateTime)),
		Raw:            ev,
	}
	if s := ev.Event.Sender; s != nil {
		if s.SenderId != nil {
			raw.SenderID = str(s.SenderId.OpenId)
		}
		raw.SenderIsBot = str(s.SenderType) == "app"
	}

	text, attachments := parseContent(str(msg.MessageType), str(msg.Content), names)
	raw.Text = text
	raw.Attachments = attachments

	return chat.DirectEvent{Envelope: chat.Envelope{
		Kind:    chat.KindMessage,
		Scope:   threadid.Scope{Primary: chatID, Sub: rootOf(str(msg.MessageId), str(msg.RootId))},
		Message: raw,
	}}, nil
}

func (a *Adapter) decodeReaction(ctx context.Context, plain []byte, added bool) (chat.Inbound, error) {
	ev := gjson.GetBytes(plain, "event")
	messageID := ev.Get("message_id").String()
	if messageID == "" {
		return nil, chat.Decodef("reaction event without message")
	}
	located, err := a.locate(ctx, messageID)
	if err != nil {
		a.logger.Warn("failed to look up reacted message", "message_id", messageID, "error", err)
		return chat.Ignored{Reason: "reacted message not found"}, nil
	}
	return chat.DirectEvent{Envelope: chat.Envelope{
		Kind:  chat.KindReaction,
		Scope: located,
		Reaction: &chat.RawReaction{
			Emoji:     fromEmojiType(ev.Get("reaction_type.emoji_type").String()),
			Added:     added,
			MessageID: messageID,
			UserID:    ev.Get("user_id.open_id").String(),
			UserIsBot: ev.Get("operator_type").String() == "app",
		},
	}}, nil
}

// decodeCardAction maps a card button callback. The button's value object
// names the action in "action_id" and may carry a "value".
func (a *Adapter) decodeCardAction(ctx context.Context, plain []byte) (chat.Inbound, error) {
	ev := gjson.GetBytes(plain, "event")
	messageID := ev.Get("context.open_message_id").String()
	chatID := ev.Get("context.open_chat_id").String()
	if chatID == "" {
		return nil, chat.Decodef("card action without chat")
	}

	scope := threadid.Scope{Primary: chatID}
	if messageID != "" {
		if located, err := a.locate(ctx, messageID); err == nil {
			scope = located
		} else {
			a.logger.Warn("failed to look up card message", "message_id", messageID, "error", err)
		}
	}

	action := ev.Get("action")
	actionID := action.Get("value.action_id").String()
	if actionID == "" {
		actionID = action.Get("name").String()
	}
	value := action.Get("value.value").String()
	if value == "" {
		value = action.Get("option").String()
	}

	return chat.DirectEvent{Envelope: chat.Envelope{
		Kind:  chat.KindAction,
		Scope: scope,
		Action: &chat.RawAction{
			ActionID:  actionID,
			Value:     value,
			MessageID: messageID,
			UserID:    ev.Get("operator.open_id").String(),
		},
	}}, nil
}

// rootOf returns the thread root of a message. A message that is not a
// reply roots its own thread.
func rootOf(messageID, rootID string) string {
	if rootID != "" {
		return rootID
	}
	return messageID
}

// parseContent extracts visible text and attachments from a message body.
func parseContent(msgType, content string, names map[string]string) (string, []chat.Attachment) {
	switch msgType {
	case "text":
		return replaceMentions(gjson.Get(content, "text").String(), names), nil

	case "post":
		return replaceMentions(postText(content, names), names), nil

	case "image":
		key := gjson.Get(content, "image_key").String()
		if key == "" {
			return "", nil
		}
		return "", []chat.Attachment{{Name: key, MimeType: "image"}}

	case "file":
		return "", []chat.Attachment{{Name: gjson.Get(content, "file_name").String()}}

	default:
		return "", nil
	}
}

// postText flattens a rich text body into lines.
func postText(content string, names map[string]string) string {
	post := gjson.Parse(content)
	// Received posts are unwrapped; sent ones are keyed by locale.
	if !post.Get("content").Exists() {
		post.ForEach(func(_, v gjson.Result) bool {
			post = v
			return false
		})
	}

	var lines []string
	if title := post.Get("title").String(); title != "" {
		lines = append(lines, title)
	}
	for _, line := range post.Get("content").Array() {
		var b strings.Builder
		for _, elem := range line.Array() {
			switch elem.Get("tag").String() {
			case "text", "a", "md":
				b.WriteString(elem.Get("text").String())
			case "at":
				id := elem.Get("user_id").String()
				if name, ok := names[id]; ok {
					b.WriteString("@" + name)
				} else if name := elem.Get("user_name").String(); name != "" {
					b.WriteString("@" + name)
				}
			}
		}
		if b.Len() > 0 {
			lines = append(lines, b.String())
		}
	}
	return strings.Join(lines, "\n")
}

// replaceMentions rewrites @_user_N placeholders to @name. Longer keys go
// first so @_user_1 does not clobber @_user_10.
func replaceMentions(text string, names map[string]string) string {
	keys := slices.Collect(maps.Keys(names))
	slices.SortFunc(keys, func(a, b string) int { return len(b) - len(a) })
	for _, key := range keys {
		if key == "" {
			continue
		}
		text = strings.ReplaceAll(text, key, "@"+names[key])
	}
	return text
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
