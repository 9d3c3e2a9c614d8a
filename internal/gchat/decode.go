// ABOUTME: Decodes direct Chat app events and Pub/Sub-relayed Workspace Events
// ABOUTME: The delivery shape is sniffed with gjson before full unmarshaling

package gchat

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"unicode/utf16"

	"github.com/tidwall/gjson"
	chatv1 "google.golang.org/api/chat/v1"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/threadid"
)

// Decode turns a verified webhook body into an Inbound value.
func (a *Adapter) Decode(ctx context.Context, _ http.Header, body []byte) (chat.Inbound, error) {
	if !gjson.ValidBytes(body) {
		return nil, chat.Decodef("body is not JSON")
	}
	if isPush(body) {
		return a.decodePush(ctx, body)
	}
	return a.decodeDirect(body)
}

func (a *Adapter) decodeDirect(body []byte) (chat.Inbound, error) {
	var ev chatv1.DeprecatedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, &chat.DecodeError{Reason: "invalid chat event", Err: err}
	}

	switch ev.Type {
	case EventMessage:
		if ev.Message == nil {
			return nil, chat.Decodef("MESSAGE event without message")
		}
		space := spaceName(ev.Message)
		if space == "" && ev.Space != nil {
			space = ev.Space.Name
		}
		if space == "" {
			return nil, chat.Decodef("MESSAGE event without space")
		}
		raw := rawMessage(ev.Message)
		// The generated User type has no email field.
		raw.SenderEmail = gjson.GetBytes(body, "message.sender.email").String()
		// Chat only delivers room messages to the app when it is mentioned.
		raw.AddressedToBot = true
		return chat.DirectEvent{Envelope: chat.Envelope{
			Kind:    chat.KindMessage,
			Scope:   threadid.Scope{Primary: space, Sub: threadName(ev.Message)},
			Message: raw,
		}}, nil

	case EventCardClicked:
		return decodeCardClick(&ev)

	case EventAddedToSpace, EventRemoved:
		return chat.Ignored{Reason: "membership event " + ev.Type}, nil

	default:
		return chat.Ignored{Reason: "unhandled event type " + ev.Type}, nil
	}
}

func decodeCardClick(ev *chatv1.DeprecatedEvent) (chat.Inbound, error) {
	if ev.Space == nil || ev.Space.Name == "" {
		return nil, chat.Decodef("CARD_CLICKED event without space")
	}
	scope := threadid.Scope{Primary: ev.Space.Name}
	var messageID string
	if ev.Message != nil {
		scope.Sub = threadName(ev.Message)
		messageID = ev.Message.Name
	}
	user := ev.User
	if user == nil {
		user = &chatv1.User{}
	}

	function := ""
	if ev.Common != nil {
		function = ev.Common.InvokedFunction
	}
	if function == "" && ev.Action != nil {
		function = ev.Action.ActionMethodName
	}

	if ev.IsDialogEvent && ev.DialogEventType == "SUBMIT_DIALOG" {
		values := make(map[string]string)
		if ev.Common != nil {
			for name, input := range ev.Common.FormInputs {
				if input.StringInputs != nil && len(input.StringInputs.Value) > 0 {
					values[name] = input.StringInputs.Value[0]
				}
			}
		}
		return chat.DirectEvent{Envelope: chat.Envelope{
			Kind:  chat.KindModalSubmit,
			Scope: scope,
			ModalSubmit: &chat.RawModalSubmit{
				CallbackID: function,
				Values:     values,
				UserID:     user.Name,
				UserName:   user.DisplayName,
			},
		}}, nil
	}

	return chat.DirectEvent{Envelope: chat.Envelope{
		Kind:  chat.KindAction,
		Scope: scope,
		Action: &chat.RawAction{
			ActionID:  function,
			Value:     actionValue(ev),
			MessageID: messageID,
			UserID:    user.Name,
			UserName:  user.DisplayName,
			UserIsBot: isBot(user),
		},
	}}, nil
}

// actionValue prefers a parameter named "value", then the first parameter.
func actionValue(ev *chatv1.DeprecatedEvent) string {
	if ev.Common != nil {
		if v, ok := ev.Common.Parameters["value"]; ok {
			return v
		}
	}
	if ev.Action == nil || len(ev.Action.Parameters) == 0 {
		return ""
	}
	for _, p := range ev.Action.Parameters {
		if p != nil && p.Key == "value" {
			return p.Value
		}
	}
	if first := ev.Action.Parameters[0]; first != nil {
		return first.Value
	}
	return ""
}

func (a *Adapter) decodePush(ctx context.Context, body []byte) (chat.Inbound, error) {
	subscription := gjson.GetBytes(body, "subscription").String()
	eventType := gjson.GetBytes(body, "message.attributes.ce-type").String()

	data, err := base64.StdEncoding.DecodeString(gjson.GetBytes(body, "message.data").String())
	if err != nil {
		return nil, &chat.DecodeError{Reason: "push data is not base64", Err: err}
	}
	if !gjson.ValidBytes(data) {
		return nil, chat.Decodef("push data is not JSON")
	}

	switch eventType {
	case CloudEventMessageCreated:
		var msg chatv1.Message
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "message").Raw), &msg); err != nil {
			return nil, &chat.DecodeError{Reason: "invalid message payload", Err: err}
		}
		space := spaceName(&msg)
		if space == "" {
			return nil, chat.Decodef("pushed message %q without space", msg.Name)
		}
		return chat.PushEnvelope{
			Envelope: chat.Envelope{
				Kind:    chat.KindMessage,
				Scope:   threadid.Scope{Primary: space, Sub: threadName(&msg)},
				Message: rawMessage(&msg),
			},
			Subscription: subscription,
		}, nil

	case CloudEventReactionCreated, CloudEventReactionDeleted:
		var reaction chatv1.Reaction
		if err := json.Unmarshal([]byte(gjson.GetBytes(data, "reaction").Raw), &reaction); err != nil {
			return nil, &chat.DecodeError{Reason: "invalid reaction payload", Err: err}
		}
		messageName := parentOf(reaction.Name, "/reactions/")
		space := parentOf(messageName, "/messages/")
		if space == "" {
			return nil, chat.Decodef("reaction %q without message", reaction.Name)
		}
		user := reaction.User
		if user == nil {
			user = &chatv1.User{}
		}
		return chat.PushEnvelope{
			Envelope: chat.Envelope{
				Kind:  chat.KindReaction,
				Scope: threadid.Scope{Primary: space, Sub: a.threadOf(ctx, messageName)},
				Reaction: &chat.RawReaction{
					Emoji:     emojiString(reaction.Emoji),
					Added:     eventType == CloudEventReactionCreated,
					MessageID: messageName,
					UserID:    user.Name,
					UserName:  user.DisplayName,
					UserIsBot: isBot(user),
				},
			},
			Subscription: subscription,
		}, nil

	default:
		return chat.Ignored{Reason: "unhandled push event " + eventType}, nil
	}
}

// threadOf looks up the thread of a reacted message. Reaction events do not
// carry it; on failure the reaction is scoped to the whole space.
func (a *Adapter) threadOf(ctx context.Context, messageName string) string {
	msg, err := a.api.Spaces.Messages.Get(messageName).Context(ctx).Do()
	if err != nil {
		a.logger.Warn("failed to look up reacted message", "message", messageName, "error", err)
		return ""
	}
	return threadName(msg)
}

func rawMessage(m *chatv1.Message) *chat.RawMessage {
	raw := &chat.RawMessage{
		MessageID: m.Name,
		Text:      m.Text,
		SentAt:    parseTime(m.CreateTime),
		Edited:    m.LastUpdateTime != "" && m.LastUpdateTime != m.CreateTime,
		Raw:       m,
	}
	if m.Sender != nil {
		raw.SenderID = m.Sender.Name
		raw.SenderName = m.Sender.DisplayName
		raw.SenderIsBot = isBot(m.Sender)
	}
	for _, ann := range m.Annotations {
		if ann == nil || ann.Type != "USER_MENTION" || ann.UserMention == nil || ann.UserMention.User == nil {
			continue
		}
		offset, length := runeSpan(m.Text, int(ann.StartIndex), int(ann.Length))
		raw.Mentions = append(raw.Mentions, chat.MentionSpan{
			Offset:      offset,
			Length:      length,
			EntityID:    ann.UserMention.User.Name,
			EntityIsBot: isBot(ann.UserMention.User),
			DisplayName: ann.UserMention.User.DisplayName,
		})
	}
	for _, att := range m.Attachment {
		if att == nil {
			continue
		}
		raw.Attachments = append(raw.Attachments, chat.Attachment{
			URL:      att.DownloadUri,
			Name:     att.ContentName,
			MimeType: att.ContentType,
		})
	}
	return raw
}

// runeSpan converts an annotation span counted in UTF-16 code units into
// rune offsets.
func runeSpan(text string, start, length int) (int, int) {
	units := 0
	runeStart, runeEnd := -1, -1
	i := 0
	for _, r := range text {
		if units == start {
			runeStart = i
		}
		if units == start+length {
			runeEnd = i
			break
		}
		units += utf16.RuneLen(r)
		i++
	}
	if runeEnd < 0 && units == start+length {
		runeEnd = i
	}
	if runeStart < 0 || runeEnd < 0 {
		return 0, 0
	}
	return runeStart, runeEnd - runeStart
}
