// ABOUTME: JSON payload understood by the in-memory adapter's decoder
// ABOUTME: Covers direct and push messages, actions, reactions, modal submits, handshakes and ignored requests

package chattest

import (
	"encoding/json"
	"time"

	"github.com/2389/coven-chat/internal/chat"
	"github.com/2389/coven-chat/internal/threadid"
)

// Payload is the webhook body the test adapter decodes.
type Payload struct {
	Type string `json:"type"` // message, action, reaction, modal, handshake, ignore
	Push bool   `json:"push,omitempty"`

	Space  string `json:"space"`
	Thread string `json:"thread,omitempty"`

	MessageID   string             `json:"message_id,omitempty"`
	SenderID    string             `json:"sender_id,omitempty"`
	SenderName  string             `json:"sender_name,omitempty"`
	SenderIsBot bool               `json:"sender_is_bot,omitempty"`
	Text        string             `json:"text,omitempty"`
	Addressed   bool               `json:"addressed,omitempty"`
	Mentions    []chat.MentionSpan `json:"mentions,omitempty"`

	// ActionID doubles as the callback id of a modal submission.
	ActionID string            `json:"action_id,omitempty"`
	Value    string            `json:"value,omitempty"`
	Values   map[string]string `json:"values,omitempty"`
	Emoji    string            `json:"emoji,omitempty"`
	Removed  bool              `json:"removed,omitempty"`

	Challenge string `json:"challenge,omitempty"`
}

// Body marshals the payload.
func (p Payload) Body() []byte {
	data, err := json.Marshal(p)
	if err != nil {
		panic(err)
	}
	return data
}

// Inbound converts the payload into the decoder boundary type.
func (p Payload) Inbound() (chat.Inbound, error) {
	switch p.Type {
	case "handshake":
		return chat.Handshake{ContentType: "text/plain", Body: []byte(p.Challenge)}, nil
	case "ignore", "":
		return chat.Ignored{Reason: "test payload ignored"}, nil
	}

	if p.Space == "" {
		return nil, chat.Decodef("missing space")
	}
	env := chat.Envelope{Scope: threadid.Scope{Primary: p.Space, Sub: p.Thread}}

	switch p.Type {
	case "message":
		env.Kind = chat.KindMessage
		env.Message = &chat.RawMessage{
			SenderID:       p.SenderID,
			SenderName:     p.SenderName,
			SenderIsBot:    p.SenderIsBot,
			MessageID:      p.MessageID,
			Text:           p.Text,
			Mentions:       p.Mentions,
			AddressedToBot: p.Addressed,
			SentAt:         time.Now(),
		}
	case "action":
		env.Kind = chat.KindAction
		env.Action = &chat.RawAction{
			ActionID:  p.ActionID,
			Value:     p.Value,
			MessageID: p.MessageID,
			UserID:    p.SenderID,
			UserName:  p.SenderName,
		}
	case "reaction":
		env.Kind = chat.KindReaction
		env.Reaction = &chat.RawReaction{
			Emoji:     p.Emoji,
			Added:     !p.Removed,
			MessageID: p.MessageID,
			UserID:    p.SenderID,
			UserName:  p.SenderName,
			UserIsBot: p.SenderIsBot,
		}
	case "modal":
		env.Kind = chat.KindModalSubmit
		env.ModalSubmit = &chat.RawModalSubmit{
			CallbackID: p.ActionID,
			Values:     p.Values,
			UserID:     p.SenderID,
			UserName:   p.SenderName,
		}
	default:
		return nil, chat.Decodef("unknown payload type %q", p.Type)
	}

	if p.Push {
		return chat.PushEnvelope{Envelope: env, Subscription: "test-subscription"}, nil
	}
	return chat.DirectEvent{Envelope: env}, nil
}
