// ABOUTME: Canonical, platform-agnostic message and event types
// ABOUTME: Produced by the normalization layer and consumed by handlers

package chat

import (
	"time"

	"github.com/2389/coven-chat/internal/format"
)

// Kind identifies the type of a canonical event.
type Kind string

const (
	KindMessage     Kind = "message"
	KindAction      Kind = "action"
	KindReaction    Kind = "reaction"
	KindModalSubmit Kind = "modal_submit"
)

// Delivery records which transport shape produced an event.
type Delivery int

const (
	// DeliveryDirect is a webhook sent straight to this app by the backend.
	DeliveryDirect Delivery = iota
	// DeliveryPush is an event relayed through a push subscription.
	DeliveryPush
)

func (d Delivery) String() string {
	if d == DeliveryPush {
		return "push"
	}
	return "direct"
}

// Author identifies who sent a message.
type Author struct {
	UserID   string
	UserName string
	FullName string
	IsBot    bool
	// IsMe is true only when the sender matched a learned bot identity.
	IsMe bool
}

// Attachment describes a file attached to a message.
type Attachment struct {
	URL      string
	Name     string
	MimeType string
}

// Message is the canonical view of an inbound or fetched message.
type Message struct {
	ID          string
	ThreadID    string
	Text        string
	Formatted   format.Content
	Author      Author
	SentAt      time.Time
	Edited      bool
	Attachments []Attachment
	// IsMention is set when the message addressed this bot.
	IsMention bool
	// Raw holds the backend payload for handlers that need platform fields.
	Raw any
}

// Action is a button or menu interaction.
type Action struct {
	ActionID  string
	Value     string
	MessageID string
	User      Author
}

// Reaction is an emoji added to or removed from a message.
type Reaction struct {
	Emoji     string
	Added     bool
	MessageID string
	User      Author
}

// ModalSubmit is a submitted dialog or form.
type ModalSubmit struct {
	CallbackID string
	Values     map[string]string
	User       Author
}

// Event is the single canonical event type seen by the dispatcher and handlers.
// Exactly one of Message, Action, Reaction or ModalSubmit is set, matching Kind.
type Event struct {
	Kind     Kind
	Platform string
	ThreadID string
	Delivery Delivery

	Message     *Message
	Action      *Action
	Reaction    *Reaction
	ModalSubmit *ModalSubmit
}

// Actor returns the author responsible for the event.
func (e *Event) Actor() Author {
	switch {
	case e.Message != nil:
		return e.Message.Author
	case e.Action != nil:
		return e.Action.User
	case e.Reaction != nil:
		return e.Reaction.User
	case e.ModalSubmit != nil:
		return e.ModalSubmit.User
	}
	return Author{}
}
