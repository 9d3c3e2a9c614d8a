// ABOUTME: Decoder boundary types: what platform decoders hand to normalization
// ABOUTME: Inbound is a closed union of DirectEvent, PushEnvelope, Handshake, Ignored and Batch

package chat

import (
	"time"

	"github.com/2389/coven-chat/internal/threadid"
)

// MentionSpan locates a mention inside RawMessage.Text. Offset and Length
// count runes. Backends that only render mentions as text leave both zero.
type MentionSpan struct {
	Offset      int
	Length      int
	EntityID    string
	EntityIsBot bool
	DisplayName string
}

// HasSpan reports whether the mention carries an explicit position.
func (m MentionSpan) HasSpan() bool {
	return m.Length > 0
}

// RawMessage is everything the normalization layer needs from a decoder.
type RawMessage struct {
	SenderID    string
	SenderName  string
	SenderEmail string
	SenderIsBot bool

	MessageID string
	Text      string
	Mentions  []MentionSpan
	// AddressedToBot is set by decoders whose backend only delivers the
	// event because the bot was addressed (direct mentions, DMs).
	AddressedToBot bool

	SentAt      time.Time
	Edited      bool
	Attachments []Attachment
	Raw         any
}

// RawAction is a decoded interaction before identity resolution.
type RawAction struct {
	ActionID  string
	Value     string
	MessageID string
	UserID    string
	UserName  string
	UserIsBot bool
}

// RawReaction is a decoded reaction before identity resolution.
type RawReaction struct {
	Emoji     string
	Added     bool
	MessageID string
	UserID    string
	UserName  string
	UserIsBot bool
}

// RawModalSubmit is a decoded form submission before identity resolution.
type RawModalSubmit struct {
	CallbackID string
	Values     map[string]string
	UserID     string
	UserName   string
}

// Envelope is the shape-independent content shared by direct and push events.
type Envelope struct {
	Kind  Kind
	Scope threadid.Scope

	Message     *RawMessage
	Action      *RawAction
	Reaction    *RawReaction
	ModalSubmit *RawModalSubmit
}

// Inbound is the result of decoding one webhook request.
type Inbound interface {
	inbound()
}

// DirectEvent arrived straight from the backend's app webhook.
type DirectEvent struct {
	Envelope
}

// PushEnvelope arrived through a push subscription relay.
type PushEnvelope struct {
	Envelope
	// Subscription is the provider-side subscription that delivered it.
	Subscription string
}

// Handshake is a URL-verification request that must be echoed back.
type Handshake struct {
	ContentType string
	Body        []byte
}

// Ignored is a verified request with nothing to process.
type Ignored struct {
	Reason string
}

// Batch carries several events delivered in one request, in delivery order.
type Batch []Inbound

func (DirectEvent) inbound()  {}
func (PushEnvelope) inbound() {}
func (Handshake) inbound()    {}
func (Ignored) inbound()      {}
func (Batch) inbound()        {}
