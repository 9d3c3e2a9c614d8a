// ABOUTME: Event constants and small accessors over the generated Chat API types
// ABOUTME: Webhook payloads and REST responses share the chat/v1 resource shapes

package gchat

import (
	"strings"
	"time"

	chatv1 "google.golang.org/api/chat/v1"
)

// Event types of direct Chat app deliveries.
const (
	EventMessage      = "MESSAGE"
	EventCardClicked  = "CARD_CLICKED"
	EventAddedToSpace = "ADDED_TO_SPACE"
	EventRemoved      = "REMOVED_FROM_SPACE"
)

// Workspace Events CloudEvent types relayed through Pub/Sub.
const (
	CloudEventMessageCreated  = "google.workspace.chat.message.v1.created"
	CloudEventReactionCreated = "google.workspace.chat.reaction.v1.created"
	CloudEventReactionDeleted = "google.workspace.chat.reaction.v1.deleted"
)

func isBot(u *chatv1.User) bool { return u != nil && u.Type == "BOT" }

// spaceName returns the space of the message, from the space field or the
// resource name.
func spaceName(m *chatv1.Message) string {
	if m.Space != nil && m.Space.Name != "" {
		return m.Space.Name
	}
	return parentOf(m.Name, "/messages/")
}

func threadName(m *chatv1.Message) string {
	if m == nil || m.Thread == nil {
		return ""
	}
	return m.Thread.Name
}

func emojiString(e *chatv1.Emoji) string {
	switch {
	case e == nil:
		return ""
	case e.Unicode != "":
		return e.Unicode
	case e.CustomEmoji != nil:
		return e.CustomEmoji.Uid
	}
	return ""
}

// parentOf returns the resource name prefix before sep, or "" when absent.
func parentOf(name, sep string) string {
	if i := strings.Index(name, sep); i > 0 {
		return name[:i]
	}
	return ""
}

// parseTime parses an RFC 3339 timestamp, returning zero on failure.
func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
