// ABOUTME: Handler function types and registration
// ABOUTME: Filters for actions, reactions and modal submits; regexp patterns for unaddressed messages

package dispatch

import (
	"context"
	"regexp"
	"slices"

	"github.com/2389/coven-chat/internal/chat"
)

// MessageHandler handles a message event.
type MessageHandler func(ctx context.Context, t *Thread, msg *chat.Message) error

// ActionHandler handles a button or menu interaction.
type ActionHandler func(ctx context.Context, t *Thread, action *chat.Action) error

// ReactionHandler handles an added or removed reaction.
type ReactionHandler func(ctx context.Context, t *Thread, reaction *chat.Reaction) error

// ModalSubmitHandler handles a submitted form.
type ModalSubmitHandler func(ctx context.Context, t *Thread, submit *chat.ModalSubmit) error

type patternHandler struct {
	pattern *regexp.Regexp
	fn      MessageHandler
}

type actionHandler struct {
	ids []string
	fn  ActionHandler
}

type reactionHandler struct {
	emoji []string
	fn    ReactionHandler
}

type modalHandler struct {
	callbacks []string
	fn        ModalSubmitHandler
}

// matches reports whether v is in filter. An empty filter matches everything.
func matches(filter []string, v string) bool {
	return len(filter) == 0 || slices.Contains(filter, v)
}

// OnNewMention runs fn for messages that address the bot in threads it has
// not subscribed to.
func (d *Dispatcher) OnNewMention(fn MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mentionHandlers = append(d.mentionHandlers, fn)
}

// OnSubscribedMessage runs fn for every message in a subscribed thread.
func (d *Dispatcher) OnSubscribedMessage(fn MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribedHandlers = append(d.subscribedHandlers, fn)
}

// OnNewMessage runs fn for unaddressed messages in unsubscribed threads whose
// text matches pattern.
func (d *Dispatcher) OnNewMessage(pattern *regexp.Regexp, fn MessageHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.patternHandlers = append(d.patternHandlers, patternHandler{pattern: pattern, fn: fn})
}

// OnAction runs fn for the given action ids, or every action if none are given.
func (d *Dispatcher) OnAction(fn ActionHandler, actionIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.actionHandlers = append(d.actionHandlers, actionHandler{ids: actionIDs, fn: fn})
}

// OnReaction runs fn for the given emoji, or every reaction if none are given.
func (d *Dispatcher) OnReaction(fn ReactionHandler, emoji ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reactionHandlers = append(d.reactionHandlers, reactionHandler{emoji: emoji, fn: fn})
}

// OnModalSubmit runs fn for the given callback ids, or every submit if none are given.
func (d *Dispatcher) OnModalSubmit(fn ModalSubmitHandler, callbackIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.modalHandlers = append(d.modalHandlers, modalHandler{callbacks: callbackIDs, fn: fn})
}
