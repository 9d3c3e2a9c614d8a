// Package matrix connects a Matrix application service to the dispatcher.
//
// The homeserver pushes transactions of room events to the webhook; each
// transaction may hold several events, decoded into a chat.Batch. Replies go
// out through mautrix as the service's bot user. A message outside any
// thread roots its own thread, so the bot's replies open a Matrix thread on
// it.
package matrix
