// Package normalize converts decoded webhook envelopes into canonical events.
//
// Direct and push deliveries describe the same message differently. The
// Normalizer encodes the thread id, rewrites self-mentions to the bot's
// handle, fills display names that push deliveries omit from a UserCache,
// and decides whether the sender is this bot.
//
// That last decision is affirmative only: an IdentityResolver learns the
// bot's user id from mention annotations (or is seeded from config) and
// isMe is true only when the sender matches it. Until then every sender is
// treated as someone else, unless Config.AssumeBotSenderIsSelf is set, and
// even then only on direct deliveries.
package normalize
