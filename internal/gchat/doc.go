// Package gchat adapts Google Chat to the chat dispatcher.
//
// Chat delivers two shapes to the same webhook. Direct app events (messages
// that mention the app, card clicks, dialog submits) are signed with a
// token issued by chat@system.gserviceaccount.com. Everything else in a
// space arrives through Workspace Events subscriptions relayed by a
// Pub/Sub push subscription, signed with an OIDC token for the push
// service account. Subscriptions expire and are renewed lazily by a
// pushsub.Manager whenever the dispatcher sees activity in a subscribed
// thread.
//
// Thread ids are "gchat:<space>[:<b64url thread>]", for example
// "gchat:spaces/AAA:c3BhY2VzL0FBQS90aHJlYWRzL1Qx".
package gchat
