// Package feishu adapts Feishu and Lark custom apps to the chat layer.
//
// Callbacks arrive as schema 2.0 events, optionally encrypted with the
// app's encrypt key. Thread ids are "feishu:<chat_id>:<b64url root
// message id>"; a message that is not a reply roots its own thread, so
// answers are posted as thread replies.
package feishu
