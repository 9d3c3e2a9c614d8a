// Package dispatch turns webhook requests into handler calls.
//
// # Overview
//
// A Dispatcher owns the registered adapters, the handlers and the shared
// state store:
//
//	d, _ := dispatch.New(dispatch.Options{Store: store})
//	d.AddAdapter(gchatAdapter)
//	d.OnNewMention(func(ctx context.Context, t *dispatch.Thread, msg *chat.Message) error {
//		if err := t.Subscribe(ctx); err != nil {
//			return err
//		}
//		_, err := t.PostMarkdown(ctx, "on it")
//		return err
//	})
//
// # Request Flow
//
//  1. The adapter verifies the request. Failures get 401 before any state is read.
//  2. The adapter decodes the body into a DirectEvent, PushEnvelope,
//     Handshake or Ignored value. Handshakes are echoed back.
//  3. The request is acknowledged with 200 and processing continues in the
//     background. WebhookOptions.WaitUntil receives a channel that closes
//     when it is done.
//  4. The event is normalized. Events authored by this bot are dropped.
//  5. The thread lock is acquired. If another event holds it, this event is
//     dropped, not queued.
//  6. Handlers run. The lock is held until they and every Thread.Go task
//     have returned, then released.
//
// # Routing
//
// Actions, reactions and modal submits go to their filtered handlers.
// Messages in subscribed threads go to OnSubscribedMessage handlers; other
// messages that mention the bot go to OnNewMention handlers; the rest are
// matched against OnNewMessage patterns.
//
// # Locks
//
// A handler that runs longer than Options.LockTTL loses exclusivity: the
// next event for the thread can acquire the lock. Long work should call
// Thread.ExtendLock; Thread.PostStream does so as chunks arrive.
package dispatch
