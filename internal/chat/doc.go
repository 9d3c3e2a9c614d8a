// Package chat defines the canonical model shared by every chat backend.
//
// # Overview
//
// Webhook bytes travel through three shapes before a handler sees them:
//
//  1. An Adapter verifies the request and decodes it into an Inbound value:
//     DirectEvent, PushEnvelope, Handshake or Ignored.
//  2. The normalize package resolves thread identity and self identity and
//     produces one Event.
//  3. The dispatch package routes the Event to registered handlers.
//
// Nothing below the normalization layer branches on the transport shape.
//
// # Errors
//
//   - ErrAuth: verification failed, reject with 401 before touching state
//   - DecodeError: permanent, unprocessable payload
//   - RateLimitedError: a REST call was throttled, carries RetryAfter
//   - ErrNotSupported: the backend has no equivalent operation
package chat
