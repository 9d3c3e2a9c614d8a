// Package auth authenticates inbound webhooks and admin API calls.
//
// # Webhook Verification
//
// Each chat backend proves its identity differently:
//
//   - Google Chat signs direct app events with an RS256 JWT from
//     chat@system.gserviceaccount.com whose audience is the project number.
//     Pub/Sub push deliveries carry a Google OIDC token whose audience is
//     the push endpoint and whose email is the push service account.
//     GoogleVerifier checks both, with keys from RemoteKeys.
//
//   - Matrix homeservers send the appservice hs_token as a bearer token (or
//     access_token query parameter). StaticToken compares it in constant time.
//
//   - Feishu/Lark signs callbacks with
//     sha256(timestamp + nonce + encryptKey + body). See VerifyLarkSignature.
//
// # Admin Tokens
//
// The admin API accepts HS256 operator tokens issued by JWTVerifier.Generate
// and checked by the RequireToken middleware:
//
//	verifier := auth.NewJWTVerifier([]byte(cfg.Admin.JWTSecret))
//	router.Use(auth.RequireToken(verifier))
package auth
