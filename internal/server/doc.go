// Package server hosts a dispatcher over HTTP.
//
// Routes:
//
//	POST|PUT /webhooks/{platform}[/...]   platform webhooks
//	GET      /health, /health/ready       liveness and readiness
//	GET      <metrics.path>               Prometheus metrics, when enabled
//	         /api/...                     admin API, when admin.jwt_secret is set
//
// With tailscale.funnel the server listens on a tsnet node and exposes the
// webhooks publicly, so chat backends can reach a bot running on a laptop.
package server
