// Package server assembles and runs the relay.
//
// # Overview
//
// Server owns the store, the frontend router, the linking controller, the
// notification dispatcher and the HTTP server. New builds everything from a
// config.Config; Run serves until its context is canceled.
//
// # HTTP API
//
//   - POST /send-notification - deliver {code, message} to the linked chat
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (store reachable)
//   - POST /bot<token> - Telegram webhook, when Telegram is enabled
//
// The notification endpoint answers 200 on delivery, 404 for an unknown code,
// 500 when the frontend fails, and 400 for a malformed body. With
// auth.jwt_secret set it also requires a bearer token (401/403).
//
// # Listeners
//
// The HTTP server listens on server.http_addr, or on the tailnet through tsnet
// when tailscale.enabled is set (plain :80, TLS :443 with tailnet certificates,
// or Funnel).
//
// # Background Work
//
// Run also starts the Telegram webhook refresher, the Matrix sync loop and the
// dedupe cache sweeper. Shutdown stops them before closing the store.
package server
