// ABOUTME: Package documentation for the gateway orchestrator
// ABOUTME: Explains component wiring, HTTP routes, background workers and shutdown order

// Package gateway orchestrates the bullion-gateway server components.
//
// # Overview
//
// New opens the store and builds every component; Run serves until its
// context is cancelled. The wiring is:
//
//	SessionAuthenticator -> Handshake -> Registry <- Dispatcher -> UnreadSync
//	                                        ^            |
//	                                    realtime.Server  +-> RedisRelay (optional)
//
// The registry's presence hook is the dispatcher, so admins coming online or
// going offline are announced in the system room. When the relay is enabled
// the dispatcher forwards every publish and unread change to Redis, and frames
// from other nodes are fed back into HandleRelayFrame.
//
// # HTTP Routes
//
//   - GET /ws - websocket endpoint (realtime.Server)
//   - GET /health - liveness
//   - GET /ready - readiness, 503 until the relay has subscribed
//   - GET /metrics - Prometheus metrics when metrics.enabled is set
//   - /api/... - REST surface from package api, wrapped in HTTP metrics
//
// # Listeners
//
// With tailscale.enabled the gateway joins the tailnet through tsnet and
// serves plain HTTP on :80, tailnet HTTPS on :443, or a public Funnel.
// Otherwise it listens on server.http_addr.
//
// # Background Workers
//
// A sweeper deletes expired login sessions every hour. The relay subscriber
// reconnects with exponential backoff until shutdown.
//
// # Shutdown
//
// Shutdown stops the HTTP server, closes every websocket with going-away,
// stops the background workers, then closes Redis, tsnet and the store.
package gateway
