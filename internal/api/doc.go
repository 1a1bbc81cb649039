// ABOUTME: Package documentation for the REST API
// ABOUTME: Describes endpoints, authentication and the idempotent publish path

// Package api serves the admin console's REST endpoints.
//
// # Endpoints
//
// Login is public. Every other route runs behind auth.HTTPAuthMiddleware,
// which accepts a bearer token or the session cookie set by login:
//
//	POST /api/login                          {email, password} -> {token, expiresAt, admin}
//	POST /api/logout                         revokes the session and its live sockets
//	GET  /api/me                             profile, walletAddress may be null
//	GET  /api/notifications                  ?limit, ?offset, ?unread=true
//	GET  /api/notifications/unread-count
//	PUT  /api/notifications/{id}/read
//	PUT  /api/notifications/mark-all-read
//	POST /api/notifications                  super admin only
//	POST /api/system-updates                 super admin only
//
// The list endpoint is the recovery path for clients that were offline while
// a notification was pushed: the websocket never replays history.
//
// # Idempotency
//
// POST /api/notifications accepts an Idempotency-Key header. Keys are scoped
// to the calling admin. A repeated key returns the first response with
// status 200 and Idempotent-Replayed: true instead of publishing again.
// Failed publishes are not remembered, so a retry after an error runs anew.
package api
