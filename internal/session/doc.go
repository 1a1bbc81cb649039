// ABOUTME: Package documentation for the client realtime session
// ABOUTME: Describes the state machine, reconnect policy and logout semantics

// Package session is the client half of the realtime channel.
//
// # State Machine
//
// A Session is one logical connection per signed-in admin:
//
//	disconnected -> connecting -> authenticating -> active
//	      ^______________|_______________|____________|   (transport loss)
//
// Every reconnect authenticates again and the server re-derives room
// membership from the admin's current roles; the client never replays joins.
// Subscribe to observe transitions.
//
// # Reconnect
//
// Transport loss is retried with exponential backoff (cenkalti/backoff).
// A completed handshake resets the backoff. With Config.MaxRetries set, Wait
// returns ErrRetriesExhausted after that many consecutive failures. Close
// code 4401 ends the session with ErrAuthenticationFailed and 4403 with
// ErrSessionRevoked; neither is retried.
//
// # Local State
//
// The session keeps the last pushed unread count and up to
// Config.MaxNotifications notifications, newest first. After each handshake
// the newest page is fetched from GET /api/notifications when
// Config.APIBase is set, which recovers anything pushed while offline.
//
// # Logout
//
// Logout closes the socket at once, stops reconnecting, clears the unread
// count and notification list, then runs OnLogout hooks.
package session
