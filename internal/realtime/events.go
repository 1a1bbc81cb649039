// ABOUTME: Wire format for the admin console websocket: envelopes, event names and payloads
// ABOUTME: Frames are JSON text messages of the form {"event": ..., "id": ..., "data": ...}

package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/bullion-gateway/internal/store"
)

// Client to server events
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join_room"
	EventLeaveRoom    = "leave_room"
	EventMarkRead     = "mark_notification_read"
	EventMarkAllRead  = "mark_all_notifications_read"
	EventPing         = "ping"
)

// Server to client events
const (
	EventWelcome           = "welcome"
	EventAuthenticated     = "authenticated"
	EventNotification      = "notification"
	EventUnreadCount       = "unread_count_update"
	EventNotificationCount = "notification_count_update"
	EventSystemUpdate      = "system_update"
	EventUserStatus        = "user_status_change"
	EventRoomJoined        = "room_joined"
	EventRoomLeft          = "room_left"
	EventPong              = "pong"
	EventError             = "error"
)

// Error codes carried in error events
const (
	CodeAuthenticationFailed = "authentication_failed"
	CodeIdentityMismatch     = "identity_mismatch"
	CodeNotAuthenticated     = "not_authenticated"
	CodeInvalidRoom          = "invalid_room"
	CodeRoomForbidden        = "room_forbidden"
	CodeNotFound             = "not_found"
	CodeForbidden            = "forbidden"
	CodeBadRequest           = "bad_request"
	CodeUnknownEvent         = "unknown_event"
	CodeRateLimited          = "rate_limited"
	CodeInternal             = "internal_error"
)

// Websocket close codes. 4xxx codes are application defined.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	ClosePolicy         = 1008
	CloseInternalError  = 1011
	CloseAuthFailed     = 4401
	CloseSessionRevoked = 4403
	CloseAuthTimeout    = 4408
)

// Envelope is a single websocket frame.
type Envelope struct {
	Event string          `json:"event"`
	ID    string          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode builds a frame. id echoes the request envelope ID, if any.
func Encode(event, id string, data any) ([]byte, error) {
	env := Envelope{Event: event, ID: id}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encoding %s payload: %w", event, err)
		}
		env.Data = raw
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", event, err)
	}
	return b, nil
}

// WelcomePayload is sent as soon as a connection is registered.
type WelcomePayload struct {
	ConnectionID string `json:"connectionId"`
}

// AuthenticatePayload carries a session token from the client.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// AuthenticatedPayload confirms a successful handshake.
type AuthenticatedPayload struct {
	AdminID     string   `json:"adminId"`
	Rooms       []string `json:"rooms"`
	UnreadCount int      `json:"unreadCount"`
}

// RoomPayload names a room to join or leave.
type RoomPayload struct {
	Room string `json:"room"`
}

// MarkReadPayload names a notification to mark read.
type MarkReadPayload struct {
	NotificationID string `json:"notificationId"`
}

// NotificationPayload is a notification as pushed to clients.
type NotificationPayload struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	Priority      string    `json:"priority"`
	TargetAdminID string    `json:"targetAdminId,omitempty"`
	TargetRole    string    `json:"targetRole,omitempty"`
	RelatedID     string    `json:"relatedId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	IsRead        bool      `json:"isRead"`
}

// NewNotificationPayload converts a stored notification for the wire.
func NewNotificationPayload(n *store.Notification) NotificationPayload {
	return NotificationPayload{
		ID:            n.ID,
		Type:          n.Type,
		Title:         n.Title,
		Message:       n.Message,
		Priority:      n.Priority,
		TargetAdminID: n.TargetAdminID,
		TargetRole:    n.TargetRole,
		RelatedID:     n.RelatedID,
		CreatedAt:     n.CreatedAt,
	}
}

// CountPayload is the body of notification_count_update.
type CountPayload struct {
	UnreadCount int `json:"unreadCount"`
}

// SystemUpdate is an ephemeral broadcast to every connected admin.
type SystemUpdate struct {
	ID        string    `json:"id" msgpack:"id"`
	Title     string    `json:"title" msgpack:"title"`
	Message   string    `json:"message" msgpack:"message"`
	Severity  string    `json:"severity" msgpack:"severity"`
	CreatedAt time.Time `json:"createdAt" msgpack:"created_at"`
}

// Presence statuses
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// UserStatusPayload announces an admin coming online or going offline.
type UserStatusPayload struct {
	AdminID string `json:"adminId"`
	Status  string `json:"status"`
}

// PongPayload answers a ping.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload reports a rejected request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
