// ABOUTME: Authentication handshake binding a pending connection to an admin identity
// ABOUTME: Success joins the identity's rooms and replies with the unread count; failure closes with 4401

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/2389/bullion-gateway/internal/auth"
)

// ErrAuthenticationFailure is returned when a presented token is rejected.
// The connection has been closed with CloseAuthFailed and must not be retried
// with the same token.
var ErrAuthenticationFailure = errors.New("websocket authentication failed")

// Handshake authenticates connections.
type Handshake struct {
	registry *Registry
	authn    auth.Authenticator
	unread   *UnreadSync
	metrics  *Metrics
	logger   *slog.Logger
}

// NewHandshake creates a handshake validating tokens with authn.
func NewHandshake(registry *Registry, authn auth.Authenticator, unread *UnreadSync, metrics *Metrics, logger *slog.Logger) *Handshake {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = registry.metrics
	}
	return &Handshake{
		registry: registry,
		authn:    authn,
		unread:   unread,
		metrics:  metrics,
		logger:   logger.With("component", "handshake"),
	}
}

// Authenticate validates token and activates c. requestID is echoed on the
// reply. Repeating it with the same admin refreshes roles and rooms.
func (h *Handshake) Authenticate(ctx context.Context, c *Conn, requestID, token string) (*auth.Identity, error) {
	id, err := h.authn.Authenticate(ctx, token)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			h.reject(c, requestID, CodeAuthenticationFailed, "authentication failed", err)
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
		}
		h.metrics.Handshakes.WithLabelValues("error").Inc()
		h.logger.Error("authenticating connection", "conn_id", c.ID, "error", err)
		c.sendError(requestID, CodeInternal, "authentication unavailable")
		h.registry.Disconnect(c.ID, CloseInternalError, "authentication unavailable")
		return nil, fmt.Errorf("authenticating connection: %w", err)
	}

	if _, err := h.registry.AttachIdentity(c.ID, id); err != nil {
		if errors.Is(err, ErrIdentityMismatch) {
			h.reject(c, requestID, CodeIdentityMismatch, "connection belongs to another admin", err)
			return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailure, err)
		}
		return nil, err
	}

	if err := h.syncRooms(c, id); err != nil {
		return nil, err
	}

	rooms := c.Rooms()
	names := make([]string, len(rooms))
	for i, r := range rooms {
		names[i] = r.String()
	}
	reply := func(count int) {
		_ = c.sendEvent(EventAuthenticated, requestID, AuthenticatedPayload{
			AdminID:     id.AdminID,
			Rooms:       names,
			UnreadCount: count,
		})
	}

	count, err := h.unread.Seed(ctx, c, reply)
	if err != nil {
		h.logger.Error("seeding unread count", "conn_id", c.ID, "admin_id", id.AdminID, "error", err)
		reply(0)
	}

	h.metrics.Handshakes.WithLabelValues("ok").Inc()
	h.logger.Debug("connection authenticated",
		"conn_id", c.ID,
		"admin_id", id.AdminID,
		"rooms", names,
		"unread", count,
	)
	return id, nil
}

// syncRooms joins every room id is entitled to and leaves role rooms it no
// longer holds.
func (h *Handshake) syncRooms(c *Conn, id *auth.Identity) error {
	want := RoomsFor(id)
	for _, r := range c.Rooms() {
		if r.IsRole() && !slices.Contains(want, r) {
			if err := h.registry.Leave(c.ID, r); err != nil {
				return err
			}
		}
	}
	for _, r := range want {
		if err := h.registry.Join(c.ID, r); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handshake) reject(c *Conn, requestID, code, message string, err error) {
	h.metrics.Handshakes.WithLabelValues("rejected").Inc()
	h.logger.Info("connection rejected", "conn_id", c.ID, "reason", err)
	c.sendError(requestID, code, message)
	h.registry.Disconnect(c.ID, CloseAuthFailed, message)
}
