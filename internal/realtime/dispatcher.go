// ABOUTME: Notification dispatcher: persist first, then best-effort push to the target room
// ABOUTME: Also fans out system updates, presence changes and frames relayed from other nodes

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/2389/bullion-gateway/internal/store"
)

// DeliveryResult summarizes one publish.
type DeliveryResult struct {
	Notification *store.Notification `json:"notification"`
	Room         Room                `json:"room"`
	// Recipients is the number of distinct admins reached.
	Recipients int `json:"recipients"`
	Delivered  int `json:"delivered"`
	Dropped    int `json:"dropped"`
}

// Dispatcher publishes notifications to connected admins.
type Dispatcher struct {
	store    store.NotificationStore
	registry *Registry
	unread   *UnreadSync
	metrics  *Metrics
	logger   *slog.Logger

	relay  Relay
	nodeID string
}

// NewDispatcher creates a dispatcher. Pass nil metrics or logger for defaults.
func NewDispatcher(s store.NotificationStore, registry *Registry, unread *UnreadSync, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = registry.metrics
	}
	return &Dispatcher{
		store:    s,
		registry: registry,
		unread:   unread,
		metrics:  metrics,
		logger:   logger.With("component", "dispatcher"),
		nodeID:   uuid.New().String(),
	}
}

// SetRelay forwards local publishes to other nodes. Call before serving.
func (d *Dispatcher) SetRelay(relay Relay) {
	d.relay = relay
}

// NodeID identifies this process on the relay.
func (d *Dispatcher) NodeID() string {
	return d.nodeID
}

// Publish persists n and pushes it to every live connection in its room.
// A persistence failure is returned; push failures are only counted.
func (d *Dispatcher) Publish(ctx context.Context, n *store.Notification) (*DeliveryResult, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.Priority == "" {
		n.Priority = store.PriorityNormal
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	if err := d.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("persisting notification: %w", err)
	}

	result := d.fanOut(ctx, n)
	d.metrics.Published.WithLabelValues(scopeOf(n)).Inc()
	d.logger.Info("notification published",
		"notification_id", n.ID,
		"type", n.Type,
		"room", result.Room,
		"recipients", result.Recipients,
		"delivered", result.Delivered,
		"dropped", result.Dropped,
	)

	d.forward(ctx, &RelayFrame{Kind: RelayNotification, Notification: n})
	return result, nil
}

// fanOut pushes a stored notification to its room and refreshes the unread
// count of every online admin it targets, reached or not.
func (d *Dispatcher) fanOut(ctx context.Context, n *store.Notification) *DeliveryResult {
	room := RoomFor(n)
	result := &DeliveryResult{Notification: n, Room: room}

	frame, err := Encode(EventNotification, "", NewNotificationPayload(n))
	if err != nil {
		d.logger.Error("encoding notification", "notification_id", n.ID, "error", err)
		return result
	}

	admins := mapset.NewThreadUnsafeSet[string]()
	result.Delivered, result.Dropped = d.deliver(d.registry.MembersOf(room), EventNotification, frame, admins)
	result.Recipients = admins.Cardinality()

	for _, adminID := range d.affectedAdmins(n) {
		if err := d.unread.Refresh(ctx, adminID); err != nil {
			d.logger.Error("refreshing unread count", "admin_id", adminID, "error", err)
		}
	}
	return result
}

// affectedAdmins returns the online admins whose unread count n changes.
func (d *Dispatcher) affectedAdmins(n *store.Notification) []string {
	switch {
	case n.TargetAdminID != "":
		return []string{n.TargetAdminID}
	case n.TargetRole != "":
		var admins []string
		for _, adminID := range d.registry.OnlineAdmins() {
			id := latestIdentity(d.registry.ConnectionsFor(adminID))
			if id != nil && id.HasRole(n.TargetRole) {
				admins = append(admins, adminID)
			}
		}
		return admins
	default:
		return d.registry.OnlineAdmins()
	}
}

// deliver enqueues frame on every connection. Admins reached are added to
// reached when it is non-nil.
func (d *Dispatcher) deliver(conns []*Conn, event string, frame []byte, reached mapset.Set[string]) (delivered, dropped int) {
	for _, c := range conns {
		if err := c.Enqueue(frame); err != nil {
			dropped++
			d.metrics.Deliveries.WithLabelValues(event, deliveryResult(err)).Inc()
			d.logger.Warn("delivery failed", "conn_id", c.ID, "event", event, "error", err)
			continue
		}
		delivered++
		d.metrics.Deliveries.WithLabelValues(event, "ok").Inc()
		if reached != nil {
			if id := c.Identity(); id != nil {
				reached.Add(id.AdminID)
			}
		}
	}
	return delivered, dropped
}

// PublishSystemUpdate broadcasts an ephemeral update to the system room.
func (d *Dispatcher) PublishSystemUpdate(ctx context.Context, update SystemUpdate) (int, error) {
	if update.Title == "" && update.Message == "" {
		return 0, errors.New("system update needs a title or message")
	}
	if update.ID == "" {
		update.ID = uuid.New().String()
	}
	if update.CreatedAt.IsZero() {
		update.CreatedAt = time.Now().UTC()
	}
	if update.Severity == "" {
		update.Severity = "info"
	}

	delivered, err := d.broadcastSystemUpdate(&update)
	if err != nil {
		return 0, err
	}
	d.forward(ctx, &RelayFrame{Kind: RelaySystemUpdate, SystemUpdate: &update})
	return delivered, nil
}

func (d *Dispatcher) broadcastSystemUpdate(update *SystemUpdate) (int, error) {
	frame, err := Encode(EventSystemUpdate, "", update)
	if err != nil {
		return 0, err
	}
	delivered, _ := d.deliver(d.registry.MembersOf(SystemRoom), EventSystemUpdate, frame, nil)
	d.logger.Info("system update broadcast", "update_id", update.ID, "delivered", delivered)
	return delivered, nil
}

// RevokeSession closes local connections bound to sessionID and asks other
// nodes to do the same. Returns the number of local connections closed.
func (d *Dispatcher) RevokeSession(ctx context.Context, sessionID, reason string) int {
	closed := d.registry.RevokeSession(sessionID, reason)
	d.forward(ctx, &RelayFrame{Kind: RelayRevoke, SessionID: sessionID, Reason: reason})
	return closed
}

// RelayUnread tells other nodes an admin's read state changed. Suitable as
// an UnreadSync change hook.
func (d *Dispatcher) RelayUnread(ctx context.Context, adminID string) {
	d.forward(ctx, &RelayFrame{Kind: RelayUnread, AdminID: adminID})
}

// HandlePresence broadcasts user_status_change to the system room. Suitable
// as the registry presence handler.
func (d *Dispatcher) HandlePresence(adminID string, online bool) {
	status := StatusOffline
	if online {
		status = StatusOnline
	} else {
		d.unread.Forget(adminID)
	}

	frame, err := Encode(EventUserStatus, "", UserStatusPayload{AdminID: adminID, Status: status})
	if err != nil {
		d.logger.Error("encoding presence", "admin_id", adminID, "error", err)
		return
	}
	d.deliver(d.registry.MembersOf(SystemRoom), EventUserStatus, frame, nil)
}

// HandleRelayFrame applies a frame published by another node.
func (d *Dispatcher) HandleRelayFrame(ctx context.Context, frame *RelayFrame) {
	if frame.Origin == d.nodeID {
		return
	}
	d.metrics.RelayFrames.WithLabelValues("in", frame.Kind).Inc()

	switch frame.Kind {
	case RelayNotification:
		if frame.Notification == nil {
			return
		}
		result := d.fanOut(ctx, frame.Notification)
		d.logger.Debug("relayed notification delivered",
			"notification_id", frame.Notification.ID,
			"origin", frame.Origin,
			"delivered", result.Delivered,
		)
	case RelaySystemUpdate:
		if frame.SystemUpdate == nil {
			return
		}
		if _, err := d.broadcastSystemUpdate(frame.SystemUpdate); err != nil {
			d.logger.Error("relayed system update", "error", err)
		}
	case RelayUnread:
		if err := d.unread.Refresh(ctx, frame.AdminID); err != nil {
			d.logger.Error("refreshing relayed unread count", "admin_id", frame.AdminID, "error", err)
		}
	case RelayRevoke:
		d.registry.RevokeSession(frame.SessionID, frame.Reason)
	default:
		d.logger.Warn("unknown relay frame", "kind", frame.Kind, "origin", frame.Origin)
	}
}

func (d *Dispatcher) forward(ctx context.Context, frame *RelayFrame) {
	if d.relay == nil {
		return
	}
	frame.Origin = d.nodeID
	if err := d.relay.Publish(ctx, frame); err != nil {
		d.logger.Warn("relay publish failed", "kind", frame.Kind, "error", err)
		return
	}
	d.metrics.RelayFrames.WithLabelValues("out", frame.Kind).Inc()
}

func scopeOf(n *store.Notification) string {
	switch {
	case n.TargetAdminID != "":
		return "admin"
	case n.TargetRole != "":
		return "role"
	default:
		return "system"
	}
}

func deliveryResult(err error) string {
	switch {
	case errors.Is(err, ErrSendBufferFull):
		return "buffer_full"
	case errors.Is(err, ErrSendDeferred):
		return "deferred"
	case errors.Is(err, ErrConnClosed):
		return "closed"
	default:
		return "error"
	}
}
