// ABOUTME: Unread count synchronizer: recomputes per-admin unread counts from the store
// ABOUTME: Pushes unread_count_update and notification_count_update to every connection of an admin

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/store"
)

// UnreadChangeFunc is called after a read-state change made on this node.
type UnreadChangeFunc func(ctx context.Context, adminID string)

// unreadCounter is the last count pushed to an admin. Its mutex serializes
// recompute-and-push so two pushes never reach a connection out of order.
type unreadCounter struct {
	mu    sync.Mutex
	last  int
	known bool

	refs int // guarded by UnreadSync.mu
}

// UnreadSync keeps every connection of an admin agreeing on the unread count.
// The store is the source of truth; the counter only suppresses duplicate pushes.
type UnreadSync struct {
	store    store.NotificationStore
	registry *Registry
	metrics  *Metrics
	logger   *slog.Logger

	mu       sync.Mutex
	counters map[string]*unreadCounter
	onChange UnreadChangeFunc
}

// NewUnreadSync creates a synchronizer over s.
func NewUnreadSync(s store.NotificationStore, registry *Registry, metrics *Metrics, logger *slog.Logger) *UnreadSync {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = registry.metrics
	}
	return &UnreadSync{
		store:    s,
		registry: registry,
		metrics:  metrics,
		logger:   logger.With("component", "unread"),
		counters: make(map[string]*unreadCounter),
	}
}

// OnChange installs a hook run after MarkRead or MarkAllRead changed state.
func (u *UnreadSync) OnChange(fn UnreadChangeFunc) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.onChange = fn
}

// acquire returns the admin's counter locked. Every acquire is paired with
// release.
func (u *UnreadSync) acquire(adminID string) *unreadCounter {
	u.mu.Lock()
	c, ok := u.counters[adminID]
	if !ok {
		c = &unreadCounter{}
		u.counters[adminID] = c
	}
	c.refs++
	u.mu.Unlock()

	c.mu.Lock()
	return c
}

// release unlocks c and drops it once unused and the admin is offline.
func (u *UnreadSync) release(adminID string, c *unreadCounter) {
	c.mu.Unlock()

	u.mu.Lock()
	defer u.mu.Unlock()
	c.refs--
	u.dropLocked(adminID)
}

// dropLocked deletes the admin's counter unless it is held or the admin is
// still online. Caller holds u.mu.
func (u *UnreadSync) dropLocked(adminID string) {
	c, ok := u.counters[adminID]
	if !ok || c.refs > 0 || u.registry.IsOnline(adminID) {
		return
	}
	delete(u.counters, adminID)
}

// Forget drops the cached counter for an admin with no live connections.
// A counter still held by a recompute is dropped when that recompute ends.
func (u *UnreadSync) Forget(adminID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.dropLocked(adminID)
}

// tracked reports whether a counter is cached for adminID.
func (u *UnreadSync) tracked(adminID string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.counters[adminID]
	return ok
}

// Count returns the current unread count for id straight from the store.
func (u *UnreadSync) Count(ctx context.Context, id *auth.Identity) (int, error) {
	n, err := u.store.CountUnread(ctx, id.Recipient())
	if err != nil {
		return 0, fmt.Errorf("counting unread: %w", err)
	}
	return n, nil
}

// Seed computes the count for a freshly authenticated connection. reply runs
// while the admin's counter is locked so it is queued ahead of any later push.
func (u *UnreadSync) Seed(ctx context.Context, c *Conn, reply func(count int)) (int, error) {
	id := c.Identity()
	if id == nil {
		return 0, ErrNotAuthenticated
	}

	counter := u.acquire(id.AdminID)
	defer u.release(id.AdminID, counter)

	n, err := u.Count(ctx, id)
	if err != nil {
		return 0, err
	}
	counter.last = n
	counter.known = true
	if reply != nil {
		reply(n)
	}
	return n, nil
}

// Refresh recomputes the admin's unread count and pushes it to every live
// connection of that admin when it differs from the last pushed value.
// Admins without live connections are skipped.
func (u *UnreadSync) Refresh(ctx context.Context, adminID string) error {
	conns := u.registry.ConnectionsFor(adminID)
	id := latestIdentity(conns)
	if id == nil {
		return nil
	}

	counter := u.acquire(adminID)
	defer u.release(adminID, counter)

	n, err := u.Count(ctx, id)
	if err != nil {
		return err
	}
	if counter.known && counter.last == n {
		return nil
	}
	counter.last = n
	counter.known = true

	countFrame, err := Encode(EventUnreadCount, "", n)
	if err != nil {
		return err
	}
	payloadFrame, err := Encode(EventNotificationCount, "", CountPayload{UnreadCount: n})
	if err != nil {
		return err
	}

	// Re-read membership under the counter lock so a connection that
	// authenticated meanwhile still gets the newest value.
	for _, c := range u.registry.ConnectionsFor(adminID) {
		u.push(c, countFrame, payloadFrame)
	}
	u.metrics.UnreadPushes.Inc()
	u.logger.Debug("unread count pushed", "admin_id", adminID, "unread", n)
	return nil
}

// push queues both count frames on c. A full queue holds them until the
// writer catches up rather than dropping them.
func (u *UnreadSync) push(c *Conn, countFrame, payloadFrame []byte) {
	err := c.EnqueueLatest(countFrame, payloadFrame)
	result := deliveryResult(err)
	switch {
	case err == nil:
		result = "ok"
	case errors.Is(err, ErrSendDeferred):
		u.logger.Debug("unread push deferred", "conn_id", c.ID)
	default:
		u.logger.Warn("unread push dropped", "conn_id", c.ID, "error", err)
	}
	u.metrics.Deliveries.WithLabelValues(EventUnreadCount, result).Inc()
	u.metrics.Deliveries.WithLabelValues(EventNotificationCount, result).Inc()
}

// MarkRead marks a notification read for id. Only a newly recorded read
// changes the count and triggers a push.
func (u *UnreadSync) MarkRead(ctx context.Context, id *auth.Identity, notificationID string) (bool, error) {
	changed, err := u.store.MarkRead(ctx, id.Recipient(), notificationID)
	if err != nil {
		return false, fmt.Errorf("marking notification read: %w", err)
	}
	if changed {
		u.changed(ctx, id.AdminID)
	}
	return changed, nil
}

// MarkAllRead marks every notification targeting id read and returns how many changed.
func (u *UnreadSync) MarkAllRead(ctx context.Context, id *auth.Identity) (int, error) {
	n, err := u.store.MarkAllRead(ctx, id.Recipient())
	if err != nil {
		return 0, fmt.Errorf("marking all notifications read: %w", err)
	}
	if n > 0 {
		u.changed(ctx, id.AdminID)
	}
	return n, nil
}

func (u *UnreadSync) changed(ctx context.Context, adminID string) {
	if err := u.Refresh(ctx, adminID); err != nil {
		u.logger.Error("refreshing unread count", "admin_id", adminID, "error", err)
	}

	u.mu.Lock()
	fn := u.onChange
	u.mu.Unlock()
	if fn != nil {
		fn(ctx, adminID)
	}
}

// latestIdentity picks the identity of the most recently authenticated
// connection; its roles are the freshest known.
func latestIdentity(conns []*Conn) *auth.Identity {
	var (
		best *auth.Identity
		at   int64
	)
	for _, c := range conns {
		c.mu.Lock()
		id, ts := c.identity, c.authenticatedAt.UnixNano()
		c.mu.Unlock()
		if id != nil && (best == nil || ts > at) {
			best, at = id, ts
		}
	}
	return best
}
