// ABOUTME: Connection registry and room membership index
// ABOUTME: Tracks live connections per admin and per room; lock order is always connection then room

package realtime

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/2389/bullion-gateway/internal/auth"
)

// ErrRegistryClosed is returned by Register after Close.
var ErrRegistryClosed = errors.New("registry closed")

// RegistryConfig tunes connection handling.
type RegistryConfig struct {
	// AuthTimeout closes connections still pending authentication.
	AuthTimeout time.Duration
	// SendBuffer is the outbound queue length per connection.
	SendBuffer int
	// PingInterval is how often the writer pings the peer. Zero disables pings.
	PingInterval time.Duration
}

// PresenceFunc is called when an admin's first connection becomes active
// (online) or its last connection closes (offline).
type PresenceFunc func(adminID string, online bool)

// room is one entry of the membership index. Its mutex guards members.
// A room removed from the index is marked dead so late joiners retry.
type room struct {
	mu      sync.Mutex
	members mapset.Set[*Conn]
	dead    bool
}

// Registry tracks every live connection, which admin each belongs to and
// which rooms each has joined.
type Registry struct {
	cfg     RegistryConfig
	metrics *Metrics
	logger  *slog.Logger

	connsMu sync.RWMutex
	conns   map[string]*Conn
	closed  bool

	adminsMu sync.Mutex
	admins   map[string]mapset.Set[string] // adminID -> conn IDs

	roomsMu sync.RWMutex
	rooms   map[Room]*room

	presence PresenceFunc
	writers  sync.WaitGroup
}

// NewRegistry creates a registry. Pass nil metrics or logger for defaults.
func NewRegistry(cfg RegistryConfig, metrics *Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	return &Registry{
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("component", "registry"),
		conns:   make(map[string]*Conn),
		admins:  make(map[string]mapset.Set[string]),
		rooms:   make(map[Room]*room),
	}
}

// SetPresenceHandler installs the presence callback. Call before Register.
func (r *Registry) SetPresenceHandler(fn PresenceFunc) {
	r.presence = fn
}

// Register adds a connection in StatePendingAuth, starts its writer and arms
// the authentication timer.
func (r *Registry) Register(transport Transport) (*Conn, error) {
	c := newConn(uuid.New().String(), transport, r.cfg.SendBuffer)

	r.connsMu.Lock()
	if r.closed {
		r.connsMu.Unlock()
		return nil, ErrRegistryClosed
	}
	r.conns[c.ID] = c
	total := len(r.conns)
	// Counted under the lock so Close never waits before a writer is added.
	r.writers.Add(1)
	r.connsMu.Unlock()

	if r.cfg.AuthTimeout > 0 {
		c.mu.Lock()
		c.authTimer = time.AfterFunc(r.cfg.AuthTimeout, func() {
			if r.disconnect(c, CloseAuthTimeout, "authentication timeout", true) {
				r.metrics.Handshakes.WithLabelValues("timeout").Inc()
			}
		})
		c.mu.Unlock()
	}

	go func() {
		defer r.writers.Done()
		c.writeLoop(r.cfg.PingInterval, func(err error) {
			r.logger.Debug("connection write failed", "conn_id", c.ID, "error", err)
			r.disconnect(c, CloseInternalError, "write failed", false)
		})
	}()

	r.metrics.Connections.Inc()
	r.logger.Debug("connection registered", "conn_id", c.ID, "total_connections", total)
	return c, nil
}

// Get returns a registered connection.
func (r *Registry) Get(connID string) (*Conn, bool) {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	return len(r.conns)
}

// AttachIdentity binds an identity to a connection and makes it active.
// Re-attaching the same admin refreshes the identity (roles may have
// changed). first reports whether this made the admin's first active
// connection.
func (r *Registry) AttachIdentity(connID string, id *auth.Identity) (bool, error) {
	c, ok := r.Get(connID)
	if !ok {
		return false, ErrConnNotFound
	}

	c.mu.Lock()
	switch {
	case c.state == StateClosed:
		c.mu.Unlock()
		return false, ErrConnClosed
	case c.identity != nil && c.identity.AdminID != id.AdminID:
		c.mu.Unlock()
		return false, ErrIdentityMismatch
	}

	wasActive := c.state == StateActive
	c.identity = id
	c.authenticatedAt = time.Now()
	c.state = StateActive
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}

	first := false
	if !wasActive {
		r.adminsMu.Lock()
		set, ok := r.admins[id.AdminID]
		if !ok {
			set = mapset.NewThreadUnsafeSet[string]()
			r.admins[id.AdminID] = set
		}
		set.Add(c.ID)
		first = set.Cardinality() == 1
		r.adminsMu.Unlock()
	}
	c.mu.Unlock()

	if !wasActive {
		r.metrics.ActiveConnections.Inc()
		r.logger.Info("=== ADMIN CONNECTED ===",
			"conn_id", c.ID,
			"admin_id", id.AdminID,
			"roles", id.Roles,
			"first", first,
		)
	}
	if first && r.presence != nil {
		r.presence(id.AdminID, true)
	}
	return first, nil
}

// Join adds the connection to room. Joining a room twice is a no-op.
func (r *Registry) Join(connID string, name Room) error {
	c, ok := r.Get(connID)
	if !ok {
		return ErrConnNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrConnClosed
	case StatePendingAuth:
		return ErrNotAuthenticated
	}
	if c.rooms.Contains(name) {
		return nil
	}

	c.rooms.Add(name)
	r.addMember(name, c)
	return nil
}

// Leave removes the connection from room. Leaving a room not joined is a no-op.
func (r *Registry) Leave(connID string, name Room) error {
	c, ok := r.Get(connID)
	if !ok {
		return ErrConnNotFound
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.rooms.Contains(name) {
		return nil
	}
	c.rooms.Remove(name)
	r.removeMember(name, c)
	return nil
}

// MembersOf returns a snapshot of the live connections in room.
func (r *Registry) MembersOf(name Room) []*Conn {
	r.roomsMu.RLock()
	rm, ok := r.rooms[name]
	r.roomsMu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	members := rm.members.ToSlice()
	rm.mu.Unlock()

	live := members[:0]
	for _, c := range members {
		if c.State() != StateClosed {
			live = append(live, c)
		}
	}
	return live
}

// ConnectionsFor returns the active connections of an admin.
func (r *Registry) ConnectionsFor(adminID string) []*Conn {
	r.adminsMu.Lock()
	set, ok := r.admins[adminID]
	var ids []string
	if ok {
		ids = set.ToSlice()
	}
	r.adminsMu.Unlock()

	conns := make([]*Conn, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.Get(id); ok {
			conns = append(conns, c)
		}
	}
	return conns
}

// IsOnline reports whether the admin has at least one active connection.
func (r *Registry) IsOnline(adminID string) bool {
	r.adminsMu.Lock()
	defer r.adminsMu.Unlock()
	_, ok := r.admins[adminID]
	return ok
}

// OnlineAdmins returns the IDs of admins with at least one active connection.
func (r *Registry) OnlineAdmins() []string {
	r.adminsMu.Lock()
	defer r.adminsMu.Unlock()
	ids := make([]string, 0, len(r.admins))
	for id := range r.admins {
		ids = append(ids, id)
	}
	return ids
}

// Unregister closes the connection normally and removes it from every room
// and from the admin index before returning.
func (r *Registry) Unregister(connID string) {
	r.Disconnect(connID, CloseNormal, "")
}

// Disconnect closes the connection with the given close code.
func (r *Registry) Disconnect(connID string, code int, reason string) {
	if c, ok := r.Get(connID); ok {
		r.disconnect(c, code, reason, false)
	}
}

// RevokeSession closes every connection authenticated with sessionID and
// returns how many were closed.
func (r *Registry) RevokeSession(sessionID, reason string) int {
	var targets []*Conn
	for _, c := range r.snapshot() {
		if id := c.Identity(); id != nil && id.SessionID == sessionID {
			targets = append(targets, c)
		}
	}

	closed := 0
	for _, c := range targets {
		if r.disconnect(c, CloseSessionRevoked, reason, false) {
			closed++
		}
	}
	if closed > 0 {
		r.logger.Info("session revoked", "session_id", sessionID, "connections", closed)
	}
	return closed
}

// Close disconnects every connection with going-away, refuses new
// registrations and waits for writers to finish.
func (r *Registry) Close() {
	r.connsMu.Lock()
	r.closed = true
	r.connsMu.Unlock()

	for _, c := range r.snapshot() {
		r.disconnect(c, CloseGoingAway, "server shutting down", false)
	}
	r.writers.Wait()
	r.logger.Debug("registry closed")
}

func (r *Registry) snapshot() []*Conn {
	r.connsMu.RLock()
	defer r.connsMu.RUnlock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// disconnect moves c to StateClosed and removes it from every index. When
// onlyPending is set the connection is only closed if it never authenticated.
// Reports whether this call closed the connection.
func (r *Registry) disconnect(c *Conn, code int, reason string, onlyPending bool) bool {
	c.mu.Lock()
	if c.state == StateClosed || (onlyPending && c.state != StatePendingAuth) {
		c.mu.Unlock()
		return false
	}

	wasActive := c.state == StateActive
	c.state = StateClosed
	c.closeCode = code
	c.closeReason = reason
	if c.authTimer != nil {
		c.authTimer.Stop()
		c.authTimer = nil
	}

	rooms := c.rooms.ToSlice()
	for _, name := range rooms {
		r.removeMember(name, c)
	}
	c.rooms.Clear()

	var adminID string
	last := false
	if wasActive {
		adminID = c.identity.AdminID
		r.adminsMu.Lock()
		if set, ok := r.admins[adminID]; ok {
			set.Remove(c.ID)
			if set.Cardinality() == 0 {
				delete(r.admins, adminID)
				last = true
			}
		}
		r.adminsMu.Unlock()
	}
	c.mu.Unlock()

	r.connsMu.Lock()
	delete(r.conns, c.ID)
	total := len(r.conns)
	r.connsMu.Unlock()

	c.shutdown()

	r.metrics.Connections.Dec()
	if wasActive {
		r.metrics.ActiveConnections.Dec()
		r.logger.Info("=== ADMIN DISCONNECTED ===",
			"conn_id", c.ID,
			"admin_id", adminID,
			"code", code,
			"reason", reason,
			"total_connections", total,
		)
	} else {
		r.logger.Debug("connection closed before authentication",
			"conn_id", c.ID, "code", code, "reason", reason)
	}

	if last && r.presence != nil {
		r.presence(adminID, false)
	}
	return true
}

// addMember adds c to the room, creating it if needed. Caller holds c.mu.
func (r *Registry) addMember(name Room, c *Conn) {
	for {
		r.roomsMu.Lock()
		rm, ok := r.rooms[name]
		if !ok {
			rm = &room{members: mapset.NewThreadUnsafeSet[*Conn]()}
			r.rooms[name] = rm
		}
		r.roomsMu.Unlock()

		rm.mu.Lock()
		if rm.dead {
			rm.mu.Unlock()
			continue
		}
		rm.members.Add(c)
		rm.mu.Unlock()
		return
	}
}

// removeMember removes c from the room and drops the room once empty.
// Caller holds c.mu.
func (r *Registry) removeMember(name Room, c *Conn) {
	r.roomsMu.RLock()
	rm, ok := r.rooms[name]
	r.roomsMu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	rm.members.Remove(c)
	if rm.members.Cardinality() > 0 {
		return
	}

	r.roomsMu.Lock()
	if r.rooms[name] == rm {
		delete(r.rooms, name)
	}
	r.roomsMu.Unlock()
	rm.dead = true
}
