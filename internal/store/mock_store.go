// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	notifications map[string]*Notification         // keyed by notification ID
	reads         map[string]map[string]time.Time // notification ID -> admin ID -> read at
	admins        map[string]*Admin                // keyed by admin ID
	emails        map[string]string                // normalized email -> admin ID
	sessions      map[string]*AdminSession         // keyed by session ID

	// FailCreate, when set, is returned by CreateNotification.
	FailCreate error
}

// Ensure MockStore implements Store.
var _ Store = (*MockStore)(nil)

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		notifications: make(map[string]*Notification),
		reads:         make(map[string]map[string]time.Time),
		admins:        make(map[string]*Admin),
		emails:        make(map[string]string),
		sessions:      make(map[string]*AdminSession),
	}
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// CreateNotification stores a new notification.
func (m *MockStore) CreateNotification(ctx context.Context, n *Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailCreate != nil {
		return m.FailCreate
	}
	if _, exists := m.notifications[n.ID]; exists {
		return ErrDuplicate
	}

	// Make a copy to avoid external modification
	c := *n
	if c.Priority == "" {
		c.Priority = PriorityNormal
	}
	c.CreatedAt = c.CreatedAt.UTC()
	m.notifications[c.ID] = &c
	return nil
}

// GetNotification retrieves a notification by ID.
func (m *MockStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}

	// Return a copy
	result := *n
	return &result, nil
}

// visibleLocked returns the recipient's notifications newest first. Caller holds mu.
func (m *MockStore) visibleLocked(r Recipient, unreadOnly bool) []*NotificationView {
	var views []*NotificationView
	for _, n := range m.notifications {
		if !n.Targets(r) {
			continue
		}
		view := &NotificationView{Notification: *n}
		if at, ok := m.reads[n.ID][r.AdminID]; ok {
			view.ReadAt = &at
		}
		if unreadOnly && view.IsRead() {
			continue
		}
		views = append(views, view)
	}

	sort.Slice(views, func(i, j int) bool {
		if views[i].CreatedAt.Equal(views[j].CreatedAt) {
			return views[i].ID > views[j].ID
		}
		return views[i].CreatedAt.After(views[j].CreatedAt)
	})
	return views
}

// ListNotifications returns the recipient's notifications, newest first.
func (m *MockStore) ListNotifications(ctx context.Context, r Recipient, f ListFilter) ([]*NotificationView, int, error) {
	f = f.normalized()

	m.mu.RLock()
	defer m.mu.RUnlock()

	views := m.visibleLocked(r, f.UnreadOnly)
	total := len(views)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := min(f.Offset+f.Limit, total)
	return views[f.Offset:end], total, nil
}

// CountUnread returns the recipient's unread count.
func (m *MockStore) CountUnread(ctx context.Context, r Recipient) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.visibleLocked(r, true)), nil
}

// MarkRead records a read for the recipient.
func (m *MockStore) MarkRead(ctx context.Context, r Recipient, notificationID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.notifications[notificationID]
	if !ok {
		return false, ErrNotFound
	}
	if !n.Targets(r) {
		return false, ErrNotRecipient
	}
	return m.markLocked(notificationID, r.AdminID), nil
}

func (m *MockStore) markLocked(notificationID, adminID string) bool {
	byAdmin, ok := m.reads[notificationID]
	if !ok {
		byAdmin = make(map[string]time.Time)
		m.reads[notificationID] = byAdmin
	}
	if _, read := byAdmin[adminID]; read {
		return false
	}
	byAdmin[adminID] = time.Now().UTC()
	return true
}

// MarkAllRead marks every notification addressed to the recipient as read.
func (m *MockStore) MarkAllRead(ctx context.Context, r Recipient) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := 0
	for id, n := range m.notifications {
		if n.Targets(r) && m.markLocked(id, r.AdminID) {
			changed++
		}
	}
	return changed, nil
}

func copyAdmin(a *Admin) *Admin {
	c := *a
	c.Roles = slices.Clone(a.Roles)
	if a.WalletAddress != nil {
		w := *a.WalletAddress
		c.WalletAddress = &w
	}
	return &c
}

// CreateAdmin stores a new admin.
func (m *MockStore) CreateAdmin(ctx context.Context, admin *Admin) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	email := normalizeEmail(admin.Email)
	if _, exists := m.emails[email]; exists {
		return ErrEmailExists
	}
	if _, exists := m.admins[admin.ID]; exists {
		return ErrDuplicate
	}

	c := copyAdmin(admin)
	c.Email = email
	if c.Status == "" {
		c.Status = AdminStatusActive
	}
	slices.Sort(c.Roles)
	c.Roles = slices.Compact(c.Roles)

	m.admins[c.ID] = c
	m.emails[email] = c.ID
	return nil
}

// GetAdmin retrieves an admin by ID.
func (m *MockStore) GetAdmin(ctx context.Context, id string) (*Admin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.admins[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAdmin(a), nil
}

// GetAdminByEmail retrieves an admin by email.
func (m *MockStore) GetAdminByEmail(ctx context.Context, email string) (*Admin, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.emails[normalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAdmin(m.admins[id]), nil
}

// SetAdminStatus enables or disables an admin.
func (m *MockStore) SetAdminStatus(ctx context.Context, id, status string) error {
	if status != AdminStatusActive && status != AdminStatusDisabled {
		return fmt.Errorf("invalid admin status %q", status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.admins[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	return nil
}

// SetWalletAddress links or unlinks the admin's wallet.
func (m *MockStore) SetWalletAddress(ctx context.Context, id string, address *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.admins[id]
	if !ok {
		return ErrNotFound
	}
	if address == nil {
		a.WalletAddress = nil
		return nil
	}
	w := *address
	a.WalletAddress = &w
	return nil
}

// AddAdminRole grants a role.
func (m *MockStore) AddAdminRole(ctx context.Context, adminID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.admins[adminID]
	if !ok {
		return ErrNotFound
	}
	if !slices.Contains(a.Roles, role) {
		a.Roles = append(a.Roles, role)
		slices.Sort(a.Roles)
	}
	return nil
}

// RemoveAdminRole revokes a role.
func (m *MockStore) RemoveAdminRole(ctx context.Context, adminID, role string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a, ok := m.admins[adminID]; ok {
		a.Roles = slices.DeleteFunc(a.Roles, func(r string) bool { return r == role })
	}
	return nil
}

// CreateSession stores a session.
func (m *MockStore) CreateSession(ctx context.Context, session *AdminSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.ID]; exists {
		return ErrDuplicate
	}
	c := *session
	m.sessions[c.ID] = &c
	return nil
}

// GetSession retrieves an unexpired session.
func (m *MockStore) GetSession(ctx context.Context, id string) (*AdminSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok || !s.ExpiresAt.After(time.Now()) {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

// DeleteSession removes a session.
func (m *MockStore) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// DeleteExpiredSessions removes expired sessions.
func (m *MockStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := time.Now()
	for id, s := range m.sessions {
		if !s.ExpiresAt.After(now) {
			delete(m.sessions, id)
			n++
		}
	}
	return n, nil
}
