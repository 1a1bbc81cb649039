// ABOUTME: Behavioural tests shared by SQLiteStore and MockStore
// ABOUTME: Covers targeting, per-recipient read state, unread counting and sessions

package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

// forEachStore runs fn against every Store implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, setupTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func notification(id string, offset int, mutate ...func(*Notification)) *Notification {
	n := &Notification{
		ID:        id,
		Type:      TypePurchaseUpdate,
		Title:     "Purchase " + id,
		Message:   "Purchase request updated",
		CreatedAt: baseTime.Add(time.Duration(offset) * time.Minute),
	}
	for _, m := range mutate {
		m(n)
	}
	return n
}

func toAdmin(id string) func(*Notification) {
	return func(n *Notification) { n.TargetAdminID = id }
}

func toRole(role string) func(*Notification) {
	return func(n *Notification) { n.TargetRole = role }
}

func TestCreateAndGetNotification(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		n := notification("n1", 0, toRole("ops"), func(n *Notification) {
			n.RelatedID = "purchase-42"
			n.Priority = PriorityHigh
		})
		require.NoError(t, s.CreateNotification(ctx, n))

		got, err := s.GetNotification(ctx, "n1")
		require.NoError(t, err)
		assert.Equal(t, "n1", got.ID)
		assert.Equal(t, TypePurchaseUpdate, got.Type)
		assert.Equal(t, "ops", got.TargetRole)
		assert.Empty(t, got.TargetAdminID)
		assert.Equal(t, "purchase-42", got.RelatedID)
		assert.Equal(t, PriorityHigh, got.Priority)
		assert.True(t, got.CreatedAt.Equal(n.CreatedAt))

		assert.ErrorIs(t, s.CreateNotification(ctx, n), ErrDuplicate)

		_, err = s.GetNotification(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateNotification_DefaultsPriority(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		require.NoError(t, s.CreateNotification(t.Context(), notification("n1", 0)))
		got, err := s.GetNotification(t.Context(), "n1")
		require.NoError(t, err)
		assert.Equal(t, PriorityNormal, got.Priority)
	})
}

func TestCreateNotification_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Notification)
	}{
		{"missing title", func(n *Notification) { n.Title = " " }},
		{"missing message", func(n *Notification) { n.Message = "" }},
		{"unknown type", func(n *Notification) { n.Type = "lunch" }},
		{"unknown priority", func(n *Notification) { n.Priority = "meh" }},
		{"both targets", func(n *Notification) {
			n.TargetAdminID = "a1"
			n.TargetRole = "ops"
		}},
	}

	forEachStore(t, func(t *testing.T, s Store) {
		for _, tt := range tests {
			err := s.CreateNotification(t.Context(), notification("bad", 0, tt.mutate))
			assert.ErrorIs(t, err, ErrInvalidNotification, tt.name)
		}
	})
}

func TestCountUnread_Targeting(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		require.NoError(t, s.CreateNotification(ctx, notification("direct", 0, toAdmin("alice"))))
		require.NoError(t, s.CreateNotification(ctx, notification("other", 1, toAdmin("bob"))))
		require.NoError(t, s.CreateNotification(ctx, notification("ops", 2, toRole("ops"))))
		require.NoError(t, s.CreateNotification(ctx, notification("finance", 3, toRole("finance"))))
		require.NoError(t, s.CreateNotification(ctx, notification("everyone", 4)))

		alice := Recipient{AdminID: "alice", Roles: []string{"ops"}}
		count, err := s.CountUnread(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, 3, count) // direct, ops, everyone

		bob := Recipient{AdminID: "bob"}
		count, err = s.CountUnread(ctx, bob)
		require.NoError(t, err)
		assert.Equal(t, 2, count) // other, everyone

		both := Recipient{AdminID: "carol", Roles: []string{"ops", "finance"}}
		count, err = s.CountUnread(ctx, both)
		require.NoError(t, err)
		assert.Equal(t, 3, count) // ops, finance, everyone; never double counted
	})
}

func TestMarkRead_PerRecipient(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		require.NoError(t, s.CreateNotification(ctx, notification("n1", 0, toRole("ops"))))

		a1 := Recipient{AdminID: "a1", Roles: []string{"ops"}}
		a2 := Recipient{AdminID: "a2", Roles: []string{"ops"}}

		changed, err := s.MarkRead(ctx, a1, "n1")
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = s.MarkRead(ctx, a1, "n1")
		require.NoError(t, err)
		assert.False(t, changed, "second mark-read must be a no-op")

		count, err := s.CountUnread(ctx, a1)
		require.NoError(t, err)
		assert.Equal(t, 0, count)

		count, err = s.CountUnread(ctx, a2)
		require.NoError(t, err)
		assert.Equal(t, 1, count, "a1 reading must not affect a2")
	})
}

func TestMarkRead_Errors(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		require.NoError(t, s.CreateNotification(ctx, notification("n1", 0, toAdmin("alice"))))

		_, err := s.MarkRead(ctx, Recipient{AdminID: "alice"}, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = s.MarkRead(ctx, Recipient{AdminID: "bob"}, "n1")
		assert.ErrorIs(t, err, ErrNotRecipient)
	})
}

func TestMarkAllRead(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		require.NoError(t, s.CreateNotification(ctx, notification("n1", 0, toAdmin("alice"))))
		require.NoError(t, s.CreateNotification(ctx, notification("n2", 1, toRole("ops"))))
		require.NoError(t, s.CreateNotification(ctx, notification("n3", 2)))
		require.NoError(t, s.CreateNotification(ctx, notification("n4", 3, toAdmin("bob"))))

		alice := Recipient{AdminID: "alice", Roles: []string{"ops"}}
		_, err := s.MarkRead(ctx, alice, "n2")
		require.NoError(t, err)

		changed, err := s.MarkAllRead(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, 2, changed)

		changed, err = s.MarkAllRead(ctx, alice)
		require.NoError(t, err)
		assert.Equal(t, 0, changed)

		count, err := s.CountUnread(ctx, Recipient{AdminID: "bob"})
		require.NoError(t, err)
		assert.Equal(t, 2, count, "bob still has n3 and n4 unread")
	})
}

func TestListNotifications(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		for i := range 5 {
			require.NoError(t, s.CreateNotification(ctx, notification(fmt.Sprintf("n%d", i), i, toAdmin("alice"))))
		}
		require.NoError(t, s.CreateNotification(ctx, notification("bob-only", 9, toAdmin("bob"))))

		alice := Recipient{AdminID: "alice"}
		_, err := s.MarkRead(ctx, alice, "n3")
		require.NoError(t, err)

		views, total, err := s.ListNotifications(ctx, alice, ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, views, 5)
		assert.Equal(t, "n4", views[0].ID, "newest first")
		assert.Equal(t, "n0", views[4].ID)
		assert.True(t, views[1].IsRead())
		assert.False(t, views[0].IsRead())

		views, total, err = s.ListNotifications(ctx, alice, ListFilter{Limit: 2, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 5, total)
		require.Len(t, views, 2)
		assert.Equal(t, "n3", views[0].ID)
		assert.Equal(t, "n2", views[1].ID)

		views, total, err = s.ListNotifications(ctx, alice, ListFilter{UnreadOnly: true})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		for _, v := range views {
			assert.NotEqual(t, "n3", v.ID)
		}
	})
}

func TestUnreadCountInterleaving(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		r := Recipient{AdminID: "a1", Roles: []string{"ops"}}

		var wg sync.WaitGroup
		for i := range 20 {
			id := fmt.Sprintf("n%02d", i)
			require.NoError(t, s.CreateNotification(ctx, notification(id, i, toRole("ops"))))
			if i%2 == 0 {
				wg.Go(func() {
					_, _ = s.MarkRead(ctx, r, id)
				})
			}
		}
		wg.Wait()

		count, err := s.CountUnread(ctx, r)
		require.NoError(t, err)
		assert.Equal(t, 10, count)

		views, _, err := s.ListNotifications(ctx, r, ListFilter{UnreadOnly: true})
		require.NoError(t, err)
		assert.Len(t, views, count)
	})
}

func TestAdmins(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		wallet := "0xAbC0000000000000000000000000000000000001"
		admin := &Admin{
			ID:            "alice",
			Email:         "Alice@Example.com",
			DisplayName:   "Alice",
			PasswordHash:  "hash",
			WalletAddress: &wallet,
			Roles:         []string{"ops", "finance"},
			CreatedAt:     baseTime,
		}
		require.NoError(t, s.CreateAdmin(ctx, admin))

		got, err := s.GetAdminByEmail(ctx, "alice@example.COM")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.ID)
		assert.Equal(t, "alice@example.com", got.Email)
		assert.True(t, got.IsActive())
		assert.False(t, got.IsSuperAdmin)
		require.NotNil(t, got.WalletAddress)
		assert.Equal(t, wallet, *got.WalletAddress)
		assert.Equal(t, []string{"finance", "ops"}, got.Roles)

		dup := *admin
		dup.ID = "alice-2"
		assert.ErrorIs(t, s.CreateAdmin(ctx, &dup), ErrEmailExists)

		require.NoError(t, s.AddAdminRole(ctx, "alice", "support"))
		require.NoError(t, s.AddAdminRole(ctx, "alice", "support"))
		require.NoError(t, s.RemoveAdminRole(ctx, "alice", "finance"))
		got, err = s.GetAdmin(ctx, "alice")
		require.NoError(t, err)
		assert.Equal(t, []string{"ops", "support"}, got.Roles)

		require.NoError(t, s.SetWalletAddress(ctx, "alice", nil))
		require.NoError(t, s.SetAdminStatus(ctx, "alice", AdminStatusDisabled))
		got, err = s.GetAdmin(ctx, "alice")
		require.NoError(t, err)
		assert.Nil(t, got.WalletAddress)
		assert.False(t, got.IsActive())

		_, err = s.GetAdmin(ctx, "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, s.SetWalletAddress(ctx, "nobody", nil), ErrNotFound)
		assert.ErrorIs(t, s.AddAdminRole(ctx, "nobody", "ops"), ErrNotFound)
	})
}

func TestSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := t.Context()
		require.NoError(t, s.CreateAdmin(ctx, &Admin{
			ID: "alice", Email: "alice@example.com", DisplayName: "Alice",
			PasswordHash: "hash", CreatedAt: baseTime,
		}))

		now := time.Now()
		live := &AdminSession{ID: "s1", AdminID: "alice", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}
		expired := &AdminSession{ID: "s2", AdminID: "alice", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)}
		require.NoError(t, s.CreateSession(ctx, live))
		require.NoError(t, s.CreateSession(ctx, expired))

		got, err := s.GetSession(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.AdminID)

		_, err = s.GetSession(ctx, "s2")
		assert.ErrorIs(t, err, ErrNotFound, "expired sessions are not returned")

		removed, err := s.DeleteExpiredSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		require.NoError(t, s.DeleteSession(ctx, "s1"))
		_, err = s.GetSession(ctx, "s1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}
