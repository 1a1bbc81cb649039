// ABOUTME: Tests specific to the SQLite store implementation
// ABOUTME: Covers database creation, driver selection and persistence across reopen

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file was not created in nested directory")
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "test.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sqlite driver")
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := t.Context()

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.CreateNotification(ctx, notification("n1", 0, toAdmin("alice"))))
	_, err = s.MarkRead(ctx, Recipient{AdminID: "alice"}, "n1")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	views, _, err := s.ListNotifications(ctx, Recipient{AdminID: "alice"}, ListFilter{})
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.True(t, views[0].IsRead())
}

func TestListFilter_Normalized(t *testing.T) {
	assert.Equal(t, defaultListLimit, ListFilter{}.normalized().Limit)
	assert.Equal(t, maxListLimit, ListFilter{Limit: 10_000}.normalized().Limit)
	assert.Equal(t, 0, ListFilter{Offset: -3}.normalized().Offset)
}

func TestTargetClause(t *testing.T) {
	clause, args := targetClause(Recipient{AdminID: "a1"})
	assert.NotContains(t, clause, "IN (")
	assert.Equal(t, []any{"a1"}, args)

	clause, args = targetClause(Recipient{AdminID: "a1", Roles: []string{"ops", "finance"}})
	assert.Contains(t, clause, "n.target_role IN (?, ?)")
	assert.Equal(t, []any{"a1", "ops", "finance"}, args)
}
