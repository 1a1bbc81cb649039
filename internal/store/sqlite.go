// ABOUTME: SQLite implementation of the Store interface
// ABOUTME: Opens modernc.org/sqlite (pure Go) or mattn/go-sqlite3 (cgo) and creates the schema

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names.
const (
	DriverModernc = "sqlite"
	DriverCgo     = "sqlite3"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Ensure SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a store at path using the pure Go driver.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return Open(DriverModernc, path)
}

// Open creates a store at path with the named driver.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func Open(driver, path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	switch driver {
	case DriverModernc, DriverCgo:
	default:
		return nil, fmt.Errorf("unsupported sqlite driver %q", driver)
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open(driver, path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection keeps PRAGMAs in effect and serializes writers.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("executing %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path, "driver", driver)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS admins (
			id             TEXT PRIMARY KEY,
			email          TEXT NOT NULL UNIQUE,
			display_name   TEXT NOT NULL,
			password_hash  TEXT NOT NULL,
			status         TEXT NOT NULL DEFAULT 'active',
			is_super_admin INTEGER NOT NULL DEFAULT 0,
			wallet_address TEXT,
			created_at     TEXT NOT NULL,

			CHECK (status IN ('active', 'disabled'))
		);

		CREATE TABLE IF NOT EXISTS admin_roles (
			admin_id   TEXT NOT NULL,
			role       TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (admin_id, role),
			FOREIGN KEY (admin_id) REFERENCES admins(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_admin_roles_role ON admin_roles(role);

		CREATE TABLE IF NOT EXISTS admin_sessions (
			id         TEXT PRIMARY KEY,
			admin_id   TEXT NOT NULL,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,

			FOREIGN KEY (admin_id) REFERENCES admins(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_admin_sessions_expires ON admin_sessions(expires_at);

		CREATE TABLE IF NOT EXISTS notifications (
			id              TEXT PRIMARY KEY,
			type            TEXT NOT NULL,
			title           TEXT NOT NULL,
			message         TEXT NOT NULL,
			priority        TEXT NOT NULL DEFAULT 'normal',
			target_admin_id TEXT,
			target_role     TEXT,
			related_id      TEXT,
			created_at      TEXT NOT NULL,

			CHECK (priority IN ('low', 'normal', 'high', 'urgent')),
			CHECK (target_admin_id IS NULL OR target_role IS NULL)
		);

		CREATE INDEX IF NOT EXISTS idx_notifications_admin ON notifications(target_admin_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_notifications_role ON notifications(target_role, created_at);
		CREATE INDEX IF NOT EXISTS idx_notifications_created ON notifications(created_at);

		CREATE TABLE IF NOT EXISTS notification_reads (
			notification_id TEXT NOT NULL,
			admin_id        TEXT NOT NULL,
			read_at         TEXT NOT NULL,

			PRIMARY KEY (notification_id, admin_id),
			FOREIGN KEY (notification_id) REFERENCES notifications(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_notification_reads_admin ON notification_reads(admin_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isConstraintViolation checks if an error is a SQLite constraint violation.
// Both drivers surface the same message text.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings so they are stored as NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
