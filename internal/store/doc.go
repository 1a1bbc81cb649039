// Package store provides persistent storage for the gateway using SQLite.
//
// # Architecture
//
// The store package is interface-driven:
//
//   - NotificationStore: notifications and per-recipient read state
//   - AdminStore: admins, roles, wallet addresses and login sessions
//   - Store: both of the above plus Close
//
// SQLiteStore implements Store in a single struct. MockStore is an in-memory
// implementation with the same semantics for tests in other packages.
//
// # Drivers
//
// NewSQLiteStore uses modernc.org/sqlite (pure Go, driver name "sqlite").
// Open accepts "sqlite3" to use github.com/mattn/go-sqlite3 when cgo is
// available.
//
// # Read State
//
// A notification addresses exactly one scope: a single admin, a role, or
// everyone. Read state is never stored on the notification itself; each
// recipient gets a row in notification_reads. Unread counts are derived:
//
//	notifications addressed to (admin, roles) without a read row for admin
//
// so a notification counts once per admin no matter how many of the admin's
// roles it matches, and one admin reading a role notification never changes
// another admin's count.
//
// # Timestamps
//
// Times are stored as fixed-width UTC TEXT so ORDER BY created_at sorts
// chronologically.
package store
