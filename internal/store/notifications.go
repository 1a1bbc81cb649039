// ABOUTME: SQLite notification persistence with per-recipient read state
// ABOUTME: Unread counts are derived from notifications minus notification_reads rows

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// targetClause returns the WHERE fragment selecting notifications addressed
// to the recipient (directly, through a held role, or system-wide) and its args.
func targetClause(r Recipient) (string, []any) {
	var b strings.Builder
	args := []any{r.AdminID}

	b.WriteString("(n.target_admin_id = ? OR (n.target_admin_id IS NULL AND n.target_role IS NULL)")
	if len(r.Roles) > 0 {
		b.WriteString(" OR n.target_role IN (")
		for i, role := range r.Roles {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("?")
			args = append(args, role)
		}
		b.WriteString(")")
	}
	b.WriteString(")")

	return b.String(), args
}

// CreateNotification stores a new notification.
// Returns ErrDuplicate if a notification with the same ID exists.
func (s *SQLiteStore) CreateNotification(ctx context.Context, n *Notification) error {
	if err := n.Validate(); err != nil {
		return err
	}
	priority := n.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	query := `
		INSERT INTO notifications (id, type, title, message, priority, target_admin_id, target_role, related_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		n.ID,
		n.Type,
		n.Title,
		n.Message,
		priority,
		nullString(n.TargetAdminID),
		nullString(n.TargetRole),
		nullString(n.RelatedID),
		formatTime(n.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting notification: %w", err)
	}

	s.logger.Debug("created notification", "id", n.ID, "type", n.Type,
		"target_admin_id", n.TargetAdminID, "target_role", n.TargetRole)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner, extra ...any) (*Notification, error) {
	var n Notification
	var targetAdmin, targetRole, relatedID sql.NullString
	var createdAt string

	dest := append([]any{
		&n.ID, &n.Type, &n.Title, &n.Message, &n.Priority,
		&targetAdmin, &targetRole, &relatedID, &createdAt,
	}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	n.TargetAdminID = targetAdmin.String
	n.TargetRole = targetRole.String
	n.RelatedID = relatedID.String

	var err error
	n.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &n, nil
}

const notificationColumns = `n.id, n.type, n.title, n.message, n.priority,
	n.target_admin_id, n.target_role, n.related_id, n.created_at`

// GetNotification retrieves a notification by ID.
// Returns ErrNotFound if the notification doesn't exist.
func (s *SQLiteStore) GetNotification(ctx context.Context, id string) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications n WHERE n.id = ?`

	n, err := scanNotification(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns the recipient's notifications, newest first,
// together with the total number matching the filter.
func (s *SQLiteStore) ListNotifications(ctx context.Context, r Recipient, f ListFilter) ([]*NotificationView, int, error) {
	f = f.normalized()
	where, args := targetClause(r)
	if f.UnreadOnly {
		where += " AND rd.read_at IS NULL"
	}

	from := `
		FROM notifications n
		LEFT JOIN notification_reads rd
			ON rd.notification_id = n.id AND rd.admin_id = ?
		WHERE ` + where

	joinArgs := append([]any{r.AdminID}, args...)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) "+from, joinArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting notifications: %w", err)
	}

	query := "SELECT " + notificationColumns + ", rd.read_at " + from +
		" ORDER BY n.created_at DESC, n.id DESC LIMIT ? OFFSET ?"

	rows, err := s.db.QueryContext(ctx, query, append(joinArgs, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying notifications: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var views []*NotificationView
	for rows.Next() {
		var readAt sql.NullString
		n, err := scanNotification(rows, &readAt)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning notification row: %w", err)
		}

		view := &NotificationView{Notification: *n}
		if readAt.Valid {
			t, err := parseTime(readAt.String)
			if err != nil {
				return nil, 0, fmt.Errorf("parsing read_at: %w", err)
			}
			view.ReadAt = &t
		}
		views = append(views, view)
	}

	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating notification rows: %w", err)
	}

	return views, total, nil
}

// CountUnread returns the number of notifications addressed to the recipient
// that the recipient has not read. Each notification counts at most once.
func (s *SQLiteStore) CountUnread(ctx context.Context, r Recipient) (int, error) {
	where, args := targetClause(r)
	query := `
		SELECT COUNT(*) FROM notifications n
		WHERE ` + where + `
		AND NOT EXISTS (
			SELECT 1 FROM notification_reads rd
			WHERE rd.notification_id = n.id AND rd.admin_id = ?
		)
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, append(args, r.AdminID)...).Scan(&count); err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return count, nil
}

// MarkRead records that the recipient read the notification.
// Returns ErrNotFound for unknown notifications and ErrNotRecipient when the
// notification is not addressed to the recipient.
func (s *SQLiteStore) MarkRead(ctx context.Context, r Recipient, notificationID string) (bool, error) {
	n, err := s.GetNotification(ctx, notificationID)
	if err != nil {
		return false, err
	}
	if !n.Targets(r) {
		return false, ErrNotRecipient
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO notification_reads (notification_id, admin_id, read_at)
		VALUES (?, ?, ?)
	`, notificationID, r.AdminID, formatTime(time.Now()))
	if err != nil {
		return false, fmt.Errorf("marking notification read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Debug("marked notification read", "id", notificationID, "admin_id", r.AdminID)
	}
	return rowsAffected > 0, nil
}

// MarkAllRead marks every unread notification addressed to the recipient as
// read and returns how many changed.
func (s *SQLiteStore) MarkAllRead(ctx context.Context, r Recipient) (int, error) {
	where, args := targetClause(r)
	query := `
		INSERT OR IGNORE INTO notification_reads (notification_id, admin_id, read_at)
		SELECT n.id, ?, ? FROM notifications n
		WHERE ` + where

	result, err := s.db.ExecContext(ctx, query, append([]any{r.AdminID, formatTime(time.Now())}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("marking all notifications read: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}

	s.logger.Debug("marked all notifications read", "admin_id", r.AdminID, "count", rowsAffected)
	return int(rowsAffected), nil
}
