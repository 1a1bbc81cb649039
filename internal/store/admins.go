// ABOUTME: Admin, role and session store methods
// ABOUTME: Admins carry roles and an optional wallet address; sessions back issued tokens

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateAdmin creates a new admin together with its roles.
// Returns ErrEmailExists if the email is taken.
func (s *SQLiteStore) CreateAdmin(ctx context.Context, admin *Admin) error {
	status := admin.Status
	if status == "" {
		status = AdminStatusActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO admins (id, email, display_name, password_hash, status, is_super_admin, wallet_address, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		admin.ID,
		normalizeEmail(admin.Email),
		admin.DisplayName,
		admin.PasswordHash,
		status,
		admin.IsSuperAdmin,
		admin.WalletAddress,
		formatTime(admin.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrEmailExists
		}
		return fmt.Errorf("inserting admin: %w", err)
	}

	for _, role := range admin.Roles {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO admin_roles (admin_id, role, created_at) VALUES (?, ?, ?)
		`, admin.ID, role, formatTime(admin.CreatedAt)); err != nil {
			return fmt.Errorf("inserting admin role: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing admin: %w", err)
	}

	s.logger.Info("created admin", "id", admin.ID, "email", admin.Email, "roles", admin.Roles)
	return nil
}

const adminColumns = `id, email, display_name, password_hash, status, is_super_admin, wallet_address, created_at`

func (s *SQLiteStore) getAdmin(ctx context.Context, where string, arg any) (*Admin, error) {
	var admin Admin
	var wallet sql.NullString
	var createdAt string

	err := s.db.QueryRowContext(ctx, `SELECT `+adminColumns+` FROM admins WHERE `+where, arg).Scan(
		&admin.ID,
		&admin.Email,
		&admin.DisplayName,
		&admin.PasswordHash,
		&admin.Status,
		&admin.IsSuperAdmin,
		&wallet,
		&createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying admin: %w", err)
	}

	if wallet.Valid {
		admin.WalletAddress = &wallet.String
	}
	admin.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}

	admin.Roles, err = s.listAdminRoles(ctx, admin.ID)
	if err != nil {
		return nil, err
	}

	return &admin, nil
}

// GetAdmin retrieves an admin and its roles by ID.
func (s *SQLiteStore) GetAdmin(ctx context.Context, id string) (*Admin, error) {
	return s.getAdmin(ctx, "id = ?", id)
}

// GetAdminByEmail retrieves an admin by email (case-insensitive).
func (s *SQLiteStore) GetAdminByEmail(ctx context.Context, email string) (*Admin, error) {
	return s.getAdmin(ctx, "email = ?", normalizeEmail(email))
}

func (s *SQLiteStore) listAdminRoles(ctx context.Context, adminID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role FROM admin_roles WHERE admin_id = ? ORDER BY role
	`, adminID)
	if err != nil {
		return nil, fmt.Errorf("querying admin roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scanning admin role: %w", err)
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin roles: %w", err)
	}
	return roles, nil
}

func (s *SQLiteStore) updateAdmin(ctx context.Context, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating admin: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetAdminStatus enables or disables an admin.
func (s *SQLiteStore) SetAdminStatus(ctx context.Context, id, status string) error {
	if status != AdminStatusActive && status != AdminStatusDisabled {
		return fmt.Errorf("invalid admin status %q", status)
	}
	if err := s.updateAdmin(ctx, `UPDATE admins SET status = ? WHERE id = ?`, status, id); err != nil {
		return err
	}
	s.logger.Info("updated admin status", "id", id, "status", status)
	return nil
}

// SetWalletAddress links a wallet address to the admin; nil unlinks it.
func (s *SQLiteStore) SetWalletAddress(ctx context.Context, id string, address *string) error {
	if err := s.updateAdmin(ctx, `UPDATE admins SET wallet_address = ? WHERE id = ?`, address, id); err != nil {
		return err
	}
	s.logger.Info("updated admin wallet address", "id", id, "linked", address != nil)
	return nil
}

// AddAdminRole grants a role. Granting a held role is a no-op.
func (s *SQLiteStore) AddAdminRole(ctx context.Context, adminID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO admin_roles (admin_id, role, created_at) VALUES (?, ?, ?)
	`, adminID, role, formatTime(time.Now()))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrNotFound
		}
		return fmt.Errorf("adding admin role: %w", err)
	}
	return nil
}

// RemoveAdminRole revokes a role. Revoking a role not held is a no-op.
func (s *SQLiteStore) RemoveAdminRole(ctx context.Context, adminID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM admin_roles WHERE admin_id = ? AND role = ?
	`, adminID, role)
	if err != nil {
		return fmt.Errorf("removing admin role: %w", err)
	}
	return nil
}

// CreateSession stores a new login session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *AdminSession) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_sessions (id, admin_id, created_at, expires_at)
		VALUES (?, ?, ?, ?)
	`,
		session.ID,
		session.AdminID,
		formatTime(session.CreatedAt),
		formatTime(session.ExpiresAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting session: %w", err)
	}

	s.logger.Debug("created session", "id", session.ID, "admin_id", session.AdminID)
	return nil
}

// GetSession retrieves a session. Expired sessions are reported as ErrNotFound.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*AdminSession, error) {
	var session AdminSession
	var createdAt, expiresAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, admin_id, created_at, expires_at
		FROM admin_sessions
		WHERE id = ? AND expires_at > ?
	`, id, formatTime(time.Now())).Scan(
		&session.ID,
		&session.AdminID,
		&createdAt,
		&expiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	session.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	session.ExpiresAt, err = parseTime(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}

	return &session, nil
}

// DeleteSession removes a session. Deleting a missing session is a no-op.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM admin_sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	s.logger.Debug("deleted session", "id", id)
	return nil
}

// DeleteExpiredSessions removes expired sessions and returns how many were removed.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM admin_sessions WHERE expires_at <= ?
	`, formatTime(time.Now()))
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		s.logger.Debug("deleted expired sessions", "count", rowsAffected)
	}
	return rowsAffected, nil
}
