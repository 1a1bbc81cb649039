// ABOUTME: Session-backed authentication for admins
// ABOUTME: Login mints a session + token; Authenticate checks token, session row and admin status

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/bullion-gateway/internal/store"
)

// Authentication errors. Every rejection of a presented credential wraps
// ErrAuthenticationFailed so callers can tell it apart from store outages.
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidCredentials   = fmt.Errorf("%w: invalid email or password", ErrAuthenticationFailed)
	ErrSessionRevoked       = fmt.Errorf("%w: session revoked or expired", ErrAuthenticationFailed)
	ErrAdminDisabled        = fmt.Errorf("%w: admin disabled", ErrAuthenticationFailed)
)

// Authenticator resolves a presented token into an Identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*Identity, error)
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token     string
	ExpiresAt time.Time
	Session   *store.AdminSession
	Admin     *store.Admin
	Identity  *Identity
}

// SessionAuthenticator validates tokens against stored sessions and admins.
type SessionAuthenticator struct {
	store  store.AdminStore
	issuer *JWTIssuer
	ttl    time.Duration
	logger *slog.Logger
}

// Ensure SessionAuthenticator implements Authenticator.
var _ Authenticator = (*SessionAuthenticator)(nil)

// NewSessionAuthenticator creates an authenticator issuing sessions that live for ttl.
func NewSessionAuthenticator(s store.AdminStore, issuer *JWTIssuer, ttl time.Duration, logger *slog.Logger) *SessionAuthenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionAuthenticator{
		store:  s,
		issuer: issuer,
		ttl:    ttl,
		logger: logger.With("component", "auth"),
	}
}

// Login checks credentials, creates a session and returns its token.
func (a *SessionAuthenticator) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	admin, err := a.store.GetAdminByEmail(ctx, email)
	if errors.Is(err, store.ErrNotFound) {
		CheckPassword("", password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("loading admin: %w", err)
	}

	if !CheckPassword(admin.PasswordHash, password) {
		a.logger.Info("login rejected", "admin_id", admin.ID, "reason", "bad password")
		return nil, ErrInvalidCredentials
	}
	if !admin.IsActive() {
		a.logger.Info("login rejected", "admin_id", admin.ID, "reason", "disabled")
		return nil, ErrAdminDisabled
	}

	now := time.Now()
	session := &store.AdminSession{
		ID:        uuid.New().String(),
		AdminID:   admin.ID,
		CreatedAt: now,
		ExpiresAt: now.Add(a.ttl),
	}
	if err := a.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	token, err := a.issuer.Issue(admin.ID, session.ID, session.ExpiresAt)
	if err != nil {
		return nil, err
	}

	a.logger.Info("admin logged in", "admin_id", admin.ID, "session_id", session.ID)
	return &LoginResult{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		Session:   session,
		Admin:     admin,
		Identity:  identityFor(admin, session.ID),
	}, nil
}

// Logout deletes the session. Live connections bound to it are the caller's concern.
func (a *SessionAuthenticator) Logout(ctx context.Context, sessionID string) error {
	if err := a.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	a.logger.Info("admin logged out", "session_id", sessionID)
	return nil
}

// Authenticate verifies the token, then confirms the session still exists
// and the admin is active. Roles are loaded fresh on every call.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", ErrAuthenticationFailed)
	}

	claims, err := a.issuer.Verify(token)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthenticationFailed, err)
	}

	session, err := a.store.GetSession(ctx, claims.SessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if session.AdminID != claims.AdminID {
		return nil, fmt.Errorf("%w: session does not belong to token subject", ErrAuthenticationFailed)
	}

	admin, err := a.store.GetAdmin(ctx, claims.AdminID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: admin not found", ErrAuthenticationFailed)
	}
	if err != nil {
		return nil, fmt.Errorf("loading admin: %w", err)
	}
	if !admin.IsActive() {
		return nil, ErrAdminDisabled
	}

	return identityFor(admin, session.ID), nil
}

func identityFor(admin *store.Admin, sessionID string) *Identity {
	return &Identity{
		AdminID:      admin.ID,
		SessionID:    sessionID,
		Email:        admin.Email,
		DisplayName:  admin.DisplayName,
		Roles:        admin.Roles,
		IsSuperAdmin: admin.IsSuperAdmin,
	}
}
