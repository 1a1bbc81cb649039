// ABOUTME: Store interfaces and data types for bullion-gateway persistence
// ABOUTME: Defines Notification, Admin and AdminSession and the interfaces the realtime layer consumes

package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an entity with the same ID already exists
var ErrDuplicate = errors.New("already exists")

// ErrEmailExists is returned when creating an admin with an email already in use
var ErrEmailExists = errors.New("email already exists")

// ErrNotRecipient is returned when an admin acts on a notification not targeted at them
var ErrNotRecipient = errors.New("notification not targeted at admin")

// ErrInvalidNotification is returned when a notification fails validation
var ErrInvalidNotification = errors.New("invalid notification")

// Notification types
const (
	TypePurchaseUpdate   = "purchase_update"
	TypeRedemptionUpdate = "redemption_update"
	TypeSystemUpdate     = "system_update"
	TypeGifting          = "gifting"
	TypeMint             = "mint"
	TypeTransaction      = "transaction"
	TypeSystemAlert      = "system_alert"
)

var notificationTypes = []string{
	TypePurchaseUpdate,
	TypeRedemptionUpdate,
	TypeSystemUpdate,
	TypeGifting,
	TypeMint,
	TypeTransaction,
	TypeSystemAlert,
}

// Notification priorities
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

var priorities = []string{PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent}

// Notification is a durable message addressed to one admin, one role, or
// everyone (both targets empty). Read state is kept per recipient.
type Notification struct {
	ID            string
	Type          string
	Title         string
	Message       string
	Priority      string
	TargetAdminID string // empty unless addressed to a single admin
	TargetRole    string // empty unless addressed to a role
	RelatedID     string // purchase/redemption/etc. the notification refers to
	CreatedAt     time.Time
}

// IsBroadcast reports whether the notification addresses every admin.
func (n *Notification) IsBroadcast() bool {
	return n.TargetAdminID == "" && n.TargetRole == ""
}

// Targets reports whether the recipient is addressed by the notification.
func (n *Notification) Targets(r Recipient) bool {
	switch {
	case n.TargetAdminID != "":
		return n.TargetAdminID == r.AdminID
	case n.TargetRole != "":
		return slices.Contains(r.Roles, n.TargetRole)
	default:
		return true
	}
}

// Validate checks required fields and enumerations. Priority may be empty;
// callers default it to PriorityNormal.
func (n *Notification) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidNotification)
	}
	if strings.TrimSpace(n.Message) == "" {
		return fmt.Errorf("%w: message is required", ErrInvalidNotification)
	}
	if !slices.Contains(notificationTypes, n.Type) {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidNotification, n.Type)
	}
	if n.Priority != "" && !slices.Contains(priorities, n.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidNotification, n.Priority)
	}
	if n.TargetAdminID != "" && n.TargetRole != "" {
		return fmt.Errorf("%w: target admin and target role are mutually exclusive", ErrInvalidNotification)
	}
	return nil
}

// NotificationView is a notification as seen by one recipient.
type NotificationView struct {
	Notification
	ReadAt *time.Time
}

// IsRead reports whether the recipient has read the notification.
func (v *NotificationView) IsRead() bool {
	return v.ReadAt != nil
}

// Recipient identifies who is asking: an admin and the roles they hold.
type Recipient struct {
	AdminID string
	Roles   []string
}

// ListFilter narrows ListNotifications.
type ListFilter struct {
	UnreadOnly bool
	Limit      int // defaults to 50, capped at 200
	Offset     int
}

// Admin status values
const (
	AdminStatusActive   = "active"
	AdminStatusDisabled = "disabled"
)

// Admin is a console operator. WalletAddress is nil until one is linked.
type Admin struct {
	ID            string
	Email         string
	DisplayName   string
	PasswordHash  string
	Status        string
	IsSuperAdmin  bool
	WalletAddress *string
	Roles         []string
	CreatedAt     time.Time
}

// IsActive reports whether the admin may sign in.
func (a *Admin) IsActive() bool {
	return a.Status == AdminStatusActive
}

// AdminSession is a login session. Its ID is embedded in the session token.
type AdminSession struct {
	ID        string
	AdminID   string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NotificationStore persists notifications and per-recipient read state.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *Notification) error
	GetNotification(ctx context.Context, id string) (*Notification, error)
	ListNotifications(ctx context.Context, r Recipient, f ListFilter) ([]*NotificationView, int, error)
	CountUnread(ctx context.Context, r Recipient) (int, error)

	// MarkRead records a read for the recipient. changed is false when the
	// notification was already read.
	MarkRead(ctx context.Context, r Recipient, notificationID string) (changed bool, err error)
	MarkAllRead(ctx context.Context, r Recipient) (int, error)
}

// AdminStore persists admins, their roles and login sessions.
type AdminStore interface {
	CreateAdmin(ctx context.Context, admin *Admin) error
	GetAdmin(ctx context.Context, id string) (*Admin, error)
	GetAdminByEmail(ctx context.Context, email string) (*Admin, error)
	SetAdminStatus(ctx context.Context, id, status string) error
	SetWalletAddress(ctx context.Context, id string, address *string) error
	AddAdminRole(ctx context.Context, adminID, role string) error
	RemoveAdminRole(ctx context.Context, adminID, role string) error

	CreateSession(ctx context.Context, session *AdminSession) error
	GetSession(ctx context.Context, id string) (*AdminSession, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context) (int64, error)
}

// Store is the full persistence surface of the gateway.
type Store interface {
	NotificationStore
	AdminStore
	Close() error
}

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (f ListFilter) normalized() ListFilter {
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
