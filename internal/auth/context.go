// ABOUTME: Authenticated identity carried through request handlers and connections
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
	"slices"

	"github.com/2389/bullion-gateway/internal/store"
)

// Identity is an authenticated admin bound to one login session.
type Identity struct {
	AdminID      string
	SessionID    string
	Email        string
	DisplayName  string
	Roles        []string
	IsSuperAdmin bool
}

// HasRole reports whether the identity holds role.
func (i *Identity) HasRole(role string) bool {
	return slices.Contains(i.Roles, role)
}

// Recipient returns the notification recipient for this identity.
func (i *Identity) Recipient() store.Recipient {
	return store.Recipient{AdminID: i.AdminID, Roles: slices.Clone(i.Roles)}
}

// identityKey is the key type for storing Identity in context.Context.
type identityKey struct{}

// WithIdentity returns a new context with the Identity attached.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext retrieves the Identity from the context, returning nil if not present.
func FromContext(ctx context.Context) *Identity {
	id, _ := ctx.Value(identityKey{}).(*Identity)
	return id
}

// MustFromContext retrieves the Identity from the context, panicking if not present.
func MustFromContext(ctx context.Context) *Identity {
	id := FromContext(ctx)
	if id == nil {
		panic("auth: Identity not found in context")
	}
	return id
}
