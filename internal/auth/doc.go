// Package auth provides admin authentication for bullion-gateway.
//
// # Sessions and Tokens
//
// An admin logs in with email and password (bcrypt). Login creates an
// AdminSession row and returns an HS256 JWT whose "sub" claim is the admin ID
// and whose "sid" claim is the session ID. The token alone is not enough:
// SessionAuthenticator.Authenticate also requires the session row to exist and
// be unexpired and the admin to be active, so deleting the session (logout)
// revokes every token minted for it.
//
// # Identity
//
// A successful authentication yields an Identity (admin, session, roles,
// super-admin flag). Roles are loaded from the store on every Authenticate
// call, so a reconnecting client always sees its current roles.
//
// Identity is attached to request contexts with WithIdentity and read back
// with FromContext.
//
// # HTTP Middleware
//
//	mux.Handle("/api/me", auth.HTTPAuthMiddleware(authn, "bullion_admin_session", logger)(handler))
//
// Tokens are accepted from the Authorization header, the session cookie, or a
// "token" query parameter. Every rejected credential wraps
// ErrAuthenticationFailed; anything else is an internal error.
package auth
