// ABOUTME: HTTP middleware for session token authentication on API endpoints
// ABOUTME: Extracts the token from the Authorization header, cookie or query and adds Identity to context

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest returns the session token presented with r, checking the
// Authorization header, then the named cookie, then the "token" query
// parameter (browsers cannot set headers on websocket upgrades).
func TokenFromRequest(r *http.Request, cookieName string) string {
	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token
	}
	if cookieName != "" {
		if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
			return cookie.Value
		}
	}
	return r.URL.Query().Get("token")
}

func writeAuthError(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// HTTPAuthMiddleware creates an HTTP middleware that authenticates the
// request's session token and adds the Identity to the request context.
func HTTPAuthMiddleware(authn Authenticator, cookieName string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r, cookieName)
			if token == "" {
				writeAuthError(w, "missing session token", http.StatusUnauthorized)
				return
			}

			id, err := authn.Authenticate(r.Context(), token)
			if err != nil {
				if errors.Is(err, ErrAuthenticationFailed) {
					writeAuthError(w, "invalid session", http.StatusUnauthorized)
					return
				}
				logger.Error("authenticating request", "error", err, "path", r.URL.Path)
				writeAuthError(w, "internal error", http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireSuperAdmin creates an HTTP middleware that requires a super admin.
// Must be used after HTTPAuthMiddleware.
func RequireSuperAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				writeAuthError(w, "not authenticated", http.StatusUnauthorized)
				return
			}

			if !id.IsSuperAdmin {
				writeAuthError(w, "super admin required", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
