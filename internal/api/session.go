// ABOUTME: Login, logout and profile endpoints
// ABOUTME: Logout deletes the session and closes every live connection bound to it

package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/store"
)

// LoginRequest is the JSON body for POST /api/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by a successful login.
type LoginResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Admin     ProfileResponse `json:"admin"`
}

// ProfileResponse describes the signed-in admin.
type ProfileResponse struct {
	ID            string   `json:"id"`
	Email         string   `json:"email"`
	DisplayName   string   `json:"displayName"`
	Roles         []string `json:"roles"`
	IsSuperAdmin  bool     `json:"isSuperAdmin"`
	WalletAddress *string  `json:"walletAddress"`
}

func profileOf(a *store.Admin) ProfileResponse {
	roles := a.Roles
	if roles == nil {
		roles = []string{}
	}
	return ProfileResponse{
		ID:            a.ID,
		Email:         a.Email,
		DisplayName:   a.DisplayName,
		Roles:         roles,
		IsSuperAdmin:  a.IsSuperAdmin,
		WalletAddress: a.WalletAddress,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		sendJSONError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	res, err := a.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrAuthenticationFailed) {
			sendJSONError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		a.internalError(w, r, "login failed", err)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    res.Token,
		Path:     "/",
		Expires:  res.ExpiresAt,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, LoginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt,
		Admin:     profileOf(res.Admin),
	})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	if err := a.sessions.Logout(r.Context(), id.SessionID); err != nil && !errors.Is(err, store.ErrNotFound) {
		a.internalError(w, r, "logout failed", err)
		return
	}
	closed := a.notifier.RevokeSession(r.Context(), id.SessionID, "logged out")

	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]int{"closedConnections": closed})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	admin, err := a.store.GetAdmin(r.Context(), id.AdminID)
	if errors.Is(err, store.ErrNotFound) {
		sendJSONError(w, http.StatusNotFound, "admin not found")
		return
	}
	if err != nil {
		a.internalError(w, r, "loading profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profileOf(admin))
}
