// ABOUTME: REST surface of the admin console: login, profile, notification pull path and publishing
// ABOUTME: Routes are registered on a chi router; JSON errors use the {"error": "..."} shape

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/yuin/goldmark"

	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/dedupe"
	"github.com/2389/bullion-gateway/internal/realtime"
	"github.com/2389/bullion-gateway/internal/store"
)

// Sessions logs admins in and out and authenticates requests.
type Sessions interface {
	auth.Authenticator
	Login(ctx context.Context, email, password string) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
}

// Notifier publishes to connected admins.
type Notifier interface {
	Publish(ctx context.Context, n *store.Notification) (*realtime.DeliveryResult, error)
	PublishSystemUpdate(ctx context.Context, update realtime.SystemUpdate) (int, error)
	RevokeSession(ctx context.Context, sessionID, reason string) int
}

// ReadTracker records reads and keeps live unread counts in sync.
type ReadTracker interface {
	MarkRead(ctx context.Context, id *auth.Identity, notificationID string) (bool, error)
	MarkAllRead(ctx context.Context, id *auth.Identity) (int, error)
	Count(ctx context.Context, id *auth.Identity) (int, error)
}

// Config tunes the API.
type Config struct {
	CookieName   string
	CookieSecure bool
	// IdempotencyTTL is how long an Idempotency-Key replays its first result.
	IdempotencyTTL time.Duration
}

// API serves the REST endpoints.
type API struct {
	cfg      Config
	sessions Sessions
	store    store.Store
	notifier Notifier
	reads    ReadTracker
	logger   *slog.Logger

	markdown    goldmark.Markdown
	idempotency *dedupe.Cache[*publishResponse]
}

// New creates the API. Call Close to stop the idempotency cache.
func New(cfg Config, sessions Sessions, s store.Store, notifier Notifier, reads ReadTracker, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	return &API{
		cfg:         cfg,
		sessions:    sessions,
		store:       s,
		notifier:    notifier,
		reads:       reads,
		logger:      logger.With("component", "api"),
		markdown:    newMarkdown(),
		idempotency: dedupe.New[*publishResponse](cfg.IdempotencyTTL, 10000),
	}
}

// Close releases background resources.
func (a *API) Close() {
	a.idempotency.Close()
}

// Register mounts every endpoint on r.
func (a *API) Register(r chi.Router) {
	r.Post("/api/login", a.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(auth.HTTPAuthMiddleware(a.sessions, a.cfg.CookieName, a.logger))

		r.Post("/api/logout", a.handleLogout)
		r.Get("/api/me", a.handleMe)

		r.Get("/api/notifications", a.handleListNotifications)
		r.Get("/api/notifications/unread-count", a.handleUnreadCount)
		r.Put("/api/notifications/mark-all-read", a.handleMarkAllRead)
		r.Put("/api/notifications/{id}/read", a.handleMarkRead)

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireSuperAdmin())
			r.Post("/api/notifications", a.handleCreateNotification)
			r.Post("/api/system-updates", a.handleSystemUpdate)
		})
	})
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// sendJSONError writes a JSON error response.
func sendJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a JSON body, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// internalError logs err and writes a generic 500.
func (a *API) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.Error(msg, "error", err, "path", r.URL.Path)
	sendJSONError(w, http.StatusInternalServerError, "internal error")
}
