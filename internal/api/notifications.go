// ABOUTME: Notification endpoints: pull path, unread count, mark read, publish and system updates
// ABOUTME: Publishing honours Idempotency-Key so a retried request never creates a second notification

package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/realtime"
	"github.com/2389/bullion-gateway/internal/store"
)

// IdempotencyHeader names the request header carrying an idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// NotificationResponse is one entry of the pull path.
type NotificationResponse struct {
	realtime.NotificationPayload
	MessageHTML string     `json:"messageHtml"`
	ReadAt      *time.Time `json:"readAt"`
}

// ListNotificationsResponse is the JSON response for GET /api/notifications.
type ListNotificationsResponse struct {
	Notifications []NotificationResponse `json:"notifications"`
	Total         int                    `json:"total"`
	UnreadCount   int                    `json:"unreadCount"`
	Limit         int                    `json:"limit"`
	Offset        int                    `json:"offset"`
}

// CreateNotificationRequest is the JSON body for POST /api/notifications.
type CreateNotificationRequest struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Message       string `json:"message"`
	Priority      string `json:"priority,omitempty"`
	TargetAdminID string `json:"targetAdminId,omitempty"`
	TargetRole    string `json:"targetRole,omitempty"`
	RelatedID     string `json:"relatedId,omitempty"`
}

// publishResponse is the JSON response for POST /api/notifications.
type publishResponse struct {
	Notification realtime.NotificationPayload `json:"notification"`
	Room         string                       `json:"room"`
	Recipients   int                          `json:"recipients"`
	Delivered    int                          `json:"delivered"`
	Dropped      int                          `json:"dropped"`
}

// SystemUpdateRequest is the JSON body for POST /api/system-updates.
type SystemUpdateRequest struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Severity string `json:"severity,omitempty"`
}

// handleListNotifications handles GET /api/notifications.
// Supports ?limit, ?offset and ?unread=true.
func (a *API) handleListNotifications(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	filter, err := parseListFilter(r)
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, total, err := a.store.ListNotifications(r.Context(), id.Recipient(), filter)
	if err != nil {
		a.internalError(w, r, "listing notifications", err)
		return
	}
	unread, err := a.reads.Count(r.Context(), id)
	if err != nil {
		a.internalError(w, r, "counting unread", err)
		return
	}

	resp := ListNotificationsResponse{
		Notifications: make([]NotificationResponse, 0, len(views)),
		Total:         total,
		UnreadCount:   unread,
		Limit:         filter.Limit,
		Offset:        filter.Offset,
	}
	for _, v := range views {
		payload := realtime.NewNotificationPayload(&v.Notification)
		payload.IsRead = v.IsRead()
		resp.Notifications = append(resp.Notifications, NotificationResponse{
			NotificationPayload: payload,
			MessageHTML:         a.renderMarkdown(v.Message),
			ReadAt:              v.ReadAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func parseListFilter(r *http.Request) (store.ListFilter, error) {
	q := r.URL.Query()
	var f store.ListFilter
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return f, errors.New("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	f.UnreadOnly = q.Get("unread") == "true"
	if f.Limit == 0 {
		f.Limit = 50
	}
	if f.Limit > 200 {
		f.Limit = 200
	}
	return f, nil
}

// handleUnreadCount handles GET /api/notifications/unread-count.
func (a *API) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	n, err := a.reads.Count(r.Context(), id)
	if err != nil {
		a.internalError(w, r, "counting unread", err)
		return
	}
	writeJSON(w, http.StatusOK, realtime.CountPayload{UnreadCount: n})
}

// handleMarkRead handles PUT /api/notifications/{id}/read.
func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())
	notificationID := chi.URLParam(r, "id")

	changed, err := a.reads.MarkRead(r.Context(), id, notificationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		sendJSONError(w, http.StatusNotFound, "notification not found")
		return
	case errors.Is(err, store.ErrNotRecipient):
		sendJSONError(w, http.StatusForbidden, "notification not addressed to you")
		return
	case err != nil:
		a.internalError(w, r, "marking notification read", err)
		return
	}

	n, err := a.reads.Count(r.Context(), id)
	if err != nil {
		a.internalError(w, r, "counting unread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"changed": changed, "unreadCount": n})
}

// handleMarkAllRead handles PUT /api/notifications/mark-all-read.
func (a *API) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	marked, err := a.reads.MarkAllRead(r.Context(), id)
	if err != nil {
		a.internalError(w, r, "marking all notifications read", err)
		return
	}

	n, err := a.reads.Count(r.Context(), id)
	if err != nil {
		a.internalError(w, r, "counting unread", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"marked": marked, "unreadCount": n})
}

// handleCreateNotification handles POST /api/notifications. A repeated
// Idempotency-Key from the same admin replays the first response.
func (a *API) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	id := auth.MustFromContext(r.Context())

	var req CreateNotificationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	publish := func() (*publishResponse, error) {
		n := &store.Notification{
			Type:          req.Type,
			Title:         strings.TrimSpace(req.Title),
			Message:       req.Message,
			Priority:      req.Priority,
			TargetAdminID: req.TargetAdminID,
			TargetRole:    req.TargetRole,
			RelatedID:     req.RelatedID,
		}
		res, err := a.notifier.Publish(r.Context(), n)
		if err != nil {
			return nil, err
		}
		return &publishResponse{
			Notification: realtime.NewNotificationPayload(res.Notification),
			Room:         res.Room.String(),
			Recipients:   res.Recipients,
			Delivered:    res.Delivered,
			Dropped:      res.Dropped,
		}, nil
	}

	var (
		resp     *publishResponse
		replayed bool
		err      error
	)
	if key := strings.TrimSpace(r.Header.Get(IdempotencyHeader)); key != "" {
		resp, replayed, err = a.idempotency.Do(r.Context(), id.AdminID+":"+key, publish)
	} else {
		resp, err = publish()
	}

	if err != nil {
		if errors.Is(err, store.ErrInvalidNotification) {
			sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.internalError(w, r, "publishing notification", err)
		return
	}

	if replayed {
		w.Header().Set("Idempotent-Replayed", "true")
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleSystemUpdate handles POST /api/system-updates.
func (a *API) handleSystemUpdate(w http.ResponseWriter, r *http.Request) {
	var req SystemUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Title) == "" && strings.TrimSpace(req.Message) == "" {
		sendJSONError(w, http.StatusBadRequest, "title or message is required")
		return
	}

	delivered, err := a.notifier.PublishSystemUpdate(r.Context(), realtime.SystemUpdate{
		Title:    req.Title,
		Message:  req.Message,
		Severity: req.Severity,
	})
	if err != nil {
		a.internalError(w, r, "publishing system update", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": delivered})
}
