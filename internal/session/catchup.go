// ABOUTME: Pull-path recovery of notifications missed while the session was offline
// ABOUTME: Fetches the newest page over REST after each successful handshake

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/2389/bullion-gateway/internal/realtime"
)

type listResponse struct {
	Notifications []realtime.NotificationPayload `json:"notifications"`
}

// catchUp replaces the local list with the server's newest page. The push
// channel never replays history, so this is how a reconnect catches up.
func (s *Session) catchUp(ctx context.Context) {
	if s.cfg.APIBase == "" {
		return
	}
	list, err := s.fetchNotifications(ctx)
	if err != nil {
		s.logger.Warn("fetching missed notifications", "error", err)
		return
	}

	s.mu.Lock()
	s.notifications = list
	s.mu.Unlock()
	s.logger.Debug("recovered notifications", "count", len(list))
}

func (s *Session) fetchNotifications(ctx context.Context) ([]realtime.NotificationPayload, error) {
	url := s.cfg.APIBase + "/api/notifications?limit=" + strconv.Itoa(s.cfg.MaxNotifications)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding notifications: %w", err)
	}
	if len(out.Notifications) > s.cfg.MaxNotifications {
		out.Notifications = out.Notifications[:s.cfg.MaxNotifications]
	}
	return out.Notifications, nil
}
