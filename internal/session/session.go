// ABOUTME: Client-side realtime session: one websocket with reconnect, re-authentication and local state
// ABOUTME: Exposes an explicit connection state machine and its changes to subscribers

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/2389/bullion-gateway/internal/realtime"
)

// State is the connection state of a Session.
type State int

// Session states. A Session moves forward through them on each attempt and
// collapses back to StateDisconnected on transport loss.
const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateActive:
		return "active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrAuthenticationFailed is returned when the server rejects the token.
	// The session does not retry; log in again for a fresh token.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrSessionRevoked is returned when the server closes the socket because
	// the login session ended elsewhere.
	ErrSessionRevoked = errors.New("session revoked")

	// ErrRetriesExhausted is returned when reconnect attempts run out.
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")

	// ErrNotActive is returned by requests made while the session is not active.
	ErrNotActive = errors.New("session not active")

	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("session already started")
)

// DefaultMaxNotifications caps the locally held notification list.
const DefaultMaxNotifications = 50

// Config configures a Session.
type Config struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// APIBase is the HTTP base URL used to fetch missed notifications after
	// each handshake. Empty disables the fetch.
	APIBase string
	// Token is the session token from login.
	Token string

	// MaxRetries bounds consecutive failed reconnects. Zero retries forever.
	MaxRetries       uint64
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
	HandshakeTimeout time.Duration

	MaxNotifications int

	Dialer     *websocket.Dialer
	HTTPClient *http.Client
}

// Handlers receive pushed events. Any field may be nil. Handlers run on the
// session's read goroutine and must not block.
type Handlers struct {
	Notification func(realtime.NotificationPayload)
	UnreadCount  func(int)
	SystemUpdate func(realtime.SystemUpdate)
	UserStatus   func(realtime.UserStatusPayload)
}

// Listener is told about every state change. err is the cause of a drop to
// StateDisconnected, nil otherwise.
type Listener func(state State, err error)

// Session holds one logical realtime connection for a signed-in admin.
type Session struct {
	cfg      Config
	handlers Handlers
	logger   *slog.Logger

	mu            sync.Mutex
	state         State
	adminID       string
	unread        int
	notifications []realtime.NotificationPayload
	conn          *websocket.Conn
	listeners     map[int]Listener
	nextListener  int
	logoutHooks   []func()
	cancel        context.CancelFunc
	done          chan struct{}
	err           error

	// writeMu serializes writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex
}

// New creates a Session. Call Start to connect.
func New(cfg Config, handlers Handlers, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.MaxNotifications <= 0 {
		cfg.MaxNotifications = DefaultMaxNotifications
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Session{
		cfg:       cfg,
		handlers:  handlers,
		logger:    logger.With("component", "session"),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers a state listener and returns a func that removes it.
func (s *Session) Subscribe(fn Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnLogout registers fn to run during Logout, after local state is cleared.
func (s *Session) OnLogout(fn func()) {
	s.mu.Lock()
	s.logoutHooks = append(s.logoutHooks, fn)
	s.mu.Unlock()
}

// Start connects in the background and keeps reconnecting until ctx is
// cancelled, Logout is called, or a terminal error occurs.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		err := s.run(ctx)
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	}()
	return nil
}

// Wait blocks until the session stops and returns why: nil after Logout or
// cancellation, otherwise ErrAuthenticationFailed, ErrSessionRevoked or
// ErrRetriesExhausted.
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Logout closes the connection immediately without reconnecting and clears
// the unread count, notification list and admin identity. Logout hooks run
// afterwards so dependent caches (wallet validation) reset too.
func (s *Session) Logout() {
	s.mu.Lock()
	cancel, done, conn := s.cancel, s.done, s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "logout"),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}

	s.mu.Lock()
	s.adminID = ""
	s.unread = 0
	s.notifications = nil
	hooks := slices.Clone(s.logoutHooks)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	s.setState(StateDisconnected, nil)
	s.logger.Info("logged out")
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AdminID returns the authenticated admin, empty before the first handshake.
func (s *Session) AdminID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adminID
}

// UnreadCount returns the last unread count pushed by the server.
func (s *Session) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Notifications returns the locally held notifications, newest first.
func (s *Session) Notifications() []realtime.NotificationPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.notifications)
}

// MarkRead asks the server to mark a notification read. The new count
// arrives as a push.
func (s *Session) MarkRead(notificationID string) error {
	if err := s.send(realtime.EventMarkRead, "", realtime.MarkReadPayload{NotificationID: notificationID}); err != nil {
		return err
	}

	s.mu.Lock()
	for i := range s.notifications {
		if s.notifications[i].ID == notificationID {
			s.notifications[i].IsRead = true
		}
	}
	s.mu.Unlock()
	return nil
}

// MarkAllRead asks the server to mark every notification read.
func (s *Session) MarkAllRead() error {
	if err := s.send(realtime.EventMarkAllRead, "", nil); err != nil {
		return err
	}

	s.mu.Lock()
	for i := range s.notifications {
		s.notifications[i].IsRead = true
	}
	s.mu.Unlock()
	return nil
}

// JoinRoom asks the server to add this connection to room.
func (s *Session) JoinRoom(room string) error {
	return s.send(realtime.EventJoinRoom, "", realtime.RoomPayload{Room: room})
}

// LeaveRoom asks the server to remove this connection from room.
func (s *Session) LeaveRoom(room string) error {
	return s.send(realtime.EventLeaveRoom, "", realtime.RoomPayload{Room: room})
}

func (s *Session) send(event, id string, data any) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if conn == nil || state != StateActive {
		return ErrNotActive
	}
	return s.write(conn, event, id, data)
}

func (s *Session) write(conn *websocket.Conn, event, id string, data any) error {
	frame, err := realtime.Encode(event, id, data)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("writing %s: %w", event, err)
	}
	return nil
}

func (s *Session) setState(state State, err error) {
	s.mu.Lock()
	if s.state == state && err == nil {
		s.mu.Unlock()
		return
	}
	s.state = state
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(state, err)
	}
}

func (s *Session) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	var bo backoff.BackOff = b
	if s.cfg.MaxRetries > 0 {
		bo = backoff.WithMaxRetries(bo, s.cfg.MaxRetries)
	}
	bo = backoff.WithContext(bo, ctx)
	bo.Reset()
	return bo
}

// run is the reconnect loop.
func (s *Session) run(ctx context.Context) error {
	bo := s.newBackOff(ctx)

	for {
		authenticated, err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthenticationFailed) || errors.Is(err, ErrSessionRevoked) {
			s.logger.Warn("session ended by server", "error", err)
			s.setState(StateDisconnected, err)
			return err
		}
		if authenticated {
			bo.Reset()
		}
		s.setState(StateDisconnected, err)

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Error("giving up reconnecting", "error", err)
			return fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
		}
		s.logger.Info("connection lost, reconnecting", "error", err, "retry_in", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// connectOnce dials, authenticates and reads until the connection drops.
// authenticated reports whether the handshake completed.
func (s *Session) connectOnce(ctx context.Context) (authenticated bool, err error) {
	s.setState(StateConnecting, nil)

	conn, resp, err := s.cfg.Dialer.DialContext(ctx, s.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dialing %s: %w", s.cfg.URL, err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close()
	}()

	// Logout may have cancelled between dial and publishing conn.
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	s.setState(StateAuthenticating, nil)
	if err := s.write(conn, realtime.EventAuthenticate, "auth", realtime.AuthenticatePayload{Token: s.cfg.Token}); err != nil {
		return false, err
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return authenticated, classifyReadError(err)
		}
		if ctx.Err() != nil {
			return authenticated, ctx.Err()
		}

		var env realtime.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		if s.handle(ctx, &env) {
			authenticated = true
		}
	}
}

// classifyReadError maps server close codes onto terminal errors.
func classifyReadError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case realtime.CloseAuthFailed:
			return fmt.Errorf("%w: %s", ErrAuthenticationFailed, ce.Text)
		case realtime.CloseSessionRevoked:
			return fmt.Errorf("%w: %s", ErrSessionRevoked, ce.Text)
		}
	}
	return fmt.Errorf("reading: %w", err)
}

// handle applies one server frame. It returns true for the handshake reply.
func (s *Session) handle(ctx context.Context, env *realtime.Envelope) bool {
	switch env.Event {
	case realtime.EventAuthenticated:
		var p realtime.AuthenticatedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("bad authenticated payload", "error", err)
			return false
		}
		s.mu.Lock()
		s.adminID = p.AdminID
		s.unread = p.UnreadCount
		s.mu.Unlock()
		s.logger.Info("authenticated", "admin_id", p.AdminID, "rooms", p.Rooms, "unread", p.UnreadCount)
		if s.handlers.UnreadCount != nil {
			s.handlers.UnreadCount(p.UnreadCount)
		}
		s.setState(StateActive, nil)
		s.catchUp(ctx)
		return true

	case realtime.EventNotification:
		var n realtime.NotificationPayload
		if err := json.Unmarshal(env.Data, &n); err != nil {
			s.logger.Warn("bad notification payload", "error", err)
			return false
		}
		s.addNotification(n)
		if s.handlers.Notification != nil {
			s.handlers.Notification(n)
		}

	case realtime.EventUnreadCount:
		var n int
		if err := json.Unmarshal(env.Data, &n); err != nil {
			s.logger.Warn("bad unread count payload", "error", err)
			return false
		}
		s.setUnread(n)

	case realtime.EventNotificationCount:
		var p realtime.CountPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			s.logger.Warn("bad count payload", "error", err)
			return false
		}
		s.setUnread(p.UnreadCount)

	case realtime.EventSystemUpdate:
		var u realtime.SystemUpdate
		if err := json.Unmarshal(env.Data, &u); err == nil && s.handlers.SystemUpdate != nil {
			s.handlers.SystemUpdate(u)
		}

	case realtime.EventUserStatus:
		var p realtime.UserStatusPayload
		if err := json.Unmarshal(env.Data, &p); err == nil && s.handlers.UserStatus != nil {
			s.handlers.UserStatus(p)
		}

	case realtime.EventError:
		var p realtime.ErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		s.logger.Warn("server error", "code", p.Code, "message", p.Message, "request_id", env.ID)
	}
	return false
}

// setUnread stores a pushed count. Both count events carry the same value,
// so the handler only fires when it changes.
func (s *Session) setUnread(n int) {
	s.mu.Lock()
	changed := s.unread != n
	s.unread = n
	s.mu.Unlock()

	if changed && s.handlers.UnreadCount != nil {
		s.handlers.UnreadCount(n)
	}
}

func (s *Session) addNotification(n realtime.NotificationPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if slices.ContainsFunc(s.notifications, func(have realtime.NotificationPayload) bool { return have.ID == n.ID }) {
		return
	}
	s.notifications = append([]realtime.NotificationPayload{n}, s.notifications...)
	if len(s.notifications) > s.cfg.MaxNotifications {
		s.notifications = s.notifications[:s.cfg.MaxNotifications]
	}
}
