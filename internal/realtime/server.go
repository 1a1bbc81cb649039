// ABOUTME: Websocket endpoint: upgrades requests, registers connections and reads client events
// ABOUTME: Every frame a client sends is rate limited, decoded and routed to the handshake, rooms or unread sync

package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/store"
)

// ServerConfig tunes the websocket endpoint.
type ServerConfig struct {
	PongWait        time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// InboundRate is events per second per connection. Zero disables limiting.
	InboundRate  float64
	InboundBurst int
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
	// CookieName is the session cookie checked for a token at upgrade.
	CookieName string
}

// Server is the websocket http.Handler.
type Server struct {
	cfg       ServerConfig
	registry  *Registry
	handshake *Handshake
	unread    *UnreadSync
	metrics   *Metrics
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates the websocket handler.
func NewServer(cfg ServerConfig, registry *Registry, handshake *Handshake, unread *UnreadSync, metrics *Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = registry.metrics
	}
	s := &Server{
		cfg:       cfg,
		registry:  registry,
		handshake: handshake,
		unread:    unread,
		metrics:   metrics,
		logger:    logger.With("component", "websocket"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}

	c, err := s.registry.Register(&wsTransport{conn: ws, writeTimeout: s.cfg.WriteTimeout})
	if err != nil {
		s.logger.Warn("rejecting websocket", "remote_addr", r.RemoteAddr, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	defer s.registry.Unregister(c.ID)

	s.logger.Debug("websocket connected", "conn_id", c.ID, "remote_addr", r.RemoteAddr)
	_ = c.sendEvent(EventWelcome, "", WelcomePayload{ConnectionID: c.ID})

	ctx := r.Context()
	if token := auth.TokenFromRequest(r, s.cfg.CookieName); token != "" {
		if _, err := s.handshake.Authenticate(ctx, c, "", token); err != nil {
			s.logger.Debug("upgrade token rejected", "conn_id", c.ID, "error", err)
			return
		}
	}

	s.readPump(ctx, ws, c)
}

func (s *Server) readPump(ctx context.Context, ws *websocket.Conn, c *Conn) {
	extend := func() {
		if s.cfg.PongWait > 0 {
			_ = ws.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		}
	}
	extend()
	ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	var limiter *rate.Limiter
	if s.cfg.InboundRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.InboundRate), max(s.cfg.InboundBurst, 1))
	}

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && c.State() != StateClosed {
				s.logger.Debug("websocket read failed", "conn_id", c.ID, "error", err)
			}
			return
		}
		if c.State() == StateClosed {
			return
		}
		extend()

		if limiter != nil && !limiter.Allow() {
			s.metrics.RateLimited.Inc()
			c.sendError("", CodeRateLimited, "too many events")
			continue
		}
		if msgType != websocket.TextMessage {
			c.sendError("", CodeBadRequest, "expected a text frame")
			continue
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.sendError("", CodeBadRequest, "malformed envelope")
			continue
		}
		s.metrics.InboundEvents.WithLabelValues(eventLabel(env.Event)).Inc()
		s.handle(ctx, c, &env)
	}
}

// handle routes one client event.
func (s *Server) handle(ctx context.Context, c *Conn, env *Envelope) {
	switch env.Event {
	case EventPing:
		_ = c.sendEvent(EventPong, env.ID, PongPayload{Timestamp: time.Now().UTC()})
		return
	case EventAuthenticate:
		var p AuthenticatePayload
		if err := decodePayload(env, &p); err != nil || p.Token == "" {
			c.sendError(env.ID, CodeBadRequest, "authenticate requires a token")
			return
		}
		if _, err := s.handshake.Authenticate(ctx, c, env.ID, p.Token); err != nil {
			s.logger.Debug("authenticate event rejected", "conn_id", c.ID, "error", err)
		}
		return
	}

	id := c.Identity()
	if id == nil || c.State() != StateActive {
		switch env.Event {
		case EventJoinRoom, EventLeaveRoom, EventMarkRead, EventMarkAllRead:
			c.sendError(env.ID, CodeNotAuthenticated, "authenticate first")
		default:
			c.sendError(env.ID, CodeUnknownEvent, "unknown event "+env.Event)
		}
		return
	}

	switch env.Event {
	case EventJoinRoom:
		room, ok := s.parseRoom(c, env)
		if !ok {
			return
		}
		if !Entitled(id, room) {
			c.sendError(env.ID, CodeRoomForbidden, "not entitled to "+room.String())
			return
		}
		if err := s.registry.Join(c.ID, room); err != nil {
			c.sendError(env.ID, CodeInternal, err.Error())
			return
		}
		_ = c.sendEvent(EventRoomJoined, env.ID, RoomPayload{Room: room.String()})

	case EventLeaveRoom:
		room, ok := s.parseRoom(c, env)
		if !ok {
			return
		}
		if err := s.registry.Leave(c.ID, room); err != nil {
			c.sendError(env.ID, CodeInternal, err.Error())
			return
		}
		_ = c.sendEvent(EventRoomLeft, env.ID, RoomPayload{Room: room.String()})

	case EventMarkRead:
		var p MarkReadPayload
		if err := decodePayload(env, &p); err != nil || p.NotificationID == "" {
			c.sendError(env.ID, CodeBadRequest, "mark_notification_read requires notificationId")
			return
		}
		if _, err := s.unread.MarkRead(ctx, id, p.NotificationID); err != nil {
			s.replyStoreError(c, env.ID, err)
		}

	case EventMarkAllRead:
		if _, err := s.unread.MarkAllRead(ctx, id); err != nil {
			s.replyStoreError(c, env.ID, err)
		}

	default:
		c.sendError(env.ID, CodeUnknownEvent, "unknown event "+env.Event)
	}
}

func (s *Server) parseRoom(c *Conn, env *Envelope) (Room, bool) {
	var p RoomPayload
	if err := decodePayload(env, &p); err != nil {
		c.sendError(env.ID, CodeBadRequest, "room payload required")
		return "", false
	}
	room, err := ParseRoom(p.Room)
	if err != nil {
		c.sendError(env.ID, CodeInvalidRoom, err.Error())
		return "", false
	}
	return room, true
}

func (s *Server) replyStoreError(c *Conn, requestID string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.sendError(requestID, CodeNotFound, "notification not found")
	case errors.Is(err, store.ErrNotRecipient):
		c.sendError(requestID, CodeForbidden, "notification not addressed to you")
	default:
		s.logger.Error("handling read event", "conn_id", c.ID, "error", err)
		c.sendError(requestID, CodeInternal, "internal error")
	}
}

var errMissingPayload = errors.New("missing payload")

func decodePayload(env *Envelope, v any) error {
	if len(env.Data) == 0 {
		return errMissingPayload
	}
	return json.Unmarshal(env.Data, v)
}

func eventLabel(event string) string {
	switch event {
	case EventAuthenticate, EventJoinRoom, EventLeaveRoom, EventMarkRead, EventMarkAllRead, EventPing:
		return event
	default:
		return "unknown"
	}
}

// wsTransport adapts a gorilla connection to Transport.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (t *wsTransport) deadline() time.Time {
	if t.writeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(t.writeTimeout)
}

func (t *wsTransport) WriteMessage(data []byte) error {
	if err := t.conn.SetWriteDeadline(t.deadline()); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, t.deadline())
}

// Close sends a close frame and closes the socket, which unblocks the reader.
func (t *wsTransport) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return t.conn.Close()
}
