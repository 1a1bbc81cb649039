// ABOUTME: End-to-end tests for the websocket endpoint over a real httptest server
// ABOUTME: Drives the wire protocol with a gorilla client: handshake, rooms, reads, errors and close codes

package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bullion-gateway/internal/store"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func newTestServer(t *testing.T, h *harness, cfg ServerConfig) *httptest.Server {
	t.Helper()
	if cfg.CookieName == "" {
		cfg.CookieName = "bullion_admin_session"
	}
	srv := NewServer(cfg, h.registry, h.handshake, h.unread, nil, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(event, id string, data any) {
	c.t.Helper()
	frame, err := Encode(event, id, data)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

// next reads frames until one named event arrives.
func (c *wsClient) next(event string) Envelope {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, data, err := c.conn.ReadMessage()
		require.NoError(c.t, err, "waiting for %s", event)
		var env Envelope
		require.NoError(c.t, json.Unmarshal(data, &env))
		if env.Event == event {
			return env
		}
	}
}

// closeCode reads until the server closes the socket and returns the code.
func (c *wsClient) closeCode() int {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := c.conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if assert.ErrorAs(c.t, err, &ce) {
			return ce.Code
		}
		return 0
	}
}

func errorCode(t *testing.T, env Envelope) string {
	t.Helper()
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &p))
	return p.Code
}

func TestServer_AuthenticateEvent(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{PongWait: time.Minute})
	c := dial(t, ts, nil)

	var welcome WelcomePayload
	require.NoError(t, json.Unmarshal(c.next(EventWelcome).Data, &welcome))
	assert.NotEmpty(t, welcome.ConnectionID)

	c.send(EventJoinRoom, "j0", RoomPayload{Room: "system"})
	assert.Equal(t, CodeNotAuthenticated, errorCode(t, c.next(EventError)))

	c.send(EventAuthenticate, "a1", AuthenticatePayload{Token: "alice-1"})
	reply := c.next(EventAuthenticated)
	assert.Equal(t, "a1", reply.ID)

	var p AuthenticatedPayload
	require.NoError(t, json.Unmarshal(reply.Data, &p))
	assert.Equal(t, "alice", p.AdminID)
	assert.Equal(t, []string{"admin:alice", "role:ops", "system"}, p.Rooms)

	conn, ok := h.registry.Get(welcome.ConnectionID)
	require.True(t, ok)
	assert.Equal(t, StateActive, conn.State())
}

func TestServer_UpgradeTokenAuthenticates(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{})

	header := http.Header{}
	header.Set("Authorization", "Bearer bob")
	c := dial(t, ts, header)
	c.next(EventWelcome)

	var p AuthenticatedPayload
	require.NoError(t, json.Unmarshal(c.next(EventAuthenticated).Data, &p))
	assert.Equal(t, "bob", p.AdminID)
}

func TestServer_BadTokenClosesWith4401(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{})
	c := dial(t, ts, nil)
	c.next(EventWelcome)

	c.send(EventAuthenticate, "", AuthenticatePayload{Token: "forged"})
	assert.Equal(t, CodeAuthenticationFailed, errorCode(t, c.next(EventError)))
	assert.Equal(t, CloseAuthFailed, c.closeCode())

	require.Eventually(t, func() bool { return h.registry.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_AuthTimeout(t *testing.T) {
	h := newHarness(t)
	h.registry.cfg.AuthTimeout = 30 * time.Millisecond
	ts := newTestServer(t, h, ServerConfig{})

	c := dial(t, ts, nil)
	c.next(EventWelcome)
	assert.Equal(t, CloseAuthTimeout, c.closeCode())
}

func TestServer_Rooms(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{})
	c := dial(t, ts, nil)
	c.send(EventAuthenticate, "", AuthenticatePayload{Token: "alice-1"})
	c.next(EventAuthenticated)

	c.send(EventJoinRoom, "1", RoomPayload{Room: "role:finance"})
	assert.Equal(t, CodeRoomForbidden, errorCode(t, c.next(EventError)))

	c.send(EventJoinRoom, "2", RoomPayload{Room: "lobby"})
	assert.Equal(t, CodeInvalidRoom, errorCode(t, c.next(EventError)))

	c.send(EventLeaveRoom, "3", RoomPayload{Room: "role:ops"})
	left := c.next(EventRoomLeft)
	assert.Equal(t, "3", left.ID)
	assert.Empty(t, h.registry.MembersOf(RoleRoom("ops")))

	c.send(EventJoinRoom, "4", RoomPayload{Room: "role:ops"})
	joined := c.next(EventRoomJoined)
	assert.JSONEq(t, `{"room":"role:ops"}`, string(joined.Data))
	assert.Len(t, h.registry.MembersOf(RoleRoom("ops")), 1)
}

func TestServer_MarkReadOverSocket(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{})
	c := dial(t, ts, nil)
	c.send(EventAuthenticate, "", AuthenticatePayload{Token: "alice-1"})
	c.next(EventAuthenticated)

	res := h.publish(t, &store.Notification{Title: "for alice", TargetAdminID: "alice"})
	other := h.publish(t, &store.Notification{Title: "for carol", TargetAdminID: "carol"})
	c.next(EventNotification)
	var n int
	require.NoError(t, json.Unmarshal(c.next(EventUnreadCount).Data, &n))
	assert.Equal(t, 1, n)

	c.send(EventMarkRead, "m1", MarkReadPayload{NotificationID: "missing"})
	assert.Equal(t, CodeNotFound, errorCode(t, c.next(EventError)))

	c.send(EventMarkRead, "m2", MarkReadPayload{NotificationID: other.Notification.ID})
	assert.Equal(t, CodeForbidden, errorCode(t, c.next(EventError)))

	c.send(EventMarkRead, "m3", MarkReadPayload{NotificationID: res.Notification.ID})
	require.NoError(t, json.Unmarshal(c.next(EventUnreadCount).Data, &n))
	assert.Equal(t, 0, n)
}

func TestServer_PingAndUnknownEvents(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{})
	c := dial(t, ts, nil)

	c.send(EventPing, "p1", nil)
	pong := c.next(EventPong)
	assert.Equal(t, "p1", pong.ID)

	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, CodeBadRequest, errorCode(t, c.next(EventError)))

	c.send(EventAuthenticate, "", AuthenticatePayload{Token: "alice-1"})
	c.next(EventAuthenticated)
	c.send("dance", "", nil)
	assert.Equal(t, CodeUnknownEvent, errorCode(t, c.next(EventError)))
}

func TestServer_RateLimit(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{InboundRate: 0.001, InboundBurst: 2})
	c := dial(t, ts, nil)

	for range 3 {
		c.send(EventPing, "", nil)
	}
	c.next(EventPong)
	c.next(EventPong)
	assert.Equal(t, CodeRateLimited, errorCode(t, c.next(EventError)))
}

func TestServer_OriginCheck(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{AllowedOrigins: []string{"https://console.example"}})
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()

	header.Set("Origin", "https://console.example")
	c := dial(t, ts, header)
	c.next(EventWelcome)
}

func TestServer_RevokedSessionClosesSocket(t *testing.T) {
	h := newHarness(t)
	ts := newTestServer(t, h, ServerConfig{})
	c := dial(t, ts, nil)
	c.send(EventAuthenticate, "", AuthenticatePayload{Token: "alice-1"})
	c.next(EventAuthenticated)

	assert.Equal(t, 1, h.dispatcher.RevokeSession(t.Context(), "s-alice-1", "logged out"))
	assert.Equal(t, CloseSessionRevoked, c.closeCode())
}
