// ABOUTME: Shared fixtures for realtime tests: a recording transport and a map-backed authenticator
// ABOUTME: Frames written by a connection's writer are captured and decoded for assertions

package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/store"
)

// fakeTransport records frames. While blocked every write waits for release.
type fakeTransport struct {
	mu          sync.Mutex
	frames      [][]byte
	closed      bool
	closeCode   int
	closeReason string

	writing chan struct{}
	gate    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{writing: make(chan struct{}, 16)}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	select {
	case f.writing <- struct{}{}:
	default:
	}
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, data)
	return nil
}

func (f *fakeTransport) Ping() error { return nil }

// block makes subsequent writes wait until the returned release is called.
func (f *fakeTransport) block() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gate = gate
	f.mu.Unlock()
	return func() { close(gate) }
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCode = code
		f.closeReason = reason
	}
	return nil
}

func (f *fakeTransport) isClosed() (bool, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode
}

func (f *fakeTransport) envelopes() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.frames))
	for _, raw := range f.frames {
		var env Envelope
		if err := json.Unmarshal(raw, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// events returns the envelopes with the given event name.
func (f *fakeTransport) events(name string) []Envelope {
	var out []Envelope
	for _, env := range f.envelopes() {
		if env.Event == name {
			out = append(out, env)
		}
	}
	return out
}

// waitEvents waits until at least n frames named name were written.
func waitEvents(t *testing.T, f *fakeTransport, name string, n int) []Envelope {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.events(name)) >= n
	}, 2*time.Second, 5*time.Millisecond, "waiting for %d %s frames", n, name)
	return f.events(name)
}

func waitClosed(t *testing.T, f *fakeTransport) int {
	t.Helper()
	require.Eventually(t, func() bool {
		closed, _ := f.isClosed()
		return closed
	}, 2*time.Second, 5*time.Millisecond, "waiting for transport close")
	_, code := f.isClosed()
	return code
}

// lastUnread decodes the newest unread_count_update frame, or -1 if none.
func lastUnread(f *fakeTransport) int {
	frames := f.events(EventUnreadCount)
	if len(frames) == 0 {
		return -1
	}
	n := -1
	_ = json.Unmarshal(frames[len(frames)-1].Data, &n)
	return n
}

// waitUnread waits until the newest unread_count_update carries want.
func waitUnread(t *testing.T, f *fakeTransport, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return lastUnread(f) == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for unread count %d", want)
}

// stall parks c's writer on one frame and fills the queue behind it. The
// returned release lets the writer drain.
func stall(t *testing.T, c *Conn, ft *fakeTransport) (release func()) {
	t.Helper()
	var once sync.Once
	unblock := ft.block()
	release = func() { once.Do(unblock) }
	t.Cleanup(release)
	for len(ft.writing) > 0 {
		<-ft.writing
	}
	filler := []byte(`{"event":"filler"}`)
	require.NoError(t, c.Enqueue(filler))
	<-ft.writing
	for c.Enqueue(filler) == nil {
	}
	return release
}

type stubAuthenticator struct {
	mu         sync.Mutex
	identities map[string]*auth.Identity
	err        error
}

func (s *stubAuthenticator) Authenticate(_ context.Context, token string) (*auth.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if id, ok := s.identities[token]; ok {
		cp := *id
		return &cp, nil
	}
	return nil, auth.ErrSessionRevoked
}

func (s *stubAuthenticator) set(token string, id *auth.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[token] = id
}

// harness wires every realtime component over a MockStore.
type harness struct {
	store      *store.MockStore
	registry   *Registry
	unread     *UnreadSync
	dispatcher *Dispatcher
	handshake  *Handshake
	authn      *stubAuthenticator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMockStore(),
		authn: &stubAuthenticator{identities: map[string]*auth.Identity{
			"alice-1": {AdminID: "alice", SessionID: "s-alice-1", Roles: []string{"ops"}},
			"alice-2": {AdminID: "alice", SessionID: "s-alice-2", Roles: []string{"ops"}},
			"bob":     {AdminID: "bob", SessionID: "s-bob", Roles: []string{"ops", "finance"}},
			"carol":   {AdminID: "carol", SessionID: "s-carol", Roles: []string{"finance"}},
		}},
	}
	h.registry = NewRegistry(RegistryConfig{AuthTimeout: time.Minute, SendBuffer: 64}, nil, nil)
	h.unread = NewUnreadSync(h.store, h.registry, nil, nil)
	h.dispatcher = NewDispatcher(h.store, h.registry, h.unread, nil, nil)
	h.handshake = NewHandshake(h.registry, h.authn, h.unread, nil, nil)
	h.registry.SetPresenceHandler(h.dispatcher.HandlePresence)
	t.Cleanup(h.registry.Close)
	return h
}

// connect registers a connection and authenticates it with token.
func (h *harness) connect(t *testing.T, token string) (*Conn, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c, err := h.registry.Register(ft)
	require.NoError(t, err)
	_, err = h.handshake.Authenticate(t.Context(), c, "", token)
	require.NoError(t, err)
	waitEvents(t, ft, EventAuthenticated, 1)
	return c, ft
}

func (h *harness) publish(t *testing.T, n *store.Notification) *DeliveryResult {
	t.Helper()
	if n.Type == "" {
		n.Type = store.TypeSystemAlert
	}
	if n.Message == "" {
		n.Message = "body"
	}
	res, err := h.dispatcher.Publish(t.Context(), n)
	require.NoError(t, err)
	return res
}
