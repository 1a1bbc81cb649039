// ABOUTME: A single client connection with its identity, joined rooms and bounded outbound queue
// ABOUTME: Each connection owns one writer goroutine; enqueueing never blocks the caller

package realtime

import (
	"errors"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/2389/bullion-gateway/internal/auth"
)

// Connection errors
var (
	ErrConnClosed       = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrSendDeferred     = errors.New("send deferred until queue drains")
	ErrConnNotFound     = errors.New("connection not found")
	ErrNotAuthenticated = errors.New("connection not authenticated")
	ErrIdentityMismatch = errors.New("connection already bound to another admin")
)

// Transport is the wire underneath a connection. Only the connection's
// writer goroutine calls WriteMessage and Ping.
type Transport interface {
	WriteMessage(data []byte) error
	Ping() error
	Close(code int, reason string) error
}

// ConnState is the lifecycle state of a connection.
type ConnState int

const (
	StatePendingAuth ConnState = iota
	StateActive
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StatePendingAuth:
		return "pending-auth"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a registered client connection.
type Conn struct {
	ID          string
	ConnectedAt time.Time

	transport Transport
	send      chan []byte
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	mu              sync.Mutex
	state           ConnState
	identity        *auth.Identity
	authenticatedAt time.Time
	rooms           mapset.Set[Room]
	authTimer       *time.Timer
	closeCode       int
	closeReason     string

	// held are latest-value frames that did not fit in send. The writer
	// sends them once send is empty.
	held [][]byte
}

func newConn(id string, transport Transport, buffer int) *Conn {
	return &Conn{
		ID:          id,
		ConnectedAt: time.Now(),
		transport:   transport,
		send:        make(chan []byte, buffer),
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		state:       StatePendingAuth,
		rooms:       mapset.NewThreadUnsafeSet[Room](),
		closeCode:   CloseNormal,
	}
}

// State returns the connection's lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Identity returns the bound identity, or nil while pending.
func (c *Conn) Identity() *auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Rooms returns the joined rooms in sorted order.
func (c *Conn) Rooms() []Room {
	c.mu.Lock()
	rooms := c.rooms.ToSlice()
	c.mu.Unlock()
	slices.Sort(rooms)
	return rooms
}

// InRoom reports whether the connection has joined room.
func (c *Conn) InRoom(room Room) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rooms.Contains(room)
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// CloseStatus returns the close code and reason recorded when the connection closed.
func (c *Conn) CloseStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// Enqueue queues a frame for the writer goroutine. It never blocks: a full
// queue returns ErrSendBufferFull and the frame is dropped.
func (c *Conn) Enqueue(frame []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// EnqueueLatest queues frames that carry state where only the newest value
// matters. When the queue is full the frames replace any held earlier and
// are written once the queue drains; ErrSendDeferred reports that case.
func (c *Conn) EnqueueLatest(frames ...[]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, frame := range frames {
		switch err := c.Enqueue(frame); {
		case err == nil:
		case errors.Is(err, ErrSendBufferFull):
			c.held = append([][]byte(nil), frames[i:]...)
			select {
			case c.wake <- struct{}{}:
			default:
			}
			return ErrSendDeferred
		default:
			return err
		}
	}
	c.held = nil
	return nil
}

func (c *Conn) takeHeld() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	held := c.held
	c.held = nil
	return held
}

// writeHeld writes held frames once the queue is empty.
func (c *Conn) writeHeld() error {
	if len(c.send) > 0 {
		return nil
	}
	for _, frame := range c.takeHeld() {
		if err := c.transport.WriteMessage(frame); err != nil {
			return err
		}
	}
	return nil
}

// sendEvent builds and enqueues a frame.
func (c *Conn) sendEvent(event, id string, data any) error {
	frame, err := Encode(event, id, data)
	if err != nil {
		return err
	}
	return c.Enqueue(frame)
}

func (c *Conn) sendError(id, code, message string) {
	_ = c.sendEvent(EventError, id, ErrorPayload{Code: code, Message: message})
}

// shutdown signals the writer to flush and close. Caller has already moved
// the connection to StateClosed and recorded the close status.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

// writeLoop drains the outbound queue until the connection closes. Frames
// already queued when the connection closes are flushed before the close
// frame so an error event precedes its close code.
func (c *Conn) writeLoop(pingInterval time.Duration, onError func(error)) {
	var tick <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case frame := <-c.send:
			err := c.transport.WriteMessage(frame)
			if err == nil {
				err = c.writeHeld()
			}
			if err != nil {
				onError(err)
				c.closeTransport()
				return
			}
		case <-c.wake:
			if err := c.writeHeld(); err != nil {
				onError(err)
				c.closeTransport()
				return
			}
		case <-tick:
			if err := c.transport.Ping(); err != nil {
				onError(err)
				c.closeTransport()
				return
			}
		case <-c.done:
			c.flush()
			c.closeTransport()
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.transport.WriteMessage(frame); err != nil {
				return
			}
		default:
			_ = c.writeHeld()
			return
		}
	}
}

func (c *Conn) closeTransport() {
	code, reason := c.CloseStatus()
	_ = c.transport.Close(code, reason)
}
