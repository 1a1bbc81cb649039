// ABOUTME: Tests for the Redis pub/sub relay between gateway nodes
// ABOUTME: Runs two nodes against one miniredis and one shared store

package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/bullion-gateway/internal/store"
)

func startRelay(t *testing.T, ctx context.Context, addr string, d *Dispatcher) *RedisRelay {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	relay := NewRedisRelay(client, "bullion:test", nil)
	d.SetRelay(relay)

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, d.HandleRelayFrame) }()
	t.Cleanup(func() {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("relay did not stop")
		}
	})

	select {
	case <-relay.Ready():
	case err := <-done:
		t.Fatalf("relay exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay never subscribed")
	}
	return relay
}

func TestRedisRelay_CrossNodeDelivery(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	nodeA := newHarness(t)
	nodeB := newHarness(t)
	// Both nodes share one database.
	nodeB.store = nodeA.store
	nodeB.unread = NewUnreadSync(nodeA.store, nodeB.registry, nil, nil)
	nodeB.dispatcher = NewDispatcher(nodeA.store, nodeB.registry, nodeB.unread, nil, nil)
	nodeB.handshake = NewHandshake(nodeB.registry, nodeB.authn, nodeB.unread, nil, nil)
	nodeB.registry.SetPresenceHandler(nodeB.dispatcher.HandlePresence)

	startRelay(t, ctx, mr.Addr(), nodeA.dispatcher)
	startRelay(t, ctx, mr.Addr(), nodeB.dispatcher)

	_, onA := nodeA.connect(t, "alice-1")
	_, onB := nodeB.connect(t, "alice-2")

	res := nodeA.publish(t, &store.Notification{Title: "minted", Type: store.TypeMint, TargetRole: "ops"})

	waitEvents(t, onA, EventNotification, 1)
	frames := waitEvents(t, onB, EventNotification, 1)
	assert.Contains(t, string(frames[0].Data), res.Notification.ID)
	waitUnread(t, onB, 1)

	// System updates cross nodes too.
	_, err := nodeA.dispatcher.PublishSystemUpdate(ctx, SystemUpdate{Title: "restart"})
	require.NoError(t, err)
	waitEvents(t, onB, EventSystemUpdate, 1)

	// Logout on node A closes the session's connections on node B.
	nodeA.dispatcher.RevokeSession(ctx, "s-alice-2", "logged out")
	assert.Equal(t, CloseSessionRevoked, waitClosed(t, onB))
	assert.Len(t, nodeA.registry.ConnectionsFor("alice"), 1)

	cancel()
}

func TestRedisRelay_PublishFailsWithoutServer(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	relay := NewRedisRelay(client, "bullion:test", nil)
	err := relay.Publish(t.Context(), &RelayFrame{Kind: RelayUnread, AdminID: "alice"})
	assert.Error(t, err)
}
