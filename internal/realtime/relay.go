// ABOUTME: Cross-node relay so several gateway processes sharing one database push to all clients
// ABOUTME: RedisRelay carries msgpack-encoded frames over a Redis pub/sub channel

package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/2389/bullion-gateway/internal/store"
)

// Relay frame kinds
const (
	RelayNotification = "notification"
	RelaySystemUpdate = "system_update"
	RelayUnread       = "unread"
	RelayRevoke       = "revoke"
)

// RelayFrame is one message between nodes. Notifications are already
// persisted by the origin; receivers only fan out.
type RelayFrame struct {
	Origin       string              `msgpack:"origin"`
	Kind         string              `msgpack:"kind"`
	Notification *store.Notification `msgpack:"notification,omitempty"`
	SystemUpdate *SystemUpdate       `msgpack:"system_update,omitempty"`
	AdminID      string              `msgpack:"admin_id,omitempty"`
	SessionID    string              `msgpack:"session_id,omitempty"`
	Reason       string              `msgpack:"reason,omitempty"`
}

// Relay publishes frames to other nodes.
type Relay interface {
	Publish(ctx context.Context, frame *RelayFrame) error
}

// RelayHandler consumes frames received from other nodes.
type RelayHandler func(ctx context.Context, frame *RelayFrame)

// RedisRelay is a Relay over Redis pub/sub.
type RedisRelay struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

// Ensure RedisRelay implements Relay.
var _ Relay = (*RedisRelay)(nil)

// NewRedisRelay creates a relay on channel. The caller owns client.
func NewRedisRelay(client *redis.Client, channel string, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{
		client:  client,
		channel: channel,
		logger:  logger.With("component", "relay"),
		ready:   make(chan struct{}),
	}
}

// Publish encodes frame and publishes it on the relay channel.
func (r *RedisRelay) Publish(ctx context.Context, frame *RelayFrame) error {
	data, err := msgpack.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding relay frame: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("publishing relay frame: %w", err)
	}
	return nil
}

// Ready is closed once Run has subscribed.
func (r *RedisRelay) Ready() <-chan struct{} {
	return r.ready
}

// Run subscribes to the relay channel and calls handle for every frame until
// ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, handle RelayHandler) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribing to %s: %w", r.channel, err)
	}
	r.readyOnce.Do(func() { close(r.ready) })
	r.logger.Info("relay subscribed", "channel", r.channel)

	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return nil
			}
			return fmt.Errorf("receiving relay frame: %w", err)
		}

		var frame RelayFrame
		if err := msgpack.Unmarshal([]byte(msg.Payload), &frame); err != nil {
			r.logger.Warn("dropping undecodable relay frame", "error", err)
			continue
		}
		handle(ctx, &frame)
	}
}
