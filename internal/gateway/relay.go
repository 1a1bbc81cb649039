// ABOUTME: Keeps the Redis relay subscription alive for the lifetime of the gateway
// ABOUTME: Resubscribes with exponential backoff when the subscription drops

package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// runRelay feeds relay frames from other nodes into the dispatcher until ctx is done.
func (g *Gateway) runRelay(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		started := time.Now()
		err := g.relay.Run(ctx, g.dispatcher.HandleRelayFrame)
		// A subscription that held for a while starts the next retry from scratch.
		if time.Since(started) > b.MaxInterval {
			b.Reset()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		g.logger.Warn("relay subscription lost, retrying", "error", err, "retry_in", wait)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil && ctx.Err() == nil {
		g.logger.Error("relay stopped", "error", err)
	}
}
