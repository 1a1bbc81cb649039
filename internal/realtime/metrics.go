// ABOUTME: Prometheus collectors for the realtime layer
// ABOUTME: Built per instance so tests can use an isolated or nil registerer

package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "bullion"

// Metrics groups the realtime collectors.
type Metrics struct {
	// Connections counts registered connections, pending or active.
	Connections prometheus.Gauge
	// ActiveConnections counts connections bound to an identity.
	ActiveConnections prometheus.Gauge
	// Handshakes counts handshake outcomes: ok, rejected, error, timeout.
	Handshakes *prometheus.CounterVec
	// Deliveries counts per-connection push attempts by event and result.
	Deliveries *prometheus.CounterVec
	// Published counts dispatched notifications by scope.
	Published *prometheus.CounterVec
	// UnreadPushes counts unread count updates sent to admins.
	UnreadPushes prometheus.Counter
	// InboundEvents counts client events by name.
	InboundEvents *prometheus.CounterVec
	// RateLimited counts inbound frames dropped by the rate limiter.
	RateLimited prometheus.Counter
	// RelayFrames counts relay traffic by direction and kind.
	RelayFrames *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ws_connections",
			Help:      "Registered websocket connections.",
		}),
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "ws_active_connections",
			Help:      "Authenticated websocket connections.",
		}),
		Handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_handshakes_total",
			Help:      "Websocket authentication handshakes by result.",
		}, []string{"result"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_deliveries_total",
			Help:      "Frames pushed to connections by event and result.",
		}, []string{"event", "result"}),
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifications_published_total",
			Help:      "Notifications dispatched by target scope.",
		}, []string{"scope"}),
		UnreadPushes: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "unread_pushes_total",
			Help:      "Unread count updates pushed to admins.",
		}),
		InboundEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_inbound_events_total",
			Help:      "Client events received by name.",
		}, []string{"event"}),
		RateLimited: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "ws_rate_limited_total",
			Help:      "Inbound frames rejected by the rate limiter.",
		}),
		RelayFrames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "relay_frames_total",
			Help:      "Cross-node relay frames by direction and kind.",
		}, []string{"direction", "kind"}),
	}
}
