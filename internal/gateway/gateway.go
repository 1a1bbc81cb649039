// ABOUTME: Gateway orchestrator that builds the realtime core, REST API and HTTP server
// ABOUTME: Owns the lifecycle of the store, websocket connections, Redis relay and background sweeps

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"tailscale.com/tsnet"

	"github.com/2389/bullion-gateway/internal/api"
	"github.com/2389/bullion-gateway/internal/auth"
	"github.com/2389/bullion-gateway/internal/config"
	"github.com/2389/bullion-gateway/internal/realtime"
	"github.com/2389/bullion-gateway/internal/store"
)

// sessionSweepInterval is how often expired login sessions are deleted.
const sessionSweepInterval = time.Hour

// Gateway orchestrates the bullion-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	sessions   *auth.SessionAuthenticator
	registry   *realtime.Registry
	unread     *realtime.UnreadSync
	dispatcher *realtime.Dispatcher
	handshake  *realtime.Handshake
	ws         *realtime.Server
	api        *api.API

	metrics     *prometheus.Registry
	router      chi.Router
	httpServer  *http.Server
	tsnetServer *tsnet.Server

	// relay is nil unless relay.enabled is set
	relay       *realtime.RedisRelay
	redisClient *redis.Client

	sweepInterval time.Duration
	background    sync.WaitGroup
	cancel        context.CancelFunc
}

// initStore opens the store named by config; BULLION_DB_PATH overrides the path.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("BULLION_DB_PATH"); envPath != "" {
		dbPath = envPath
	}

	s, err := store.Open(cfg.Database.Driver, dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway backed by the configured SQLite database.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway over an existing store. The gateway takes
// ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := realtime.NewMetrics(reg)

	rt := cfg.Realtime
	sessions := auth.NewSessionAuthenticator(s, auth.NewJWTIssuer([]byte(cfg.Auth.JWTSecret)), cfg.Auth.SessionTTL, logger)
	registry := realtime.NewRegistry(realtime.RegistryConfig{
		AuthTimeout:  rt.AuthTimeout,
		SendBuffer:   rt.SendBuffer,
		PingInterval: rt.PingInterval,
	}, metrics, logger)
	unread := realtime.NewUnreadSync(s, registry, metrics, logger)
	dispatcher := realtime.NewDispatcher(s, registry, unread, metrics, logger)
	handshake := realtime.NewHandshake(registry, sessions, unread, metrics, logger)
	registry.SetPresenceHandler(dispatcher.HandlePresence)

	ws := realtime.NewServer(realtime.ServerConfig{
		PongWait:        rt.PongWait,
		WriteTimeout:    rt.WriteTimeout,
		MaxMessageBytes: rt.MaxMessageBytes,
		InboundRate:     rt.InboundRate,
		InboundBurst:    rt.InboundBurst,
		AllowedOrigins:  rt.AllowedOrigins,
		CookieName:      cfg.Auth.CookieName,
	}, registry, handshake, unread, metrics, logger)

	gw := &Gateway{
		config:        cfg,
		store:         s,
		logger:        logger.With("component", "gateway"),
		sessions:      sessions,
		registry:      registry,
		unread:        unread,
		dispatcher:    dispatcher,
		handshake:     handshake,
		ws:            ws,
		metrics:       reg,
		sweepInterval: sessionSweepInterval,
	}

	gw.api = api.New(api.Config{
		CookieName:   cfg.Auth.CookieName,
		CookieSecure: cfg.Tailscale.HTTPS || cfg.Tailscale.Funnel,
	}, sessions, s, dispatcher, unread, logger)

	if cfg.Relay.Enabled {
		gw.redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Addr,
			Password: cfg.Relay.Password,
			DB:       cfg.Relay.DB,
		})
		gw.relay = realtime.NewRedisRelay(gw.redisClient, cfg.Relay.Channel, logger)
		dispatcher.SetRelay(gw.relay)
		unread.OnChange(dispatcher.RelayUnread)
	}

	gw.router = gw.routes()
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// routes builds the root router. The websocket endpoint sits outside the
// REST middleware so the upgrade sees the raw ResponseWriter.
func (g *Gateway) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/health", g.handleHealth)
	r.Get("/ready", g.handleReady)
	r.Handle("/ws", g.ws)
	if g.config.Metrics.Enabled {
		r.Handle(g.config.Metrics.Path, promhttp.HandlerFor(g.metrics, promhttp.HandlerOpts{}))
	}

	httpMetrics := api.NewHTTPMetrics(g.metrics)
	r.Group(func(r chi.Router) {
		r.Use(httpMetrics.Middleware)
		g.api.Register(r)
	})
	return r
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Dispatcher returns the notification dispatcher for in-process publishers.
func (g *Gateway) Dispatcher() *realtime.Dispatcher {
	return g.dispatcher
}

// Store returns the gateway's store.
func (g *Gateway) Store() store.Store {
	return g.store
}

// setupListener creates the HTTP listener: a tailnet listener when Tailscale
// is enabled, otherwise plain TCP.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run starts the HTTP server and background workers and blocks until ctx is
// cancelled or the server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}
	return g.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	bgCtx, cancel := context.WithCancel(context.Background())
	g.cancel = cancel
	g.startBackground(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown runs Shutdown with a fresh context since the caller's is already done.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// startBackground launches the session sweeper and, when configured, the relay subscriber.
func (g *Gateway) startBackground(ctx context.Context) {
	g.background.Add(1)
	go func() {
		defer g.background.Done()
		g.sweepSessions(ctx)
	}()

	if g.relay != nil {
		g.background.Add(1)
		go func() {
			defer g.background.Done()
			g.runRelay(ctx)
		}()
	}
}

// sweepSessions deletes expired login sessions until ctx is done.
func (g *Gateway) sweepSessions(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := g.store.DeleteExpiredSessions(ctx)
			if err != nil {
				if ctx.Err() == nil {
					g.logger.Error("sweeping expired sessions", "error", err)
				}
				continue
			}
			if n > 0 {
				g.logger.Info("swept expired sessions", "count", n)
			}
		}
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, closes every live connection and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked websocket connections are not tracked by http.Server.
	g.registry.Close()

	if g.cancel != nil {
		g.cancel()
	}
	g.background.Wait()

	if g.redisClient != nil {
		errs = appendCloseError(errs, "redis close", g.redisClient.Close())
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	g.api.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the relay, if any, has subscribed.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	if g.relay != nil {
		select {
		case <-g.relay.Ready():
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("relay not subscribed"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d connections)", g.registry.Count())
}
