package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Tyrowin/relaychat/internal/config"
	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/relay"
	"github.com/Tyrowin/relaychat/internal/store"
)

// Server owns the connection registry, the broadcaster and the request
// surface. It is constructed once and shared by pointer.
type Server struct {
	cfg   *config.Config
	log   *slog.Logger
	store store.Store

	registry    *relay.Registry
	broadcaster *relay.Broadcaster
	handler     *relay.Handler
	sweeper     *relay.Sweeper

	origins  *originPolicy
	upgrader websocket.Upgrader
	validate *validator.Validate
	metrics  *prometheus.Registry
	router   http.Handler

	httpServer *http.Server

	// ctx scopes every WebSocket session; Shutdown cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// Option configures a Server.
type Option func(*options)

type options struct {
	log     *slog.Logger
	metrics *prometheus.Registry
	clock   clockwork.Clock
}

func WithLogger(log *slog.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithMetricsRegistry registers collectors on reg instead of a fresh registry.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.metrics = reg }
}

// WithClock drives the dead-connection sweeper from clock.
func WithClock(clock clockwork.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// New wires a Server around st. A nil cfg means config.Default().
func New(cfg *config.Config, st store.Store, opts ...Option) *Server {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{log: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewRegistry()
	}

	relayMetrics := metrics.NewRelay(o.metrics)
	registry := relay.NewRegistry(
		relay.WithRegistryLogger(o.log),
		relay.WithRegistryMetrics(relayMetrics),
	)
	broadcaster := relay.NewBroadcaster(registry,
		relay.WithBroadcasterLogger(o.log),
		relay.WithBroadcasterMetrics(relayMetrics),
	)

	handler := relay.NewHandler(registry, broadcaster, st,
		relay.WithHandlerLogger(o.log),
		relay.WithHandlerMetrics(relayMetrics),
		relay.WithRateLimit(cfg.RateLimit.Burst, cfg.RateLimit.RefillInterval),
	)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:         cfg,
		log:         o.log,
		store:       st,
		registry:    registry,
		broadcaster: broadcaster,
		handler:     handler,
		sweeper:     relay.NewSweeper(registry, cfg.PruneInterval, o.clock, o.log),
		origins:     newOriginPolicy(cfg.AllowedOrigins, o.log),
		validate:    validator.New(),
		metrics:     o.metrics,
		ctx:         ctx,
		cancel:      cancel,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
	}
	s.router = s.routes()
	s.httpServer = CreateServer(cfg.Port, s.router)
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler { return s.router }

// Registry exposes the live connection registry.
func (s *Server) Registry() *relay.Registry { return s.registry }

// Start runs background maintenance until ctx is done or Shutdown is called.
func (s *Server) Start(ctx context.Context) {
	if !s.track() {
		return
	}
	go func() {
		defer s.sessions.Done()
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(s.ctx, cancel)
		defer stop()
		s.sweeper.Run(runCtx)
	}()
	s.log.Info("Relay started", "prune_interval", s.cfg.PruneInterval)
}

// Shutdown stops the HTTP listener, ends every session and waits for their
// goroutines, all within timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	httpErr := s.shutdownHTTP(ctx)

	s.log.Info("Initiating relay shutdown...", "connections", s.registry.Len())
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("Relay shutdown completed successfully")
		return httpErr
	case <-ctx.Done():
		s.log.Warn("Relay shutdown timeout reached, some sessions may still be running")
		return errors.Join(httpErr, context.DeadlineExceeded)
	}
}

// track reserves a slot in the session group, refusing once shutdown began.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

// serveClient runs one WebSocket session to completion.
func (s *Server) serveClient(c *Client) {
	defer s.sessions.Done()

	if !s.track() {
		_ = c.Close()
		return
	}
	go func() {
		defer s.sessions.Done()
		c.writePump()
	}()

	c.setupReadConnection()
	err := s.handler.Serve(s.ctx, c)
	if err != nil && !errors.Is(err, websocket.ErrReadLimit) && !isExpectedCloseError(err) {
		c.log.Debug("Session ended with error", "error", err)
	}
}
