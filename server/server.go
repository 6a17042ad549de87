// Package server provides the HTTP server for thingserver.
//
// The server exposes the configured things and lets clients invoke their
// actions, follow the resulting invocations and request that they stop.
//
// # Endpoints
//
//   - GET /health - Simple health check, returns "ok"
//   - GET /metrics - Prometheus metrics (scrape mode only)
//   - GET /api/status - Consolidated status (build, uptime, invocation counts, next run)
//   - GET /config - Returns current configuration as YAML
//   - GET /things - Lists things and their actions
//   - POST /things/{path...} - Invokes the action named by the last path element
//   - GET /action_invocations - Lists invocations in creation order
//   - GET /action_invocations/{id} - Returns one invocation
//   - GET /action_invocations/{id}/log - Returns the invocation's captured log
//   - DELETE /action_invocations/{id} - Requests that the invocation stops
//
// # Example
//
//	cfg, err := config.LoadConfig("/etc/thingserver/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv, err := server.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Run(ctx); err != nil {
//	    log.Fatal(err)
//	}
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nomis52/thingserver/buildinfo"
	"github.com/nomis52/thingserver/config"
	"github.com/nomis52/thingserver/invocation"
	"github.com/nomis52/thingserver/logging"
	"github.com/nomis52/thingserver/metrics"
	"github.com/nomis52/thingserver/server/cron"
	"github.com/nomis52/thingserver/server/handlers"
	"github.com/nomis52/thingserver/server/types"
	"github.com/nomis52/thingserver/thing"
	"github.com/nomis52/thingserver/things"
)

const (
	defaultReadTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// Server is the HTTP server for thingserver.
type Server struct {
	addr       string
	cfg        *config.Config
	logger     *logging.Logger
	things     *things.Set
	extra      map[string]thing.Thing
	manager    *invocation.Manager
	scrape     *metrics.ScrapeRegistry
	cron       *cron.CronTriggerManager
	props      types.ServerProperties
	handler    http.Handler
	certs      *CertLoader
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server) error

// WithListenAddr overrides the listener address from the config.
func WithListenAddr(addr string) Option {
	return func(s *Server) error {
		s.addr = addr
		return nil
	}
}

// WithLogger uses logger instead of one built from the logging config.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithThing registers t at path in addition to the configured things.
func WithThing(path string, t thing.Thing) Option {
	return func(s *Server) error {
		if s.extra == nil {
			s.extra = make(map[string]thing.Thing)
		}
		s.extra[path] = t
		return nil
	}
}

// New creates a Server from cfg. It builds the things, the invocation
// manager, the metrics registry and the cron triggers.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		addr: cfg.Listener.Addr,
		cfg:  cfg,
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}

	if s.logger == nil {
		logger, err := logging.New(logging.Config{
			Level:     cfg.Logging.Level,
			Format:    cfg.Logging.Format,
			Output:    cfg.Logging.Output,
			AddSource: cfg.Logging.AddSource,
		})
		if err != nil {
			return nil, err
		}
		s.logger = logger
	}

	if cfg.Listener.TLSCert != "" {
		certs, err := NewCertLoader(cfg.Listener.TLSCert, cfg.Listener.TLSKey, s.logger.Logger)
		if err != nil {
			return nil, err
		}
		s.certs = certs
	}

	hostname, _ := os.Hostname()
	s.props = types.ServerProperties{
		Build:     buildinfo.Get(),
		StartedAt: time.Now(),
		Hostname:  hostname,
	}

	set, err := things.Build(cfg.Things, s.logger.Logger)
	if err != nil {
		return nil, fmt.Errorf("building things: %w", err)
	}
	s.things = set
	for path, t := range s.extra {
		if err := set.Add(path, t); err != nil {
			set.Close()
			return nil, err
		}
	}

	reg, err := s.metricsRegistry(hostname)
	if err != nil {
		set.Close()
		return nil, err
	}

	manager, err := NewManager(cfg.Invocations, s.logger, set, reg)
	if err != nil {
		set.Close()
		return nil, err
	}
	s.manager = manager

	specs, err := cron.ParseTriggerSpecs(cfg.Cron, set)
	if err != nil {
		set.Close()
		return nil, err
	}
	if len(specs) > 0 {
		s.cron, err = cron.NewCronTriggerManager(specs, manager, s.logger.Logger)
		if err != nil {
			set.Close()
			return nil, err
		}
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = mux

	return s, nil
}

// NewManager builds an invocation manager configured by cfg. reg may be nil.
func NewManager(cfg config.InvocationsConfig, logger *logging.Logger, resolver invocation.Resolver, reg metrics.Registry) (*invocation.Manager, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invocation log level: %w", err)
	}

	opts := []invocation.Option{
		invocation.WithHub(logger.Hub),
		invocation.WithLogCapacity(cfg.LogCapacity),
		invocation.WithLogLevel(level),
		invocation.WithStopTimeout(cfg.StopTimeout),
	}
	if cfg.RetentionMaxAge > 0 || cfg.RetentionMaxCount > 0 {
		opts = append(opts, invocation.WithRetention(cfg.RetentionMaxAge, cfg.RetentionMaxCount))
	}
	if reg != nil {
		m, err := invocation.NewMetrics(reg)
		if err != nil {
			return nil, fmt.Errorf("creating invocation metrics: %w", err)
		}
		opts = append(opts, invocation.WithMetrics(m))
	}

	return invocation.New(logger.Logger, resolver, opts...), nil
}

func (s *Server) metricsRegistry(hostname string) (metrics.Registry, error) {
	switch s.cfg.Monitoring.Mode {
	case config.MonitoringModePush:
		return metrics.NewPushRegistry(metrics.PushConfig{
			URL:      s.cfg.Monitoring.VictoriaMetricsURL,
			Prefix:   s.cfg.Monitoring.MetricsPrefix,
			Job:      s.cfg.Monitoring.JobName,
			Instance: hostname,
			Logger:   s.logger.Logger,
		}), nil
	default:
		reg, err := metrics.NewScrapeRegistry()
		if err != nil {
			return nil, fmt.Errorf("creating metrics registry: %w", err)
		}
		s.scrape = reg
		return reg, nil
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger.Logger
}

// SetLogLevel changes the server's log level at runtime.
func (s *Server) SetLogLevel(level slog.Level) {
	s.logger.SetLevel(level)
}

// Config returns the configuration the server was built from.
func (s *Server) Config() *config.Config {
	return s.cfg
}

// Manager returns the invocation manager.
func (s *Server) Manager() *invocation.Manager {
	return s.manager
}

// Handler returns the HTTP handler serving the API.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Properties returns metadata about this server instance.
func (s *Server) Properties() types.ServerProperties {
	return s.props
}

// ThingCount returns the number of registered things.
func (s *Server) ThingCount() int {
	return len(s.things.Paths())
}

// InvocationCounts returns the number of invocations in each status.
func (s *Server) InvocationCounts() map[string]int {
	counts := make(map[string]int)
	for _, inv := range s.manager.List(invocation.Filter{}) {
		counts[inv.Status().String()]++
	}
	return counts
}

// NextRun returns the next scheduled invocation time, or nil if no cron is configured.
func (s *Server) NextRun() *time.Time {
	if s.cron == nil {
		return nil
	}
	next := s.cron.NextRun()
	return &next
}

// Run starts the HTTP server and blocks until the context is cancelled.
// It performs a graceful shutdown when the context is done.
// Configured cron triggers are started automatically.
func (s *Server) Run(ctx context.Context) error {
	defer s.things.Close()

	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}
	if s.certs != nil {
		s.httpServer.TLSConfig = s.certs.TLSConfig()
	}

	if s.cron != nil {
		s.logger.Info("starting cron triggers",
			"count", s.cron.Len(),
			"next_run", s.cron.NextRun(),
		)
		s.cron.Start(ctx)
	}

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting server",
			"addr", s.addr,
			"tls", s.certs != nil,
			"things", s.things.Paths(),
		)
		var err error
		if s.certs != nil {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or server error
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	invocations := handlers.NewInvocationsHandler(s.manager)

	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.Handle("GET /api/status", handlers.NewAPIStatusHandler(s))
	mux.Handle("GET /config", handlers.NewConfigHandler(s))
	mux.Handle("GET /things", handlers.NewThingsHandler(s.things))
	mux.Handle("POST /things/{path...}", handlers.NewInvokeHandler(s.logger.Logger, s.manager))
	mux.HandleFunc("GET "+invocation.InvocationsPath, invocations.List)
	mux.HandleFunc("GET "+invocation.InvocationsPath+"/{id}", invocations.Get)
	mux.HandleFunc("GET "+invocation.InvocationsPath+"/{id}/log", invocations.Log)
	mux.HandleFunc("DELETE "+invocation.InvocationsPath+"/{id}", invocations.Stop)

	if s.scrape != nil {
		mux.Handle("GET /metrics", s.scrape.Handler())
	}
}
