package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/mcp-toolserver/pkg/audit"
	"github.com/ajitpratap0/mcp-toolserver/pkg/auth"
	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
	"github.com/ajitpratap0/mcp-toolserver/pkg/connection"
	mcperrors "github.com/ajitpratap0/mcp-toolserver/pkg/errors"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/observability"
	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
)

// State is the server lifecycle state
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Listener is a transport adapter feeding raw messages into the processor
type Listener interface {
	// Start binds the listener and serves in the background. Bind failures are
	// returned synchronously.
	Start(ctx context.Context) error

	// Stop stops accepting and waits for in-flight exchanges until ctx is done
	Stop(ctx context.Context) error
}

// Runtime is what a listener needs from the server
type Runtime struct {
	Processor   *Processor
	Connections *connection.Handler
	Config      func() *config.ServerConfig
	Logger      logging.Logger
}

// ListenerFactory builds the listener when the server starts
type ListenerFactory func(rt Runtime) (Listener, error)

// Statistics is a runtime snapshot of the whole server
type Statistics struct {
	State             string              `json:"state"`
	StartedAt         time.Time           `json:"startedAt,omitempty"`
	Uptime            time.Duration       `json:"uptime"`
	ActiveConnections int                 `json:"activeConnections"`
	Processor         ProcessorStatistics `json:"processor"`
	Tools             tools.Statistics    `json:"tools"`
}

// Server is the composition root: it owns the configuration, wires the
// registry, connection handler and processor together and drives the lifecycle.
type Server struct {
	// latest is the most recently accepted configuration; active is the
	// snapshot taken at Start and seen by the processor
	latest atomic.Pointer[config.ServerConfig]
	active atomic.Pointer[config.ServerConfig]

	logger    logging.Logger
	state     atomic.Int32
	startedAt atomic.Int64
	lifecycle sync.Mutex

	registry    *tools.Registry
	processor   *Processor
	connections *connection.Handler

	metricsHook  *metricsHook
	recorderHook *recorderHook

	// guarded by lifecycle
	authProvider    auth.Provider
	providers       []tools.Provider
	listenerFactory ListenerFactory
	listener        Listener
	metrics         *observability.PrometheusMetricsProvider
	tracer          *observability.TracingProvider
	auditLog        *audit.SQLiteRecorder
	housekeeping    *maintenance
	stopReaper      context.CancelFunc
	reaperDone      <-chan struct{}
	maintenanceDone <-chan struct{}
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the server logger; components derive their loggers from it
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithAuthProvider sets an explicit authentication provider instead of one
// built from the configuration
func WithAuthProvider(provider auth.Provider) Option {
	return func(s *Server) {
		s.authProvider = provider
	}
}

// WithToolProvider adds tool providers registered when the server starts
func WithToolProvider(providers ...tools.Provider) Option {
	return func(s *Server) {
		s.providers = append(s.providers, providers...)
	}
}

// WithListener sets the factory for the transport listener
func WithListener(factory ListenerFactory) Option {
	return func(s *Server) {
		s.listenerFactory = factory
	}
}

// New creates a stopped server for cfg. The configuration is validated on Start.
func New(cfg *config.ServerConfig, options ...Option) *Server {
	if cfg == nil {
		cfg = config.Default()
	}

	s := &Server{
		metricsHook:  &metricsHook{},
		recorderHook: &recorderHook{},
	}
	s.latest.Store(cfg.Clone())
	s.active.Store(cfg.Clone())

	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = logging.New(os.Stderr, logging.NewTextFormatter())
		s.logger.SetLevel(cfg.Level())
	}
	base := s.logger
	s.logger = base.WithFields(logging.String(logging.FieldComponent, "Server"))

	s.registry = tools.NewRegistry(
		tools.WithLogger(base),
		tools.WithRequestTimeout(cfg.RequestTimeout()),
		tools.WithProviderSettings(cfg.CustomSettings),
		tools.WithObserver(s.metricsHook),
		tools.WithRecorder(s.recorderHook),
	)
	s.connections = connection.NewHandler(s.limits,
		connection.WithLogger(base),
		connection.WithObserver(s.metricsHook),
	)
	s.processor = NewProcessor(s.registry, s.ActiveConfig, WithProcessorLogger(base))
	return s
}

func (s *Server) limits() connection.Limits {
	cfg := s.Config()
	return connection.Limits{
		MaxConnections:    cfg.MaxConnections,
		ConnectionTimeout: cfg.ConnectionTimeout(),
	}
}

// Config returns the most recently accepted configuration
func (s *Server) Config() *config.ServerConfig {
	return s.latest.Load()
}

// ActiveConfig returns the configuration the running server started with
func (s *Server) ActiveConfig() *config.ServerConfig {
	return s.active.Load()
}

// State returns the lifecycle state
func (s *Server) State() State {
	return State(s.state.Load())
}

// IsRunning reports whether the server is running
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

func (s *Server) setState(state State) {
	s.state.Store(int32(state))
	s.metricsHook.recordState(state)
}

// Processor returns the message processor
func (s *Server) Processor() *Processor { return s.processor }

// Registry returns the tool provider registry
func (s *Server) Registry() *tools.Registry { return s.registry }

// Connections returns the connection handler
func (s *Server) Connections() *connection.Handler { return s.connections }

// AuditLog returns the audit store while the server runs with auditing enabled
func (s *Server) AuditLog() *audit.SQLiteRecorder {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.auditLog
}

// Metrics returns the Prometheus provider while the server runs with metrics enabled
func (s *Server) Metrics() *observability.PrometheusMetricsProvider {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	return s.metrics
}

// RegisterMethodHandler installs a custom method handler
func (s *Server) RegisterMethodHandler(method string, handler MethodHandler) error {
	return s.processor.RegisterMethodHandler(method, handler)
}

// UnregisterMethodHandler removes a custom method handler
func (s *Server) UnregisterMethodHandler(method string) {
	s.processor.UnregisterMethodHandler(method)
}

// AddToolProvider adds a provider. A running server registers it immediately;
// otherwise it is registered on the next Start.
func (s *Server) AddToolProvider(ctx context.Context, provider tools.Provider) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == StateRunning {
		if err := s.registry.Register(ctx, provider); err != nil {
			return err
		}
	}
	s.providers = append(s.providers, provider)
	return nil
}

// RemoveToolProvider unregisters and forgets a provider; unknown IDs are ignored
func (s *Server) RemoveToolProvider(ctx context.Context, providerID string) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	kept := s.providers[:0]
	for _, p := range s.providers {
		if p.ID() != providerID {
			kept = append(kept, p)
		}
	}
	s.providers = kept
	return s.registry.Unregister(ctx, providerID)
}

// Start brings the server up. It validates the configuration, initializes the
// authentication provider, registers the tool providers, starts observability
// and the audit store, then starts the listener. Any failure rolls back what
// this call started and returns false. Starting a running server is a no-op.
func (s *Server) Start(ctx context.Context) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == StateRunning {
		s.logger.Warn("Server already running")
		return true
	}
	s.setState(StateStarting)

	cfg := s.Config()
	if err := cfg.Validate(); err != nil {
		s.logger.WithError(err).Error("Invalid configuration")
		s.setState(StateStopped)
		return false
	}
	s.active.Store(cfg)

	var rollback []func()
	fail := func(stage string, err error) bool {
		s.logger.WithError(mcperrors.ServerInitError(stage, err)).Error("Server start failed",
			logging.String("stage", stage))
		for i := len(rollback) - 1; i >= 0; i-- {
			rollback[i]()
		}
		s.setState(StateStopped)
		return false
	}

	if cfg.EnableAuthentication {
		provider := s.authProvider
		if provider == nil {
			var err error
			if provider, err = auth.NewFromConfig(cfg.Authentication); err != nil {
				return fail("authentication provider", err)
			}
		}
		if init, ok := provider.(auth.Initializer); ok {
			if err := init.Initialize(ctx); err != nil {
				return fail("authentication provider", err)
			}
		}
		s.processor.SetAuthProvider(provider)
		rollback = append(rollback, func() { s.processor.SetAuthProvider(nil) })
		s.logger.Info("Authentication enabled", logging.String("scheme", provider.Scheme()))
	} else {
		s.processor.SetAuthProvider(nil)
	}

	if cfg.RateLimit.Enabled {
		s.processor.SetRateLimiter(auth.NewRateLimiter(auth.RateLimitConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			BurstSize:         cfg.RateLimit.BurstSize,
		}))
		rollback = append(rollback, func() { s.processor.SetRateLimiter(nil) })
	} else {
		s.processor.SetRateLimiter(nil)
	}

	s.registry.SetRequestTimeout(cfg.RequestTimeout())
	for _, provider := range s.providers {
		if err := s.registry.Register(ctx, provider); err != nil {
			return fail(fmt.Sprintf("tool provider %q", provider.ID()), err)
		}
		rollback = append(rollback, func() { _ = s.registry.Unregister(context.Background(), provider.ID()) })
	}

	if cfg.Metrics.Enabled {
		m, err := observability.NewMetricsProvider(observability.MetricsConfigFromServer(cfg, s.logger))
		if err != nil {
			return fail("metrics", err)
		}
		if err := m.Start(ctx); err != nil {
			return fail("metrics", err)
		}
		s.metrics = m
		s.metricsHook.attach(m)
		rollback = append(rollback, func() {
			s.metricsHook.attach(nil)
			_ = m.Shutdown(context.Background())
			s.metrics = nil
		})
	}

	if cfg.Tracing.Enabled {
		t, err := observability.NewTracingProvider(observability.TracingConfigFromServer(cfg))
		if err != nil {
			return fail("tracing", err)
		}
		s.tracer = t
		rollback = append(rollback, func() {
			_ = t.Shutdown(context.Background())
			s.tracer = nil
		})
	}

	var metrics observability.MetricsProvider
	if s.metrics != nil {
		metrics = s.metrics
	}
	s.processor.SetObservability(metrics, s.tracer)
	rollback = append(rollback, func() { s.processor.SetObservability(nil, nil) })

	if cfg.Audit.Enabled {
		rec, err := audit.Open(cfg.Audit.Path, s.logger)
		if err != nil {
			return fail("audit log", err)
		}
		s.auditLog = rec
		s.recorderHook.attach(rec)
		rollback = append(rollback, func() {
			s.recorderHook.attach(nil)
			_ = rec.Close()
			s.auditLog = nil
		})
	}

	if s.listenerFactory != nil {
		l, err := s.listenerFactory(Runtime{
			Processor:   s.processor,
			Connections: s.connections,
			Config:      s.Config,
			Logger:      s.logger,
		})
		if err != nil {
			return fail("listener", err)
		}
		if err := l.Start(ctx); err != nil {
			return fail("listener", err)
		}
		s.listener = l
	}

	reapCtx, cancel := context.WithCancel(context.Background())
	s.stopReaper = cancel
	s.reaperDone = s.connections.StartReaper(reapCtx, cfg.ReapInterval())
	s.housekeeping = s.newMaintenance(cfg)
	s.maintenanceDone = s.housekeeping.start(reapCtx, cfg.ReapInterval())

	s.startedAt.Store(time.Now().UnixNano())
	s.setState(StateRunning)
	s.logger.Info("Server started",
		logging.String("name", cfg.ServerName),
		logging.String("version", cfg.Version),
		logging.String("address", cfg.Address()),
		logging.Int("tools", len(s.registry.AllTools())),
	)
	return true
}

// newMaintenance collects the stores the running server has to clean up periodically
func (s *Server) newMaintenance(cfg *config.ServerConfig) *maintenance {
	m := &maintenance{
		cleaners: make(map[string]auth.Cleaner),
		logger:   s.logger.WithFields(logging.String(logging.FieldComponent, "Maintenance")),
	}
	if c, ok := s.processor.AuthProvider().(auth.Cleaner); ok {
		m.cleaners["credentials"] = c
	}
	if l := s.processor.RateLimiter(); l != nil {
		m.cleaners["rate_limit"] = l
	}
	if s.auditLog != nil {
		m.audit = s.auditLog
		m.retention = cfg.AuditRetention()
	}
	return m
}

// Stop shuts the server down. Every cleanup step is attempted even when an
// earlier one fails; the result is false if any step failed. Stopping a
// stopped server returns true.
func (s *Server) Stop(ctx context.Context) bool {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.State() == StateStopped {
		return true
	}
	s.setState(StateStopping)

	var errs []error

	if s.listener != nil {
		if err := s.listener.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("listener: %w", err))
		}
		s.listener = nil
	}

	if s.stopReaper != nil {
		s.stopReaper()
		for _, done := range []<-chan struct{}{s.reaperDone, s.maintenanceDone} {
			select {
			case <-done:
			case <-ctx.Done():
			}
		}
		s.stopReaper = nil
		s.housekeeping = nil
	}

	if !s.connections.CloseAllConnections() {
		errs = append(errs, errors.New("connections: some connections failed to close"))
	}

	if err := s.registry.DisposeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tool providers: %w", err))
	}
	s.processor.SetAuthProvider(nil)
	s.processor.SetRateLimiter(nil)
	s.processor.SetObservability(nil, nil)

	if s.auditLog != nil {
		s.recorderHook.attach(nil)
		if err := s.auditLog.Close(); err != nil {
			errs = append(errs, fmt.Errorf("audit log: %w", err))
		}
		s.auditLog = nil
	}

	if s.tracer != nil {
		if err := s.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
		s.tracer = nil
	}

	s.setState(StateStopped)

	if s.metrics != nil {
		s.metricsHook.attach(nil)
		if err := s.metrics.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics: %w", err))
		}
		s.metrics = nil
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.WithError(err).Error("Server stopped with errors")
		return false
	}
	s.logger.Info("Server stopped")
	return true
}

// UpdateConfig validates and swaps in a new configuration. Only the logging
// level is applied immediately; connection limits apply to connections
// accepted afterwards and everything else on the next Start.
func (s *Server) UpdateConfig(cfg *config.ServerConfig) error {
	if cfg == nil {
		return mcperrors.ConfigInvalid("config", "is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	next := cfg.Clone()
	prev := s.latest.Swap(next)

	if prev == nil || prev.Level() != next.Level() {
		s.logger.SetLevel(next.Level())
		s.logger.Info("Logging level changed", logging.String("level", next.Level().String()))
	}
	return nil
}

// Statistics returns a runtime snapshot
func (s *Server) Statistics() Statistics {
	stats := Statistics{
		State:             s.State().String(),
		ActiveConnections: s.connections.ActiveCount(),
		Processor:         s.processor.Statistics(),
		Tools:             s.registry.Statistics(),
	}
	if s.IsRunning() {
		stats.StartedAt = time.Unix(0, s.startedAt.Load())
		stats.Uptime = time.Since(stats.StartedAt)
	}
	return stats
}
