package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
)

// Request outcome labels
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string

	// Address the metrics endpoint listens on (default: :9090)
	Address string

	// MetricsPath is the HTTP path of the endpoint (default: /metrics)
	MetricsPath string

	// Metric options
	Namespace        string    // Prometheus namespace (default: mcp)
	Subsystem        string    // Prometheus subsystem
	HistogramBuckets []float64 // Latency buckets in milliseconds

	// Labels to add to all metrics
	ConstLabels prometheus.Labels

	Logger logging.Logger
}

// MetricsConfigFromServer converts the file-level metrics settings
func MetricsConfigFromServer(cfg *config.ServerConfig, logger logging.Logger) MetricsConfig {
	return MetricsConfig{
		ServiceName:    cfg.ServerName,
		ServiceVersion: cfg.Version,
		Address:        cfg.Metrics.Address,
		MetricsPath:    cfg.Metrics.Path,
		Namespace:      cfg.Metrics.Namespace,
		Logger:         logger,
	}
}

// MetricsProvider records server-side protocol metrics
type MetricsProvider interface {
	RecordIncomingRequest(ctx context.Context, method, status string, duration time.Duration)
	RecordIncomingNotification(ctx context.Context, method, status string, duration time.Duration)
	RecordError(ctx context.Context, errType, method string)
	RecordToolCall(ctx context.Context, tool, status string, duration time.Duration)
	RecordActiveConnections(ctx context.Context, active int)
	RecordServerState(state string)

	// ObserveToolCall adapts the provider to the tool registry's observer hook
	ObserveToolCall(ctx context.Context, record tools.ExecutionRecord)

	// ObserveActiveConnections adapts the provider to the connection handler's observer hook
	ObserveActiveConnections(active int)

	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider implements MetricsProvider on a private Prometheus registry
type PrometheusMetricsProvider struct {
	config   MetricsConfig
	registry *prometheus.Registry

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener

	incomingRequestDuration *prometheus.HistogramVec
	incomingRequestTotal    *prometheus.CounterVec
	notificationTotal       *prometheus.CounterVec
	toolCallDuration        *prometheus.HistogramVec
	toolCallTotal           *prometheus.CounterVec
	activeConnections       prometheus.Gauge
	serverState             *prometheus.GaugeVec
	errorTotal              *prometheus.CounterVec
}

var (
	_ MetricsProvider        = (*PrometheusMetricsProvider)(nil)
	_ tools.ExecutionObserver = (*PrometheusMetricsProvider)(nil)
)

// NewMetricsProvider creates a Prometheus metrics provider with its own registry
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "mcp"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.Address == "" {
		config.Address = ":9090"
	}
	if config.Logger == nil {
		config.Logger = logging.NewNop()
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}

	labels := prometheus.Labels{}
	for k, v := range config.ConstLabels {
		labels[k] = v
	}
	if config.ServiceName != "" {
		labels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		labels["version"] = config.ServiceVersion
	}
	config.ConstLabels = labels

	p := &PrometheusMetricsProvider{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	p.initializeMetrics()

	if err := p.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return p, nil
}

func (p *PrometheusMetricsProvider) initializeMetrics() {
	p.incomingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "incoming_request_duration_milliseconds",
			Help:        "Duration of incoming MCP requests in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "status"},
	)

	p.incomingRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "incoming_request_total",
			Help:        "Total number of incoming MCP requests",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "status"},
	)

	p.notificationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "incoming_notification_total",
			Help:        "Total number of incoming MCP notifications",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"method", "status"},
	)

	p.toolCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "tool_call_duration_milliseconds",
			Help:        "Duration of tool calls in milliseconds",
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"tool", "status"},
	)

	p.toolCallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "tool_call_total",
			Help:        "Total number of tool calls",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"tool", "status"},
	)

	p.activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "active_connections",
			Help:        "Number of active client connections",
			ConstLabels: p.config.ConstLabels,
		},
	)

	p.serverState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "server_state",
			Help:        "Current server lifecycle state (1 for the active state)",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"state"},
	)

	p.errorTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Subsystem:   p.config.Subsystem,
			Name:        "error_total",
			Help:        "Total number of errors returned to clients",
			ConstLabels: p.config.ConstLabels,
		},
		[]string{"type", "method"},
	)
}

func (p *PrometheusMetricsProvider) registerMetrics() error {
	cs := []prometheus.Collector{
		p.incomingRequestDuration,
		p.incomingRequestTotal,
		p.notificationTotal,
		p.toolCallDuration,
		p.toolCallTotal,
		p.activeConnections,
		p.serverState,
		p.errorTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, c := range cs {
		if err := p.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Registry exposes the underlying registry, mainly for tests and embedding
func (p *PrometheusMetricsProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the HTTP handler serving the metrics
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// RecordIncomingRequest records an incoming request
func (p *PrometheusMetricsProvider) RecordIncomingRequest(ctx context.Context, method, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.incomingRequestDuration.WithLabelValues(method, status).Observe(ms)
	p.incomingRequestTotal.WithLabelValues(method, status).Inc()
}

// RecordIncomingNotification records an incoming notification
func (p *PrometheusMetricsProvider) RecordIncomingNotification(ctx context.Context, method, status string, duration time.Duration) {
	p.notificationTotal.WithLabelValues(method, status).Inc()
}

// RecordError counts an error response by category
func (p *PrometheusMetricsProvider) RecordError(ctx context.Context, errType, method string) {
	p.errorTotal.WithLabelValues(errType, method).Inc()
}

// RecordToolCall records a tool call
func (p *PrometheusMetricsProvider) RecordToolCall(ctx context.Context, tool, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.toolCallDuration.WithLabelValues(tool, status).Observe(ms)
	p.toolCallTotal.WithLabelValues(tool, status).Inc()
}

// RecordActiveConnections sets the number of active connections
func (p *PrometheusMetricsProvider) RecordActiveConnections(ctx context.Context, active int) {
	p.activeConnections.Set(float64(active))
}

// RecordServerState marks state as the current lifecycle state
func (p *PrometheusMetricsProvider) RecordServerState(state string) {
	p.serverState.Reset()
	p.serverState.WithLabelValues(state).Set(1)
}

// ObserveToolCall records a finished tool execution
func (p *PrometheusMetricsProvider) ObserveToolCall(ctx context.Context, record tools.ExecutionRecord) {
	tool := record.Tool
	if record.Status == tools.StatusNotFound {
		// unknown names are client input; keep them out of the label space
		tool = "unknown"
	}
	p.RecordToolCall(ctx, tool, record.Status, record.Duration)
}

// ObserveActiveConnections records the active connection count
func (p *PrometheusMetricsProvider) ObserveActiveConnections(active int) {
	p.RecordActiveConnections(context.Background(), active)
}

// Start serves the metrics endpoint. Listen errors are returned synchronously.
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", p.config.Address)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, p.Handler())

	p.listener = ln
	p.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	server := p.server
	logger := p.config.Logger
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	logger.Info("Metrics endpoint started",
		logging.String("address", ln.Addr().String()),
		logging.String("path", p.config.MetricsPath))
	return nil
}

// Addr returns the bound address once started
func (p *PrometheusMetricsProvider) Addr() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.listener == nil {
		return ""
	}
	return p.listener.Addr().String()
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	server := p.server
	p.server = nil
	p.listener = nil
	p.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}

// NoopMetrics discards every measurement
type NoopMetrics struct{}

var _ MetricsProvider = NoopMetrics{}

func (NoopMetrics) RecordIncomingRequest(context.Context, string, string, time.Duration)      {}
func (NoopMetrics) RecordIncomingNotification(context.Context, string, string, time.Duration) {}
func (NoopMetrics) RecordError(context.Context, string, string)                               {}
func (NoopMetrics) RecordToolCall(context.Context, string, string, time.Duration)             {}
func (NoopMetrics) RecordActiveConnections(context.Context, int)                              {}
func (NoopMetrics) RecordServerState(string)                                                  {}
func (NoopMetrics) ObserveToolCall(context.Context, tools.ExecutionRecord)                    {}
func (NoopMetrics) ObserveActiveConnections(int)                                              {}
func (NoopMetrics) Start(context.Context) error                                               { return nil }
func (NoopMetrics) Shutdown(context.Context) error                                            { return nil }
