// Package observability provides Prometheus metrics and OpenTelemetry tracing
// for the tool server.
package observability

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
)

// Span attribute keys
const (
	AttrMethod       = attribute.Key("mcp.method")
	AttrTool         = attribute.Key("mcp.tool")
	AttrConnectionID = attribute.Key("mcp.connection_id")
	AttrRequestID    = attribute.Key("mcp.request_id")
	AttrErrorCode    = attribute.Key("mcp.error_code")
)

// TracingConfig configures OpenTelemetry tracing
type TracingConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Exporter configuration
	ExporterType ExporterType
	Endpoint     string // OTLP endpoint
	Headers      map[string]string
	Insecure     bool // Use insecure connection (for development)

	// Exporter overrides ExporterType with a caller-supplied exporter
	Exporter sdktrace.SpanExporter

	// Sampling configuration
	SampleRate   float64  // 0.0 to 1.0; zero samples everything
	AlwaysSample []string // Method names to always sample
	NeverSample  []string // Method names to never sample

	// Performance options
	BatchTimeout time.Duration
	MaxBatchSize int
	MaxQueueSize int

	// Synchronous exports each span as it ends instead of batching
	Synchronous bool

	// Additional attributes
	ResourceAttributes map[string]string
}

// ExporterType defines the type of trace exporter
type ExporterType string

const (
	// ExporterTypeOTLPGRPC exports traces via OTLP over gRPC
	ExporterTypeOTLPGRPC ExporterType = "otlp-grpc"

	// ExporterTypeOTLPHTTP exports traces via OTLP over HTTP
	ExporterTypeOTLPHTTP ExporterType = "otlp-http"

	// ExporterTypeNoop drops every span
	ExporterTypeNoop ExporterType = "noop"
)

// TracingConfigFromServer converts the file-level tracing settings
func TracingConfigFromServer(cfg *config.ServerConfig) TracingConfig {
	return TracingConfig{
		ServiceName:    cfg.ServerName,
		ServiceVersion: cfg.Version,
		ExporterType:   ExporterType(strings.ToLower(cfg.Tracing.Exporter)),
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRate:     cfg.Tracing.SampleRate,
	}
}

// TracingProvider manages OpenTelemetry tracing. A nil *TracingProvider is
// valid and produces non-recording spans.
type TracingProvider struct {
	config         TracingConfig
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer
	propagator     propagation.TextMapPropagator

	mu       sync.Mutex
	shutdown func(context.Context) error
}

// NewTracingProvider creates a new tracing provider and installs it globally
func NewTracingProvider(cfg TracingConfig) (*TracingProvider, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "mcp-toolserver"
	}
	if cfg.ServiceVersion == "" {
		cfg.ServiceVersion = "unknown"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.ExporterType == "" {
		cfg.ExporterType = ExporterTypeOTLPGRPC
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.MaxBatchSize == 0 {
		cfg.MaxBatchSize = 512
	}
	if cfg.MaxQueueSize == 0 {
		cfg.MaxQueueSize = 2048
	}

	exporter := cfg.Exporter
	if exporter == nil {
		var err error
		exporter, err = createExporter(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create exporter: %w", err)
		}
	}

	var processor sdktrace.TracerProviderOption
	if cfg.Synchronous {
		processor = sdktrace.WithSyncer(exporter)
	} else {
		processor = sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(cfg.BatchTimeout),
			sdktrace.WithMaxExportBatchSize(cfg.MaxBatchSize),
			sdktrace.WithMaxQueueSize(cfg.MaxQueueSize),
		)
	}

	tp := sdktrace.NewTracerProvider(
		processor,
		sdktrace.WithResource(createResource(cfg)),
		sdktrace.WithSampler(createSampler(cfg)),
	)

	propagator := propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagator)

	return &TracingProvider{
		config:         cfg,
		tracerProvider: tp,
		tracer:         tp.Tracer("mcp-toolserver"),
		propagator:     propagator,
		shutdown:       tp.Shutdown,
	}, nil
}

func createResource(cfg TracingConfig) *resource.Resource {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
		semconv.DeploymentEnvironment(cfg.Environment),
	}
	for k, v := range cfg.ResourceAttributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.NewWithAttributes(semconv.SchemaURL, attrs...)
}

func createExporter(cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.ExporterType {
	case ExporterTypeOTLPGRPC:
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracegrpc.NewClient(opts...))
	case ExporterTypeOTLPHTTP:
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithHeaders(cfg.Headers),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return otlptrace.New(context.Background(), otlptracehttp.NewClient(opts...))
	case ExporterTypeNoop:
		return noopExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported exporter type: %s", cfg.ExporterType)
	}
}

func createSampler(cfg TracingConfig) sdktrace.Sampler {
	if len(cfg.AlwaysSample) > 0 || len(cfg.NeverSample) > 0 {
		return &methodSampler{
			defaultRate:  cfg.SampleRate,
			alwaysSample: makeStringSet(cfg.AlwaysSample),
			neverSample:  makeStringSet(cfg.NeverSample),
		}
	}
	return rateSampler(cfg.SampleRate)
}

func rateSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1.0:
		return sdktrace.AlwaysSample()
	case rate <= 0.0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.TraceIDRatioBased(rate)
	}
}

// StartMethodSpan starts a server span named "mcp.<method>"
func (tp *TracingProvider) StartMethodSpan(ctx context.Context, method string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if tp == nil {
		return ctx, noop.Span{}
	}

	attrs = append([]attribute.KeyValue{AttrMethod.String(method)}, attrs...)
	return tp.tracer.Start(ctx, "mcp."+method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
}

// StartToolSpan starts an internal span around a single tool execution
func (tp *TracingProvider) StartToolSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	if tp == nil {
		return ctx, noop.Span{}
	}
	return tp.tracer.Start(ctx, "mcp.tool."+tool,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(AttrTool.String(tool)),
	)
}

// RecordError records an error on the current span
func (tp *TracingProvider) RecordError(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if err == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to the current span
func (tp *TracingProvider) AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}

// Extract extracts the remote trace context from a carrier
func (tp *TracingProvider) Extract(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	if tp == nil {
		return ctx
	}
	return tp.propagator.Extract(ctx, carrier)
}

// Shutdown flushes pending spans and stops the provider. Later calls are no-ops.
func (tp *TracingProvider) Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}

	tp.mu.Lock()
	shutdown := tp.shutdown
	tp.shutdown = nil
	tp.mu.Unlock()

	if shutdown != nil {
		return shutdown(ctx)
	}
	return nil
}

// methodSampler samples based on method name
type methodSampler struct {
	defaultRate  float64
	alwaysSample map[string]struct{}
	neverSample  map[string]struct{}
}

func (ms *methodSampler) ShouldSample(params sdktrace.SamplingParameters) sdktrace.SamplingResult {
	method := strings.TrimPrefix(params.Name, "mcp.")
	for _, attr := range params.Attributes {
		if attr.Key == AttrMethod {
			method = attr.Value.AsString()
			break
		}
	}

	if _, ok := ms.alwaysSample[method]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.RecordAndSample}
	}
	if _, ok := ms.neverSample[method]; ok {
		return sdktrace.SamplingResult{Decision: sdktrace.Drop}
	}
	return rateSampler(ms.defaultRate).ShouldSample(params)
}

func (ms *methodSampler) Description() string {
	return fmt.Sprintf("MethodSampler{defaultRate=%.2f}", ms.defaultRate)
}

type noopExporter struct{}

func (noopExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (noopExporter) Shutdown(context.Context) error                             { return nil }

func makeStringSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, item := range items {
		set[item] = struct{}{}
	}
	return set
}
