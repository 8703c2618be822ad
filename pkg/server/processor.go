package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/mcp-toolserver/pkg/auth"
	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
	"github.com/ajitpratap0/mcp-toolserver/pkg/connection"
	mcperrors "github.com/ajitpratap0/mcp-toolserver/pkg/errors"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/observability"
	"github.com/ajitpratap0/mcp-toolserver/pkg/pagination"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
)

var (
	// ErrBuiltinMethod is returned when a custom handler targets a built-in method
	ErrBuiltinMethod = errors.New("built-in methods cannot be overridden")

	// ErrInvalidHandler is returned for nil handlers or empty method names
	ErrInvalidHandler = errors.New("invalid method handler")
)

// metadata keys the processor writes on connections
const (
	MetadataUserID      = "user_id"
	MetadataUserAgent   = "user_agent"
	MetadataClientReady = "client_ready"
)

// label used for methods nobody handles, keeping metric cardinality bounded
const unknownMethodLabel = "unknown"

// MethodHandler serves a protocol method outside the built-in set
type MethodHandler interface {
	// CanHandle is consulted before HandleMethod for every matching request
	CanHandle(request *protocol.Request) bool

	// HandleMethod returns the already-serialized result, which is sent verbatim
	HandleMethod(ctx context.Context, conn *connection.Connection, request *protocol.Request) (json.RawMessage, error)
}

// MethodHandlerFunc adapts a function to MethodHandler; it accepts every request
type MethodHandlerFunc func(ctx context.Context, conn *connection.Connection, request *protocol.Request) (json.RawMessage, error)

// CanHandle always returns true
func (f MethodHandlerFunc) CanHandle(*protocol.Request) bool { return true }

// HandleMethod calls f
func (f MethodHandlerFunc) HandleMethod(ctx context.Context, conn *connection.Connection, request *protocol.Request) (json.RawMessage, error) {
	return f(ctx, conn, request)
}

// MethodStatistics counts calls of one method
type MethodStatistics struct {
	Calls  int64 `json:"calls"`
	Errors int64 `json:"errors"`
}

// ProcessorStatistics is a point-in-time copy of the processor counters
type ProcessorStatistics struct {
	RequestCount      int64                       `json:"requestCount"`
	ErrorCount        int64                       `json:"errorCount"`
	NotificationCount int64                       `json:"notificationCount"`
	TotalLatency      time.Duration               `json:"totalLatency"`
	AverageLatency    time.Duration               `json:"averageLatency"`
	Methods           map[string]MethodStatistics `json:"methods"`
}

type methodCounters struct {
	calls  atomic.Int64
	errors atomic.Int64
}

// Processor is the protocol core: it validates JSON-RPC messages, enforces the
// authentication gate and handshake order, dispatches to built-in or custom
// handlers and builds the response. It keeps no per-session state; that lives
// on the Connection passed to each call.
type Processor struct {
	registry *tools.Registry
	config   func() *config.ServerConfig
	logger   logging.Logger

	mu       sync.RWMutex
	handlers map[string]MethodHandler
	auth     auth.Provider
	limiter  *auth.RateLimiter
	metrics  observability.MetricsProvider
	tracer   *observability.TracingProvider

	requests      atomic.Int64
	errs          atomic.Int64
	notifications atomic.Int64
	latency       atomic.Int64
	methods       sync.Map // string -> *methodCounters
}

// ProcessorOption configures a Processor
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the processor logger
func WithProcessorLogger(logger logging.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger.WithFields(logging.String(logging.FieldComponent, "MessageProcessor"))
	}
}

// WithProcessorAuthProvider sets the authentication provider consulted by the auth gate
func WithProcessorAuthProvider(provider auth.Provider) ProcessorOption {
	return func(p *Processor) {
		p.auth = provider
	}
}

// WithRateLimiter sets the limiter applied to every message
func WithRateLimiter(limiter *auth.RateLimiter) ProcessorOption {
	return func(p *Processor) {
		p.limiter = limiter
	}
}

// WithMetrics sets the metrics sink for processed messages
func WithMetrics(metrics observability.MetricsProvider) ProcessorOption {
	return func(p *Processor) {
		p.metrics = metrics
	}
}

// WithTracer sets the tracing provider used for per-message spans
func WithTracer(tracer *observability.TracingProvider) ProcessorOption {
	return func(p *Processor) {
		p.tracer = tracer
	}
}

// NewProcessor creates a processor over registry. cfg returns the current
// configuration snapshot and is read on every message.
func NewProcessor(registry *tools.Registry, cfg func() *config.ServerConfig, options ...ProcessorOption) *Processor {
	p := &Processor{
		registry: registry,
		config:   cfg,
		logger:   logging.NewNop(),
		handlers: make(map[string]MethodHandler),
		metrics:  observability.NoopMetrics{},
	}
	for _, option := range options {
		option(p)
	}
	return p
}

// SetAuthProvider replaces the authentication provider; nil disables the gate
func (p *Processor) SetAuthProvider(provider auth.Provider) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.auth = provider
}

// AuthProvider returns the current authentication provider
func (p *Processor) AuthProvider() auth.Provider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.auth
}

// SetRateLimiter replaces the rate limiter; nil disables rate limiting
func (p *Processor) SetRateLimiter(limiter *auth.RateLimiter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.limiter = limiter
}

// RateLimiter returns the current rate limiter, nil when rate limiting is disabled
func (p *Processor) RateLimiter() *auth.RateLimiter {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.limiter
}

// SetObservability replaces the metrics sink and tracer. A nil metrics sink
// discards measurements; a nil tracer disables spans.
func (p *Processor) SetObservability(metrics observability.MetricsProvider, tracer *observability.TracingProvider) {
	if metrics == nil {
		metrics = observability.NoopMetrics{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = metrics
	p.tracer = tracer
}

// Tracer returns the current tracing provider, nil when tracing is disabled.
// Transports use it to continue traces propagated in request headers.
func (p *Processor) Tracer() *observability.TracingProvider {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.tracer
}

// RegisterMethodHandler installs handler for method, replacing any previous
// handler for the same name. Built-in methods cannot be overridden.
func (p *Processor) RegisterMethodHandler(method string, handler MethodHandler) error {
	if method == "" || handler == nil {
		return ErrInvalidHandler
	}
	if protocol.IsBuiltinMethod(method) {
		return fmt.Errorf("%w: %s", ErrBuiltinMethod, method)
	}

	p.mu.Lock()
	_, replaced := p.handlers[method]
	p.handlers[method] = handler
	p.mu.Unlock()

	p.logger.Debug("Method handler registered",
		logging.String("method", method),
		logging.Bool("replaced", replaced))
	return nil
}

// UnregisterMethodHandler removes the handler for method; unknown names are ignored
func (p *Processor) UnregisterMethodHandler(method string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, method)
}

// MethodHandlers returns the names of the registered custom methods, sorted
func (p *Processor) MethodHandlers() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	names := make([]string, 0, len(p.handlers))
	for name := range p.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p *Processor) handler(method string) (MethodHandler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[method]
	return h, ok
}

// Authenticate runs the authentication provider over the connection's
// credentials and records the outcome on the connection. Without a provider,
// or without credentials, the connection is left unauthenticated.
func (p *Processor) Authenticate(ctx context.Context, conn *connection.Connection) (bool, error) {
	provider := p.AuthProvider()
	credentials := conn.Credentials()
	if provider == nil || credentials == "" {
		conn.SetAuthenticated(false)
		return false, nil
	}

	userAgent, _ := conn.Metadata(MetadataUserAgent)
	ok, err := provider.Authenticate(ctx, credentials, auth.ClientInfo{
		ConnectionID:  conn.ID(),
		RemoteAddress: conn.RemoteAddress(),
		RemotePort:    conn.RemotePort(),
		UserAgent:     userAgent,
	})
	if err != nil {
		conn.SetAuthenticated(false)
		p.logger.WithError(err).Error("Authentication provider failed",
			logging.String(logging.FieldConnectionID, conn.ID()),
			logging.String("scheme", provider.Scheme()))
		return false, err
	}

	conn.SetAuthenticated(ok)
	if !ok {
		p.logger.Warn("Authentication rejected",
			logging.String(logging.FieldConnectionID, conn.ID()),
			logging.String("remote", conn.RemoteAddress()),
			logging.String("scheme", provider.Scheme()))
		return false, nil
	}

	if resolver, isResolver := provider.(auth.Resolver); isResolver {
		if user, rerr := resolver.Resolve(ctx, credentials); rerr == nil && user != nil {
			conn.SetMetadata(MetadataUserID, user.ID)
		}
	}
	p.logger.Debug("Connection authenticated",
		logging.String(logging.FieldConnectionID, conn.ID()),
		logging.String("scheme", provider.Scheme()))
	return true, nil
}

// ProcessMessage handles one raw inbound message for conn and returns the
// encoded response. Notifications yield nil. Every failure, including a panic
// inside a handler, is turned into a JSON-RPC error response.
func (p *Processor) ProcessMessage(ctx context.Context, conn *connection.Connection, raw []byte) []byte {
	start := time.Now()
	conn.Touch()

	cfg := p.config()
	p.mu.RLock()
	metrics, tracer := p.metrics, p.tracer
	p.mu.RUnlock()

	req, err := p.parseRequest(raw)
	if err != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		p.observe(ctx, metrics, "", false, err, time.Since(start))
		p.logger.Debug("Rejected malformed message",
			logging.String(logging.FieldConnectionID, conn.ID()),
			logging.ErrorField(err))
		return p.encode(mcperrors.ToJSONRPCResponse(err, id))
	}

	notification := req.IsNotification()
	ctx = logging.ContextWithConnectionID(ctx, conn.ID())
	if !notification {
		ctx = logging.ContextWithRequestID(ctx, string(req.ID))
	}

	label := p.methodLabel(req.Method)
	ctx, span := tracer.StartMethodSpan(ctx, req.Method,
		observability.AttrConnectionID.String(conn.ID()),
		observability.AttrRequestID.String(string(req.ID)),
	)
	defer span.End()

	result, err := p.dispatch(ctx, cfg, conn, req)
	if err != nil {
		code := mcperrors.CodeInternalError
		if mcpErr, ok := mcperrors.AsMCPError(err); ok {
			code = mcpErr.Code()
		}
		tracer.RecordError(ctx, err, observability.AttrErrorCode.Int(code))
	}
	p.observe(ctx, metrics, label, notification, err, time.Since(start))

	if notification {
		if err != nil {
			p.logger.WithContext(ctx).Debug("Notification failed",
				logging.String("method", req.Method),
				logging.ErrorField(err))
		}
		return nil
	}
	return p.createResponse(req, result, err)
}

// parseRequest validates the envelope. On failure it may still return a
// request carrying whatever id could be recovered.
func (p *Processor) parseRequest(raw []byte) (*protocol.Request, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, mcperrors.ParseError(errors.New("message is not valid JSON"))
	}
	if trimmed[0] != '{' {
		return nil, mcperrors.InvalidRequest("message must be a JSON object")
	}

	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &envelope); err != nil {
		return nil, mcperrors.ParseError(err)
	}

	req := &protocol.Request{}
	if id, ok := envelope["id"]; ok {
		if !validID(id) {
			return req, mcperrors.InvalidRequest("id must be a string, number or null")
		}
		req.ID = id
	}

	var version string
	if err := json.Unmarshal(envelope["jsonrpc"], &version); err != nil || version != protocol.JSONRPCVersion {
		return req, mcperrors.InvalidRequest(`jsonrpc must be "2.0"`)
	}
	req.JSONRPC = version

	if err := json.Unmarshal(envelope["method"], &req.Method); err != nil || req.Method == "" {
		return req, mcperrors.InvalidRequest("method must be a non-empty string")
	}

	if params, ok := envelope["params"]; ok && !protocol.IsNullID(params) {
		if bytes.TrimSpace(params)[0] != '{' {
			return req, mcperrors.InvalidParams("params must be a JSON object")
		}
		req.Params = params
	}
	return req, nil
}

func validID(id json.RawMessage) bool {
	trimmed := bytes.TrimSpace(id)
	if len(trimmed) == 0 {
		return false
	}
	switch c := trimmed[0]; {
	case c == '"', c == '-', c >= '0' && c <= '9':
		return true
	case bytes.Equal(trimmed, []byte("null")):
		return true
	default:
		return false
	}
}

func (p *Processor) dispatch(ctx context.Context, cfg *config.ServerConfig, conn *connection.Connection, req *protocol.Request) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.WithContext(ctx).Error("Handler panicked",
				logging.String("method", req.Method),
				logging.Any("panic", rec),
				logging.String("stack", string(debug.Stack())))
			result = nil
			err = mcperrors.InternalErrorf("Internal server error processing %s", req.Method)
		}
	}()

	if err := p.checkRate(ctx, conn, req); err != nil {
		return nil, err
	}
	if err := p.checkAccess(ctx, cfg, conn, req); err != nil {
		return nil, err
	}

	switch req.Method {
	case protocol.MethodInitialize:
		return p.handleInitialize(cfg, conn, req)
	case protocol.MethodInitialized:
		conn.SetMetadata(MetadataClientReady, "true")
		return nil, nil
	case protocol.MethodPing:
		return struct{}{}, nil
	case protocol.MethodListTools:
		return p.handleListTools(cfg, conn, req)
	case protocol.MethodCallTool:
		return p.handleCallTool(ctx, conn, req)
	}

	if h, ok := p.handler(req.Method); ok && h.CanHandle(req) {
		raw, err := h.HandleMethod(ctx, conn, req)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(raw)) > 0 && !json.Valid(raw) {
			return nil, mcperrors.InternalErrorf("handler for %s returned invalid JSON", req.Method)
		}
		return raw, nil
	}
	return nil, mcperrors.MethodNotFound(req.Method)
}

func (p *Processor) checkRate(ctx context.Context, conn *connection.Connection, req *protocol.Request) error {
	limiter := p.RateLimiter()
	if limiter == nil {
		return nil
	}
	if !limiter.Allow(rateLimitKey(conn)) {
		p.logger.WithContext(ctx).Warn("Rate limit exceeded",
			logging.String("method", req.Method),
			logging.String("remote", conn.RemoteAddress()))
		return mcperrors.RateLimited(req.Method)
	}
	return nil
}

// rateLimitKey names the caller: the authenticated user, else a digest of the
// credentials, else the remote host
func rateLimitKey(conn *connection.Connection) string {
	if conn.IsAuthenticated() {
		if userID, ok := conn.Metadata(MetadataUserID); ok && userID != "" {
			return "user:" + userID
		}
	}
	if credentials := conn.Credentials(); credentials != "" {
		sum := sha256.Sum256([]byte(credentials))
		return "credentials:" + hex.EncodeToString(sum[:8])
	}
	return "addr:" + conn.RemoteAddress()
}

// checkAccess enforces the authentication gate and, for authenticated
// connections, the provider's authorization decision
func (p *Processor) checkAccess(ctx context.Context, cfg *config.ServerConfig, conn *connection.Connection, req *protocol.Request) error {
	provider := p.AuthProvider()
	if !cfg.EnableAuthentication || provider == nil {
		return nil
	}
	if cfg.IsExemptMethod(req.Method) {
		return nil
	}

	if !conn.IsAuthenticated() {
		return mcperrors.Unauthorized(req.Method)
	}

	resource := ""
	if req.Method == protocol.MethodCallTool {
		var params protocol.CallToolParams
		if json.Unmarshal(req.Params, &params) == nil {
			resource = params.Name
		}
	}
	if !provider.Authorize(ctx, conn.Credentials(), req.Method, resource) {
		p.logger.WithContext(ctx).Warn("Authorization denied",
			logging.String("method", req.Method),
			logging.String("resource", resource))
		return mcperrors.Forbidden(req.Method, resource)
	}
	return nil
}

func (p *Processor) handleInitialize(cfg *config.ServerConfig, conn *connection.Connection, req *protocol.Request) (interface{}, error) {
	var params protocol.InitializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, mcperrors.InvalidParameter("params", "initialize parameters", err)
		}
	}

	version := protocol.NegotiateVersion(params.ProtocolVersion)
	conn.MarkInitialized(version, params.ClientInfo)

	fields := []logging.Field{
		logging.String(logging.FieldConnectionID, conn.ID()),
		logging.String("requested_version", params.ProtocolVersion),
		logging.String("protocol_version", version),
	}
	if params.ClientInfo != nil {
		fields = append(fields, logging.String("client", params.ClientInfo.Name+"/"+params.ClientInfo.Version))
	}
	p.logger.Info("Connection initialized", fields...)

	return &protocol.InitializeResult{
		ProtocolVersion: version,
		Capabilities: protocol.ServerCapabilities{
			Tools: &protocol.ToolsCapability{ListChanged: false},
		},
		ServerInfo: protocol.Implementation{
			Name:    cfg.ServerName,
			Version: cfg.Version,
		},
		Instructions: cfg.Instructions,
	}, nil
}

func (p *Processor) handleListTools(cfg *config.ServerConfig, conn *connection.Connection, req *protocol.Request) (interface{}, error) {
	if !conn.IsInitialized() {
		return nil, mcperrors.NotInitialized(req.Method)
	}

	var params protocol.ListToolsParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, mcperrors.InvalidParameter("params", "tools/list parameters", err)
		}
	}
	if err := pagination.ValidateParams(&params); err != nil {
		return nil, mcperrors.InvalidParameter("cursor", "a cursor from a previous tools/list page", err)
	}

	all := p.registry.AllTools()
	if !pagination.Requested(&params) && cfg.ToolsListPageSize <= 0 {
		return &protocol.ListToolsResult{Tools: all}, nil
	}

	limit := params.Limit
	if limit == 0 {
		limit = cfg.ToolsListPageSize
	}
	page, next, err := pagination.Paginate(all, params.Cursor, limit)
	if err != nil {
		return nil, mcperrors.InvalidParameter("cursor", "a cursor from a previous tools/list page", err)
	}
	if page == nil {
		page = []protocol.Tool{}
	}
	return &protocol.ListToolsResult{Tools: page, NextCursor: next}, nil
}

func (p *Processor) handleCallTool(ctx context.Context, conn *connection.Connection, req *protocol.Request) (interface{}, error) {
	if !conn.IsInitialized() {
		return nil, mcperrors.NotInitialized(req.Method)
	}
	if len(req.Params) == 0 {
		return nil, mcperrors.MissingParameter("name")
	}

	var params protocol.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return nil, mcperrors.InvalidParameter("params", "an object with name and arguments", err)
	}
	if params.Name == "" {
		return nil, mcperrors.MissingParameter("name")
	}

	if err := p.registry.ValidateTool(params.Name, params.Arguments); err != nil &&
		!mcperrors.IsCode(err, mcperrors.CodeMethodNotFound) {
		return nil, err
	}

	ctx, span := p.Tracer().StartToolSpan(ctx, params.Name)
	defer span.End()

	// unknown names fall through so the registry accounts for them
	result, err := p.registry.ExecuteTool(ctx, params.Name, params.Arguments)
	if err != nil {
		p.Tracer().RecordError(ctx, err)
	}
	return result, err
}

// createResponse always echoes the request id
func (p *Processor) createResponse(req *protocol.Request, result interface{}, err error) []byte {
	if err != nil {
		return p.encode(mcperrors.ToJSONRPCResponse(err, req.ID))
	}

	resp, encErr := protocol.NewResponse(req.ID, result)
	if encErr != nil {
		p.logger.WithError(encErr).Error("Failed to encode result", logging.String("method", req.Method))
		return p.encode(mcperrors.ToJSONRPCResponse(mcperrors.InternalError(encErr), req.ID))
	}
	return p.encode(resp)
}

func (p *Processor) encode(resp *protocol.Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode response")
		data, _ = json.Marshal(mcperrors.ToJSONRPCResponse(mcperrors.InternalError(err), resp.ID))
	}
	return data
}

func (p *Processor) methodLabel(method string) string {
	if protocol.IsBuiltinMethod(method) {
		return method
	}
	if _, ok := p.handler(method); ok {
		return method
	}
	return unknownMethodLabel
}

func (p *Processor) observe(ctx context.Context, metrics observability.MetricsProvider, method string, notification bool, err error, elapsed time.Duration) {
	p.requests.Add(1)
	p.latency.Add(int64(elapsed))
	if notification {
		p.notifications.Add(1)
	}

	key := method
	if key == "" {
		key = "(invalid)"
	}
	v, _ := p.methods.LoadOrStore(key, &methodCounters{})
	counters := v.(*methodCounters)
	counters.calls.Add(1)

	status := observability.StatusSuccess
	if err != nil {
		status = observability.StatusError
		p.errs.Add(1)
		counters.errors.Add(1)

		category := string(mcperrors.CategoryInternal)
		if mcpErr, ok := mcperrors.AsMCPError(err); ok {
			category = string(mcpErr.Category())
		}
		metrics.RecordError(ctx, category, key)
	}

	if notification {
		metrics.RecordIncomingNotification(ctx, key, status, elapsed)
	} else {
		metrics.RecordIncomingRequest(ctx, key, status, elapsed)
	}
}

// Statistics returns a snapshot of the processing counters without blocking writers
func (p *Processor) Statistics() ProcessorStatistics {
	stats := ProcessorStatistics{
		RequestCount:      p.requests.Load(),
		ErrorCount:        p.errs.Load(),
		NotificationCount: p.notifications.Load(),
		TotalLatency:      time.Duration(p.latency.Load()),
		Methods:           make(map[string]MethodStatistics),
	}
	if stats.RequestCount > 0 {
		stats.AverageLatency = stats.TotalLatency / time.Duration(stats.RequestCount)
	}

	p.methods.Range(func(key, value any) bool {
		c := value.(*methodCounters)
		stats.Methods[key.(string)] = MethodStatistics{
			Calls:  c.calls.Load(),
			Errors: c.errors.Load(),
		}
		return true
	})
	return stats
}

// ResetStatistics zeroes every processing counter
func (p *Processor) ResetStatistics() {
	p.requests.Store(0)
	p.errs.Store(0)
	p.notifications.Store(0)
	p.latency.Store(0)
	p.methods.Range(func(key, _ any) bool {
		p.methods.Delete(key)
		return true
	})
}
