package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-toolserver/pkg/errors"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
)

var (
	// ErrToolCollision is returned when a provider exposes a tool name that is already registered
	ErrToolCollision = errors.New("tool name collision")

	// ErrDuplicateProvider is returned when a provider ID is registered twice
	ErrDuplicateProvider = errors.New("provider already registered")

	// ErrInvalidProvider is returned for nil providers or providers without an ID
	ErrInvalidProvider = errors.New("invalid provider")
)

// DefaultRequestTimeout bounds tool execution when no timeout is configured
const DefaultRequestTimeout = 30 * time.Second

type registeredProvider struct {
	provider Provider
	tools    []protocol.Tool
}

type toolEntry struct {
	owner *registeredProvider
	tool  protocol.Tool
}

// Registry aggregates tool providers, resolves tool names and executes tools
type Registry struct {
	mu        sync.RWMutex
	providers []*registeredProvider
	byID      map[string]*registeredProvider
	index     map[string]toolEntry

	timeout  atomic.Int64
	settings map[string]string
	logger   logging.Logger

	observers []ExecutionObserver
	recorder  ExecutionRecorder

	stats *statistics
}

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger logging.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.WithFields(logging.String(logging.FieldComponent, "ToolRegistry"))
	}
}

// WithRequestTimeout sets the deadline applied to each tool execution
func WithRequestTimeout(timeout time.Duration) RegistryOption {
	return func(r *Registry) {
		r.timeout.Store(int64(timeout))
	}
}

// WithProviderSettings sets the custom settings handed to providers on Initialize
func WithProviderSettings(settings map[string]string) RegistryOption {
	return func(r *Registry) {
		r.settings = settings
	}
}

// WithObserver adds an observer notified after every tool call
func WithObserver(observer ExecutionObserver) RegistryOption {
	return func(r *Registry) {
		r.observers = append(r.observers, observer)
	}
}

// WithRecorder sets the recorder that persists every tool call
func WithRecorder(recorder ExecutionRecorder) RegistryOption {
	return func(r *Registry) {
		r.recorder = recorder
	}
}

// NewRegistry creates an empty registry
func NewRegistry(options ...RegistryOption) *Registry {
	r := &Registry{
		byID:   make(map[string]*registeredProvider),
		index:  make(map[string]toolEntry),
		logger: logging.NewNop(),
		stats:  newStatistics(),
	}
	r.timeout.Store(int64(DefaultRequestTimeout))

	for _, option := range options {
		option(r)
	}
	return r
}

// SetRequestTimeout changes the execution deadline for subsequent calls
func (r *Registry) SetRequestTimeout(timeout time.Duration) {
	if timeout > 0 {
		r.timeout.Store(int64(timeout))
	}
}

// RequestTimeout returns the current execution deadline
func (r *Registry) RequestTimeout() time.Duration {
	return time.Duration(r.timeout.Load())
}

// Register initializes the provider and adds its tools to the catalog.
// Nothing is committed when initialization fails or when any of the provider's
// tool names is already owned by another provider.
func (r *Registry) Register(ctx context.Context, provider Provider) error {
	if provider == nil || strings.TrimSpace(provider.ID()) == "" {
		return ErrInvalidProvider
	}
	id := provider.ID()

	r.mu.RLock()
	_, exists := r.byID[id]
	r.mu.RUnlock()
	if exists {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, id)
	}

	if err := provider.Initialize(ctx, r.providerConfig()); err != nil {
		return mcperrors.ProviderInitFailed(id, err)
	}

	catalog, err := provider.Tools(ctx)
	if err == nil {
		err = validateCatalog(id, catalog)
	}
	if err != nil {
		r.disposeQuietly(ctx, provider)
		return mcperrors.ProviderInitFailed(id, err)
	}

	entry := &registeredProvider{
		provider: provider,
		tools:    copyTools(catalog),
	}

	r.mu.Lock()
	if _, exists := r.byID[id]; exists {
		r.mu.Unlock()
		r.disposeQuietly(ctx, provider)
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, id)
	}
	for _, tool := range entry.tools {
		if owner, taken := r.index[tool.Name]; taken {
			r.mu.Unlock()
			r.disposeQuietly(ctx, provider)
			return fmt.Errorf("%w: tool '%s' already registered by provider '%s'", ErrToolCollision, tool.Name, owner.owner.provider.ID())
		}
	}

	r.providers = append(r.providers, entry)
	r.byID[id] = entry
	r.rebuildIndexLocked()
	r.mu.Unlock()

	r.logger.Info("Provider registered",
		logging.String("provider", id),
		logging.Int("tools", len(entry.tools)),
	)
	return nil
}

// Unregister removes the provider and its tools, then disposes it.
// Unknown IDs are ignored.
func (r *Registry) Unregister(ctx context.Context, providerID string) error {
	r.mu.Lock()
	entry, ok := r.byID[providerID]
	if !ok {
		r.mu.Unlock()
		return nil
	}

	delete(r.byID, providerID)
	for i, p := range r.providers {
		if p == entry {
			r.providers = append(r.providers[:i:i], r.providers[i+1:]...)
			break
		}
	}
	r.rebuildIndexLocked()
	r.mu.Unlock()

	r.logger.Info("Provider unregistered", logging.String("provider", providerID))

	if err := entry.provider.Dispose(ctx); err != nil {
		r.logger.WithError(err).Warn("Provider dispose failed", logging.String("provider", providerID))
		return fmt.Errorf("disposing provider %s: %w", providerID, err)
	}
	return nil
}

// AllTools returns every tool in provider registration order, then declaration order
func (r *Registry) AllTools() []protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]protocol.Tool, 0, len(r.index))
	for _, p := range r.providers {
		for _, tool := range p.tools {
			if e, ok := r.index[tool.Name]; ok && e.owner == p {
				all = append(all, tool)
			}
		}
	}
	return all
}

// FindProviderForTool returns the provider that owns the named tool
func (r *Registry) FindProviderForTool(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return e.owner.provider, true
}

// Tool returns the descriptor of the named tool
func (r *Registry) Tool(name string) (protocol.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.index[name]
	return e.tool, ok
}

// ProviderIDs returns the registered provider IDs in registration order
func (r *Registry) ProviderIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.providers))
	for _, p := range r.providers {
		ids = append(ids, p.provider.ID())
	}
	return ids
}

// ValidateTool checks that the tool exists and, when arguments are given,
// that they form a JSON object satisfying the schema's required properties.
func (r *Registry) ValidateTool(name string, arguments json.RawMessage) error {
	tool, ok := r.Tool(name)
	if !ok {
		return mcperrors.ToolNotFound(name)
	}
	if arguments == nil {
		return nil
	}
	if err := tool.ValidateArguments(arguments); err != nil {
		return mcperrors.InvalidParameter("arguments", "an object matching the tool input schema", err)
	}
	return nil
}

type execOutcome struct {
	result *protocol.CallToolResult
	err    error
}

// ExecuteTool runs the named tool under the registry's request deadline.
// Unknown names yield a MethodNotFound error; provider failures, panics and
// deadlines yield InternalError. The registry lock is not held during the call.
func (r *Registry) ExecuteTool(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	start := time.Now()

	r.mu.RLock()
	e, ok := r.index[name]
	r.mu.RUnlock()

	if !ok {
		err := mcperrors.ToolNotFound(name)
		r.finish(ctx, ExecutionRecord{Tool: name, Arguments: arguments, Status: StatusNotFound, Error: err.Error(), StartedAt: start})
		return nil, err
	}

	provider := e.owner.provider
	timeout := r.RequestTimeout()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan execOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("Tool panicked",
					logging.String("tool", name),
					logging.Any("panic", rec),
					logging.String("stack", string(debug.Stack())),
				)
				done <- execOutcome{err: fmt.Errorf("panic: %v", rec)}
			}
		}()
		result, err := provider.Execute(execCtx, name, arguments)
		done <- execOutcome{result: result, err: err}
	}()

	record := ExecutionRecord{
		Tool:       name,
		ProviderID: provider.ID(),
		Arguments:  arguments,
		StartedAt:  start,
	}

	var (
		result *protocol.CallToolResult
		err    error
	)

	select {
	case out := <-done:
		result, err = out.result, out.err
		if err == nil {
			if result == nil {
				result = protocol.NewToolResult()
			}
			if verr := result.Validate(); verr != nil {
				err = verr
			}
		}
		if err != nil {
			err = r.classifyProviderError(name, provider.ID(), err)
			result = nil
		}
	case <-execCtx.Done():
		if ctx.Err() != nil {
			err = mcperrors.ToolCancelled(name)
		} else {
			err = mcperrors.ToolTimeout(name, timeout)
		}
	}

	switch {
	case err == nil:
		record.Status = StatusSuccess
	case mcperrors.IsCategory(err, mcperrors.CategoryTimeout):
		record.Status = StatusTimeout
	case mcperrors.IsCategory(err, mcperrors.CategoryCancelled):
		record.Status = StatusCancelled
	default:
		record.Status = StatusError
	}
	if err != nil {
		record.Error = err.Error()
	}
	r.finish(ctx, record)

	return result, err
}

// classifyProviderError keeps structured errors raised by the provider and
// wraps anything else as an internal tool failure
func (r *Registry) classifyProviderError(name, providerID string, err error) error {
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		return mcpErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return mcperrors.ToolTimeout(name, r.RequestTimeout())
	}
	return mcperrors.ToolExecutionFailed(name, providerID, err)
}

func (r *Registry) finish(ctx context.Context, record ExecutionRecord) {
	record.Duration = time.Since(record.StartedAt)
	record.ConnectionID = logging.ConnectionIDFromContext(ctx)

	r.stats.record(record)

	for _, o := range r.observers {
		o.ObserveToolCall(ctx, record)
	}

	if record.Status != StatusSuccess {
		r.logger.WithContext(ctx).Warn("Tool call failed",
			logging.String("tool", record.Tool),
			logging.String("status", record.Status),
			logging.String("reason", record.Error),
		)
	}

	if r.recorder != nil {
		if err := r.recorder.RecordExecution(ctx, record); err != nil {
			r.logger.WithError(err).Warn("Failed to record tool execution", logging.String("tool", record.Tool))
		}
	}
}

// RefreshToolCatalog re-reads every provider's catalog and rebuilds the index.
// A provider whose catalog cannot be read, or whose new catalog would collide
// with an earlier provider, keeps its previous catalog. The returned error
// lists those providers; the registry stays consistent either way.
func (r *Registry) RefreshToolCatalog(ctx context.Context) error {
	r.mu.RLock()
	snapshot := make([]*registeredProvider, len(r.providers))
	copy(snapshot, r.providers)
	r.mu.RUnlock()

	fresh := make(map[*registeredProvider][]protocol.Tool, len(snapshot))
	var errs []error

	for _, p := range snapshot {
		id := p.provider.ID()
		catalog, err := p.provider.Tools(ctx)
		if err == nil {
			err = validateCatalog(id, catalog)
		}
		if err != nil {
			r.logger.WithError(err).Warn("Skipping provider during catalog refresh", logging.String("provider", id))
			errs = append(errs, fmt.Errorf("provider %s: %w", id, err))
			continue
		}
		fresh[p] = copyTools(catalog)
	}

	r.mu.Lock()
	claimed := make(map[string]string)
	for _, p := range r.providers {
		id := p.provider.ID()
		if catalog, ok := fresh[p]; ok {
			if name, clash := firstClash(catalog, claimed); clash {
				r.logger.Warn("Refreshed catalog collides, keeping previous catalog",
					logging.String("provider", id),
					logging.String("tool", name),
				)
				errs = append(errs, fmt.Errorf("provider %s: %w: tool '%s' already registered by provider '%s'", id, ErrToolCollision, name, claimed[name]))
			} else {
				p.tools = catalog
			}
		}
		for _, tool := range p.tools {
			if _, taken := claimed[tool.Name]; !taken {
				claimed[tool.Name] = id
			}
		}
	}
	r.rebuildIndexLocked()
	toolCount := len(r.index)
	r.mu.Unlock()

	r.logger.Debug("Tool catalog refreshed", logging.Int("tools", toolCount))
	return errors.Join(errs...)
}

// DisposeAll removes and disposes every provider in reverse registration order
func (r *Registry) DisposeAll(ctx context.Context) error {
	r.mu.Lock()
	providers := r.providers
	r.providers = nil
	r.byID = make(map[string]*registeredProvider)
	r.index = make(map[string]toolEntry)
	r.mu.Unlock()

	var errs []error
	for i := len(providers) - 1; i >= 0; i-- {
		p := providers[i].provider
		if err := p.Dispose(ctx); err != nil {
			r.logger.WithError(err).Warn("Provider dispose failed", logging.String("provider", p.ID()))
			errs = append(errs, fmt.Errorf("disposing provider %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Statistics returns a snapshot of the execution counters
func (r *Registry) Statistics() Statistics {
	s := r.stats.snapshot()

	r.mu.RLock()
	s.Providers = len(r.providers)
	s.Tools = len(r.index)
	r.mu.RUnlock()

	return s
}

// ResetStatistics zeroes every execution counter
func (r *Registry) ResetStatistics() {
	r.stats.reset()
}

// rebuildIndexLocked recomputes the name index; earlier providers win any clash
func (r *Registry) rebuildIndexLocked() {
	index := make(map[string]toolEntry)
	for _, p := range r.providers {
		for _, tool := range p.tools {
			if _, taken := index[tool.Name]; taken {
				continue
			}
			index[tool.Name] = toolEntry{owner: p, tool: tool}
		}
	}
	r.index = index
}

func (r *Registry) providerConfig() ProviderConfig {
	return ProviderConfig{
		RequestTimeout: r.RequestTimeout(),
		Settings:       r.settings,
		Logger:         r.logger,
	}
}

func (r *Registry) disposeQuietly(ctx context.Context, provider Provider) {
	if err := provider.Dispose(ctx); err != nil {
		r.logger.WithError(err).Debug("Dispose after failed registration", logging.String("provider", provider.ID()))
	}
}

func validateCatalog(providerID string, catalog []protocol.Tool) error {
	seen := make(map[string]struct{}, len(catalog))
	for _, tool := range catalog {
		if err := tool.Validate(); err != nil {
			return err
		}
		if _, dup := seen[tool.Name]; dup {
			return fmt.Errorf("%w: tool '%s' declared twice by provider '%s'", ErrToolCollision, tool.Name, providerID)
		}
		seen[tool.Name] = struct{}{}
	}
	return nil
}

func firstClash(catalog []protocol.Tool, claimed map[string]string) (string, bool) {
	for _, tool := range catalog {
		if _, taken := claimed[tool.Name]; taken {
			return tool.Name, true
		}
	}
	return "", false
}

func copyTools(tools []protocol.Tool) []protocol.Tool {
	out := make([]protocol.Tool, len(tools))
	for i, t := range tools {
		t.InputSchema = append(json.RawMessage(nil), t.InputSchema...)
		out[i] = t
	}
	return out
}
