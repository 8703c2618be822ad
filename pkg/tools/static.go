package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	mcperrors "github.com/ajitpratap0/mcp-toolserver/pkg/errors"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
)

// HandlerFunc executes a single tool
type HandlerFunc func(ctx context.Context, arguments json.RawMessage) (*protocol.CallToolResult, error)

type staticTool struct {
	tool    protocol.Tool
	handler HandlerFunc
}

// StaticProvider is an in-memory provider built from tool/handler pairs.
// Arguments are checked against each tool's schema before the handler runs.
type StaticProvider struct {
	id string

	mu      sync.RWMutex
	order   []string
	entries map[string]staticTool

	initialized bool
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider creates an empty provider with the given ID
func NewStaticProvider(id string) *StaticProvider {
	return &StaticProvider{
		id:      id,
		entries: make(map[string]staticTool),
	}
}

// AddTool adds a tool to the provider's catalog. A registered provider only
// exposes the new tool after the registry refreshes its catalog.
func (p *StaticProvider) AddTool(tool protocol.Tool, handler HandlerFunc) error {
	if err := tool.Validate(); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("tool %s: handler is required", tool.Name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[tool.Name]; exists {
		return fmt.Errorf("%w: tool '%s' already declared by provider '%s'", ErrToolCollision, tool.Name, p.id)
	}
	p.entries[tool.Name] = staticTool{tool: tool, handler: handler}
	p.order = append(p.order, tool.Name)
	return nil
}

// MustAddTool is AddTool for catalogs declared at startup; it panics on error
func (p *StaticProvider) MustAddTool(tool protocol.Tool, handler HandlerFunc) {
	if err := p.AddTool(tool, handler); err != nil {
		panic(err)
	}
}

// RemoveTool drops a tool from the catalog
func (p *StaticProvider) RemoveTool(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[name]; !exists {
		return false
	}
	delete(p.entries, name)
	for i, n := range p.order {
		if n == name {
			p.order = append(p.order[:i:i], p.order[i+1:]...)
			break
		}
	}
	return true
}

// ID returns the provider ID
func (p *StaticProvider) ID() string {
	return p.id
}

// Initialize marks the provider ready. A disposed provider may be
// initialized again when the server restarts.
func (p *StaticProvider) Initialize(ctx context.Context, cfg ProviderConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initialized = true
	return nil
}

// Tools returns the catalog in declaration order
func (p *StaticProvider) Tools(ctx context.Context) ([]protocol.Tool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]protocol.Tool, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.entries[name].tool)
	}
	return out, nil
}

// Execute validates the arguments and runs the tool's handler
func (p *StaticProvider) Execute(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	p.mu.RLock()
	entry, ok := p.entries[name]
	ready := p.initialized
	p.mu.RUnlock()

	if !ready {
		return nil, fmt.Errorf("provider %s is not initialized", p.id)
	}
	if !ok {
		return nil, mcperrors.ToolNotFound(name)
	}
	if err := entry.tool.ValidateArguments(arguments); err != nil {
		return nil, mcperrors.InvalidParameter("arguments", "an object matching the tool input schema", err)
	}

	return entry.handler(ctx, arguments)
}

// Dispose marks the provider unusable
func (p *StaticProvider) Dispose(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.initialized = false
	return nil
}
