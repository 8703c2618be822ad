package tools

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
)

// ProviderConfig is handed to a provider when it is registered
type ProviderConfig struct {
	// RequestTimeout is the deadline the registry applies to each Execute call
	RequestTimeout time.Duration

	// Settings carries the server's custom settings
	Settings map[string]string

	Logger logging.Logger
}

// Provider supplies a bounded set of tools and executes them.
//
// Tools is called after Initialize and again on every catalog refresh; the
// returned slice is copied by the registry. Execute may block; it runs without
// any registry lock held and receives a context carrying the request deadline.
type Provider interface {
	// ID returns the unique identifier of the provider
	ID() string

	Initialize(ctx context.Context, cfg ProviderConfig) error

	// Tools returns the provider's catalog in declaration order
	Tools(ctx context.Context) ([]protocol.Tool, error)

	Execute(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error)

	// Dispose releases the provider's resources. It is called once, on
	// unregistration or server shutdown.
	Dispose(ctx context.Context) error
}

// Execution status values reported to observers and recorders
const (
	StatusSuccess   = "success"
	StatusError     = "error"
	StatusTimeout   = "timeout"
	StatusCancelled = "cancelled"
	StatusNotFound  = "not_found"
)

// ExecutionRecord describes one finished tool call
type ExecutionRecord struct {
	Tool         string
	ProviderID   string
	ConnectionID string
	Arguments    json.RawMessage
	Status       string
	Error        string
	StartedAt    time.Time
	Duration     time.Duration
}

// ExecutionObserver is notified of every tool call, typically to update metrics
type ExecutionObserver interface {
	ObserveToolCall(ctx context.Context, record ExecutionRecord)
}

// ExecutionRecorder persists tool calls, typically to an audit log
type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, record ExecutionRecord) error
}

// ObserverFunc adapts a function to ExecutionObserver
type ObserverFunc func(ctx context.Context, record ExecutionRecord)

// ObserveToolCall calls f
func (f ObserverFunc) ObserveToolCall(ctx context.Context, record ExecutionRecord) {
	f(ctx, record)
}
