package server

import (
	"context"
	"sync/atomic"

	"github.com/ajitpratap0/mcp-toolserver/pkg/observability"
	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
)

// The registry and connection handler are built once, but metrics and the
// audit store only exist while the server runs. These hooks are installed at
// construction and forward to whatever is attached at the time of the call.

type metricsBox struct {
	provider observability.MetricsProvider
}

// metricsHook forwards tool and connection observations to the attached metrics provider
type metricsHook struct {
	current atomic.Pointer[metricsBox]
}

func (h *metricsHook) attach(provider observability.MetricsProvider) {
	if provider == nil {
		h.current.Store(nil)
		return
	}
	h.current.Store(&metricsBox{provider: provider})
}

func (h *metricsHook) ObserveToolCall(ctx context.Context, record tools.ExecutionRecord) {
	if box := h.current.Load(); box != nil {
		box.provider.ObserveToolCall(ctx, record)
	}
}

func (h *metricsHook) ObserveActiveConnections(active int) {
	if box := h.current.Load(); box != nil {
		box.provider.ObserveActiveConnections(active)
	}
}

func (h *metricsHook) recordState(state State) {
	if box := h.current.Load(); box != nil {
		box.provider.RecordServerState(state.String())
	}
}

type recorderBox struct {
	recorder tools.ExecutionRecorder
}

// recorderHook forwards tool executions to the attached audit recorder
type recorderHook struct {
	current atomic.Pointer[recorderBox]
}

func (h *recorderHook) attach(recorder tools.ExecutionRecorder) {
	if recorder == nil {
		h.current.Store(nil)
		return
	}
	h.current.Store(&recorderBox{recorder: recorder})
}

func (h *recorderHook) RecordExecution(ctx context.Context, record tools.ExecutionRecord) error {
	if box := h.current.Load(); box != nil {
		return box.recorder.RecordExecution(ctx, record)
	}
	return nil
}
