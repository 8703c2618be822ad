package tools

import (
	"sync"
	"sync/atomic"
	"time"
)

// Statistics is a point-in-time copy of the registry's execution counters
type Statistics struct {
	TotalCalls     int64            `json:"totalCalls"`
	FailedCalls    int64            `json:"failedCalls"`
	TimedOutCalls  int64            `json:"timedOutCalls"`
	UnknownTools   int64            `json:"unknownToolCalls"`
	LastCallAt     time.Time        `json:"lastCallAt,omitempty"`
	CallsPerTool   map[string]int64 `json:"callsPerTool"`
	FailuresByTool map[string]int64 `json:"failuresPerTool"`
	Providers      int              `json:"providers"`
	Tools          int              `json:"tools"`
}

type toolCounters struct {
	calls    atomic.Int64
	failures atomic.Int64
}

// statistics holds monotonic counters; only reset zeroes them
type statistics struct {
	total    atomic.Int64
	failed   atomic.Int64
	timedOut atomic.Int64
	unknown  atomic.Int64
	lastCall atomic.Int64
	perTool  sync.Map // string -> *toolCounters
}

func newStatistics() *statistics {
	return &statistics{}
}

func (s *statistics) record(record ExecutionRecord) {
	s.total.Add(1)
	s.lastCall.Store(record.StartedAt.UnixNano())

	switch record.Status {
	case StatusSuccess:
	case StatusNotFound:
		s.failed.Add(1)
		s.unknown.Add(1)
		return
	case StatusTimeout:
		s.timedOut.Add(1)
		s.failed.Add(1)
	default:
		s.failed.Add(1)
	}

	c := s.counters(record.Tool)
	if record.Status != StatusSuccess {
		c.failures.Add(1)
	}
}

// counters also bumps the per-tool call count, so it is only used for known tools
func (s *statistics) counters(tool string) *toolCounters {
	v, _ := s.perTool.LoadOrStore(tool, &toolCounters{})
	c := v.(*toolCounters)
	c.calls.Add(1)
	return c
}

func (s *statistics) snapshot() Statistics {
	out := Statistics{
		TotalCalls:     s.total.Load(),
		FailedCalls:    s.failed.Load(),
		TimedOutCalls:  s.timedOut.Load(),
		UnknownTools:   s.unknown.Load(),
		CallsPerTool:   make(map[string]int64),
		FailuresByTool: make(map[string]int64),
	}
	if last := s.lastCall.Load(); last != 0 {
		out.LastCallAt = time.Unix(0, last)
	}

	s.perTool.Range(func(key, value any) bool {
		c := value.(*toolCounters)
		out.CallsPerTool[key.(string)] = c.calls.Load()
		if f := c.failures.Load(); f > 0 {
			out.FailuresByTool[key.(string)] = f
		}
		return true
	})
	return out
}

func (s *statistics) reset() {
	s.total.Store(0)
	s.failed.Store(0)
	s.timedOut.Store(0)
	s.unknown.Store(0)
	s.lastCall.Store(0)
	s.perTool.Range(func(key, _ any) bool {
		s.perTool.Delete(key)
		return true
	})
}
