package server

import (
	"context"
	"time"

	"github.com/ajitpratap0/mcp-toolserver/pkg/audit"
	"github.com/ajitpratap0/mcp-toolserver/pkg/auth"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
)

// maintenance is the periodic housekeeping of state that outlives a single
// connection: revoked and expired credentials, idle rate limit buckets and
// audit entries past their retention.
type maintenance struct {
	cleaners  map[string]auth.Cleaner
	audit     *audit.SQLiteRecorder
	retention time.Duration
	logger    logging.Logger
}

func (m *maintenance) idle() bool {
	return len(m.cleaners) == 0 && (m.audit == nil || m.retention <= 0)
}

func (m *maintenance) run(ctx context.Context, now time.Time) {
	for name, c := range m.cleaners {
		if n := c.CleanupExpired(); n > 0 {
			m.logger.Debug("Dropped expired entries",
				logging.String("store", name),
				logging.Int("count", n))
		}
	}

	if m.audit != nil && m.retention > 0 {
		if _, err := m.audit.Prune(ctx, now.Add(-m.retention)); err != nil {
			m.logger.WithError(err).Warn("Pruning audit log failed")
		}
	}
}

// start runs the housekeeping every interval until ctx is done. The returned
// channel is closed when the loop exits.
func (m *maintenance) start(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 || m.idle() {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error("Panic in maintenance loop", logging.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				m.run(ctx, now)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}
