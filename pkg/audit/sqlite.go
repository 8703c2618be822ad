// Package audit persists a log of tool executions in SQLite.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
)

// MaxArgumentBytes bounds the stored copy of a call's arguments
const MaxArgumentBytes = 4096

// Entry is one persisted tool execution
type Entry struct {
	ID           int64
	Tool         string
	ProviderID   string
	ConnectionID string
	Arguments    string
	Status       string
	Error        string
	StartedAt    time.Time
	Duration     time.Duration
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Tool         string
	Status       string
	ConnectionID string
	Since        time.Time
	Limit        int
}

// SQLiteRecorder implements tools.ExecutionRecorder on a SQLite database
type SQLiteRecorder struct {
	db     *sql.DB
	logger logging.Logger
}

var _ tools.ExecutionRecorder = (*SQLiteRecorder)(nil)

// Open creates or opens the audit database at path. The schema is created if
// needed and parent directories are created. Use ":memory:" for a private
// in-memory database.
func Open(path string, logger logging.Logger) (*SQLiteRecorder, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logger.WithFields(logging.String(logging.FieldComponent, "Audit"))

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}

	r := &SQLiteRecorder{db: db, logger: logger}
	if err := r.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	logger.Info("Audit log opened", logging.String("path", path))
	return r, nil
}

func (r *SQLiteRecorder) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tool_executions (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			tool          TEXT NOT NULL,
			provider_id   TEXT NOT NULL DEFAULT '',
			connection_id TEXT NOT NULL DEFAULT '',
			arguments     TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			error         TEXT NOT NULL DEFAULT '',
			started_at    INTEGER NOT NULL,
			duration_us   INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_tool_executions_tool
			ON tool_executions(tool, started_at);

		CREATE INDEX IF NOT EXISTS idx_tool_executions_connection
			ON tool_executions(connection_id);
	`
	_, err := r.db.Exec(schema)
	return err
}

// RecordExecution stores a finished tool call
func (r *SQLiteRecorder) RecordExecution(ctx context.Context, record tools.ExecutionRecord) error {
	args := string(record.Arguments)
	if len(args) > MaxArgumentBytes {
		args = args[:MaxArgumentBytes]
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tool_executions
			(tool, provider_id, connection_id, arguments, status, error, started_at, duration_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		record.Tool,
		record.ProviderID,
		record.ConnectionID,
		args,
		record.Status,
		record.Error,
		record.StartedAt.UnixNano(),
		record.Duration.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries, newest first
func (r *SQLiteRecorder) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if filter.Tool != "" {
		where = append(where, "tool = ?")
		args = append(args, filter.Tool)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ConnectionID != "" {
		where = append(where, "connection_id = ?")
		args = append(args, filter.ConnectionID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}

	query := `SELECT id, tool, provider_id, connection_id, arguments, status, error, started_at, duration_us
		FROM tool_executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e         Entry
			startedAt int64
			duration  int64
		)
		if err := rows.Scan(&e.ID, &e.Tool, &e.ProviderID, &e.ConnectionID, &e.Arguments,
			&e.Status, &e.Error, &startedAt, &duration); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.StartedAt = time.Unix(0, startedAt)
		e.Duration = time.Duration(duration) * time.Microsecond
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the number of stored entries
func (r *SQLiteRecorder) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tool_executions").Scan(&n); err != nil {
		return 0, fmt.Errorf("counting audit entries: %w", err)
	}
	return n, nil
}

// Prune deletes entries that started before cutoff and returns how many were removed
func (r *SQLiteRecorder) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, "DELETE FROM tool_executions WHERE started_at < ?", cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("pruning audit log: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		r.logger.Debug("Pruned audit entries", logging.Int64("count", n))
	}
	return n, nil
}

// Close closes the database
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
