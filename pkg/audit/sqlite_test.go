package audit

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
)

func openMemory(t *testing.T) *SQLiteRecorder {
	t.Helper()

	r, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRecordAndQuery(t *testing.T) {
	r := openMemory(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Minute)

	records := []tools.ExecutionRecord{
		{Tool: "echo", ProviderID: "demo", ConnectionID: "c1", Arguments: json.RawMessage(`{"message":"hi"}`), Status: tools.StatusSuccess, StartedAt: base, Duration: 1500 * time.Microsecond},
		{Tool: "echo", ProviderID: "demo", ConnectionID: "c2", Status: tools.StatusError, Error: "boom", StartedAt: base.Add(time.Second)},
		{Tool: "add", ProviderID: "demo", ConnectionID: "c1", Status: tools.StatusTimeout, StartedAt: base.Add(2 * time.Second)},
	}
	for _, rec := range records {
		require.NoError(t, r.RecordExecution(ctx, rec))
	}

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all newest first", Filter{}, []string{"add", "echo", "echo"}},
		{"by tool", Filter{Tool: "echo"}, []string{"echo", "echo"}},
		{"by status", Filter{Status: tools.StatusError}, []string{"echo"}},
		{"by connection", Filter{ConnectionID: "c1"}, []string{"add", "echo"}},
		{"since", Filter{Since: base.Add(500 * time.Millisecond)}, []string{"add", "echo"}},
		{"limit", Filter{Limit: 1}, []string{"add"}},
		{"no match", Filter{Tool: "missing"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := r.Query(ctx, tt.filter)
			require.NoError(t, err)

			var got []string
			for _, e := range entries {
				got = append(got, e.Tool)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	entries, err := r.Query(ctx, Filter{ConnectionID: "c1", Tool: "echo"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "demo", e.ProviderID)
	assert.Equal(t, `{"message":"hi"}`, e.Arguments)
	assert.Equal(t, 1500*time.Microsecond, e.Duration)
	assert.Equal(t, base.UnixNano(), e.StartedAt.UnixNano())
}

func TestArgumentsAreTruncated(t *testing.T) {
	r := openMemory(t)
	ctx := context.Background()

	big := `"` + strings.Repeat("x", MaxArgumentBytes*2) + `"`
	require.NoError(t, r.RecordExecution(ctx, tools.ExecutionRecord{
		Tool: "echo", Arguments: json.RawMessage(big), Status: tools.StatusSuccess, StartedAt: time.Now(),
	}))

	entries, err := r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Len(t, entries[0].Arguments, MaxArgumentBytes)
}

func TestPrune(t *testing.T) {
	r := openMemory(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, r.RecordExecution(ctx, tools.ExecutionRecord{Tool: "old", Status: tools.StatusSuccess, StartedAt: now.Add(-48 * time.Hour)}))
	require.NoError(t, r.RecordExecution(ctx, tools.ExecutionRecord{Tool: "new", Status: tools.StatusSuccess, StartedAt: now}))

	removed, err := r.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	entries, err := r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "new", entries[0].Tool)
}

func TestFileDatabasePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	ctx := context.Background()

	r, err := Open(path, nil)
	require.NoError(t, err)
	require.NoError(t, r.RecordExecution(ctx, tools.ExecutionRecord{Tool: "echo", Status: tools.StatusSuccess, StartedAt: time.Now()}))
	require.NoError(t, r.Close())

	r, err = Open(path, nil)
	require.NoError(t, err)
	defer r.Close()

	n, err := r.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRegistryRecordsThroughAudit(t *testing.T) {
	r := openMemory(t)
	ctx := context.Background()

	registry := tools.NewRegistry(tools.WithRecorder(r))
	_, err := registry.ExecuteTool(ctx, "nope", nil)
	require.Error(t, err)

	entries, err := r.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "nope", entries[0].Tool)
	assert.Equal(t, tools.StatusNotFound, entries[0].Status)
}
