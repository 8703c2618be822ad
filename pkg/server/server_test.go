package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-toolserver/pkg/audit"
	"github.com/ajitpratap0/mcp-toolserver/pkg/auth"
	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
	"github.com/ajitpratap0/mcp-toolserver/pkg/connection"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
)

type fakeListener struct {
	mu       sync.Mutex
	rt       Runtime
	startErr error
	stopErr  error
	started  int
	stopped  int
}

func (l *fakeListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.started++
	return l.startErr
}

func (l *fakeListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stopped++
	return l.stopErr
}

func (l *fakeListener) factory() ListenerFactory {
	return func(rt Runtime) (Listener, error) {
		l.rt = rt
		return l, nil
	}
}

// lifecycleProvider wraps a static provider and counts lifecycle calls
type lifecycleProvider struct {
	*tools.StaticProvider
	mu          sync.Mutex
	initialized int
	disposed    int
}

func (p *lifecycleProvider) Initialize(ctx context.Context, cfg tools.ProviderConfig) error {
	p.mu.Lock()
	p.initialized++
	p.mu.Unlock()
	return p.StaticProvider.Initialize(ctx, cfg)
}

func (p *lifecycleProvider) Dispose(ctx context.Context) error {
	p.mu.Lock()
	p.disposed++
	p.mu.Unlock()
	return p.StaticProvider.Dispose(ctx)
}

func (p *lifecycleProvider) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initialized, p.disposed
}

func testLogger() logging.Logger {
	return logging.New(io.Discard, logging.NewTextFormatter())
}

func testConfig() *config.ServerConfig {
	cfg := config.Default()
	cfg.ReapIntervalSeconds = 0
	return cfg
}

func TestServerLifecycle(t *testing.T) {
	ctx := context.Background()
	listener := &fakeListener{}
	provider := &lifecycleProvider{StaticProvider: demoProvider(t, "demo", "echo")}

	srv := New(testConfig(),
		WithLogger(testLogger()),
		WithToolProvider(provider),
		WithListener(listener.factory()),
	)
	assert.Equal(t, StateStopped, srv.State())
	assert.Equal(t, "STOPPED", srv.Statistics().State)

	require.True(t, srv.Start(ctx))
	assert.True(t, srv.IsRunning())
	assert.True(t, srv.Start(ctx), "starting a running server is a no-op")
	assert.Equal(t, 1, listener.started)
	assert.Same(t, srv.Processor(), listener.rt.Processor)
	assert.Same(t, srv.Connections(), listener.rt.Connections)
	assert.Equal(t, []string{"demo"}, srv.Registry().ProviderIDs())

	stats := srv.Statistics()
	assert.Equal(t, "RUNNING", stats.State)
	assert.False(t, stats.StartedAt.IsZero())
	assert.Equal(t, 1, stats.Tools.Tools)

	require.True(t, srv.Stop(ctx))
	assert.Equal(t, StateStopped, srv.State())
	assert.Equal(t, 1, listener.stopped)
	assert.Empty(t, srv.Registry().ProviderIDs())
	assert.True(t, srv.Stop(ctx), "stopping a stopped server succeeds")
	assert.Equal(t, 1, listener.stopped)

	// restart registers the providers again
	require.True(t, srv.Start(ctx))
	assert.Equal(t, []string{"demo"}, srv.Registry().ProviderIDs())
	require.True(t, srv.Stop(ctx))

	initialized, disposed := provider.counts()
	assert.Equal(t, 2, initialized)
	assert.Equal(t, 2, disposed)
}

func TestServerStartRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.ServerConfig)
	}{
		{"port out of range", func(c *config.ServerConfig) { c.Port = 70000 }},
		{"zero port", func(c *config.ServerConfig) { c.Port = 0 }},
		{"no connections", func(c *config.ServerConfig) { c.MaxConnections = 0 }},
		{"unknown log level", func(c *config.ServerConfig) { c.LoggingLevel = "loud" }},
		{"jwt without secret", func(c *config.ServerConfig) {
			c.EnableAuthentication = true
			c.Authentication.Scheme = config.SchemeJWT
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			listener := &fakeListener{}

			srv := New(cfg, WithLogger(testLogger()), WithListener(listener.factory()))
			assert.False(t, srv.Start(context.Background()))
			assert.Equal(t, StateStopped, srv.State())
			assert.Zero(t, listener.started)
		})
	}
}

func TestServerStartRollsBackOnListenerFailure(t *testing.T) {
	provider := &lifecycleProvider{StaticProvider: demoProvider(t, "demo", "echo")}
	listener := &fakeListener{startErr: errors.New("address in use")}

	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit.db")

	srv := New(cfg,
		WithLogger(testLogger()),
		WithToolProvider(provider),
		WithListener(listener.factory()),
	)
	assert.False(t, srv.Start(context.Background()))
	assert.Equal(t, StateStopped, srv.State())
	assert.Empty(t, srv.Registry().ProviderIDs())
	assert.Nil(t, srv.AuditLog())

	initialized, disposed := provider.counts()
	assert.Equal(t, 1, initialized)
	assert.Equal(t, 1, disposed)

	listener.startErr = nil
	require.True(t, srv.Start(context.Background()))
	require.True(t, srv.Stop(context.Background()))
}

func TestServerStartRollsBackOnProviderCollision(t *testing.T) {
	first := &lifecycleProvider{StaticProvider: demoProvider(t, "first", "echo")}
	second := &lifecycleProvider{StaticProvider: demoProvider(t, "second", "echo")}

	srv := New(testConfig(), WithLogger(testLogger()), WithToolProvider(first, second))
	assert.False(t, srv.Start(context.Background()))
	assert.Empty(t, srv.Registry().ProviderIDs())

	_, disposed := first.counts()
	assert.Equal(t, 1, disposed)
}

func TestServerStopReportsFailures(t *testing.T) {
	listener := &fakeListener{stopErr: errors.New("stuck")}
	srv := New(testConfig(), WithLogger(testLogger()), WithListener(listener.factory()))

	require.True(t, srv.Start(context.Background()))
	assert.False(t, srv.Stop(context.Background()))
	assert.Equal(t, StateStopped, srv.State(), "remaining steps still run")
}

func TestServerStopClosesConnections(t *testing.T) {
	srv := New(testConfig(), WithLogger(testLogger()))
	require.True(t, srv.Start(context.Background()))

	conn := connection.New("127.0.0.1:5000")
	require.True(t, srv.Connections().HandleConnection(conn))
	assert.Equal(t, 1, srv.Statistics().ActiveConnections)

	require.True(t, srv.Stop(context.Background()))
	assert.True(t, conn.IsClosed())
	assert.Zero(t, srv.Connections().ActiveCount())
}

func TestServerAddAndRemoveToolProvider(t *testing.T) {
	ctx := context.Background()
	srv := New(testConfig(), WithLogger(testLogger()))

	require.NoError(t, srv.AddToolProvider(ctx, demoProvider(t, "early", "a")))
	assert.Empty(t, srv.Registry().ProviderIDs(), "registered on start")

	require.True(t, srv.Start(ctx))
	require.NoError(t, srv.AddToolProvider(ctx, demoProvider(t, "late", "b")))
	assert.Equal(t, []string{"early", "late"}, srv.Registry().ProviderIDs())

	err := srv.AddToolProvider(ctx, demoProvider(t, "clash", "a"))
	assert.ErrorIs(t, err, tools.ErrToolCollision)

	require.NoError(t, srv.RemoveToolProvider(ctx, "early"))
	assert.Equal(t, []string{"late"}, srv.Registry().ProviderIDs())
	require.True(t, srv.Stop(ctx))

	require.True(t, srv.Start(ctx))
	assert.Equal(t, []string{"late"}, srv.Registry().ProviderIDs())
	require.True(t, srv.Stop(ctx))
}

func TestServerUpdateConfig(t *testing.T) {
	logger := testLogger()
	srv := New(testConfig(), WithLogger(logger))
	require.True(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	next := testConfig()
	next.LoggingLevel = "debug"
	next.MaxConnections = 1
	next.RequestTimeoutSeconds = 5
	require.NoError(t, srv.UpdateConfig(next))

	assert.Equal(t, logging.DebugLevel, logger.GetLevel())
	assert.Equal(t, 1, srv.Config().MaxConnections)
	assert.Equal(t, 30, srv.ActiveConfig().RequestTimeoutSeconds, "applies on next start")

	// new connections see the new limit
	require.True(t, srv.Connections().HandleConnection(connection.New("a:1")))
	assert.False(t, srv.Connections().HandleConnection(connection.New("a:2")))

	next.MaxConnections = 50
	assert.Equal(t, 1, srv.Config().MaxConnections, "published snapshot is a copy")

	bad := testConfig()
	bad.Port = 70000
	assert.Error(t, srv.UpdateConfig(bad))
	assert.Error(t, srv.UpdateConfig(nil))
	assert.Equal(t, 1, srv.Config().MaxConnections)
}

func TestServerAuthenticationFromConfig(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAuthentication = true
	cfg.Authentication.Scheme = config.SchemeAPIKey
	cfg.Authentication.APIKeys = []config.APIKeyConfig{{Key: "k-1", UserID: "svc", Roles: []string{auth.RoleService}}}

	srv := New(cfg, WithLogger(testLogger()), WithToolProvider(demoProvider(t, "demo", "echo")))
	require.True(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	provider := srv.Processor().AuthProvider()
	require.NotNil(t, provider)
	assert.Equal(t, auth.SchemeAPIKey, provider.Scheme())

	conn := connection.New("127.0.0.1:1", connection.WithCredentials("k-1"))
	ok, err := srv.Processor().Authenticate(context.Background(), conn)
	require.NoError(t, err)
	assert.True(t, ok)

	require.True(t, srv.Stop(context.Background()))
	assert.Nil(t, srv.Processor().AuthProvider())
}

func TestServerExplicitAuthProvider(t *testing.T) {
	cfg := testConfig()
	cfg.EnableAuthentication = true

	explicit := apiKeyProvider()
	srv := New(cfg, WithLogger(testLogger()), WithAuthProvider(explicit))
	require.True(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	assert.Same(t, explicit, srv.Processor().AuthProvider())
}

func TestServerAuditLog(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Audit.Enabled = true
	cfg.Audit.Path = filepath.Join(t.TempDir(), "audit", "tools.db")

	srv := New(cfg, WithLogger(testLogger()), WithToolProvider(demoProvider(t, "demo", "echo")))
	require.True(t, srv.Start(ctx))

	conn := connection.New("127.0.0.1:1")
	send := func(msg string) {
		srv.Processor().ProcessMessage(ctx, conn, []byte(msg))
	}
	send(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	send(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	send(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"ghost"}}`)

	store := srv.AuditLog()
	require.NotNil(t, store)

	entries, err := store.Query(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "ghost", entries[0].Tool)
	assert.Equal(t, tools.StatusNotFound, entries[0].Status)
	assert.Equal(t, "echo", entries[1].Tool)
	assert.Equal(t, tools.StatusSuccess, entries[1].Status)
	assert.Equal(t, "demo", entries[1].ProviderID)

	require.True(t, srv.Stop(ctx))
	assert.Nil(t, srv.AuditLog())

	// executions while stopped are not recorded anywhere
	_, err = srv.Registry().ExecuteTool(ctx, "echo", json.RawMessage(`{"message":"x"}`))
	assert.Error(t, err)
}

func TestServerMetrics(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig()
	cfg.Metrics.Enabled = true
	cfg.Metrics.Address = "127.0.0.1:0"

	srv := New(cfg, WithLogger(testLogger()), WithToolProvider(demoProvider(t, "demo", "echo")))
	require.True(t, srv.Start(ctx))

	metrics := srv.Metrics()
	require.NotNil(t, metrics)

	conn := connection.New("127.0.0.1:1")
	require.True(t, srv.Connections().HandleConnection(conn))
	srv.Processor().ProcessMessage(ctx, conn, []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	srv.Processor().ProcessMessage(ctx, conn, []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`))

	resp, err := http.Get("http://" + metrics.Addr() + cfg.Metrics.Path)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	text := string(body)
	assert.Contains(t, text, `mcp_server_state{service="mcp-toolserver",state="RUNNING",version="0.1.0"} 1`)
	assert.Contains(t, text, `mcp_active_connections{service="mcp-toolserver",version="0.1.0"} 1`)
	assert.Contains(t, text, `mcp_tool_call_total{service="mcp-toolserver",status="success",tool="echo",version="0.1.0"} 1`)
	assert.Contains(t, text, `mcp_incoming_request_total{method="initialize",service="mcp-toolserver",status="success",version="0.1.0"} 1`)

	require.True(t, srv.Stop(ctx))
	assert.Nil(t, srv.Metrics())
}

func TestServerTracingNoopExporter(t *testing.T) {
	cfg := testConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "noop"

	srv := New(cfg, WithLogger(testLogger()))
	require.True(t, srv.Start(context.Background()))

	raw := srv.Processor().ProcessMessage(context.Background(), connection.New("a:1"), []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	var resp rpcResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	assert.Nil(t, resp.Error)

	require.True(t, srv.Stop(context.Background()))
}

func TestServerMethodHandlers(t *testing.T) {
	srv := New(testConfig(), WithLogger(testLogger()))

	handler := MethodHandlerFunc(func(context.Context, *connection.Connection, *protocol.Request) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	require.NoError(t, srv.RegisterMethodHandler("custom/status", handler))
	assert.ErrorIs(t, srv.RegisterMethodHandler(protocol.MethodPing, handler), ErrBuiltinMethod)

	raw := srv.Processor().ProcessMessage(context.Background(), connection.New("a:1"), []byte(`{"jsonrpc":"2.0","id":1,"method":"custom/status"}`))
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`, string(raw))

	srv.UnregisterMethodHandler("custom/status")
	assert.Empty(t, srv.Processor().MethodHandlers())
}

func TestServerReaperRemovesIdleConnections(t *testing.T) {
	cfg := testConfig()
	cfg.ConnectionTimeoutSeconds = 1
	cfg.ReapIntervalSeconds = 1

	srv := New(cfg, WithLogger(testLogger()))
	require.True(t, srv.Start(context.Background()))
	defer srv.Stop(context.Background())

	conn := connection.New("a:1")
	require.True(t, srv.Connections().HandleConnection(conn))

	assert.Eventually(t, func() bool {
		return srv.Connections().ActiveCount() == 0
	}, 5*time.Second, 50*time.Millisecond)
	assert.True(t, conn.IsClosed())
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateStopped, "STOPPED"},
		{StateStarting, "STARTING"},
		{StateRunning, "RUNNING"},
		{StateStopping, "STOPPING"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
	}
}
