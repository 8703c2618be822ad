package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-toolserver/pkg/auth"
	"github.com/ajitpratap0/mcp-toolserver/pkg/config"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
	"github.com/ajitpratap0/mcp-toolserver/pkg/server"
	"github.com/ajitpratap0/mcp-toolserver/pkg/tools"
	"github.com/ajitpratap0/mcp-toolserver/pkg/utils"
)

func echoProvider(t *testing.T) *tools.StaticProvider {
	t.Helper()

	p := tools.NewStaticProvider("demo")
	require.NoError(t, p.AddTool(
		protocol.MustTool("echo", "Echoes the message back", json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"]
		}`)),
		func(ctx context.Context, arguments json.RawMessage) (*protocol.CallToolResult, error) {
			var args struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(arguments, &args); err != nil {
				return nil, err
			}
			return protocol.NewToolResult(protocol.TextContent("echo: " + args.Message)), nil
		},
	))
	return p
}

// newRuntime starts a server without a listener and returns its runtime
func newRuntime(t *testing.T, mutate func(*config.ServerConfig)) (*server.Server, server.Runtime) {
	t.Helper()

	cfg := config.Default()
	cfg.ReapIntervalSeconds = 0
	if mutate != nil {
		mutate(cfg)
	}

	logger := logging.New(io.Discard, logging.NewTextFormatter())
	srv := server.New(cfg, server.WithLogger(logger), server.WithToolProvider(echoProvider(t)))
	require.True(t, srv.Start(context.Background()))
	t.Cleanup(func() { srv.Stop(context.Background()) })

	return srv, server.Runtime{
		Processor:   srv.Processor(),
		Connections: srv.Connections(),
		Config:      srv.Config,
		Logger:      logger,
	}
}

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *protocol.Error `json:"error"`
}

type testClient struct {
	t       *testing.T
	url     string
	session string
	headers map[string]string
}

func newTestClient(t *testing.T, handler http.Handler) *testClient {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return &testClient{t: t, url: ts.URL, headers: map[string]string{}}
}

func (c *testClient) do(method, path, body string) *http.Response {
	c.t.Helper()

	req, err := http.NewRequest(method, c.url+path, strings.NewReader(body))
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if c.session != "" {
		req.Header.Set(HeaderSessionID, c.session)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	c.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (c *testClient) rpc(body string) rpcReply {
	c.t.Helper()

	resp := c.do(http.MethodPost, DefaultEndpoint, body)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	assert.Equal(c.t, "application/json", resp.Header.Get("Content-Type"))

	var reply rpcReply
	require.NoError(c.t, json.NewDecoder(resp.Body).Decode(&reply))
	return reply
}

func (c *testClient) initialize() {
	c.t.Helper()

	resp := c.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	require.Equal(c.t, http.StatusOK, resp.StatusCode)
	c.session = resp.Header.Get(HeaderSessionID)
	require.True(c.t, strings.HasPrefix(c.session, sessionIDPrefix), "session id %q", c.session)
}

func TestHTTPSessionRoundTrip(t *testing.T) {
	srv, rt := newRuntime(t, nil)
	l := NewHTTPListener(rt)
	c := newTestClient(t, l.Handler())

	c.initialize()
	assert.Equal(t, 1, l.SessionCount())
	assert.Equal(t, 1, srv.Connections().ActiveCount())

	resp := c.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Empty(t, body)

	reply := c.rpc(`{"jsonrpc":"2.0","id":"1","method":"tools/list"}`)
	require.Nil(t, reply.Error)
	var list protocol.ListToolsResult
	require.NoError(t, json.Unmarshal(reply.Result, &list))
	require.Len(t, list.Tools, 1)
	assert.Equal(t, "echo", list.Tools[0].Name)

	reply = c.rpc(`{"jsonrpc":"2.0","id":"2","method":"tools/call","params":{"name":"echo","arguments":{"message":"hi"}}}`)
	require.Nil(t, reply.Error)
	assert.Equal(t, `"2"`, string(reply.ID))
	var result protocol.CallToolResult
	require.NoError(t, json.Unmarshal(reply.Result, &result))
	assert.Equal(t, "echo: hi", result.Content[0].Text)

	resp = c.do(http.MethodDelete, DefaultEndpoint, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Zero(t, l.SessionCount())
	assert.Zero(t, srv.Connections().ActiveCount())

	resp = c.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":3,"method":"ping"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = c.do(http.MethodDelete, DefaultEndpoint, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	c.session = ""
	resp = c.do(http.MethodDelete, DefaultEndpoint, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHTTPInitializeWithStaleSessionOpensNewOne(t *testing.T) {
	_, rt := newRuntime(t, nil)
	c := newTestClient(t, NewHTTPListener(rt).Handler())

	c.session = "mcp_session_unknown"
	c.initialize()
	assert.NotEqual(t, "mcp_session_unknown", c.session)
}

func TestHTTPFailedInitializeOpensNoSession(t *testing.T) {
	srv, rt := newRuntime(t, func(c *config.ServerConfig) { c.MaxConnections = 2 })
	l := NewHTTPListener(rt)
	c := newTestClient(t, l.Handler())

	for i := 0; i < 3; i++ {
		resp := c.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":5}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode, "attempt %d", i)
		assert.Empty(t, resp.Header.Get(HeaderSessionID))

		var reply rpcReply
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
		require.NotNil(t, reply.Error)
		assert.Equal(t, protocol.InvalidParams, reply.Error.Code)
	}

	assert.Zero(t, l.SessionCount())
	assert.Zero(t, srv.Connections().ActiveCount())

	// the failed attempts did not use up the connection limit
	c.initialize()
	assert.Equal(t, 1, l.SessionCount())
}

func TestHTTPRequestsWithoutSession(t *testing.T) {
	srv, rt := newRuntime(t, nil)
	c := newTestClient(t, NewHTTPListener(rt).Handler())

	reply := c.rpc(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	require.Nil(t, reply.Error)
	assert.JSONEq(t, `{}`, string(reply.Result))

	reply = c.rpc(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.InvalidRequest, reply.Error.Code)

	reply = c.rpc(`{"jsonrpc":"2.0",`)
	require.NotNil(t, reply.Error)
	assert.Equal(t, protocol.ParseError, reply.Error.Code)
	assert.Equal(t, "null", string(reply.ID))

	assert.Zero(t, srv.Connections().ActiveCount(), "short-lived connections are released")
}

func TestHTTPSessionClosedByServer(t *testing.T) {
	srv, rt := newRuntime(t, nil)
	l := NewHTTPListener(rt)
	c := newTestClient(t, l.Handler())
	c.initialize()

	for _, info := range srv.Connections().ConnectionInfo() {
		conn, ok := srv.Connections().Get(info.ID)
		require.True(t, ok)
		srv.Connections().HandleConnectionClosed(conn)
	}

	assert.Zero(t, l.SessionCount())
	resp := c.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPConnectionLimit(t *testing.T) {
	_, rt := newRuntime(t, func(c *config.ServerConfig) { c.MaxConnections = 1 })
	handler := NewHTTPListener(rt).Handler()

	first := newTestClient(t, handler)
	first.initialize()

	second := newTestClient(t, handler)
	resp := second.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":0,"method":"initialize"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = second.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPAuthentication(t *testing.T) {
	_, rt := newRuntime(t, func(c *config.ServerConfig) {
		c.EnableAuthentication = true
		c.Authentication.Scheme = config.SchemeAPIKey
		c.Authentication.APIKeys = []config.APIKeyConfig{
			{Key: "secret-key", UserID: "alice", Roles: []string{auth.RoleUser}},
		}
	})

	tests := []struct {
		name    string
		headers map[string]string
		wantErr bool
	}{
		{"no credentials", nil, true},
		{"wrong key", map[string]string{HeaderAPIKey: "nope"}, true},
		{"api key header", map[string]string{HeaderAPIKey: "secret-key"}, false},
		{"bearer header", map[string]string{"Authorization": "Bearer secret-key"}, false},
		{"lowercase scheme", map[string]string{"Authorization": "bearer secret-key"}, false},
		{"basic scheme ignored", map[string]string{"Authorization": "Basic secret-key"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, NewHTTPListener(rt).Handler())
			c.headers = tt.headers
			c.initialize()

			reply := c.rpc(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"x"}}}`)
			if !tt.wantErr {
				assert.Nil(t, reply.Error)
				return
			}
			require.NotNil(t, reply.Error)
			assert.Equal(t, protocol.InvalidRequest, reply.Error.Code)
		})
	}
}

func TestHTTPCredentialsChangeWithinSession(t *testing.T) {
	_, rt := newRuntime(t, func(c *config.ServerConfig) {
		c.EnableAuthentication = true
		c.Authentication.Scheme = config.SchemeAPIKey
		c.Authentication.APIKeys = []config.APIKeyConfig{{Key: "k1", UserID: "a", Roles: []string{auth.RoleUser}}}
	})
	c := newTestClient(t, NewHTTPListener(rt).Handler())
	c.initialize()

	listTools := `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`
	assert.NotNil(t, c.rpc(listTools).Error)

	c.headers = map[string]string{HeaderAPIKey: "k1"}
	assert.Nil(t, c.rpc(listTools).Error)

	c.headers = nil
	assert.NotNil(t, c.rpc(listTools).Error, "dropping credentials revokes access")
}

func TestHTTPTokenEndpoint(t *testing.T) {
	_, rt := newRuntime(t, func(c *config.ServerConfig) {
		c.EnableAuthentication = true
		c.Authentication.Scheme = config.SchemeBearer
		c.Authentication.Users = []config.UserConfig{{Username: "alice", Password: "wonderland", Roles: []string{auth.RoleUser}}}
	})
	handler := NewHTTPListener(rt).Handler()

	post := func(req *http.Request) *http.Response {
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}
	ts := httptest.NewServer(handler)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/auth/token", nil)
	req.SetBasicAuth("alice", "wrong")
	assert.Equal(t, http.StatusUnauthorized, post(req).StatusCode)

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/auth/token", strings.NewReader("not json"))
	assert.Equal(t, http.StatusBadRequest, post(req).StatusCode)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/auth/token", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, post(req).StatusCode)

	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/auth/token", strings.NewReader(`{"username":"alice","password":"wonderland"}`))
	resp := post(req)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token auth.TokenResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	require.NotEmpty(t, token.AccessToken)
	assert.Equal(t, "Bearer", token.TokenType)

	c := &testClient{t: t, url: ts.URL, headers: map[string]string{"Authorization": "Bearer " + token.AccessToken}}
	c.initialize()
	reply := c.rpc(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"echo","arguments":{"message":"x"}}}`)
	assert.Nil(t, reply.Error)
}

func TestHTTPTokenEndpointWithoutIssuer(t *testing.T) {
	_, rt := newRuntime(t, nil)
	c := newTestClient(t, NewHTTPListener(rt).Handler())

	resp := c.do(http.MethodPost, "/auth/token", `{"username":"a","password":"b"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTPOriginValidation(t *testing.T) {
	tests := []struct {
		name    string
		options []HTTPOption
		origin  string
		want    int
	}{
		{"no origin", nil, "", http.StatusOK},
		{"localhost with port", nil, "http://localhost:3000", http.StatusOK},
		{"loopback ip", nil, "http://127.0.0.1:8080", http.StatusOK},
		{"foreign origin", nil, "https://evil.example", http.StatusForbidden},
		{"localhost lookalike", nil, "http://localhost.evil.example", http.StatusForbidden},
		{"configured origin", []HTTPOption{WithAllowedOrigins("https://app.example")}, "https://app.example", http.StatusOK},
		{"configured list excludes localhost", []HTTPOption{WithAllowedOrigins("https://app.example")}, "http://localhost", http.StatusForbidden},
		{"wildcard", []HTTPOption{WithAllowedOrigins("*")}, "https://anything.example", http.StatusOK},
	}

	_, rt := newRuntime(t, nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, NewHTTPListener(rt, tt.options...).Handler())
			if tt.origin != "" {
				c.headers["Origin"] = tt.origin
			}

			resp := c.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.want == http.StatusOK && tt.origin != "" {
				assert.Equal(t, tt.origin, resp.Header.Get("Access-Control-Allow-Origin"))
			}
		})
	}
}

func TestHTTPPreflightAndMethods(t *testing.T) {
	_, rt := newRuntime(t, nil)
	c := newTestClient(t, NewHTTPListener(rt).Handler())
	c.headers["Origin"] = "http://localhost:5173"

	resp := c.do(http.MethodOptions, DefaultEndpoint, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), HeaderSessionID)
	assert.Equal(t, "POST, DELETE, OPTIONS", resp.Header.Get("Access-Control-Allow-Methods"))

	resp = c.do(http.MethodGet, DefaultEndpoint, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, "POST, DELETE, OPTIONS", resp.Header.Get("Allow"))

	resp = c.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.NotEmpty(t, resp.Header.Get(logging.RequestIDHeader))
}

func TestHTTPBodyLimit(t *testing.T) {
	_, rt := newRuntime(t, nil)
	c := newTestClient(t, NewHTTPListener(rt, WithMaxBodyBytes(32)).Handler())

	resp := c.do(http.MethodPost, DefaultEndpoint, `{"jsonrpc":"2.0","id":1,"method":"ping","params":{"padding":"`+strings.Repeat("x", 64)+`"}}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestHTTPHealth(t *testing.T) {
	_, rt := newRuntime(t, nil)
	c := newTestClient(t, NewHTTPListener(rt).Handler())
	c.initialize()

	resp := c.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health healthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, healthResponse{Status: "ok", Sessions: 1, ActiveConnections: 1}, health)

	resp = c.do(http.MethodPost, "/healthz", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHTTPListenerStartStop(t *testing.T) {
	_, rt := newRuntime(t, nil)
	cfg := config.Default()
	cfg.Port = 0
	rt.Config = func() *config.ServerConfig { return cfg }
	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	leaks := utils.NewGoroutineLeakDetector(t)

	l := NewHTTPListener(rt)
	require.NoError(t, l.Start(context.Background()))
	require.NoError(t, l.Start(context.Background()), "second start is a no-op")
	addr := l.Addr()
	require.NotEmpty(t, addr)

	resp, err := client.Post("http://"+addr+DefaultEndpoint, "application/json",
		bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, l.Stop(context.Background()))
	assert.Empty(t, l.Addr())
	require.NoError(t, l.Stop(context.Background()))

	_, err = client.Post("http://"+addr+DefaultEndpoint, "application/json", bytes.NewBufferString(`{}`))
	assert.Error(t, err)
	leaks.Check()
}

func TestHTTPListenerTLSRequiresKeyPair(t *testing.T) {
	_, rt := newRuntime(t, nil)
	cfg := config.Default()
	cfg.Port = 0
	cfg.EnableTLS = true
	cfg.TLSCertPath = "/nonexistent/cert.pem"
	cfg.TLSKeyPath = "/nonexistent/key.pem"
	rt.Config = func() *config.ServerConfig { return cfg }

	l := NewHTTPListener(rt)
	assert.Error(t, l.Start(context.Background()))
	assert.Empty(t, l.Addr())
}

func TestServerRollsBackWhenPortIsTaken(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	cfg := config.Default()
	cfg.ReapIntervalSeconds = 0
	cfg.Port = taken.Addr().(*net.TCPAddr).Port

	srv := server.New(cfg,
		server.WithLogger(logging.New(io.Discard, logging.NewTextFormatter())),
		server.WithToolProvider(echoProvider(t)),
		server.WithListener(HTTPListenerFactory()),
	)
	assert.False(t, srv.Start(context.Background()))
	assert.Equal(t, server.StateStopped, srv.State())
	assert.Empty(t, srv.Registry().ProviderIDs())
}

func TestOriginPolicy(t *testing.T) {
	p := originPolicy{allowed: DefaultAllowedOrigins}

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://localhost", true},
		{"https://localhost:8443", true},
		{"http://[::1]:9000", true},
		{"http://127.0.0.1", true},
		{"http://localhost.example.com", false},
		{"http://example.com", false},
		{"null", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.allows(tt.origin), tt.origin)
	}
}

func TestCredentialsFrom(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"none", nil, ""},
		{"bearer", map[string]string{"Authorization": "Bearer abc"}, "abc"},
		{"bearer wins over api key", map[string]string{"Authorization": "Bearer abc", HeaderAPIKey: "key"}, "abc"},
		{"api key", map[string]string{HeaderAPIKey: " key "}, "key"},
		{"other scheme falls back", map[string]string{"Authorization": "Basic xyz", HeaderAPIKey: "key"}, "key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, credentialsFrom(r))
		})
	}
}

func TestGenerateSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := generateSessionID()
		require.NoError(t, err)
		assert.Len(t, id, len(sessionIDPrefix)+64)
		assert.False(t, seen[id])
		seen[id] = true
	}
}
