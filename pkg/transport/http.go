package transport

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/mcp-toolserver/pkg/auth"
	"github.com/ajitpratap0/mcp-toolserver/pkg/connection"
	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
	"github.com/ajitpratap0/mcp-toolserver/pkg/server"
)

const (
	// DefaultEndpoint is the path JSON-RPC messages are posted to
	DefaultEndpoint = "/mcp"

	// DefaultMaxBodyBytes bounds a single posted message
	DefaultMaxBodyBytes int64 = 1 << 20

	// HeaderAPIKey carries an API key when no Authorization header is sent
	HeaderAPIKey = "X-API-Key"
)

var (
	errSessionNotFound = errors.New("session not found or expired")
	errConnectionLimit = errors.New("connection limit reached")
)

// HTTPOption configures an HTTPListener
type HTTPOption func(*HTTPListener)

// WithEndpoint sets the path serving JSON-RPC messages
func WithEndpoint(path string) HTTPOption {
	return func(l *HTTPListener) {
		l.endpoint = path
	}
}

// WithMaxBodyBytes sets the largest accepted message body
func WithMaxBodyBytes(n int64) HTTPOption {
	return func(l *HTTPListener) {
		l.maxBody = n
	}
}

// WithAllowedOrigins replaces the origins browsers may call from. "*" allows any origin.
func WithAllowedOrigins(origins ...string) HTTPOption {
	return func(l *HTTPListener) {
		l.origins = originPolicy{allowed: append([]string(nil), origins...)}
	}
}

// HTTPListener serves the protocol over HTTP POST. An initialize request
// opens a session whose ID is returned in the Mcp-Session-Id header; later
// requests carrying that header share one connection. Requests without a
// session run on a short-lived connection closed after the response.
type HTTPListener struct {
	rt       server.Runtime
	logger   logging.Logger
	endpoint string
	maxBody  int64
	origins  originPolicy
	sessions *sessionStore

	mu    sync.Mutex
	srv   *http.Server
	ln    net.Listener
	group *errgroup.Group
}

// NewHTTPListener creates a listener serving rt
func NewHTTPListener(rt server.Runtime, options ...HTTPOption) *HTTPListener {
	logger := rt.Logger
	if logger == nil {
		logger = logging.NewNop()
	}

	l := &HTTPListener{
		rt:       rt,
		logger:   logger.WithFields(logging.String(logging.FieldComponent, "HTTPListener")),
		endpoint: DefaultEndpoint,
		maxBody:  DefaultMaxBodyBytes,
		origins:  originPolicy{allowed: DefaultAllowedOrigins},
		sessions: newSessionStore(),
	}
	for _, option := range options {
		option(l)
	}
	return l
}

// HTTPListenerFactory returns a server.ListenerFactory building an HTTPListener
func HTTPListenerFactory(options ...HTTPOption) server.ListenerFactory {
	return func(rt server.Runtime) (server.Listener, error) {
		return NewHTTPListener(rt, options...), nil
	}
}

// Handler returns the HTTP handler with request logging applied
func (l *HTTPListener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(l.endpoint, l.handleMCP)
	mux.HandleFunc("/healthz", l.handleHealth)
	mux.HandleFunc("/auth/token", l.handleToken)

	return logging.HTTPMiddleware(l.logger, &logging.UUIDGenerator{})(l.checkOrigin(mux))
}

// Start binds the configured address, with TLS when enabled, and serves in the background
func (l *HTTPListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.srv != nil {
		return nil
	}

	cfg := l.rt.Config()
	ln, err := net.Listen("tcp", cfg.Address())
	if err != nil {
		return fmt.Errorf("http listener: %w", err)
	}
	if cfg.EnableTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			_ = ln.Close()
			return fmt.Errorf("loading TLS key pair: %w", err)
		}
		ln = tls.NewListener(ln, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	srv := &http.Server{
		Handler:           l.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.WithError(err).Error("HTTP server stopped")
			return err
		}
		return nil
	})

	l.srv, l.ln, l.group = srv, ln, g
	l.logger.Info("HTTP listener started",
		logging.String("address", ln.Addr().String()),
		logging.String("endpoint", l.endpoint),
		logging.Bool("tls", cfg.EnableTLS))
	return nil
}

// Stop stops accepting requests and waits for in-flight exchanges until ctx is done
func (l *HTTPListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	srv, g := l.srv, l.group
	l.srv, l.ln, l.group = nil, nil, nil
	l.mu.Unlock()

	if srv == nil {
		return nil
	}

	shutdownErr := srv.Shutdown(ctx)
	if err := errors.Join(shutdownErr, g.Wait()); err != nil {
		return fmt.Errorf("stopping http listener: %w", err)
	}
	l.logger.Info("HTTP listener stopped")
	return nil
}

// Addr returns the bound address while the listener runs
func (l *HTTPListener) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ln == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// SessionCount returns the number of open sessions
func (l *HTTPListener) SessionCount() int {
	return l.sessions.count()
}

func (l *HTTPListener) checkOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if !l.origins.allows(origin) {
			l.logger.Warn("Rejected request origin",
				logging.String("origin", origin),
				logging.String("remote_addr", r.RemoteAddr))
			http.Error(w, "Origin not allowed", http.StatusForbidden)
			return
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Expose-Headers", HeaderSessionID)
			w.Header().Add("Vary", "Origin")
		}
		next.ServeHTTP(w, r)
	})
}

func (l *HTTPListener) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		l.handlePost(w, r)
	case http.MethodDelete:
		l.handleDelete(w, r)
	case http.MethodOptions:
		w.Header().Set("Access-Control-Allow-Methods", "POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, "+HeaderSessionID)
		w.Header().Set("Access-Control-Max-Age", "86400")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "POST, DELETE, OPTIONS")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (l *HTTPListener) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	target, status, err := l.connectionFor(r, body)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}
	conn := target.conn
	if target.sessionID == "" {
		defer l.rt.Connections.HandleConnectionClosed(conn)
	}

	ctx := l.rt.Processor.Tracer().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
	credentials := credentialsFrom(r)

	var resp []byte
	conn.Serialize(func() {
		if credentials != conn.Credentials() {
			conn.SetCredentials(credentials)
			if _, err := l.rt.Processor.Authenticate(ctx, conn); err != nil {
				l.logger.WithError(err).Warn("Authentication failed",
					logging.String(logging.FieldConnectionID, conn.ID()))
			}
		}
		resp = l.rt.Processor.ProcessMessage(ctx, conn, body)
	})

	sessionID := target.sessionID
	if target.opened && isErrorResponse(resp) {
		// a session whose initialize failed is never handed out
		l.rt.Connections.HandleConnectionClosed(conn)
		l.logger.Debug("Session discarded after failed initialize",
			logging.String(logging.FieldConnectionID, conn.ID()))
		sessionID = ""
	}

	if sessionID != "" {
		w.Header().Set(HeaderSessionID, sessionID)
	}
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(resp); err != nil {
		l.rt.Connections.HandleConnectionError(conn, err)
	}
}

// route is the connection a posted message runs on. sessionID is empty for
// short-lived connections; opened marks a session created by this request.
type route struct {
	conn      *connection.Connection
	sessionID string
	opened    bool
}

// connectionFor resolves the connection a posted message runs on
func (l *HTTPListener) connectionFor(r *http.Request, body []byte) (route, int, error) {
	initialize := isInitialize(body)

	if id := r.Header.Get(HeaderSessionID); id != "" {
		if conn, ok := l.sessions.get(id); ok {
			return route{conn: conn, sessionID: id}, 0, nil
		}
		if !initialize {
			return route{}, http.StatusNotFound, errSessionNotFound
		}
	}

	if !initialize {
		conn, err := l.admit(r)
		if err != nil {
			return route{}, http.StatusServiceUnavailable, err
		}
		return route{conn: conn}, 0, nil
	}

	id, err := generateSessionID()
	if err != nil {
		return route{}, http.StatusInternalServerError, err
	}
	conn, err := l.admit(r, connection.WithCloser(func() error {
		l.sessions.delete(id)
		return nil
	}))
	if err != nil {
		return route{}, http.StatusServiceUnavailable, err
	}
	l.sessions.put(id, conn)
	l.logger.Debug("Session opened", logging.String(logging.FieldConnectionID, conn.ID()))
	return route{conn: conn, sessionID: id, opened: true}, 0, nil
}

func (l *HTTPListener) admit(r *http.Request, options ...connection.Option) (*connection.Connection, error) {
	options = append(options, connection.WithMetadata(map[string]string{
		server.MetadataUserAgent: r.UserAgent(),
	}))
	conn := connection.New(r.RemoteAddr, options...)
	if !l.rt.Connections.HandleConnection(conn) {
		return nil, errConnectionLimit
	}
	return conn, nil
}

func (l *HTTPListener) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" {
		http.Error(w, "Missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}

	conn, ok := l.sessions.get(id)
	if !ok {
		http.Error(w, errSessionNotFound.Error(), http.StatusNotFound)
		return
	}
	l.rt.Connections.HandleConnectionClosed(conn)
	w.WriteHeader(http.StatusOK)
}

type healthResponse struct {
	Status            string `json:"status"`
	Sessions          int    `json:"sessions"`
	ActiveConnections int    `json:"activeConnections"`
}

func (l *HTTPListener) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:            "ok",
		Sessions:          l.sessions.count(),
		ActiveConnections: l.rt.Connections.ActiveCount(),
	})
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleToken exchanges a username and password, sent with basic auth or as a
// JSON body, for a token when the authentication provider can issue one
func (l *HTTPListener) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer, ok := l.rt.Processor.AuthProvider().(auth.TokenIssuer)
	if !ok {
		http.Error(w, "Token issuance is not supported", http.StatusNotFound)
		return
	}

	var req tokenRequest
	if username, password, hasBasic := r.BasicAuth(); hasBasic {
		req = tokenRequest{Username: username, Password: password}
	} else if err := json.NewDecoder(io.LimitReader(r.Body, l.maxBody)).Decode(&req); err != nil {
		http.Error(w, "Expected basic auth or a JSON body with username and password", http.StatusBadRequest)
		return
	}

	token, err := issuer.IssueToken(r.Context(), req.Username, req.Password)
	if err != nil {
		var authErr *auth.AuthError
		if errors.As(err, &authErr) {
			l.logger.Warn("Token request rejected",
				logging.String("username", req.Username),
				logging.String("reason", authErr.Code))
			http.Error(w, authErr.Message, http.StatusUnauthorized)
			return
		}
		l.logger.WithError(err).Error("Token issuance failed")
		http.Error(w, "Token issuance failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, token)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// credentialsFrom takes a bearer token from Authorization, else an API key
func credentialsFrom(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if scheme, token, ok := strings.Cut(header, " "); ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.Header.Get(HeaderAPIKey))
}

func isErrorResponse(resp []byte) bool {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	return len(resp) > 0 && json.Unmarshal(resp, &envelope) == nil &&
		len(envelope.Error) > 0 && string(envelope.Error) != "null"
}

func isInitialize(body []byte) bool {
	var peek struct {
		Method string `json:"method"`
	}
	return json.Unmarshal(body, &peek) == nil && peek.Method == protocol.MethodInitialize
}
