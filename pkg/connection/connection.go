// Package connection tracks client sessions: their identity, authentication
// state, activity timestamps and the set of live connections the server owns.
package connection

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ajitpratap0/mcp-toolserver/pkg/protocol"
)

// Connection is one client session, independent of the transport carrying it.
//
// Activity and authentication flags are atomics so the reaper and statistics
// can read them while the owning worker processes messages.
type Connection struct {
	id            string
	remoteAddress string
	remotePort    int
	connectedAt   time.Time

	lastActivity  atomic.Int64
	timeout       atomic.Int64
	authenticated atomic.Bool
	initialized   atomic.Bool
	inFlight      atomic.Int32

	mu              sync.RWMutex
	credentials     string
	metadata        map[string]string
	protocolVersion string
	clientInfo      *protocol.Implementation

	serial sync.Mutex

	closer    func() error
	closeOnce sync.Once
	closeErr  error
	closed    chan struct{}
}

// Option configures a Connection
type Option func(*Connection)

// WithID overrides the generated connection ID
func WithID(id string) Option {
	return func(c *Connection) {
		c.id = id
	}
}

// WithTimeout sets the idle timeout; zero lets the handler apply its default
func WithTimeout(timeout time.Duration) Option {
	return func(c *Connection) {
		c.timeout.Store(int64(timeout))
	}
}

// WithCredentials attaches out-of-band credentials supplied by the transport
func WithCredentials(credentials string) Option {
	return func(c *Connection) {
		c.credentials = credentials
	}
}

// WithMetadata seeds connection metadata
func WithMetadata(metadata map[string]string) Option {
	return func(c *Connection) {
		for k, v := range metadata {
			c.metadata[k] = v
		}
	}
}

// WithCloser sets the function that releases the transport resources of the connection
func WithCloser(closer func() error) Option {
	return func(c *Connection) {
		c.closer = closer
	}
}

// New creates a connection for a peer at remoteAddr ("host:port" or a bare host)
func New(remoteAddr string, options ...Option) *Connection {
	now := time.Now()
	c := &Connection{
		id:          uuid.NewString(),
		connectedAt: now,
		metadata:    make(map[string]string),
		closed:      make(chan struct{}),
	}
	c.remoteAddress, c.remotePort = splitAddress(remoteAddr)
	c.lastActivity.Store(now.UnixNano())

	for _, option := range options {
		option(c)
	}
	return c
}

func splitAddress(addr string) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 0
	}
	return host, port
}

// ID returns the unique connection ID
func (c *Connection) ID() string { return c.id }

// RemoteAddress returns the peer host
func (c *Connection) RemoteAddress() string { return c.remoteAddress }

// RemotePort returns the peer port, or 0 when unknown
func (c *Connection) RemotePort() int { return c.remotePort }

// ConnectedAt returns when the connection was accepted
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the time of the most recent inbound message
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// Touch records inbound activity. The timestamp never moves backwards.
func (c *Connection) Touch() {
	now := time.Now().UnixNano()
	for {
		last := c.lastActivity.Load()
		if now <= last || c.lastActivity.CompareAndSwap(last, now) {
			return
		}
	}
}

// IdleDuration returns how long the connection has been idle at now
func (c *Connection) IdleDuration(now time.Time) time.Duration {
	idle := now.Sub(c.LastActivity())
	if idle < 0 {
		return 0
	}
	return idle
}

// Timeout returns the idle timeout
func (c *Connection) Timeout() time.Duration {
	return time.Duration(c.timeout.Load())
}

// SetTimeout changes the idle timeout
func (c *Connection) SetTimeout(timeout time.Duration) {
	c.timeout.Store(int64(timeout))
}

// HasTimedOut reports whether the idle time exceeds the timeout.
// Connections without a timeout, or with a message being processed, never time out.
func (c *Connection) HasTimedOut(now time.Time) bool {
	timeout := c.Timeout()
	return timeout > 0 && c.inFlight.Load() == 0 && c.IdleDuration(now) > timeout
}

// IsBusy reports whether a message is being processed under Serialize
func (c *Connection) IsBusy() bool {
	return c.inFlight.Load() > 0
}

// IsAuthenticated reports whether the credentials were accepted
func (c *Connection) IsAuthenticated() bool {
	return c.authenticated.Load()
}

// SetAuthenticated records the outcome of authentication
func (c *Connection) SetAuthenticated(authenticated bool) {
	c.authenticated.Store(authenticated)
}

// Credentials returns the opaque credentials attached by the transport
func (c *Connection) Credentials() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.credentials
}

// SetCredentials replaces the credentials. A change clears the authenticated flag.
func (c *Connection) SetCredentials(credentials string) {
	c.mu.Lock()
	changed := c.credentials != credentials
	c.credentials = credentials
	c.mu.Unlock()

	if changed {
		c.authenticated.Store(false)
	}
}

// Metadata returns a metadata value
func (c *Connection) Metadata(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// SetMetadata stores a metadata value
func (c *Connection) SetMetadata(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// MetadataSnapshot returns a copy of all metadata
func (c *Connection) MetadataSnapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// MarkInitialized records the negotiated protocol version and client identity.
// Calling it again overwrites both.
func (c *Connection) MarkInitialized(version string, client *protocol.Implementation) {
	c.mu.Lock()
	c.protocolVersion = version
	c.clientInfo = client
	c.mu.Unlock()

	c.initialized.Store(true)
}

// IsInitialized reports whether the initialize handshake completed
func (c *Connection) IsInitialized() bool {
	return c.initialized.Load()
}

// ProtocolVersion returns the negotiated protocol version
func (c *Connection) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protocolVersion
}

// ClientInfo returns the client identity sent with initialize, if any
func (c *Connection) ClientInfo() *protocol.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientInfo
}

// Serialize runs fn while holding the connection's processing lock, so messages
// from one connection are handled one at a time and in arrival order. The
// connection counts as busy while fn runs and as active when it returns.
func (c *Connection) Serialize(fn func()) {
	c.inFlight.Add(1)
	defer func() {
		c.Touch()
		c.inFlight.Add(-1)
	}()

	c.serial.Lock()
	defer c.serial.Unlock()
	fn()
}

// Close releases the connection. Only the first call has an effect; later calls
// return the first call's result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.closer != nil {
			c.closeErr = c.closer()
		}
	})
	return c.closeErr
}

// Done is closed once the connection is closed
func (c *Connection) Done() <-chan struct{} {
	return c.closed
}

// IsClosed reports whether Close has been called
func (c *Connection) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
