package connection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ajitpratap0/mcp-toolserver/pkg/logging"
)

// Limits are the admission settings applied to newly accepted connections
type Limits struct {
	MaxConnections    int
	ConnectionTimeout time.Duration
}

// LimitsFunc returns the current limits. It is consulted on every accept so
// configuration swaps affect later connections only.
type LimitsFunc func() Limits

// Observer is notified whenever the number of active connections changes
type Observer interface {
	ObserveActiveConnections(active int)
}

// Info is a point-in-time description of a connection
type Info struct {
	ID              string        `json:"id"`
	RemoteAddress   string        `json:"remoteAddress"`
	RemotePort      int           `json:"remotePort,omitempty"`
	ConnectedAt     time.Time     `json:"connectedAt"`
	Authenticated   bool          `json:"authenticated"`
	Initialized     bool          `json:"initialized"`
	ProtocolVersion string        `json:"protocolVersion,omitempty"`
	Idle            time.Duration `json:"idle"`
}

// Handler owns the set of live connections
type Handler struct {
	mu     sync.RWMutex
	active map[string]*Connection

	limits    LimitsFunc
	logger    logging.Logger
	observers []Observer
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithLogger sets the handler logger
func WithLogger(logger logging.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger.WithFields(logging.String(logging.FieldComponent, "ConnectionHandler"))
	}
}

// WithObserver adds an observer of the active connection count
func WithObserver(observer Observer) HandlerOption {
	return func(h *Handler) {
		h.observers = append(h.observers, observer)
	}
}

// NewHandler creates a handler that admits connections according to limits
func NewHandler(limits LimitsFunc, options ...HandlerOption) *Handler {
	h := &Handler{
		active: make(map[string]*Connection),
		limits: limits,
		logger: logging.NewNop(),
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// HandleConnection admits a connection. It returns false when the server is at
// its connection limit or the connection is already tracked.
func (h *Handler) HandleConnection(conn *Connection) bool {
	limits := h.limits()

	h.mu.Lock()
	if _, exists := h.active[conn.ID()]; exists {
		h.mu.Unlock()
		return false
	}
	if limits.MaxConnections > 0 && len(h.active) >= limits.MaxConnections {
		h.mu.Unlock()
		h.logger.Warn("Connection rejected: limit reached",
			logging.String(logging.FieldConnectionID, conn.ID()),
			logging.String("remote", conn.RemoteAddress()),
			logging.Int("max_connections", limits.MaxConnections),
		)
		return false
	}
	if conn.Timeout() == 0 {
		conn.SetTimeout(limits.ConnectionTimeout)
	}
	h.active[conn.ID()] = conn
	count := len(h.active)
	h.mu.Unlock()

	h.logger.Info("Connection accepted",
		logging.String(logging.FieldConnectionID, conn.ID()),
		logging.String("remote", conn.RemoteAddress()),
		logging.Int("active", count),
	)
	h.notify(count)
	return true
}

// HandleConnectionClosed forgets the connection and closes it. Repeated calls are no-ops.
func (h *Handler) HandleConnectionClosed(conn *Connection) {
	h.remove(conn, "closed")
}

// HandleConnectionError logs a transport failure and closes the connection
func (h *Handler) HandleConnectionError(conn *Connection, err error) {
	h.logger.WithError(err).Error("Connection error",
		logging.String(logging.FieldConnectionID, conn.ID()),
		logging.String("remote", conn.RemoteAddress()),
	)
	h.remove(conn, "error")
}

// remove reports whether this call was the one that removed the connection
func (h *Handler) remove(conn *Connection, reason string) bool {
	return h.removeIf(conn, reason, nil)
}

// removeIf removes conn when cond, evaluated under the write lock, holds.
// A nil cond always holds. A connection failing cond is left open.
func (h *Handler) removeIf(conn *Connection, reason string, cond func() bool) bool {
	h.mu.Lock()
	current, exists := h.active[conn.ID()]
	if exists && current == conn && cond != nil && !cond() {
		h.mu.Unlock()
		return false
	}
	if exists && current == conn {
		delete(h.active, conn.ID())
	}
	count := len(h.active)
	h.mu.Unlock()

	removed := exists && current == conn
	if err := conn.Close(); err != nil && removed {
		h.logger.WithError(err).Debug("Closing connection failed",
			logging.String(logging.FieldConnectionID, conn.ID()))
	}
	if !removed {
		return false
	}

	h.logger.Info("Connection closed",
		logging.String(logging.FieldConnectionID, conn.ID()),
		logging.String("reason", reason),
		logging.Duration("duration", time.Since(conn.ConnectedAt())),
	)
	h.notify(count)
	return true
}

// CloseAllConnections force-closes every connection. It attempts every close
// and returns true only if all of them succeeded.
func (h *Handler) CloseAllConnections() bool {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.active))
	for _, c := range h.active {
		conns = append(conns, c)
	}
	h.active = make(map[string]*Connection)
	h.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection %s: %w", c.ID(), err))
		}
	}

	if len(conns) > 0 {
		h.notify(0)
	}
	if err := errors.Join(errs...); err != nil {
		h.logger.WithError(err).Warn("Some connections failed to close", logging.Int("failed", len(errs)))
		return false
	}
	h.logger.Debug("All connections closed", logging.Int("count", len(conns)))
	return true
}

// ConnectionInfo returns a snapshot of every active connection, oldest first
func (h *Handler) ConnectionInfo() []Info {
	now := time.Now()

	h.mu.RLock()
	infos := make([]Info, 0, len(h.active))
	for _, c := range h.active {
		infos = append(infos, Info{
			ID:              c.ID(),
			RemoteAddress:   c.RemoteAddress(),
			RemotePort:      c.RemotePort(),
			ConnectedAt:     c.ConnectedAt(),
			Authenticated:   c.IsAuthenticated(),
			Initialized:     c.IsInitialized(),
			ProtocolVersion: c.ProtocolVersion(),
			Idle:            c.IdleDuration(now),
		})
	}
	h.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Get returns the active connection with the given ID
func (h *Handler) Get(id string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.active[id]
	return c, ok
}

// ActiveCount returns the number of active connections
func (h *Handler) ActiveCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// ReapTimedOut closes every connection idle past its timeout at now and
// returns how many this call closed. The timeout is checked again at removal
// so activity after the scan keeps a connection open.
func (h *Handler) ReapTimedOut(now time.Time) int {
	h.mu.RLock()
	var expired []*Connection
	for _, c := range h.active {
		if c.HasTimedOut(now) {
			expired = append(expired, c)
		}
	}
	h.mu.RUnlock()

	reaped := 0
	for _, c := range expired {
		if h.removeIf(c, "timeout", func() bool { return c.HasTimedOut(now) }) {
			reaped++
		}
	}
	if reaped > 0 {
		h.logger.Info("Reaped idle connections", logging.Int("count", reaped))
	}
	return reaped
}

// StartReaper scans for idle connections every interval until ctx is done.
// The returned channel is closed when the reaper exits.
func (h *Handler) StartReaper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		close(done)
		return done
	}

	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				h.logger.Error("Panic in connection reaper", logging.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case now := <-ticker.C:
				h.ReapTimedOut(now)
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

func (h *Handler) notify(active int) {
	for _, o := range h.observers {
		o.ObserveActiveConnections(active)
	}
}
