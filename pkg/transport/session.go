package transport

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/ajitpratap0/mcp-toolserver/pkg/connection"
)

// HeaderSessionID carries the session ID issued in the initialize response
const HeaderSessionID = "Mcp-Session-Id"

const sessionIDPrefix = "mcp_session_"

// generateSessionID creates a 256-bit random session ID
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session ID: %w", err)
	}
	return sessionIDPrefix + hex.EncodeToString(b), nil
}

// sessionStore maps HTTP session IDs to their connections. A session lives
// exactly as long as its connection: closing the connection, whether by
// DELETE, the idle reaper or server shutdown, drops the session.
type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*connection.Connection
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*connection.Connection)}
}

func (s *sessionStore) get(id string) (*connection.Connection, bool) {
	s.mu.RLock()
	conn, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok || conn.IsClosed() {
		return nil, false
	}
	return conn, true
}

func (s *sessionStore) put(id string, conn *connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[id] = conn
}

func (s *sessionStore) delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *sessionStore) count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
