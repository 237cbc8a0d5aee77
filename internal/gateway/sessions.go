package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// sessionSendBuffer is the per-client queue between the bus and the
// write pump. A client that falls this far behind starts losing events.
const sessionSendBuffer = 64

// Session is one connected /ws/events client. The write pump owns the
// connection; everyone else talks to the send channel.
type Session struct {
	ID        uuid.UUID
	Conn      *websocket.Conn
	CreatedAt time.Time

	send      chan []byte
	closeOnce sync.Once
}

// close shuts the send channel exactly once, which stops the write pump.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.send)
	})
}

// SessionManager tracks connected event feed clients.
type SessionManager struct {
	sessions map[uuid.UUID]*Session
	mu       sync.RWMutex
}

// NewSessionManager creates an empty session registry.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		sessions: make(map[uuid.UUID]*Session),
	}
}

// Create registers a session for a newly upgraded connection.
func (m *SessionManager) Create(conn *websocket.Conn) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	session := &Session{
		ID:        uuid.New(),
		Conn:      conn,
		CreatedAt: time.Now(),
		send:      make(chan []byte, sessionSendBuffer),
	}
	m.sessions[session.ID] = session
	return session
}

// Remove drops a session and closes its connection.
func (m *SessionManager) Remove(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if session, ok := m.sessions[id]; ok {
		session.close()
		_ = session.Conn.Close()
		delete(m.sessions, id)
	}
}

// Count returns the number of connected clients.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Broadcast queues a message for every client. Slow clients drop
// messages rather than stall the bus dispatcher.
func (m *SessionManager) Broadcast(message []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, session := range m.sessions {
		select {
		case session.send <- message:
		default:
		}
	}
}

// CloseAll disconnects every client, typically during shutdown.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, session := range m.sessions {
		session.close()
		_ = session.Conn.Close()
		delete(m.sessions, id)
	}
}
