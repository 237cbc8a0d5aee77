package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agent-grid/agent-grid/internal/bus"
)

const (
	// wsPingInterval is the interval between ping frames sent to the client.
	wsPingInterval = 30 * time.Second
	// wsPongTimeout is how long to wait for a pong response before closing.
	wsPongTimeout = 10 * time.Second
	// wsWriteTimeout is the deadline for writing a message to the client.
	wsWriteTimeout = 5 * time.Second
)

// broadcastEvent fans a bus event out to every connected feed client.
// Registered via SubscribeAll; it must never block the dispatcher.
func (s *Server) broadcastEvent(_ context.Context, event bus.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn("event feed marshal failed", "type", event.Type, "error", err)
		return nil
	}
	s.sessions.Broadcast(data)
	return nil
}

// handleEventsWS upgrades the connection and streams every bus event as
// a JSON frame until the client goes away.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("event feed upgrade failed", "error", err)
		return
	}

	session := s.sessions.Create(conn)
	defer s.sessions.Remove(session.ID)

	s.logger.Info("event feed client connected", "session_id", session.ID, "remote", r.RemoteAddr)

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))
	})
	_ = conn.SetReadDeadline(time.Now().Add(wsPingInterval + wsPongTimeout))

	// Read pump: the feed is one-way, so this only notices disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					s.logger.Warn("event feed read error", "session_id", session.ID, "error", err)
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case message, ok := <-session.send:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Debug("event feed write failed", "session_id", session.ID, "error", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
