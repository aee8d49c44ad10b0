package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsMessage is the envelope for both directions of the WebSocket.
type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
	Time time.Time   `json:"time"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Info("WebSocket client connected",
		zap.String("remote", conn.RemoteAddr().String()),
		zap.Int("clients", count),
	)

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, conn)
		s.clientsMu.Unlock()
		conn.Close()
		s.logger.Info("WebSocket client disconnected",
			zap.String("remote", conn.RemoteAddr().String()),
		)
	}()

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		s.handleWSMessage(conn, msg)
	}
}

func (s *Server) handleWSMessage(conn *websocket.Conn, msg wsMessage) {
	switch msg.Type {
	case "ping":
		s.writeClient(conn, wsMessage{Type: "pong", Time: time.Now()})
	case "get_status":
		data := map[string]interface{}{
			"model":   s.deps.Analyzer.Status(),
			"clients": s.clientCount(),
		}
		s.writeClient(conn, wsMessage{Type: "status", Data: data, Time: time.Now()})
	default:
		data := map[string]interface{}{
			"message": fmt.Sprintf("unknown message type %q", msg.Type),
		}
		s.writeClient(conn, wsMessage{Type: "error", Data: data, Time: time.Now()})
	}
}

// writeClient serializes writes; gorilla connections allow only one
// concurrent writer.
func (s *Server) writeClient(conn *websocket.Conn, msg wsMessage) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		s.logger.Debug("WebSocket write failed", zap.Error(err))
		conn.Close()
		delete(s.clients, conn)
	}
}

// broadcastEvent pushes an event to every connected client. Clients
// that fail to accept the write are dropped.
func (s *Server) broadcastEvent(event string, data interface{}) {
	msg := wsMessage{Type: event, Data: data, Time: time.Now()}

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for client := range s.clients {
		if err := client.WriteJSON(msg); err != nil {
			s.logger.Warn("WebSocket broadcast failed", zap.Error(err))
			client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Server) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}
