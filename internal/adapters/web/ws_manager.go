// Package web holds the websocket fan-out for the inspect server's live
// event stream.
package web

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lcalzada-xor/fullmac/internal/telemetry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// Allow same-origin (no Origin header)
		if origin == "" {
			return true
		}

		allowedOrigins := []string{
			"http://localhost:8080",
			"http://127.0.0.1:8080",
			"http://[::1]:8080",
		}
		for _, allowed := range allowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	},
}

// WSMessage is one frame on the event stream.
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WSManager fans driver events out to websocket subscribers. A slow client is
// dropped rather than allowed to back-pressure the driver.
type WSManager struct {
	log     *zap.Logger
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewWSManager(log *zap.Logger) *WSManager {
	return &WSManager{
		log:     log,
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// HandleWebSocket upgrades the connection and registers the subscriber.
func (m *WSManager) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.clients[conn] = struct{}{}
	m.mu.Unlock()
	telemetry.InspectClients.Inc()
	m.log.Debug("websocket client connected", zap.String("remote", conn.RemoteAddr().String()))

	// Clean up on disconnect. Inbound messages are ignored; the stream is
	// one-way.
	go func() {
		defer m.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (m *WSManager) drop(conn *websocket.Conn) {
	conn.Close()
	m.mu.Lock()
	_, present := m.clients[conn]
	delete(m.clients, conn)
	m.mu.Unlock()
	if present {
		telemetry.InspectClients.Dec()
	}
}

// Broadcast sends one typed message to every subscriber.
func (m *WSManager) Broadcast(msgType string, payload interface{}) {
	data, err := json.Marshal(WSMessage{Type: msgType, Payload: payload})
	if err != nil {
		m.log.Warn("event stream marshal failed", zap.String("type", msgType), zap.Error(err))
		return
	}

	m.mu.Lock()
	stale := make([]*websocket.Conn, 0)
	for conn := range m.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		conn.Close()
		delete(m.clients, conn)
	}
	m.mu.Unlock()
	for range stale {
		telemetry.InspectClients.Dec()
	}
}

// CloseAll disconnects every subscriber. Used at shutdown.
func (m *WSManager) CloseAll() {
	m.mu.Lock()
	n := len(m.clients)
	for conn := range m.clients {
		conn.Close()
		delete(m.clients, conn)
	}
	m.mu.Unlock()
	telemetry.InspectClients.Sub(float64(n))
}

// ClientCount reports the number of live subscribers.
func (m *WSManager) ClientCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}
