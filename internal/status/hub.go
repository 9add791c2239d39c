package status

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsreporter/internal/logger"
)

// Hub keeps the latest status and broadcasts every new one to WebSocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	log      *zap.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	latest  *Status
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     logger.Named("ws"),
		clients: make(map[*wsClient]struct{}),
	}
}

// Publish records s as the latest status and sends it to every client.
// Slow clients miss messages rather than blocking the reporter.
func (h *Hub) Publish(s Status) {
	data, err := json.Marshal(s)
	if err != nil {
		return
	}

	h.mu.Lock()
	latest := s
	h.latest = &latest
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

// Latest returns the most recent status.
func (h *Hub) Latest() (Status, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.latest == nil {
		return Status{}, false
	}
	return *h.latest, true
}

// Clients returns the number of connected WebSocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and streams status messages, starting with
// the latest one.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	if h.latest != nil {
		if data, err := json.Marshal(h.latest); err == nil {
			client.send <- data
		}
	}
	h.mu.Unlock()
	h.log.Debug("client connected", zap.Int("clients", n))

	// Writer
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader, only to notice the disconnect
	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, client)
			close(client.send)
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("client disconnected", zap.Int("clients", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
