// Package wshub fans bus events out to WebSocket clients as a one-way
// broadcast.
package wshub

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/blackflagsec/sentinel/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	pingInterval = 30 * time.Second
	pongWait     = 90 * time.Second
)

type client struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

// Hub broadcasts bus events to connected WebSocket clients.
type Hub struct {
	bus *events.Bus

	mu      sync.RWMutex
	clients map[string]*client
	logger  *zap.Logger
}

// NewHub creates a Hub that broadcasts everything published on bus.
func NewHub(bus *events.Bus, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{bus: bus, clients: make(map[string]*client), logger: logger}
}

// HandleWS upgrades the request and streams bus events to the client until
// disconnect.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	id := r.RemoteAddr + "-" + time.Now().UTC().Format(time.RFC3339Nano)
	c := &client{id: id, conn: conn}

	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	h.logger.Info("websocket client connected", zap.String("client_id", id))

	defer func() {
		conn.Close()
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		h.logger.Info("websocket client disconnected", zap.String("client_id", id))
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))

	sub := h.bus.Subscribe(id)
	defer h.bus.Unsubscribe(id)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			c.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, evt.JSON())
			c.mu.Unlock()
			if err != nil {
				return
			}
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// ConnectedCount returns the number of currently connected clients.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
