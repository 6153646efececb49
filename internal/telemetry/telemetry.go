// Package telemetry broadcasts epoch-loop progress to connected WebSocket
// viewers, generalizing the teacher's internal/websocket DAGStreamer hub
// (register/unregister/broadcast channels guarded by a map) from DAG
// visualization events to epoch-state transitions.
package telemetry

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event is one state transition or round milestone broadcast to viewers.
type Event struct {
	Kind      string    `json:"kind"`
	State     string    `json:"state,omitempty"`
	Round     int       `json:"round"`
	EpochID   int64     `json:"epoch_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans epoch Events out to every connected WebSocket client. A nil
// *Hub is valid and Broadcast on it is a no-op, so callers can wire
// telemetry in only when an admin HTTP surface is configured.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Event
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// New builds a Hub. Call Run in its own goroutine to start serving.
func New(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

// Run services the hub's channels until ctx-style shutdown is handled by
// the caller closing stop.
func (h *Hub) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("telemetry client connected", "total", n)
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.log.Debug("telemetry client disconnected", "total", n)
		case event := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if err := client.WriteJSON(event); err != nil {
					h.log.Warn("telemetry write error", "err", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ServeWS upgrades r to a WebSocket and registers it as a telemetry
// client. Wire this at /ws on the admin HTTP surface.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("telemetry upgrade error", "err", err)
		return
	}
	h.register <- conn
	go func() {
		defer func() { h.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast queues event for delivery to every connected client. Safe to
// call on a nil Hub.
func (h *Hub) Broadcast(event Event) {
	if h == nil {
		return
	}
	event.Timestamp = time.Now()
	select {
	case h.broadcast <- event:
	default:
		h.log.Warn("telemetry broadcast queue full, dropping event", "kind", event.Kind)
	}
}

// ClientCount reports the number of currently connected viewers.
func (h *Hub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
