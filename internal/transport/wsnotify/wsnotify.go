// Package wsnotify rebroadcasts task cancellation over WebSocket so workers
// can react immediately instead of polling. It subscribes once to the
// kernel's event bus and narrows the stream down to exactly the event the
// spec calls out for worker notification: a transition whose destination
// state is cancelled.
package wsnotify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"orchestrator/internal/events"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CancellationNotice is the payload sent to connected workers.
type CancellationNotice struct {
	TaskID    string    `json:"taskId"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub upgrades incoming connections and rebroadcasts cancellation notices
// to every connected socket.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub subscribes to bus and starts the fan-out goroutine. Close
// disconnects all clients; it does not stop the fan-out goroutine, which
// keeps reading the bus subscription.
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	h := &Hub{logger: logger, clients: make(map[*websocket.Conn]struct{})}
	go h.run(bus.Subscribe())
	return h
}

func (h *Hub) run(stream <-chan events.Event) {
	for ev := range stream {
		if ev.Kind != events.TaskTransitioned || ev.Data.To != "cancelled" {
			continue
		}
		h.broadcast(CancellationNotice{TaskID: ev.Data.TaskID, Reason: ev.Data.Reason, Timestamp: ev.Timestamp})
	}
}

func (h *Hub) broadcast(notice CancellationNotice) {
	payload, err := json.Marshal(notice)
	if err != nil {
		h.logger.Error("marshal cancellation notice failed", "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Warn("dropping unresponsive websocket client", "error", err)
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

// ServeHTTP upgrades the connection and registers it to receive
// cancellation notices until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.readLoop(conn)
}

// readLoop drains incoming frames (the protocol is server-to-client only)
// so a disconnect surfaces as a read error and the client is removed.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		_ = conn.Close()
		delete(h.clients, conn)
	}
}
