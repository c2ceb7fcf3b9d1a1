// Package eventbus fans out sync-engine activity (new messages landing
// in a synced folder) to any number of connected WebSocket clients. It
// is the "Event Bus boundary" alongside the MCP request/response
// surface: a client can open one connection and be told when something
// changed instead of polling searchEmails on an interval.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Event describes one folder sync that found new messages.
type Event struct {
	Account     string    `json:"account"`
	Folder      string    `json:"folder"`
	NewMessages int       `json:"new_messages"`
	LastUID     uint32    `json:"last_uid"`
	At          time.Time `json:"at"`
}

const writeTimeout = 5 * time.Second

// Hub tracks connected WebSocket clients and broadcasts Events to all
// of them. It implements http.Handler: mount it at an endpoint (e.g.
// /mcp/events) to accept client connections.
type Hub struct {
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[chan Event]struct{}
}

// NewHub builds an empty Hub ready to accept connections and publish
// events. The upgrader accepts any origin and the Hub performs no
// authentication itself; cmd/mailgw mounts it behind the same API-key
// middleware as /mcp/command.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		clients: make(map[chan Event]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Publish delivers event to every connected client. Slow clients are
// dropped rather than allowed to block the sync engine: a full channel
// means the client isn't keeping up, so it's disconnected.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- event:
		default:
			h.logger.Warn("event bus client too slow, dropping connection")
			close(ch)
			delete(h.clients, ch)
		}
	}
}

// ServeHTTP upgrades the connection to a WebSocket and streams Events
// to it until the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("event bus upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan Event, 16)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}()

	// Drain (and discard) client reads so ping/pong control frames and
	// an eventual close frame are processed; this connection is
	// publish-only from the server's side.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for event := range ch {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// Close disconnects every client, for use during graceful shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		close(ch)
		delete(h.clients, ch)
	}
}
