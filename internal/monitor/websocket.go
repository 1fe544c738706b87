package monitor

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub fans newly-detected conflicts out to every connected websocket client
// (a supplemented feature over the spec's read-only monitor: a push
// channel so a dashboard doesn't have to poll).
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]chan ConflictSummary
}

// NewHub builds an empty Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, clients: make(map[*websocket.Conn]chan ConflictSummary)}
}

// Broadcast pushes summary to every connected client. Call this from the
// replication driver whenever conflict.Resolver writes a conflict_log row.
func (h *Hub) Broadcast(summary ConflictSummary) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.clients {
		select {
		case ch <- summary:
		default:
			// Slow client; drop rather than block the broadcaster.
		}
	}
}

func (a *API) websocketHandler(w http.ResponseWriter, r *http.Request) {
	if a.hub == nil {
		http.Error(w, "conflict push is not enabled", http.StatusNotImplemented)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Warn("monitor: websocket upgrade failed", "error", err)
		return
	}

	ch := make(chan ConflictSummary, 16)
	a.hub.mu.Lock()
	a.hub.clients[conn] = ch
	a.hub.mu.Unlock()

	defer func() {
		a.hub.mu.Lock()
		delete(a.hub.clients, conn)
		a.hub.mu.Unlock()
		conn.Close()
	}()

	for summary := range ch {
		payload, err := json.Marshal(summary)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}
