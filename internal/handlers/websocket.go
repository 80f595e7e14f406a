package handlers

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"anisphere/internal/transcode"
	"anisphere/internal/utils"
)

const (
	writeWait     = 5 * time.Second
	hubBufferSize = 256
)

type wsMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// ProgressHub fans transcode progress out to websocket clients. Publish
// never blocks: messages are dropped when the buffer is full.
type ProgressHub struct {
	clients    map[*websocket.Conn]bool
	clientsMux sync.RWMutex
	upgrader   websocket.Upgrader
	messages   chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	logger     *utils.Logger
}

func NewProgressHub(logger *utils.Logger) *ProgressHub {
	return &ProgressHub{
		clients: make(map[*websocket.Conn]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		messages: make(chan []byte, hubBufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// Run delivers queued messages until Close is called.
func (h *ProgressHub) Run() {
	for {
		select {
		case <-h.done:
			return
		case msg := <-h.messages:
			h.broadcast(msg)
		}
	}
}

func (h *ProgressHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.clientsMux.Lock()
		for conn := range h.clients {
			conn.Close()
			delete(h.clients, conn)
		}
		h.clientsMux.Unlock()
	})
}

func (h *ProgressHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed:", err)
		return
	}
	// Drop the server's request read deadline; the connection is long lived.
	conn.SetReadDeadline(time.Time{})

	h.clientsMux.Lock()
	h.clients[conn] = true
	h.clientsMux.Unlock()
	h.logger.Debug("WebSocket client connected, total:", h.ClientCount())

	// Clients only listen; reading drains control frames and detects close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.removeClient(conn)
}

func (h *ProgressHub) removeClient(conn *websocket.Conn) {
	h.clientsMux.Lock()
	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
	h.clientsMux.Unlock()
}

// Publish is an engine progress observer.
func (h *ProgressHub) Publish(p transcode.Progress) {
	h.BroadcastMessage("transcode_progress", map[string]interface{}{
		"taskId":  p.TaskID,
		"state":   p.State,
		"percent": p.Percent,
		"outTime": p.OutTime.Seconds(),
		"frame":   p.Frame,
		"fps":     p.FPS,
		"speed":   p.Speed,
		"error":   p.Error,
	})
}

func (h *ProgressHub) BroadcastMessage(messageType string, data interface{}) {
	msg, err := json.Marshal(wsMessage{Type: messageType, Data: data})
	if err != nil {
		h.logger.Error("Failed to encode websocket message:", err)
		return
	}
	select {
	case h.messages <- msg:
	default:
		h.logger.Debug("WebSocket buffer full, dropping", messageType)
	}
}

func (h *ProgressHub) broadcast(msg []byte) {
	h.clientsMux.Lock()
	defer h.clientsMux.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("Dropping websocket client:", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

func (h *ProgressHub) ClientCount() int {
	h.clientsMux.RLock()
	defer h.clientsMux.RUnlock()
	return len(h.clients)
}
