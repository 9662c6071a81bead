package mcp

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/formpilot/api/schemas"
)

// Constants for WebSocket timeouts and limits.
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second
	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second
	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
	// The feed is one-way; peers only send control frames.
	maxMessageSize  = 512
	sendChannelSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The CORS middleware allows any origin, so the handshake does too.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// AttemptEvent is one message of the attempt feed.
type AttemptEvent struct {
	TaskType schemas.TaskType `json:"task_type"`
	Attempt  schemas.Attempt  `json:"attempt"`
	// Timestamp is RFC 3339 in UTC.
	Timestamp string `json:"timestamp"`
}

// AttemptHub broadcasts every finished attempt to the connected feed
// clients. It is registered with the service as an attempt observer.
type AttemptHub struct {
	logger *zap.Logger

	mu      sync.Mutex
	clients map[*feedClient]struct{}
	closed  bool
}

// NewAttemptHub creates an empty hub.
func NewAttemptHub(logger *zap.Logger) *AttemptHub {
	return &AttemptHub{
		logger:  logger.Named("feed"),
		clients: make(map[*feedClient]struct{}),
	}
}

// Record queues the attempt for every client. Slow clients lose messages
// rather than stall the task that produced them.
func (h *AttemptHub) Record(taskType schemas.TaskType, attempt schemas.Attempt) {
	ev := AttemptEvent{TaskType: taskType, Attempt: attempt, Timestamp: time.Now().UTC().Format(time.RFC3339)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			h.logger.Warn("Feed client send buffer full, dropping attempt.", zap.String("remote", c.remote))
		}
	}
}

// Clients returns the number of connected clients.
func (h *AttemptHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *AttemptHub) register(c *feedClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *AttemptHub) unregister(c *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Close disconnects every client and refuses new ones.
func (h *AttemptHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// feedClient represents a single feed connection.
type feedClient struct {
	hub    *AttemptHub
	conn   *websocket.Conn
	remote string
	// Buffered channel of outgoing events. The writePump reads from this.
	send chan AttemptEvent
}

// ServeHTTP upgrades the connection and streams attempts until the peer
// goes away or the hub closes.
func (h *AttemptHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.logger.Error("Failed to upgrade connection to WebSocket", zap.Error(err))
		return
	}
	c := &feedClient{hub: h, conn: conn, remote: r.RemoteAddr, send: make(chan AttemptEvent, sendChannelSize)}
	if !h.register(c) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	h.logger.Info("Attempt feed client connected.", zap.String("remote", c.remote))

	go c.writePump()
	c.readPump()
}

// readPump discards client messages and keeps the read deadline moving on
// pongs. It returns when the connection fails or closes.
func (c *feedClient) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
		c.hub.logger.Debug("Attempt feed client disconnected.", zap.String("remote", c.remote))
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("Attempt feed closed unexpectedly.", zap.Error(err))
			}
			return
		}
	}
}

// writePump centralizes writes to the connection and sends pings.
func (c *feedClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				c.hub.logger.Debug("Error writing attempt to feed client.", zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
