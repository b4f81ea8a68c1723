package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/khryptorgraphics/rtverify/pkg/types"
)

// WebSocket message types
const (
	MessageTypeStage    = "stage"
	MessageTypeTerminal = "terminal"
	MessageTypeError    = "error"
)

// WebSocketMessage represents a message pushed to progress subscribers
type WebSocketMessage struct {
	Type      string               `json:"type"`
	RunID     string               `json:"run_id"`
	Timestamp time.Time            `json:"timestamp"`
	Entry     *types.StageLogEntry `json:"entry,omitempty"`
	Status    types.TerminalStatus `json:"status,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// WebSocketClient represents one connected progress subscriber
type WebSocketClient struct {
	conn  *websocket.Conn
	send  chan WebSocketMessage
	runID uuid.UUID
}

// WebSocketHub fans stage-log entries out to per-run subscribers
type WebSocketHub struct {
	clients    map[*WebSocketClient]bool
	broadcast  chan WebSocketMessage
	register   chan *WebSocketClient
	unregister chan *WebSocketClient
	done       chan struct{}
	logger     *slog.Logger
	mu         sync.RWMutex
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewWebSocketHub creates a new WebSocket hub
func NewWebSocketHub(logger *slog.Logger) *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*WebSocketClient]bool),
		broadcast:  make(chan WebSocketMessage, 256),
		register:   make(chan *WebSocketClient),
		unregister: make(chan *WebSocketClient),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub loop. It returns when Stop is called.
func (h *WebSocketHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.drop(client)
		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.runID.String() != msg.RunID {
					continue
				}
				select {
				case client.send <- msg:
				default:
					// Slow consumer; drop it rather than block the hub.
					go func(c *WebSocketClient) { h.unregister <- c }(client)
				}
			}
			h.mu.RUnlock()
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				client.conn.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop shuts the hub down and closes every client.
func (h *WebSocketHub) Stop() {
	close(h.done)
}

// Broadcast queues a message for every subscriber of its run.
func (h *WebSocketHub) Broadcast(msg WebSocketMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

func (h *WebSocketHub) drop(client *WebSocketClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
		client.conn.Close()
	}
}

// runProgressHandler upgrades the connection and streams a run's stage-log
// entries until the client disconnects or the hub stops. The end of the run
// does not close the connection.
func (s *Server) runProgressHandler(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &WebSocketClient{
		conn:  conn,
		send:  make(chan WebSocketMessage, 64),
		runID: runID,
	}
	s.websocket.register <- client

	go client.writePump()
	go client.readPump(s.websocket)
}

func (c *WebSocketClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketClient) readPump(hub *WebSocketHub) {
	defer func() {
		hub.unregister <- c
	}()
	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
