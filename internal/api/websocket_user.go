package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"profitpilot/internal/auth"
	"profitpilot/internal/events"
	"profitpilot/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UserWSClient represents a user-specific WebSocket client
type UserWSClient struct {
	conn      *websocket.Conn
	send      chan []byte
	hub       *UserWSHub
	userID    string
	closeChan chan struct{}
}

// UserWSHub manages user-specific WebSocket clients
type UserWSHub struct {
	// All connected clients (for global broadcasts)
	clients map[*UserWSClient]bool
	// User-specific client mappings
	userClients map[string]map[*UserWSClient]bool
	broadcast   chan []byte
	userCast    chan userMessage
	register    chan *UserWSClient
	unregister  chan *UserWSClient
	done        chan struct{}
	stopOnce    sync.Once
	mu          sync.RWMutex
	logger      *logging.Logger
}

type userMessage struct {
	userID string
	data   []byte
}

// NewUserWSHub creates a new user-aware WebSocket hub
func NewUserWSHub() *UserWSHub {
	return &UserWSHub{
		clients:     make(map[*UserWSClient]bool),
		userClients: make(map[string]map[*UserWSClient]bool),
		broadcast:   make(chan []byte, wsSendBuffer),
		userCast:    make(chan userMessage, wsSendBuffer),
		register:    make(chan *UserWSClient),
		unregister:  make(chan *UserWSClient),
		done:        make(chan struct{}),
		logger:      logging.WithComponent("ws-hub"),
	}
}

// Attach forwards every bus event to the websocket clients of its user.
// Events without a user go to everyone.
func (h *UserWSHub) Attach(bus *events.EventBus) {
	bus.SubscribeAll(func(event events.Event) {
		if event.UserID == "" {
			h.BroadcastToAll(event)
			return
		}
		h.BroadcastToUser(event.UserID, event)
	})
}

// Run starts the user-aware WebSocket hub. It returns after Stop.
func (h *UserWSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				h.removeLocked(client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			if client.userID != "" {
				if h.userClients[client.userID] == nil {
					h.userClients[client.userID] = make(map[*UserWSClient]bool)
				}
				h.userClients[client.userID][client] = true
			}
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()

		case msg := <-h.userCast:
			h.mu.Lock()
			for client := range h.userClients[msg.userID] {
				select {
				case client.send <- msg.data:
				default:
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop closes every connection and ends Run
func (h *UserWSHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// removeLocked drops a client and closes its send channel. Callers hold h.mu.
func (h *UserWSHub) removeLocked(client *UserWSClient) {
	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	if userClients, ok := h.userClients[client.userID]; ok {
		delete(userClients, client)
		if len(userClients) == 0 {
			delete(h.userClients, client.userID)
		}
	}
	close(client.send)
}

// BroadcastToUser sends an event to a specific user's connections
func (h *UserWSHub) BroadcastToUser(userID string, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal user event", "error", err)
		return
	}

	select {
	case h.userCast <- userMessage{userID: userID, data: data}:
	default:
		h.logger.Warn("User broadcast channel full, dropping message", "user_id", userID, "type", string(event.Type))
	}
}

// BroadcastToAll sends an event to all connected clients
func (h *UserWSHub) BroadcastToAll(event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("Failed to marshal event", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("Broadcast channel full, dropping message", "type", string(event.Type))
	}
}

// GetUserClientCount returns the number of connected clients for a user
func (h *UserWSHub) GetUserClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userClients[userID])
}

// GetTotalClientCount returns the total number of connected clients
func (h *UserWSHub) GetTotalClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// writePump pumps messages from the hub to the websocket connection
func (c *UserWSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.closeChan:
			return
		}
	}
}

// readPump drains the connection so pongs and close frames are processed
func (c *UserWSClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
		close(c.closeChan)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("WebSocket read error", "user_id", c.userID, "error", err)
			}
			return
		}
	}
}

// handleUserWebSocket upgrades an authenticated request. Browsers pass the
// token as ?access_token= since they cannot set headers on upgrades.
// GET /ws
func (s *Server) handleUserWebSocket(c *gin.Context) {
	hub := s.deps.Hub
	if hub == nil {
		errorResponse(c, http.StatusServiceUnavailable, "WS_UNAVAILABLE", "live updates are not available")
		return
	}
	userID := auth.GetUserID(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade connection", "user_id", userID, "error", err)
		return
	}

	client := &UserWSClient{
		conn:      conn,
		send:      make(chan []byte, wsSendBuffer),
		hub:       hub,
		userID:    userID,
		closeChan: make(chan struct{}),
	}

	welcome, _ := json.Marshal(map[string]interface{}{
		"type":      "CONNECTED",
		"message":   "WebSocket connection established",
		"timestamp": time.Now().UTC(),
		"user_id":   userID,
	})
	client.send <- welcome

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
