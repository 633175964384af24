package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mock-api-platform/internal/models"
	"mock-api-platform/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 32
)

type wsClient struct {
	conn   *websocket.Conn
	userID string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// trySend queues msg unless the client is gone or too slow.
func (c *wsClient) trySend(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

type userMessage struct {
	userID  string
	payload []byte
}

// WebSocketHandler streams each user's usage records to their open sockets.
type WebSocketHandler struct {
	upgrader   websocket.Upgrader
	auth       *services.AuthService
	clients    map[*wsClient]bool
	broadcast  chan userMessage
	register   chan *wsClient
	unregister chan *wsClient
	stopped    chan struct{}
	connected  atomic.Int64
	log        *zap.Logger
}

func NewWebSocketHandler(auth *services.AuthService, log *zap.Logger) *WebSocketHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		auth:       auth,
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan userMessage, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		stopped:    make(chan struct{}),
		log:        log,
	}
}

// HandleConnections authenticates with the token query parameter (or a
// bearer header) before upgrading.
func (h *WebSocketHandler) HandleConnections(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	claims, err := h.auth.ValidateToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Invalid token"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		conn:   ws,
		userID: claims.UserID,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
	}
	select {
	case h.register <- client:
	case <-h.stopped:
		ws.Close()
		return
	}
	h.log.Debug("websocket client registered", zap.String("user_id", client.userID))

	go h.writePump(client)
	h.readPump(client)

	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
	client.close()
}

func (h *WebSocketHandler) readPump(client *wsClient) {
	for {
		var msg map[string]interface{}
		if err := client.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var response map[string]interface{}
		switch msg["type"] {
		case "subscribe":
			response = map[string]interface{}{
				"type":      "subscribed",
				"message":   "Successfully subscribed to usage updates",
				"timestamp": time.Now().Unix(),
			}
		case "ping":
			response = map[string]interface{}{
				"type": "pong",
				"time": time.Now().Unix(),
			}
		default:
			response = map[string]interface{}{
				"type":      "error",
				"message":   "Unknown message type",
				"timestamp": time.Now().Unix(),
			}
		}
		if data, err := json.Marshal(response); err == nil {
			client.trySend(data)
		}
	}
}

// writePump owns all writes to the connection.
func (h *WebSocketHandler) writePump(client *wsClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case msg := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				client.close()
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.close()
				return
			}
		case <-client.done:
			_ = client.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		}
	}
}

// RunHub routes messages to clients until ctx is done. It must only be
// called once.
func (h *WebSocketHandler) RunHub(ctx context.Context) {
	h.log.Info("starting websocket hub")
	defer close(h.stopped)

	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.connected.Store(0)
			return

		case client := <-h.register:
			h.clients[client] = true
			h.connected.Store(int64(len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.connected.Store(int64(len(h.clients)))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if client.userID != message.userID {
					continue
				}
				if !client.trySend(message.payload) {
					h.log.Warn("dropping slow websocket client", zap.String("user_id", client.userID))
					client.close()
					delete(h.clients, client)
					h.connected.Store(int64(len(h.clients)))
				}
			}
		}
	}
}

// Connected returns the number of registered sockets.
func (h *WebSocketHandler) Connected() int {
	return int(h.connected.Load())
}

// NotifyUsage pushes a persisted usage record to its owner's sockets. It
// never blocks; updates are dropped when the hub is saturated.
func (h *WebSocketHandler) NotifyUsage(record models.UsageRecord) {
	message := map[string]interface{}{
		"type":      "usage_update",
		"user_id":   record.UserID,
		"data":      record,
		"timestamp": time.Now().Unix(),
	}

	jsonData, err := json.Marshal(message)
	if err != nil {
		h.log.Warn("failed to marshal usage update", zap.Error(err))
		return
	}

	select {
	case h.broadcast <- userMessage{userID: record.UserID, payload: jsonData}:
	default:
		h.log.Warn("websocket broadcast queue full, dropping update", zap.String("user_id", record.UserID))
	}
}
