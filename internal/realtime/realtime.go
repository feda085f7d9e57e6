// Package realtime pushes interaction events to connected dashboard clients
// over WebSocket and, when Redis is configured, relays them to sibling
// processes. The hub is itself a bus listener; it never publishes back into
// the bus, so relayed events cannot loop.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/reportdeck/report-engine/internal/pubsub"
)

const relayChannel = "report-engine:events"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wireEvent is the JSON shape pushed to WebSocket clients and through the
// Redis relay.
type wireEvent struct {
	ID      int64     `json:"id"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sentAt"`
}

// subscriptionRequest narrows a client to specific origin instances. An
// empty list means every event.
type subscriptionRequest struct {
	Instances []int64 `json:"instances"`
}

// Hub maintains the set of active WebSocket connections.
type Hub struct {
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	redis      *redis.Client
	logger     *zap.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
}

// Client is one WebSocket connection.
type Client struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu        sync.RWMutex
	instances map[int64]bool
}

// NewHub creates a hub. redisClient may be nil; the cross-process relay is
// then disabled.
func NewHub(redisClient *redis.Client, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		redis:      redisClient,
		logger:     logger,
		clients:    make(map[*Client]bool),
	}
}

// Run drives registration and local broadcast until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("realtime client connected", zap.String("client", client.ID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("realtime client disconnected", zap.String("client", client.ID))

		case message := <-h.broadcast:
			h.fanOut(message, 0)

		case <-ctx.Done():
			return
		}
	}
}

// OnEvent implements pubsub.Listener: bus events fan out to connected
// clients and, when configured, to the Redis relay channel.
func (h *Hub) OnEvent(e pubsub.Event) {
	data, err := json.Marshal(wireEvent{ID: e.ID, Payload: e.Payload, SentAt: time.Now()})
	if err != nil {
		h.logger.Error("encode realtime event", zap.Error(err))
		return
	}

	h.fanOut(data, e.ID)

	if h.redis != nil {
		if err := h.redis.Publish(context.Background(), relayChannel, data).Err(); err != nil {
			h.logger.Warn("redis relay publish failed", zap.Error(err))
		}
	}
}

// fanOut delivers to every local client interested in the origin instance.
// originID 0 means the origin is unknown (relayed payloads); everyone gets
// those.
func (h *Hub) fanOut(message []byte, originID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if originID != 0 && !client.wants(originID) {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Slow consumer; drop the connection rather than block fan-out.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// RunRelay consumes the Redis relay channel and forwards payloads to local
// clients only. Returns when ctx is cancelled or redis is not configured.
func (h *Hub) RunRelay(ctx context.Context) {
	if h.redis == nil {
		return
	}
	sub := h.redis.Subscribe(ctx, relayChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast <- []byte(msg.Payload)
		case <-ctx.Done():
			return
		}
	}
}

// HandleWebSocket upgrades the request and registers the connection.
func (h *Hub) HandleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to upgrade connection"})
		return
	}

	client := &Client{
		ID:        uuid.New().String(),
		hub:       h,
		conn:      conn,
		send:      make(chan []byte, 256),
		instances: make(map[int64]bool),
	}
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ConnectedClients returns the number of live connections.
func (h *Hub) ConnectedClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *Client) wants(instanceID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.instances) == 0 {
		return true
	}
	return c.instances[instanceID]
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}

		var req subscriptionRequest
		if err := json.Unmarshal(message, &req); err == nil {
			c.mu.Lock()
			c.instances = make(map[int64]bool, len(req.Instances))
			for _, id := range req.Instances {
				c.instances[id] = true
			}
			c.mu.Unlock()
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
