// Package ws pushes change notifications to connected browsers so open
// conversation lists refresh without polling.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	apperrors "topic-chat/backend/pkg/errors"
	"topic-chat/backend/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4 * 1024

	sendBuffer = 64
)

// EventConversationsChanged tells a user's tabs to reload the conversation list
const EventConversationsChanged = "conversations.changed"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	HandshakeTimeout: 10 * time.Second,
	ReadBufferSize:   1024,
	WriteBufferSize:  1024,
}

// Message is the envelope of every frame on the socket
type Message struct {
	Type    string `json:"type"`
	Content any    `json:"content,omitempty"`
}

// ConversationEvent is the content of a conversations.changed message
type ConversationEvent struct {
	ConversationID string `json:"conversationId,omitempty"`
	Action         string `json:"action,omitempty"`
}

type Client struct {
	ID     string
	UserID string
	Conn   *websocket.Conn
	Send   chan []byte
	Hub    *Hub
}

type delivery struct {
	userID  string
	payload []byte
}

// Hub routes events to the connections of one user
type Hub struct {
	clients    map[string]map[*Client]bool
	publish    chan delivery
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	log        *logger.Logger
	mu         sync.RWMutex
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		publish:    make(chan delivery, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run serves registrations and deliveries until ctx is done
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.UserID] == nil {
				h.clients[client.UserID] = make(map[*Client]bool)
			}
			h.clients[client.UserID][client] = true
			h.mu.Unlock()
			h.log.Debug("websocket client registered", "client_id", client.ID, "user_id", client.UserID)

		case client := <-h.unregister:
			h.remove(client)

		case d := <-h.publish:
			h.mu.Lock()
			for client := range h.clients[d.userID] {
				select {
				case client.Send <- d.payload:
				default:
					h.drop(client)
					h.log.Warn("websocket client removed due to blocked channel", "client_id", client.ID)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[client.UserID][client] {
		h.drop(client)
		h.log.Debug("websocket client unregistered", "client_id", client.ID)
	}
}

// drop must be called with mu held
func (h *Hub) drop(client *Client) {
	delete(h.clients[client.UserID], client)
	if len(h.clients[client.UserID]) == 0 {
		delete(h.clients, client.UserID)
	}
	close(client.Send)
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.clients {
		for client := range set {
			h.drop(client)
		}
	}
}

// Publish queues an event for every connection of userID. It never
// blocks; events are dropped when the hub is saturated.
func (h *Hub) Publish(userID string, message Message) {
	if userID == "" {
		return
	}
	payload, err := json.Marshal(message)
	if err != nil {
		h.log.LogError(err, "failed to encode websocket event", "type", message.Type)
		return
	}
	select {
	case h.publish <- delivery{userID: userID, payload: payload}:
	default:
		h.log.Warn("websocket event dropped", "type", message.Type, "user_id", userID)
	}
}

// ConversationChanged publishes a conversations.changed event
func (h *Hub) ConversationChanged(userID, conversationID string) {
	h.Publish(userID, Message{
		Type:    EventConversationsChanged,
		Content: ConversationEvent{ConversationID: conversationID},
	})
}

// ConversationsChanged is used by REST mutations that know what happened
func (h *Hub) ConversationsChanged(userID, conversationID, action string) {
	h.Publish(userID, Message{
		Type:    EventConversationsChanged,
		Content: ConversationEvent{ConversationID: conversationID, Action: action},
	})
}

// Connections returns the number of sockets open for userID
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		// inbound frames carry nothing; reading keeps pong handling alive
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.log.Debug("websocket read failed", "client_id", c.ID, "error", err.Error())
			}
			return
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWs upgrades the request and subscribes the socket to the events of
// the userId query parameter
func ServeWs(hub *Hub, c *gin.Context) {
	userID := c.Query("userId")
	if userID == "" {
		_ = c.Error(apperrors.InvalidInput("userId is required"))
		c.Abort()
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.FromContext(c).LogError(err, "websocket upgrade failed")
		return
	}

	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Conn:   conn,
		Send:   make(chan []byte, sendBuffer),
		Hub:    hub,
	}
	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
