package websocket

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 4096
)

// Client represents a WebSocket client connection
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *slog.Logger
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type    string `json:"type"`
	ChildID string `json:"childId,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Client {
	return &Client{
		id:     uuid.New().String(),
		hub:    hub,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: logger,
	}
}

// readPump pumps messages from the WebSocket connection to the hub
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("websocket error", "error", err)
			}
			break
		}

		var clientMsg ClientMessage
		if err := json.Unmarshal(message, &clientMsg); err != nil {
			c.logger.Warn("invalid message format", "error", err)
			c.sendError("invalid message format")
			continue
		}

		c.handleMessage(&clientMsg)
	}
}

// handleMessage processes incoming client messages
func (c *Client) handleMessage(msg *ClientMessage) {
	switch msg.Type {
	case MessageTypeSubscribe:
		childID, err := uuid.Parse(msg.ChildID)
		if err != nil {
			c.sendError("valid childId required for subscribe")
			return
		}
		c.hub.Subscribe(c, childID.String())
		c.sendAck(MessageTypeSubscribed, childID.String())

	case MessageTypeUnsubscribe:
		childID, err := uuid.Parse(msg.ChildID)
		if err != nil {
			return
		}
		c.hub.Unsubscribe(c, childID.String())
		c.sendAck(MessageTypeUnsubscribed, childID.String())

	case MessageTypePing:
		c.sendPong()

	default:
		c.logger.Debug("unknown message type", "type", msg.Type)
	}
}

// writePump pumps messages from the hub to the WebSocket connection. Each
// message is written as its own frame so clients can decode frames directly.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// enqueue drops the message when the client is not keeping up
func (c *Client) enqueue(msg Message) {
	data, _ := json.Marshal(msg)
	select {
	case c.send <- data:
	default:
	}
}

func (c *Client) sendError(errMsg string) {
	c.enqueue(Message{
		Type:      MessageTypeError,
		Data:      map[string]string{"error": errMsg},
		Timestamp: time.Now(),
	})
}

func (c *Client) sendAck(action, childID string) {
	c.enqueue(Message{
		Type:      action,
		ChildID:   childID,
		Data:      map[string]string{"status": "ok"},
		Timestamp: time.Now(),
	})
}

func (c *Client) sendPong() {
	c.enqueue(Message{
		Type:      MessageTypePong,
		Timestamp: time.Now(),
	})
}

// ServeWs handles WebSocket requests from devices
func ServeWs(hub *Hub, logger *slog.Logger, w http.ResponseWriter, r *http.Request) {
	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(hub, conn, logger)
	hub.Register(client)

	go client.writePump()
	go client.readPump()

	logger.Debug("new websocket connection", "client_id", client.id)
}
