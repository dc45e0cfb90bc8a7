package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gamedata-sync/internal/config"
	"github.com/gamedata-sync/internal/domain"
	"github.com/gamedata-sync/internal/metrics"
	"github.com/gorilla/websocket"
)

// Message types
const (
	MessageTypeGameDataChanged = "game_data_changed"
	MessageTypeSubscribe       = "subscribe"
	MessageTypeUnsubscribe     = "unsubscribe"
	MessageTypeSubscribed      = "subscribed"
	MessageTypeUnsubscribed    = "unsubscribed"
	MessageTypePing            = "ping"
	MessageTypePong            = "pong"
	MessageTypeError           = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	ChildID   string      `json:"childId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub tracks connected devices and fans change notifications out to the
// devices subscribed to a child
type Hub struct {
	// Subscribed clients by child ID
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	mu       sync.RWMutex
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client  *Client
	childID string
}

// NewHub creates a new Hub
func NewHub(cfg *config.WebsocketConfig, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}

	var origins []string
	if cfg != nil {
		origins = cfg.AllowedOrigins
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

// originChecker allows every origin when the list is empty or contains "*"
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.ToLower(o)] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || set[strings.ToLower(origin)]
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			metrics.SetWebsocketClients(len(h.allClients))
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for childID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, childID)
						}
					}
				}
				close(client.send)
				metrics.SetWebsocketClients(len(h.allClients))
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			// a request queued before the client went away must not
			// resurrect it with a closed send channel
			if !h.allClients[req.client] {
				h.mu.Unlock()
				h.logger.Debug("dropping subscribe for unregistered client", "client_id", req.client.id)
				continue
			}
			if _, ok := h.clients[req.childID]; !ok {
				h.clients[req.childID] = make(map[*Client]bool)
			}
			h.clients[req.childID][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "child_id", req.childID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.childID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.childID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "child_id", req.childID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to the clients subscribed to its child
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	clients, ok := h.clients[message.ChildID]
	if !ok {
		return
	}

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn("client buffer full, skipping", "client_id", client.id)
		}
	}
}

// PublishChange notifies the devices subscribed to the event's child. It
// never blocks the caller; notifications are hints and may be dropped.
func (h *Hub) PublishChange(event domain.ChangeEvent) {
	message := &Message{
		Type:      MessageTypeGameDataChanged,
		ChildID:   event.ChildID.String(),
		Data:      event,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message", "child_id", message.ChildID)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a child's notifications
func (h *Hub) Subscribe(client *Client, childID string) {
	h.subscribe <- &subscriptionRequest{
		client:  client,
		childID: childID,
	}
}

// Unsubscribe removes a client from a child's notifications
func (h *Hub) Unsubscribe(client *Client, childID string) {
	h.unsubscribe <- &subscriptionRequest{
		client:  client,
		childID: childID,
	}
}

// GetSubscriberCount returns the number of subscribers for a child
func (h *Hub) GetSubscriberCount(childID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[childID]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
