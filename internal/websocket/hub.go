package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coursehub/backend/internal/logger"
	"github.com/coursehub/backend/internal/metrics"
)

// Broadcaster delivers events to connected sessions. Delivery is best
// effort: nothing is queued for users who are not connected.
type Broadcaster interface {
	// SendToUser reports whether the event was handed off toward a live
	// connection for userID. A true result does not guarantee the client
	// read it.
	SendToUser(ctx context.Context, userID, event string, payload any) bool
	Broadcast(ctx context.Context, event string, payload any)
}

// Message is the wire envelope of every server push.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encode(event string, payload any) ([]byte, error) {
	return json.Marshal(Message{Event: event, Data: payload})
}

// Hub maintains the set of active clients, one per user. A new connection
// from the same user replaces the previous one.
type Hub struct {
	// Registered clients by user ID
	clients map[string]*Client

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Evict requests for users whose newest connection lives elsewhere
	evict chan string

	done chan struct{}

	// onConnect and onDisconnect run on the hub goroutine when a user gains
	// or loses its slot. They must not block.
	onConnect    func(userID string)
	onDisconnect func(userID string)

	metrics *metrics.Metrics
	log     *logger.Logger
	mu      sync.RWMutex
}

// NewHub creates a new Hub instance.
func NewHub(m *metrics.Metrics, log *logger.Logger) *Hub {
	if m == nil {
		m = metrics.Default()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		evict:      make(chan string),
		done:       make(chan struct{}),
		metrics:    m,
		log:        log.WithComponent("websocket"),
	}
}

// Run starts the hub's main loop. It closes every connection when ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for userID, client := range h.clients {
				close(client.send)
				delete(h.clients, userID)
				h.metrics.DecWSConnections()
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			previous, replaced := h.clients[client.userID]
			if replaced {
				close(previous.send)
			} else {
				h.metrics.IncWSConnections()
			}
			h.clients[client.userID] = client
			h.mu.Unlock()

			if replaced {
				h.log.Debug(ctx, "connection replaced", map[string]interface{}{"user_id": client.userID})
			}
			if h.onConnect != nil {
				h.onConnect(client.userID)
			}

		case client := <-h.unregister:
			if h.remove(client.userID, client) && h.onDisconnect != nil {
				h.onDisconnect(client.userID)
			}

		case userID := <-h.evict:
			if h.remove(userID, nil) {
				h.log.Debug(ctx, "connection taken over by another node", map[string]interface{}{"user_id": userID})
				if h.onDisconnect != nil {
					h.onDisconnect(userID)
				}
			}
		}
	}
}

// remove drops the user's slot if it holds client, or any client when
// client is nil.
func (h *Hub) remove(userID string, client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	current, ok := h.clients[userID]
	if !ok || (client != nil && current != client) {
		return false
	}
	delete(h.clients, userID)
	close(current.send)
	h.metrics.DecWSConnections()
	return true
}

// Register hands a new connection to the hub.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		if c.conn != nil {
			c.conn.Close()
		}
	}
}

// Unregister removes a connection if it still owns its user's slot.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Evict closes the local connection of userID, if any.
func (h *Hub) Evict(userID string) {
	select {
	case h.evict <- userID:
	case <-h.done:
	}
}

// SendToUser delivers to the user's connection on this process.
func (h *Hub) SendToUser(ctx context.Context, userID, event string, payload any) bool {
	data, err := encode(event, payload)
	if err != nil {
		h.log.Error(ctx, "failed to encode event", err, map[string]interface{}{"event": event})
		return false
	}
	delivered := h.deliver(userID, data)
	if delivered {
		h.metrics.RecordWSEvent(metrics.DeliveryDelivered)
	} else {
		h.metrics.RecordWSEvent(metrics.DeliveryNoClient)
	}
	return delivered
}

// Broadcast sends to every connection on this process.
func (h *Hub) Broadcast(ctx context.Context, event string, payload any) {
	data, err := encode(event, payload)
	if err != nil {
		h.log.Error(ctx, "failed to encode event", err, map[string]interface{}{"event": event})
		return
	}
	h.broadcast(data)
	h.metrics.RecordWSEvent(metrics.DeliveryBroadcast)
}

func (h *Hub) deliver(userID string, data []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[userID]
	if !ok {
		return false
	}
	return h.trySend(client, data)
}

func (h *Hub) broadcast(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		h.trySend(c, data)
	}
}

// trySend never blocks. A client whose buffer is full is dropped. Callers
// hold the read lock, so send cannot be closed underneath.
func (h *Hub) trySend(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		go h.Unregister(c)
		return false
	}
}

// ClientCount returns 1 if the user has a connection on this process.
func (h *Hub) ClientCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[userID]; ok {
		return 1
	}
	return 0
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
