package chat

import (
	"context"
	"errors"
	"sync"
)

// ErrClientGone is returned when sending to a client that has left.
var ErrClientGone = errors.New("client disconnected")

// Client represents a connected peer with transport-agnostic connection.
type Client struct {
	ID       string
	Conn     Conn
	Outgoing chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

// NewClient creates a client with an outgoing queue of size buffer.
func NewClient(id string, conn Conn, buffer int) *Client {
	return &Client{
		ID:       id,
		Conn:     conn,
		Outgoing: make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Done is closed once the client has left.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Leave marks the client as gone. Pending and future sends fail with
// ErrClientGone. It is safe to call more than once.
func (c *Client) Leave() {
	c.doneOnce.Do(func() { close(c.done) })
}

// Hub tracks the connected peers of the dev server and routes frames to
// their write loops.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes a client from the hub and marks it as gone.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	if h.clients[client.ID] == client {
		delete(h.clients, client.ID)
	}
	h.mu.Unlock()
	client.Leave()
}

func (h *Hub) client(id string) (*Client, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

// Send queues data for the client with the given id, waiting for room in
// its queue.
func (h *Hub) Send(ctx context.Context, clientID string, data []byte) error {
	client, ok := h.client(clientID)
	if !ok {
		return ErrClientGone
	}
	select {
	case client.Outgoing <- data:
		return nil
	case <-client.done:
		return ErrClientGone
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast queues data for every client with room in its queue and
// returns how many accepted it.
func (h *Hub) Broadcast(data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, client := range h.clients {
		select {
		case client.Outgoing <- data:
			n++
		default:
		}
	}
	return n
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		_ = client.Conn.Close()
	}
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
