// Package ws is the WebSocket delivery transport: one long-lived connection per
// client, a read pump feeding the router and a write pump draining a bounded queue.
package ws

import (
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Hub tracks live clients by connection id and implements contract.Pusher.
// A client's send channel is only closed under the write lock, so Push never
// sends on a closed channel.
type Hub struct {
	mu      sync.RWMutex
	log     *slog.Logger
	clients map[domain.ConnectionID]*Client
	closed  bool
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[domain.ConnectionID]*Client)}
}

func (h *Hub) add(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	return true
}

// remove forgets the client and closes its queue; the write pump then sends a close frame.
func (h *Hub) remove(id domain.ConnectionID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok {
		delete(h.clients, id)
		close(c.send)
	}
}

// Push enqueues the event without blocking.
func (h *Hub) Push(ctx context.Context, id domain.ConnectionID, e event.Event) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrDelivery, err)
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", errors.ErrDelivery, e.Type, err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrConnectionClosed, id)
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %s", errors.ErrSlowConsumer, id)
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every queue and refuses new clients.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
	h.log.Info("Hub closed")
}
