// Package watch serves the local websocket feed that tells UIs when the
// conversation state has changed.
package watch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"coachsync/cmd/identity/ids"
	v1 "coachsync/contracts/chatsync/v1"
)

// Publisher emits state versions. *chatsync.Engine satisfies it.
type Publisher interface {
	Subscribe() (<-chan uint64, func())
	Version(ctx context.Context) (uint64, error)
}

// Hub fans state versions out to every connected client.
//
// Join/Leave are safe under concurrent Broadcast, and Broadcast never blocks.
type Hub struct {
	log *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:     log,
		clients: make(map[string]*Client),
	}
}

// Join adds a client.
func (h *Hub) Join(c *Client) {
	if h == nil || c == nil || c.ID == "" {
		return
	}

	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	h.mu.Unlock()

	h.log.Info("watch.client.join", "client_id", c.ID, "clients", n)
}

// Leave removes a client and signals its shutdown.
func (h *Hub) Leave(id string) {
	if h == nil || id == "" {
		return
	}

	h.mu.Lock()
	c := h.clients[id]
	delete(h.clients, id)
	n := len(h.clients)
	h.mu.Unlock()

	// Close after removal so no broadcaster still holds it.
	if c != nil {
		c.Close()
		h.log.Info("watch.client.leave", "client_id", id, "clients", n)
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast offers version to every live client. It never blocks.
func (h *Hub) Broadcast(version uint64) {
	if h == nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, c := range h.clients {
		select {
		case <-c.Done():
			continue
		default:
		}
		c.Offer(version)
	}
}

// Run forwards every published version to the clients until ctx is done.
func (h *Hub) Run(ctx context.Context, pub Publisher) error {
	versions, cancel := pub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case v := <-versions:
			h.Broadcast(v)
		}
	}
}

func stateChanged(version uint64, now time.Time) (v1.Envelope, error) {
	return v1.NewEnvelope(v1.TypeStateChanged, ids.MustULID(now), now, v1.StateChangedPayload{Version: version})
}
