package chat

import (
	"sync"

	"github.com/charla-ai/charla/internal/logger"
)

// Hub tracks the set of live clients and the address groups ("rooms") used
// for identity-keyed fan-out. Rooms map a recipient identity to every
// connection currently bound to it, so one user's events reach all of their
// devices.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	rooms      map[string]map[*Client]bool
	memberOf   map[*Client]string
	register   chan *Client
	unregister chan *Client
	quit       chan struct{}
	quitOnce   sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]bool),
		memberOf:   make(map[*Client]string),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		quit:       make(chan struct{}),
	}
}

// Run processes client registration until Stop is called.
func (h *Hub) Run() {
	logger.Info("Chat hub started")
	defer logger.Info("Chat hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Debug("Client registered: %s", client.ID)

		case client := <-h.unregister:
			h.remove(client)
			logger.Debug("Client unregistered: %s", client.ID)

		case <-h.quit:
			return
		}
	}
}

// Stop terminates the Run loop.
func (h *Hub) Stop() {
	h.quitOnce.Do(func() { close(h.quit) })
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister removes a client and its room membership. Idempotent.
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
		// Hub already stopped; clean up inline so teardown stays safe.
		h.remove(client)
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(client)
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		client.closeSend()
	}
}

// closeClients closes every live client's connection. The read pumps then
// run their normal teardown, so sessions wind down the same way they do on
// a peer disconnect.
func (h *Hub) closeClients() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.conn.Close()
	}
}

// Join binds the client to subject's address group. A client belongs to at
// most one group, so joining leaves the previous one first; rebinding an
// identity can therefore never leak stale membership or double-deliver.
func (h *Hub) Join(client *Client, subject string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.leaveLocked(client)

	room := h.rooms[subject]
	if room == nil {
		room = make(map[*Client]bool)
		h.rooms[subject] = room
	}
	room[client] = true
	h.memberOf[client] = subject
}

// Leave removes the client from its address group, if any.
func (h *Hub) Leave(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client)
}

func (h *Hub) leaveLocked(client *Client) {
	subject, ok := h.memberOf[client]
	if !ok {
		return
	}
	delete(h.memberOf, client)
	if room := h.rooms[subject]; room != nil {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, subject)
		}
	}
}

// Publish delivers an event to every connection joined under subject.
// Fire-and-forget: a slow client's full buffer drops the event rather than
// blocking the publisher. Publishing to an empty group is a no-op.
func (h *Hub) Publish(subject string, event *Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[subject] {
		select {
		case client.send <- event:
		default:
			logger.Warn("Client %s send buffer full, dropping %s", client.ID, event.Type)
		}
	}
}

// RoomSize returns the number of connections joined under subject.
func (h *Hub) RoomSize(subject string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[subject])
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
