package main

import (
	"sync"

	"github.com/llmctl/llmctl/common/logger"
)

// Hub tracks socket clients and the rooms they joined. Events published to a
// room reach every member; broadcast events reach every connected client.
//
// Invariant: a client's send channel is closed exactly once, and only after
// the client has been removed from every map, so publishers never write to a
// closed channel.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]map[string]struct{}
	rooms   map[string]map[*Client]struct{}
	log     *logger.Logger
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]map[string]struct{}),
		rooms:   make(map[string]map[*Client]struct{}),
		log:     log,
	}
}

// Register adds a connected client with no room memberships yet.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = make(map[string]struct{})
	total := len(h.clients)
	h.mu.Unlock()

	h.log.Info("client connected", "conn_id", c.id, "connections", total)
}

// Unregister removes a client from every room and closes its send channel.
// Safe to call more than once; later calls are no-ops.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	rooms, registered := h.clients[c]
	if registered {
		for room := range rooms {
			members := h.rooms[room]
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
		delete(h.clients, c)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if registered {
		close(c.send)
		h.log.Info("client disconnected", "conn_id", c.id, "connections", total)
	}
}

// Subscribe joins a client to a room. Unregistered clients are ignored.
func (h *Hub) Subscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, registered := h.clients[c]
	if !registered {
		return
	}
	rooms[room] = struct{}{}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
}

// Unsubscribe removes a client from a room.
func (h *Hub) Unsubscribe(c *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, registered := h.clients[c]
	if !registered {
		return
	}
	delete(rooms, room)
	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Publish delivers an event to every member of a room. Members whose send
// buffer is full are dropped; a reader that slow will never catch up.
func (h *Hub) Publish(room string, data []byte) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow subscriber", "conn_id", c.id, "room", room)
		h.Unregister(c)
	}
}

// Broadcast delivers an event to every connected client.
func (h *Hub) Broadcast(data []byte) {
	var slow []*Client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow subscriber", "conn_id", c.id)
		h.Unregister(c)
	}
}

// ConnectionCount returns the number of connected clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomCount returns the number of rooms with at least one member.
func (h *Hub) RoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}
