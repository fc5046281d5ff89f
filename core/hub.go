package core

import (
	"sync"
)

// Client is one live connection as seen by the coordinator.
type Client interface {
	// ID is unique per connection.
	ID() string
	UserID() string
	// Send queues e for delivery without blocking. It returns false when the
	// connection is closed or cannot keep up.
	Send(e *Event) bool
	Close()
}

func roomChannel(roomID string) string { return "room:" + roomID }

func userChannel(userID string) string { return "user:" + userID }

// Hub indexes live clients by named channel. A room's subscribers are the
// clients on its room channel; an identity's devices are the clients on its
// private user channel.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]Client
	channels map[string]map[string]Client
	// joined is the reverse index: connection id to channel names.
	joined map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		clients:  make(map[string]Client),
		channels: make(map[string]map[string]Client),
		joined:   make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Register(c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID()] = c
	h.subscribe(userChannel(c.UserID()), c)
}

// Unregister removes c from every channel and returns the channels it was on.
func (h *Hub) Unregister(c Client) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.joined[c.ID()]))
	for name := range h.joined[c.ID()] {
		names = append(names, name)
		h.unsubscribe(name, c.ID())
	}
	delete(h.joined, c.ID())
	delete(h.clients, c.ID())
	return names
}

func (h *Hub) Subscribe(name string, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribe(name, c)
}

func (h *Hub) subscribe(name string, c Client) {
	ch, ok := h.channels[name]
	if !ok {
		ch = make(map[string]Client)
		h.channels[name] = ch
	}
	ch[c.ID()] = c

	j, ok := h.joined[c.ID()]
	if !ok {
		j = make(map[string]struct{})
		h.joined[c.ID()] = j
	}
	j[name] = struct{}{}
}

func (h *Hub) Unsubscribe(name string, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribe(name, c.ID())
	if j, ok := h.joined[c.ID()]; ok {
		delete(j, name)
	}
}

// UnsubscribeUser removes every connection of userID from the channel.
func (h *Hub) UnsubscribeUser(name, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.channels[name] {
		if c.UserID() != userID {
			continue
		}
		h.unsubscribe(name, id)
		if j, ok := h.joined[id]; ok {
			delete(j, name)
		}
	}
}

func (h *Hub) unsubscribe(name, connID string) {
	ch, ok := h.channels[name]
	if !ok {
		return
	}
	delete(ch, connID)
	if len(ch) == 0 {
		delete(h.channels, name)
	}
}

// Subscribed reports whether any connection of userID is on the channel.
func (h *Hub) Subscribed(name, userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.channels[name] {
		if c.UserID() == userID {
			return true
		}
	}
	return false
}

func (h *Hub) Channels(c Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.joined[c.ID()]))
	for name := range h.joined[c.ID()] {
		names = append(names, name)
	}
	return names
}

// Broadcast delivers e to every client on the channel except those owned by
// the excluded identities. It returns the number of clients that accepted it.
func (h *Hub) Broadcast(name string, e *Event, exceptUsers ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sendAll(h.channels[name], e, exceptUsers)
}

// BroadcastAll delivers e to every live client except the excluded identities.
func (h *Hub) BroadcastAll(e *Event, exceptUsers ...string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return sendAll(h.clients, e, exceptUsers)
}

func sendAll(clients map[string]Client, e *Event, exceptUsers []string) int {
	n := 0
outer:
	for _, c := range clients {
		for _, u := range exceptUsers {
			if c.UserID() == u {
				continue outer
			}
		}
		if c.Send(e) {
			n++
		}
	}
	return n
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Emit marshals payload and broadcasts it on the channel.
func (h *Hub) Emit(name, t string, payload any, exceptUsers ...string) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	h.Broadcast(name, e, exceptUsers...)
	return nil
}

func (h *Hub) EmitAll(t string, payload any, exceptUsers ...string) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	h.BroadcastAll(e, exceptUsers...)
	return nil
}

// EmitTo marshals payload and queues it on a single client.
func EmitTo(c Client, t string, payload any) error {
	e, err := NewEvent(t, payload)
	if err != nil {
		return err
	}
	c.Send(e)
	return nil
}

// Has reports whether c is subscribed to the channel.
func (h *Hub) Has(name string, c Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.channels[name][c.ID()]
	return ok
}
