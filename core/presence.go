package core

import (
	"slices"
	"sync"
	"time"
)

type presenceEntry struct {
	mu    sync.Mutex
	conns map[string]struct{}
	// chosen is the status the user picked; it outlives connections.
	chosen   Status
	lastSeen time.Time
}

// PresenceRegistry tracks the live connections of each identity. Writes are
// serialized per identity.
type PresenceRegistry struct {
	entries *LockedMap[string, *presenceEntry]
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{entries: NewLockedMap[string, *presenceEntry]()}
}

func (p *PresenceRegistry) entry(userID string) *presenceEntry {
	return p.entries.GetOrInit(userID, func() *presenceEntry {
		return &presenceEntry{conns: make(map[string]struct{}), chosen: StatusOnline}
	})
}

// SetOnline adds connID to the identity's live set. onFirst runs, with the
// identity's lock held, only when this is its first live connection; it
// receives the identity's chosen status.
func (p *PresenceRegistry) SetOnline(userID, connID string, onFirst func(Status)) bool {
	e := p.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conns[connID]; ok {
		return false
	}
	first := len(e.conns) == 0
	e.conns[connID] = struct{}{}
	if first && onFirst != nil {
		onFirst(e.chosen)
	}
	return first
}

// ClearConnection removes connID. onLast runs, with the identity's lock held,
// only when the live set becomes empty.
func (p *PresenceRegistry) ClearConnection(userID, connID string, onLast func()) bool {
	e, ok := p.entries.Get(userID)
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.conns[connID]; !ok {
		return false
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return false
	}
	e.lastSeen = time.Now().UTC()
	if onLast != nil {
		onLast()
	}
	return true
}

// SetStatus records an explicit status. Offline cannot be chosen.
func (p *PresenceRegistry) SetStatus(userID string, status Status, onChange func(Status)) error {
	if status == StatusOffline || !status.Valid() {
		return ErrInvalidStatus
	}
	e := p.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.chosen == status {
		return nil
	}
	e.chosen = status
	if len(e.conns) > 0 && onChange != nil {
		onChange(status)
	}
	return nil
}

// Status is offline without a live connection, otherwise the chosen status.
func (p *PresenceRegistry) Status(userID string) Status {
	e, ok := p.entries.Get(userID)
	if !ok {
		return StatusOffline
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.conns) == 0 {
		return StatusOffline
	}
	return e.chosen
}

func (p *PresenceRegistry) IsOnline(userID string) bool {
	return p.Connections(userID) > 0
}

func (p *PresenceRegistry) Connections(userID string) int {
	e, ok := p.entries.Get(userID)
	if !ok {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

func (p *PresenceRegistry) LastSeen(userID string) time.Time {
	e, ok := p.entries.Get(userID)
	if !ok {
		return time.Time{}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeen
}

// OnlineUsers returns the ids of identities with at least one live connection.
func (p *PresenceRegistry) OnlineUsers() []string {
	var entries []*presenceEntry
	var ids []string
	p.entries.Each(func(id string, e *presenceEntry) bool {
		ids = append(ids, id)
		entries = append(entries, e)
		return true
	})

	online := make([]string, 0, len(ids))
	for i, e := range entries {
		e.mu.Lock()
		if len(e.conns) > 0 {
			online = append(online, ids[i])
		}
		e.mu.Unlock()
	}
	slices.Sort(online)
	return online
}
