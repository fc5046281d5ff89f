package core

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// RoomSnapshot is the client view of a room.
type RoomSnapshot struct {
	Room
	ParticipantCount int `json:"participantCount"`
}

type RoomMemberEventPayload struct {
	RoomID           string `json:"roomId"`
	UserID           string `json:"userId"`
	Username         string `json:"username"`
	Avatar           string `json:"avatar,omitempty"`
	ParticipantCount int    `json:"participantCount"`
}

type RoomLeftPayload struct {
	RoomID string `json:"roomId"`
}

type roomState struct {
	mu      sync.RWMutex
	room    Room
	members map[string]*RoomMember
	loaded  bool
	missing bool
}

// RoomRecord is a room's cached state, handed out while the room's lock is
// held. Mutating methods write to the store first and update the cache only
// on success; they may only be called under MembershipTable.Exclusive.
type RoomRecord struct {
	st    *roomState
	store ChatStore
}

func (r *RoomRecord) Room() Room {
	return r.st.room
}

func (r *RoomRecord) Snapshot() RoomSnapshot {
	return RoomSnapshot{Room: r.st.room, ParticipantCount: len(r.st.members)}
}

func (r *RoomRecord) ParticipantCount() int {
	return len(r.st.members)
}

func (r *RoomRecord) Member(userID string) (RoomMember, bool) {
	m, ok := r.st.members[userID]
	if !ok {
		return RoomMember{}, false
	}
	return *m, true
}

func (r *RoomRecord) Members() []RoomMember {
	members := make([]RoomMember, 0, len(r.st.members))
	for _, m := range r.st.members {
		members = append(members, *m)
	}
	slices.SortFunc(members, func(a, b RoomMember) int {
		return a.JoinedAt.Compare(b.JoinedAt)
	})
	return members
}

// Role is empty for non-participants. The creator is always admin.
func (r *RoomRecord) Role(userID string) MemberRole {
	m, ok := r.st.members[userID]
	if !ok {
		return ""
	}
	if r.st.room.CreatorID != "" && r.st.room.CreatorID == userID {
		return Admin
	}
	return m.Role
}

func (r *RoomRecord) IsParticipant(userID string) bool {
	return r.Role(userID).rank() >= Member.rank()
}

func (r *RoomRecord) IsModerator(userID string) bool {
	return r.Role(userID).rank() >= Moderator.rank()
}

func (r *RoomRecord) IsAdmin(userID string) bool {
	return r.Role(userID).rank() >= Admin.rank()
}

// join adds or re-marks the participant online. It reports whether the
// identity was newly added.
func (r *RoomRecord) join(ctx context.Context, userID string) (bool, error) {
	if m, ok := r.st.members[userID]; ok {
		if err := r.store.UpsertRoomMembership(ctx, RoomMember{RoomID: r.st.room.ID, UserID: userID, Role: m.Role, Online: true}); err != nil {
			return false, err
		}
		m.Online = true
		return false, nil
	}

	settings := r.st.room.Settings
	if settings.RequireApproval {
		return false, ErrApprovalRequired
	}
	if settings.MaxParticipants > 0 && len(r.st.members) >= settings.MaxParticipants {
		return false, ErrRoomFull
	}

	m := RoomMember{RoomID: r.st.room.ID, UserID: userID, Role: Member, Online: true, JoinedAt: time.Now().UTC()}
	if err := r.store.UpsertRoomMembership(ctx, m); err != nil {
		return false, err
	}
	r.st.members[userID] = &m
	return true, nil
}

func (r *RoomRecord) leave(ctx context.Context, userID string) (bool, error) {
	if _, ok := r.st.members[userID]; !ok {
		return false, nil
	}
	if _, err := r.store.RemoveRoomMembership(ctx, r.st.room.ID, userID); err != nil {
		return false, err
	}
	delete(r.st.members, userID)
	return true, nil
}

func (r *RoomRecord) setOnline(ctx context.Context, userID string, online bool) error {
	m, ok := r.st.members[userID]
	if !ok || m.Online == online {
		return nil
	}
	if err := r.store.SetMemberOnline(ctx, r.st.room.ID, userID, online); err != nil {
		return err
	}
	m.Online = online
	return nil
}

func (r *RoomRecord) setRole(ctx context.Context, userID string, role MemberRole) error {
	m, ok := r.st.members[userID]
	if !ok {
		return ErrNotParticipant
	}
	if err := r.store.SetMemberRole(ctx, r.st.room.ID, userID, role); err != nil {
		return err
	}
	m.Role = role
	return nil
}

// recordMessage stamps activity and bumps the counter after a committed send.
func (r *RoomRecord) recordMessage(ctx context.Context, at time.Time) error {
	if err := r.store.UpdateRoomActivity(ctx, r.st.room.ID, at); err != nil {
		return err
	}
	r.st.room.LastActivity = at

	count, err := r.store.IncrementMessageCount(ctx, r.st.room.ID)
	if err != nil {
		return err
	}
	r.st.room.MessageCount = count
	return nil
}

// MembershipTable is the in-memory index of rooms and their participants
// over the durable store. Each room has its own lock; the writer lock is
// also the room's message commit lock.
type MembershipTable struct {
	store  ChatStore
	hub    *Hub
	rooms  *LockedMap[string, *roomState]
	logger *slog.Logger
}

func NewMembershipTable(store ChatStore, hub *Hub, logger *slog.Logger) *MembershipTable {
	return &MembershipTable{
		store:  store,
		hub:    hub,
		rooms:  NewLockedMap[string, *roomState](),
		logger: logger,
	}
}

// Load caches every active room and its participants.
func (t *MembershipTable) Load(ctx context.Context) error {
	rooms, err := t.store.ListRooms(ctx)
	if err != nil {
		return fmt.Errorf("ListRooms: %w", err)
	}
	for _, room := range rooms {
		members, err := t.store.GetRoomMembers(ctx, room.ID)
		if err != nil {
			return fmt.Errorf("GetRoomMembers(%s): %w", room.ID, err)
		}
		t.rooms.Set(room.ID, newRoomState(room, members))
	}
	return nil
}

func newRoomState(room Room, members []RoomMember) *roomState {
	st := &roomState{room: room, members: make(map[string]*RoomMember, len(members)), loaded: true}
	for i := range members {
		st.members[members[i].UserID] = &members[i]
	}
	return st
}

func (t *MembershipTable) state(ctx context.Context, roomID string) (*roomState, error) {
	if roomID == "" {
		return nil, ErrRoomNotFound
	}
	st := t.rooms.GetOrInit(roomID, func() *roomState {
		return &roomState{members: make(map[string]*RoomMember)}
	})

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.missing {
		return nil, ErrRoomNotFound
	}
	if st.loaded {
		return st, nil
	}

	room, err := t.store.GetRoomByID(ctx, roomID)
	if err != nil {
		t.rooms.Remove(roomID)
		st.missing = true
		return nil, fmt.Errorf("GetRoomByID: %w", err)
	}
	if room == nil {
		t.rooms.Remove(roomID)
		st.missing = true
		return nil, ErrRoomNotFound
	}
	members, err := t.store.GetRoomMembers(ctx, roomID)
	if err != nil {
		t.rooms.Remove(roomID)
		st.missing = true
		return nil, fmt.Errorf("GetRoomMembers: %w", err)
	}
	loaded := newRoomState(*room, members)
	st.room, st.members, st.loaded = loaded.room, loaded.members, true
	return st, nil
}

// Exclusive runs f holding the room's writer lock. Inactive rooms are not found.
func (t *MembershipTable) Exclusive(ctx context.Context, roomID string, f func(r *RoomRecord) error) error {
	st, err := t.state(ctx, roomID)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.missing || !st.room.IsActive {
		return ErrRoomNotFound
	}
	return f(&RoomRecord{st: st, store: t.store})
}

// Shared runs f holding the room's reader lock. f must not mutate.
func (t *MembershipTable) Shared(ctx context.Context, roomID string, f func(r *RoomRecord) error) error {
	st, err := t.state(ctx, roomID)
	if err != nil {
		return err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	if st.missing || !st.room.IsActive {
		return ErrRoomNotFound
	}
	return f(&RoomRecord{st: st, store: t.store})
}

func (t *MembershipTable) IsParticipant(ctx context.Context, roomID, userID string) (bool, error) {
	var ok bool
	err := t.Shared(ctx, roomID, func(r *RoomRecord) error {
		ok = r.IsParticipant(userID)
		return nil
	})
	return ok, err
}

func (t *MembershipTable) IsModerator(ctx context.Context, roomID, userID string) (bool, error) {
	var ok bool
	err := t.Shared(ctx, roomID, func(r *RoomRecord) error {
		ok = r.IsModerator(userID)
		return nil
	})
	return ok, err
}

func (t *MembershipTable) IsAdmin(ctx context.Context, roomID, userID string) (bool, error) {
	var ok bool
	err := t.Shared(ctx, roomID, func(r *RoomRecord) error {
		ok = r.IsAdmin(userID)
		return nil
	})
	return ok, err
}

func (t *MembershipTable) Snapshot(ctx context.Context, roomID string) (RoomSnapshot, error) {
	var snap RoomSnapshot
	err := t.Shared(ctx, roomID, func(r *RoomRecord) error {
		snap = r.Snapshot()
		return nil
	})
	return snap, err
}

func (t *MembershipTable) Members(ctx context.Context, roomID string) ([]RoomMember, error) {
	var members []RoomMember
	err := t.Shared(ctx, roomID, func(r *RoomRecord) error {
		members = r.Members()
		return nil
	})
	return members, err
}

// Directory lists the active cached rooms ordered by category then name.
func (t *MembershipTable) Directory() []RoomSnapshot {
	states := t.states()
	rooms := make([]RoomSnapshot, 0, len(states))
	for _, st := range states {
		st.mu.RLock()
		if st.loaded && !st.missing && st.room.IsActive {
			rooms = append(rooms, RoomSnapshot{Room: st.room, ParticipantCount: len(st.members)})
		}
		st.mu.RUnlock()
	}
	slices.SortFunc(rooms, func(a, b RoomSnapshot) int {
		return cmp.Or(cmp.Compare(a.Category, b.Category), cmp.Compare(a.Name, b.Name))
	})
	return rooms
}

// CreateRoom persists a room, caches it and republishes the directory.
func (t *MembershipTable) CreateRoom(ctx context.Context, input RoomCreateInput) (*Room, error) {
	room, err := t.store.CreateRoom(ctx, input)
	if err != nil {
		return nil, err
	}
	members, err := t.store.GetRoomMembers(ctx, room.ID)
	if err != nil {
		return nil, fmt.Errorf("GetRoomMembers: %w", err)
	}
	t.rooms.Set(room.ID, newRoomState(*room, members))
	t.publishDirectory()
	return room, nil
}

// Join subscribes c to the room and marks its identity an online participant.
// deliver runs under the room lock after room_joined is sent, so nothing
// committed to the room can slip between it and live delivery.
func (t *MembershipTable) Join(ctx context.Context, c Client, user *User, roomID string, deliver func(ctx context.Context, r *RoomRecord) error) (RoomSnapshot, error) {
	var snap RoomSnapshot
	err := t.Exclusive(ctx, roomID, func(r *RoomRecord) error {
		if _, err := r.join(ctx, user.ID); err != nil {
			return err
		}
		t.hub.Subscribe(roomChannel(roomID), c)
		snap = r.Snapshot()

		if err := EmitTo(c, EventRoomJoined, snap); err != nil {
			return err
		}
		if deliver != nil {
			if err := deliver(ctx, r); err != nil {
				t.logger.Error(fmt.Sprintf("deliver history: %v", err), slog.String("room", roomID))
			}
		}
		return t.hub.Emit(roomChannel(roomID), EventUserJoinedRoom, RoomMemberEventPayload{
			RoomID:           roomID,
			UserID:           user.ID,
			Username:         user.Username,
			Avatar:           user.Avatar,
			ParticipantCount: snap.ParticipantCount,
		}, user.ID)
	})
	return snap, err
}

// Leave removes the identity from the room. It is a no-op when the room or
// the membership does not exist.
func (t *MembershipTable) Leave(ctx context.Context, c Client, user *User, roomID string) (bool, error) {
	var left bool
	err := t.Exclusive(ctx, roomID, func(r *RoomRecord) error {
		var err error
		left, err = t.removeLocked(ctx, r, user)
		return err
	})
	if IsKind(err, NotFoundError) {
		return false, nil
	}
	if err != nil || !left {
		return left, err
	}
	// every device of the identity was unsubscribed, so all of them hear it
	payload := RoomLeftPayload{RoomID: roomID}
	if err := t.hub.Emit(userChannel(user.ID), EventRoomLeft, payload); err != nil {
		return left, err
	}
	if !t.hub.Has(userChannel(user.ID), c) {
		return left, EmitTo(c, EventRoomLeft, payload)
	}
	return left, nil
}

// Remove lets a moderator take another participant out of the room.
func (t *MembershipTable) Remove(ctx context.Context, actorID string, target *User, roomID string) error {
	return t.Exclusive(ctx, roomID, func(r *RoomRecord) error {
		if !r.IsModerator(actorID) {
			return ErrNotModerator
		}
		if r.Role(target.ID).rank() > r.Role(actorID).rank() {
			return ErrNotAdmin
		}
		removed, err := t.removeLocked(ctx, r, target)
		if err != nil {
			return err
		}
		if !removed {
			return ErrNotParticipant
		}
		return t.hub.Emit(userChannel(target.ID), EventRoomLeft, RoomLeftPayload{RoomID: roomID})
	})
}

func (t *MembershipTable) removeLocked(ctx context.Context, r *RoomRecord, user *User) (bool, error) {
	roomID := r.st.room.ID
	removed, err := r.leave(ctx, user.ID)
	if err != nil || !removed {
		return removed, err
	}
	t.hub.UnsubscribeUser(roomChannel(roomID), user.ID)
	err = t.hub.Emit(roomChannel(roomID), EventUserLeftRoom, RoomMemberEventPayload{
		RoomID:           roomID,
		UserID:           user.ID,
		Username:         user.Username,
		ParticipantCount: r.ParticipantCount(),
	})
	return true, err
}

// SetRole changes a participant's role; only admins may do it.
func (t *MembershipTable) SetRole(ctx context.Context, actorID, roomID, userID string, role MemberRole) error {
	if !role.Valid() {
		return NewError(ValidationError, "invalid role")
	}
	return t.Exclusive(ctx, roomID, func(r *RoomRecord) error {
		if !r.IsAdmin(actorID) {
			return ErrNotAdmin
		}
		return r.setRole(ctx, userID, role)
	})
}

// Deactivate hides the room; joins fail afterwards. Only admins may do it.
func (t *MembershipTable) Deactivate(ctx context.Context, actorID, roomID string) error {
	err := t.Exclusive(ctx, roomID, func(r *RoomRecord) error {
		if !r.IsAdmin(actorID) {
			return ErrNotAdmin
		}
		if err := t.store.DeactivateRoom(ctx, roomID); err != nil {
			return err
		}
		r.st.room.IsActive = false
		return nil
	})
	if err != nil {
		return err
	}
	t.publishDirectory()
	return nil
}

// Detach unsubscribes a closing connection from the room. The participant is
// marked offline there unless another of its connections is still subscribed.
func (t *MembershipTable) Detach(ctx context.Context, c Client, roomID string) error {
	t.hub.Unsubscribe(roomChannel(roomID), c)
	err := t.Exclusive(ctx, roomID, func(r *RoomRecord) error {
		if t.hub.Subscribed(roomChannel(roomID), c.UserID()) {
			return nil
		}
		return r.setOnline(ctx, c.UserID(), false)
	})
	if IsKind(err, NotFoundError) {
		return nil
	}
	return err
}

// MarkUserOffline flips the cached online flag of every membership of the
// identity. The store must already reflect it. Rooms where the identity is
// subscribed again are left alone.
func (t *MembershipTable) MarkUserOffline(userID string) {
	for _, st := range t.states() {
		st.mu.Lock()
		if m, ok := st.members[userID]; ok && !t.hub.Subscribed(roomChannel(st.room.ID), userID) {
			m.Online = false
		}
		st.mu.Unlock()
	}
}

// states copies the room states out so callers never hold the map lock
// while taking a room lock.
func (t *MembershipTable) states() []*roomState {
	var states []*roomState
	t.rooms.Each(func(_ string, st *roomState) bool {
		states = append(states, st)
		return true
	})
	return states
}

func (t *MembershipTable) publishDirectory() {
	if err := t.hub.EmitAll(EventRoomsList, t.Directory()); err != nil {
		t.logger.Error(fmt.Sprintf("publish directory: %v", err))
	}
}
