package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const DefaultTypingQuietPeriod = 5 * time.Second

type typingKey struct {
	// scope is a room channel or the peer's user channel
	scope  string
	userID string
}

type typingEntry struct {
	username   string
	roomID     string
	receiverID string
	at         time.Time
}

type TypingPayload struct {
	UserID     string `json:"userId"`
	Username   string `json:"username"`
	RoomID     string `json:"roomId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
}

// TypingCoordinator tracks short-lived typing state. Entries that were not
// refreshed within the quiet period are treated as gone by every reader and
// are swept by Run.
type TypingCoordinator struct {
	entries     *LockedMap[typingKey, typingEntry]
	rooms       *MembershipTable
	identities  *IdentityCache
	hub         *Hub
	quietPeriod time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func NewTypingCoordinator(rooms *MembershipTable, identities *IdentityCache, hub *Hub, quietPeriod time.Duration, logger *slog.Logger) *TypingCoordinator {
	if quietPeriod <= 0 {
		quietPeriod = DefaultTypingQuietPeriod
	}
	return &TypingCoordinator{
		entries:     NewLockedMap[typingKey, typingEntry](),
		rooms:       rooms,
		identities:  identities,
		hub:         hub,
		quietPeriod: quietPeriod,
		now:         time.Now,
		logger:      logger,
	}
}

func (t *TypingCoordinator) resolve(ctx context.Context, userID string, s TypingScope) (typingKey, error) {
	if (s.RoomID == "") == (s.ReceiverID == "") {
		return typingKey{}, ErrInvalidTarget
	}
	if s.RoomID != "" {
		ok, err := t.rooms.IsParticipant(ctx, s.RoomID, userID)
		if err != nil {
			return typingKey{}, err
		}
		if !ok {
			return typingKey{}, ErrNotParticipant
		}
		return typingKey{scope: roomChannel(s.RoomID), userID: userID}, nil
	}
	peer, err := t.identities.Get(ctx, s.ReceiverID)
	if err != nil {
		return typingKey{}, err
	}
	if peer == nil {
		return typingKey{}, ErrRecipientNotFound
	}
	return typingKey{scope: userChannel(s.ReceiverID), userID: userID}, nil
}

func (t *TypingCoordinator) live(e typingEntry) bool {
	return t.now().Sub(e.at) < t.quietPeriod
}

// Start records that user is typing in the scope. Only a new or expired
// entry is announced; a repeat merely refreshes the timestamp.
func (t *TypingCoordinator) Start(ctx context.Context, user *User, s TypingScope) error {
	key, err := t.resolve(ctx, user.ID, s)
	if err != nil {
		return err
	}

	var announce bool
	t.entries.Update(key, func(prev typingEntry, ok bool) typingEntry {
		announce = !ok || !t.live(prev)
		return typingEntry{username: user.Username, roomID: s.RoomID, receiverID: s.ReceiverID, at: t.now()}
	})
	if !announce {
		return nil
	}
	return t.hub.Emit(key.scope, EventUserTyping, t.payload(user.ID, user.Username, s), user.ID)
}

// Stop clears the entry and announces it. Stopping twice is a no-op.
func (t *TypingCoordinator) Stop(ctx context.Context, user *User, s TypingScope) error {
	if (s.RoomID == "") == (s.ReceiverID == "") {
		return ErrInvalidTarget
	}
	key := typingKey{scope: roomChannel(s.RoomID), userID: user.ID}
	if s.ReceiverID != "" {
		key.scope = userChannel(s.ReceiverID)
	}
	if _, ok := t.entries.Pop(key); !ok {
		return nil
	}
	return t.hub.Emit(key.scope, EventUserStoppedTyping, t.payload(user.ID, user.Username, s), user.ID)
}

func (t *TypingCoordinator) payload(userID, username string, s TypingScope) TypingPayload {
	return TypingPayload{UserID: userID, Username: username, RoomID: s.RoomID, ReceiverID: s.ReceiverID}
}

// IsTyping reports a live entry.
func (t *TypingCoordinator) IsTyping(userID string, s TypingScope) bool {
	key := typingKey{scope: roomChannel(s.RoomID), userID: userID}
	if s.ReceiverID != "" {
		key.scope = userChannel(s.ReceiverID)
	}
	e, ok := t.entries.Get(key)
	return ok && t.live(e)
}

// TypingInRoom lists the users with a live entry in the room.
func (t *TypingCoordinator) TypingInRoom(roomID string) []string {
	scope := roomChannel(roomID)
	var users []string
	t.entries.Each(func(k typingKey, e typingEntry) bool {
		if k.scope == scope && t.live(e) {
			users = append(users, k.userID)
		}
		return true
	})
	return users
}

// ClearUser drops every entry of the user, announcing each.
func (t *TypingCoordinator) ClearUser(userID string) {
	t.clear(func(k typingKey, _ typingEntry) bool { return k.userID == userID })
}

// Sweep drops expired entries, announcing each.
func (t *TypingCoordinator) Sweep() int {
	return t.clear(func(_ typingKey, e typingEntry) bool { return !t.live(e) })
}

func (t *TypingCoordinator) clear(match func(typingKey, typingEntry) bool) int {
	gone := t.entries.RemoveWhere(match)
	for k, e := range gone {
		p := TypingPayload{UserID: k.userID, Username: e.username, RoomID: e.roomID, ReceiverID: e.receiverID}
		if err := t.hub.Emit(k.scope, EventUserStoppedTyping, p, k.userID); err != nil {
			t.logger.Error(fmt.Sprintf("emit stopped typing: %v", err))
		}
	}
	return len(gone)
}

// Run sweeps expired entries every quiet period until ctx is done.
func (t *TypingCoordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.quietPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.Debug(fmt.Sprintf("swept %d typing entries", n))
			}
		}
	}
}
