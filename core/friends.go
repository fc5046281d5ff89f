package core

import (
	"context"
	"fmt"
	"log/slog"
)

// Friends keeps the buddy list and tells the affected identities about
// requests and new friendships on their private channels.
type Friends struct {
	users      UserStore
	identities *IdentityCache
	hub        *Hub
	presence   *PresenceRegistry
	logger     *slog.Logger
}

func NewFriends(users UserStore, identities *IdentityCache, hub *Hub, presence *PresenceRegistry, logger *slog.Logger) *Friends {
	return &Friends{users: users, identities: identities, hub: hub, presence: presence, logger: logger}
}

// Request sends a friend request from user to toID. Repeating a request, or
// asking an existing friend, changes nothing.
func (f *Friends) Request(ctx context.Context, user *User, toID string) error {
	if user.ID == toID {
		return ErrSelfFriendRequest
	}
	target, err := f.identities.Get(ctx, toID)
	if err != nil {
		return err
	}
	if target == nil {
		return ErrUserNotFound
	}

	created, err := f.users.SendFriendRequest(ctx, user.ID, toID)
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	if err := f.hub.Emit(userChannel(toID), EventFriendRequest, f.presenceOf(user)); err != nil {
		f.logger.Error(fmt.Sprintf("emit friend_request: %v", err))
	}
	return nil
}

// Accept turns the pending request from fromID into a mutual friendship.
func (f *Friends) Accept(ctx context.Context, user *User, fromID string) error {
	if err := f.users.AcceptFriendRequest(ctx, user.ID, fromID); err != nil {
		return err
	}
	from, err := f.identities.Get(ctx, fromID)
	if err != nil {
		return err
	}
	if from == nil {
		return ErrUserNotFound
	}
	if err := f.hub.Emit(userChannel(fromID), EventFriendAdded, f.presenceOf(user)); err != nil {
		f.logger.Error(fmt.Sprintf("emit friend_added: %v", err))
	}
	if err := f.hub.Emit(userChannel(user.ID), EventFriendAdded, f.presenceOf(from)); err != nil {
		f.logger.Error(fmt.Sprintf("emit friend_added: %v", err))
	}
	return nil
}

// List returns the friends of userID with their live status.
func (f *Friends) List(ctx context.Context, userID string) ([]PresencePayload, error) {
	friends, err := f.users.ListFriends(ctx, userID)
	if err != nil {
		return nil, err
	}
	list := make([]PresencePayload, 0, len(friends))
	for i := range friends {
		list = append(list, f.presenceOf(&friends[i]))
	}
	return list, nil
}

func (f *Friends) Requests(ctx context.Context, userID string) ([]FriendRequest, error) {
	requests, err := f.users.ListFriendRequests(ctx, userID)
	if err != nil {
		return nil, err
	}
	if requests == nil {
		requests = []FriendRequest{}
	}
	return requests, nil
}

// UpdateAvatar stores the new avatar and drops the cached identity.
func (f *Friends) UpdateAvatar(ctx context.Context, userID, avatar string) error {
	if err := f.users.UpdateAvatar(ctx, userID, avatar); err != nil {
		return err
	}
	f.identities.Invalidate(ctx, userID)
	return nil
}

func (f *Friends) presenceOf(u *User) PresencePayload {
	p := PresencePayload{
		UserID:   u.ID,
		Username: u.Username,
		Avatar:   u.Avatar,
		Status:   f.presence.Status(u.ID),
		LastSeen: u.LastSeen,
	}
	if seen := f.presence.LastSeen(u.ID); seen.After(p.LastSeen) {
		p.LastSeen = seen
	}
	return p
}
