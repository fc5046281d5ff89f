package core

import (
	"context"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// User is a registered identity. It is independent of any live connection.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Avatar    string    `json:"avatar"`
	Status    Status    `json:"status"`
	LastSeen  time.Time `json:"lastSeen"`
	CreatedAt time.Time `json:"createdAt"`
}

type UserCreateInput struct {
	Username string `json:"username" validate:"required,min=3,max=20,alphanum"`
	Avatar   string `json:"avatar" validate:"omitempty,url"`
}

// FriendRequest is a pending request from one identity to another.
type FriendRequest struct {
	From   User      `json:"from"`
	SentAt time.Time `json:"sentAt"`
}

type AvatarUpdateInput struct {
	Avatar string `json:"avatar" validate:"omitempty,url"`
}

type FriendRequestInput struct {
	UserID string `json:"userId" validate:"required"`
}

type UserStore interface {
	CreateUser(ctx context.Context, input UserCreateInput) (*User, error)
	// GetUserByID returns nil, nil when the user does not exist.
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUsersByIDs(ctx context.Context, ids ...string) ([]User, error)
	UpdateUserStatus(ctx context.Context, id string, status Status) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
	UpdateAvatar(ctx context.Context, id, avatar string) error
	// SendFriendRequest records a pending request. It reports false when the
	// request already exists or the two are already friends.
	SendFriendRequest(ctx context.Context, fromID, toID string) (bool, error)
	// AcceptFriendRequest consumes the pending request from fromID to userID
	// and makes the friendship mutual.
	AcceptFriendRequest(ctx context.Context, userID, fromID string) error
	ListFriends(ctx context.Context, userID string) ([]User, error)
	// ListFriendRequests returns the requests pending for userID, oldest first.
	ListFriendRequests(ctx context.Context, userID string) ([]FriendRequest, error)
}
