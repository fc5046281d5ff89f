package core

import (
	"context"
	"time"
)

type MemberRole string

const (
	Member    MemberRole = "member"
	Moderator MemberRole = "moderator"
	Admin     MemberRole = "admin"
)

func (r MemberRole) rank() int {
	switch r {
	case Admin:
		return 3
	case Moderator:
		return 2
	case Member:
		return 1
	}
	return 0
}

func (r MemberRole) Valid() bool {
	return r.rank() > 0
}

type RoomType string

const (
	PublicRoom   RoomType = "public"
	PrivateRoom  RoomType = "private"
	StateRoom    RoomType = "state"
	LanguageRoom RoomType = "language"
)

type RoomSettings struct {
	MaxParticipants  int  `json:"maxParticipants"`
	AllowFileSharing bool `json:"allowFileSharing"`
	AllowEmoji       bool `json:"allowEmoji"`
	RequireApproval  bool `json:"requireApproval"`
}

var DefaultRoomSettings = RoomSettings{
	MaxParticipants:  1000,
	AllowFileSharing: true,
	AllowEmoji:       true,
}

type Room struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Type         RoomType     `json:"type"`
	Category     string       `json:"category"`
	CreatorID    string       `json:"creatorId,omitempty"`
	Settings     RoomSettings `json:"settings"`
	LastActivity time.Time    `json:"lastActivity"`
	MessageCount int64        `json:"messageCount"`
	IsActive     bool         `json:"isActive"`
	CreatedAt    time.Time    `json:"createdAt"`
}

type RoomCreateInput struct {
	Name        string        `json:"name" validate:"required,min=1,max=50"`
	Description string        `json:"description" validate:"max=200"`
	Type        RoomType      `json:"type" validate:"omitempty,oneof=public private state language"`
	Category    string        `json:"category" validate:"max=50"`
	Settings    *RoomSettings `json:"settings"`
	// CreatorID becomes an admin participant. Seed rooms have no creator.
	CreatorID string `json:"-"`
}

type RoomMember struct {
	RoomID   string     `json:"roomId"`
	UserID   string     `json:"userId"`
	Role     MemberRole `json:"role"`
	Online   bool       `json:"online"`
	JoinedAt time.Time  `json:"joinedAt"`
}

type MessageType string

const (
	TextMessage   MessageType = "text"
	EmojiMessage  MessageType = "emoji"
	SystemMessage MessageType = "system"
	FileMessage   MessageType = "file"
	ImageMessage  MessageType = "image"
)

func (t MessageType) Valid() bool {
	switch t {
	case TextMessage, EmojiMessage, SystemMessage, FileMessage, ImageMessage:
		return true
	}
	return false
}

type Attachment struct {
	Filename     string `json:"filename" validate:"required"`
	OriginalName string `json:"originalName" validate:"required"`
	Mimetype     string `json:"mimetype" validate:"required"`
	Size         int64  `json:"size" validate:"gte=0"`
	URL          string `json:"url" validate:"required,url"`
}

type ReadReceipt struct {
	UserID string    `json:"user"`
	ReadAt time.Time `json:"readAt"`
}

type Message struct {
	ID          int64         `json:"id"`
	Content     string        `json:"content"`
	Type        MessageType   `json:"type"`
	SenderID    string        `json:"senderId"`
	RoomID      string        `json:"roomId,omitempty"`
	ReceiverID  string        `json:"receiverId,omitempty"`
	ReplyTo     int64         `json:"replyTo,omitempty"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	ReadBy      []ReadReceipt `json:"readBy"`
	CreatedAt   time.Time     `json:"createdAt"`
	EditedAt    *time.Time    `json:"editedAt,omitempty"`
	DeletedAt   *time.Time    `json:"deletedAt,omitempty"`
}

// IsRead is derived from the read receipts and cannot be set on its own.
func (m *Message) IsRead() bool {
	return len(m.ReadBy) > 0
}

func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

type MessageCreateInput struct {
	Content     string
	Type        MessageType
	SenderID    string
	RoomID      string
	ReceiverID  string
	ReplyTo     int64
	Attachments []Attachment
}

// MessageQuery pages backwards through a conversation. Before is an
// exclusive message id upper bound; zero means the newest messages.
type MessageQuery struct {
	Before int64
	Limit  int
}

type ChatStore interface {
	CreateRoom(ctx context.Context, input RoomCreateInput) (*Room, error)
	// GetRoomByID returns nil, nil when the room does not exist.
	GetRoomByID(ctx context.Context, id string) (*Room, error)
	GetRoomByName(ctx context.Context, name string) (*Room, error)
	ListRooms(ctx context.Context) ([]Room, error)
	DeactivateRoom(ctx context.Context, id string) error
	UpdateRoomActivity(ctx context.Context, roomID string, at time.Time) error
	IncrementMessageCount(ctx context.Context, roomID string) (int64, error)

	UpsertRoomMembership(ctx context.Context, member RoomMember) error
	RemoveRoomMembership(ctx context.Context, roomID, userID string) (bool, error)
	SetMemberOnline(ctx context.Context, roomID, userID string, online bool) error
	SetUserOffline(ctx context.Context, userID string) error
	SetMemberRole(ctx context.Context, roomID, userID string, role MemberRole) error
	GetRoomMembers(ctx context.Context, roomID string) ([]RoomMember, error)

	CreateMessage(ctx context.Context, input MessageCreateInput) (*Message, error)
	// GetMessageByID returns nil, nil when the message does not exist.
	GetMessageByID(ctx context.Context, id int64) (*Message, error)
	// FindMessagesByRoom returns messages oldest to newest.
	FindMessagesByRoom(ctx context.Context, roomID string, q MessageQuery) ([]Message, error)
	FindDirectMessages(ctx context.Context, userA, userB string, q MessageQuery) ([]Message, error)
	// MarkMessageRead records a receipt once per user; it reports whether one was added.
	MarkMessageRead(ctx context.Context, messageID int64, userID string, at time.Time) (bool, error)
	EditMessage(ctx context.Context, id int64, content string, at time.Time) error
	SoftDeleteMessage(ctx context.Context, id int64, at time.Time) (bool, error)
}
