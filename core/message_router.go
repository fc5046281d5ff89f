package core

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const (
	DefaultMaxContentLength = 1000
	DefaultHistoryLimit     = 50
)

// MessagePayload is a message enriched with its sender's display fields.
type MessagePayload struct {
	Message
	SenderUsername string `json:"senderUsername"`
	SenderAvatar   string `json:"senderAvatar"`
	IsRead         bool   `json:"isRead"`
}

type HistoryPayload struct {
	RoomID   string           `json:"roomId"`
	Messages []MessagePayload `json:"messages"`
}

type MessageDeletedPayload struct {
	MessageID  int64     `json:"messageId"`
	SenderID   string    `json:"senderId"`
	RoomID     string    `json:"roomId,omitempty"`
	ReceiverID string    `json:"receiverId,omitempty"`
	DeletedAt  time.Time `json:"deletedAt"`
}

type MessageRouterOption func(*MessageRouter)

func WithMaxContentLength(n int) MessageRouterOption {
	return func(r *MessageRouter) {
		if n > 0 {
			r.maxContentLength = n
		}
	}
}

func WithHistoryLimit(n int) MessageRouterOption {
	return func(r *MessageRouter) {
		if n > 0 {
			r.historyLimit = n
		}
	}
}

// MessageRouter validates, persists and fans out messages. Room messages are
// committed and broadcast under the room's writer lock so every subscriber
// observes them in commit order.
type MessageRouter struct {
	store      ChatStore
	rooms      *MembershipTable
	hub        *Hub
	identities *IdentityCache
	logger     *slog.Logger

	// direct conversations are serialized on a fixed set of striped locks
	directLocks [64]sync.Mutex

	maxContentLength int
	historyLimit     int
	now              func() time.Time
}

func NewMessageRouter(store ChatStore, rooms *MembershipTable, hub *Hub, identities *IdentityCache, logger *slog.Logger, opts ...MessageRouterOption) *MessageRouter {
	r := &MessageRouter{
		store:            store,
		rooms:            rooms,
		hub:              hub,
		identities:       identities,
		logger:           logger,
		maxContentLength: DefaultMaxContentLength,
		historyLimit:     DefaultHistoryLimit,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MessageRouter) validateContent(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > r.maxContentLength {
		return "", ErrContentTooLong
	}
	return content, nil
}

// validate turns a send request into a store input without touching shared state.
func (r *MessageRouter) validate(senderID string, in *SendMessage) (MessageCreateInput, error) {
	content, err := r.validateContent(in.Content)
	if err != nil {
		return MessageCreateInput{}, err
	}
	roomID := strings.TrimSpace(in.RoomID)
	receiverID := strings.TrimSpace(in.ReceiverID)
	if (roomID == "") == (receiverID == "") {
		return MessageCreateInput{}, ErrInvalidTarget
	}

	typ := in.Type
	if typ == "" {
		typ = TextMessage
	}
	if !typ.Valid() || typ == SystemMessage {
		return MessageCreateInput{}, ErrInvalidMessageType
	}
	hasFiles := typ == FileMessage || typ == ImageMessage
	if hasFiles != (len(in.Attachments) > 0) {
		return MessageCreateInput{}, NewError(ValidationError, "attachments are required for file and image messages only")
	}

	return MessageCreateInput{
		Content:     content,
		Type:        typ,
		SenderID:    senderID,
		RoomID:      roomID,
		ReceiverID:  receiverID,
		ReplyTo:     in.ReplyTo,
		Attachments: in.Attachments,
	}, nil
}

// Send routes a message from c's identity to a room or a direct peer.
func (r *MessageRouter) Send(ctx context.Context, c Client, in *SendMessage) (*MessagePayload, error) {
	sender, err := r.identities.Get(ctx, c.UserID())
	if err != nil {
		return nil, err
	}
	if sender == nil {
		return nil, ErrUserNotFound
	}

	input, err := r.validate(sender.ID, in)
	if err != nil {
		return nil, err
	}
	if input.RoomID != "" {
		return r.sendToRoom(ctx, c, sender, input)
	}
	return r.sendDirect(ctx, c, sender, input)
}

func (r *MessageRouter) sendToRoom(ctx context.Context, c Client, sender *User, input MessageCreateInput) (*MessagePayload, error) {
	var payload *MessagePayload
	err := r.rooms.Exclusive(ctx, input.RoomID, func(rec *RoomRecord) error {
		if !rec.IsParticipant(sender.ID) {
			return ErrNotParticipant
		}
		settings := rec.Room().Settings
		if input.Type == EmojiMessage && !settings.AllowEmoji {
			return ErrTypeNotAllowed
		}
		if (input.Type == FileMessage || input.Type == ImageMessage) && !settings.AllowFileSharing {
			return ErrTypeNotAllowed
		}
		if err := r.checkReply(ctx, input); err != nil {
			return err
		}

		msg, err := r.store.CreateMessage(ctx, input)
		if err != nil {
			return err
		}
		if err := rec.recordMessage(ctx, msg.CreatedAt); err != nil {
			// the message is committed and still has to be delivered
			r.logger.Warn(fmt.Sprintf("record room activity: %v", err), slog.String("room", input.RoomID))
		}

		payload = enrich(msg, sender)
		e, err := NewEvent(EventNewMessage, payload)
		if err != nil {
			return err
		}
		r.hub.Broadcast(roomChannel(input.RoomID), e)
		if !r.hub.Has(roomChannel(input.RoomID), c) {
			c.Send(e)
		}
		return nil
	})
	return payload, err
}

func (r *MessageRouter) directLock(a, b string) *sync.Mutex {
	if a > b {
		a, b = b, a
	}
	h := fnv.New32a()
	h.Write([]byte(a))
	h.Write([]byte{0})
	h.Write([]byte(b))
	return &r.directLocks[h.Sum32()%uint32(len(r.directLocks))]
}

func (r *MessageRouter) sendDirect(ctx context.Context, c Client, sender *User, input MessageCreateInput) (*MessagePayload, error) {
	receiver, err := r.identities.Get(ctx, input.ReceiverID)
	if err != nil {
		return nil, err
	}
	if receiver == nil {
		return nil, ErrRecipientNotFound
	}

	mu := r.directLock(sender.ID, receiver.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := r.checkReply(ctx, input); err != nil {
		return nil, err
	}
	msg, err := r.store.CreateMessage(ctx, input)
	if err != nil {
		return nil, err
	}

	payload := enrich(msg, sender)
	e, err := NewEvent(EventNewMessage, payload)
	if err != nil {
		return nil, err
	}
	r.hub.Broadcast(userChannel(receiver.ID), e)
	if !r.hub.Has(userChannel(receiver.ID), c) {
		c.Send(e)
	}
	return payload, nil
}

// checkReply requires a reply target to live in the same room or conversation.
func (r *MessageRouter) checkReply(ctx context.Context, input MessageCreateInput) error {
	if input.ReplyTo == 0 {
		return nil
	}
	parent, err := r.store.GetMessageByID(ctx, input.ReplyTo)
	if err != nil {
		return err
	}
	if parent == nil {
		return ErrMessageNotFound
	}
	if input.RoomID != "" {
		if parent.RoomID != input.RoomID {
			return ErrMessageNotFound
		}
		return nil
	}
	sameConversation := (parent.SenderID == input.SenderID && parent.ReceiverID == input.ReceiverID) ||
		(parent.SenderID == input.ReceiverID && parent.ReceiverID == input.SenderID)
	if !sameConversation {
		return ErrMessageNotFound
	}
	return nil
}

func enrich(m *Message, sender *User) *MessagePayload {
	p := &MessagePayload{Message: *m, IsRead: m.IsRead()}
	if sender != nil {
		p.SenderUsername = sender.Username
		p.SenderAvatar = sender.Avatar
	}
	return p
}

func (r *MessageRouter) enrichAll(ctx context.Context, messages []Message) ([]MessagePayload, error) {
	senders := make(map[string]*User)
	payloads := make([]MessagePayload, 0, len(messages))
	for i := range messages {
		id := messages[i].SenderID
		sender, ok := senders[id]
		if !ok {
			var err error
			sender, err = r.identities.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			senders[id] = sender
		}
		payloads = append(payloads, *enrich(&messages[i], sender))
	}
	return payloads, nil
}

// DeliverHistory sends the most recent room messages, oldest first, to c only.
// It is meant to run under the room lock during a join.
func (r *MessageRouter) DeliverHistory(ctx context.Context, c Client, rec *RoomRecord) error {
	roomID := rec.Room().ID
	messages, err := r.store.FindMessagesByRoom(ctx, roomID, MessageQuery{Limit: r.historyLimit})
	if err != nil {
		return err
	}
	payloads, err := r.enrichAll(ctx, messages)
	if err != nil {
		return err
	}
	return EmitTo(c, EventMessageHistory, HistoryPayload{RoomID: roomID, Messages: payloads})
}

// RoomHistory pages through a room's messages for a participant.
func (r *MessageRouter) RoomHistory(ctx context.Context, userID, roomID string, q MessageQuery) ([]MessagePayload, error) {
	ok, err := r.rooms.IsParticipant(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotParticipant
	}
	if q.Limit <= 0 || q.Limit > r.historyLimit {
		q.Limit = r.historyLimit
	}
	messages, err := r.store.FindMessagesByRoom(ctx, roomID, q)
	if err != nil {
		return nil, err
	}
	return r.enrichAll(ctx, messages)
}

func (r *MessageRouter) DirectHistory(ctx context.Context, userID, peerID string, q MessageQuery) ([]MessagePayload, error) {
	peer, err := r.identities.Get(ctx, peerID)
	if err != nil {
		return nil, err
	}
	if peer == nil {
		return nil, ErrRecipientNotFound
	}
	if q.Limit <= 0 || q.Limit > r.historyLimit {
		q.Limit = r.historyLimit
	}
	messages, err := r.store.FindDirectMessages(ctx, userID, peerID, q)
	if err != nil {
		return nil, err
	}
	return r.enrichAll(ctx, messages)
}

// visible loads a message the user is allowed to see.
func (r *MessageRouter) visible(ctx context.Context, userID string, id int64) (*Message, error) {
	msg, err := r.store.GetMessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	if msg.RoomID != "" {
		ok, err := r.rooms.IsParticipant(ctx, msg.RoomID, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrNotParticipant
		}
		return msg, nil
	}
	if userID != msg.SenderID && userID != msg.ReceiverID {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// MarkAsRead records a read receipt once per user. Receipts are not pushed;
// they show up on the next fetch.
func (r *MessageRouter) MarkAsRead(ctx context.Context, userID string, messageID int64) (bool, error) {
	if _, err := r.visible(ctx, userID, messageID); err != nil {
		return false, err
	}
	return r.store.MarkMessageRead(ctx, messageID, userID, r.now())
}

// Edit replaces the content of the user's own message.
func (r *MessageRouter) Edit(ctx context.Context, userID string, in *EditMessage) (*MessagePayload, error) {
	content, err := r.validateContent(in.Content)
	if err != nil {
		return nil, err
	}
	msg, err := r.visible(ctx, userID, in.MessageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != userID {
		return nil, ErrNotSender
	}
	if msg.Deleted() {
		return nil, ErrMessageDeleted
	}
	sender, err := r.identities.Get(ctx, userID)
	if err != nil {
		return nil, err
	}

	var payload *MessagePayload
	err = r.serialize(ctx, msg, func() error {
		at := r.now()
		if err := r.store.EditMessage(ctx, msg.ID, content, at); err != nil {
			return err
		}
		msg.Content = content
		msg.EditedAt = &at
		payload = enrich(msg, sender)
		return r.publish(msg, EventMessageUpdated, payload)
	})
	return payload, err
}

// Delete soft-deletes the user's own message. Deleting twice is a no-op.
func (r *MessageRouter) Delete(ctx context.Context, userID string, messageID int64) error {
	msg, err := r.visible(ctx, userID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != userID {
		return ErrNotSender
	}
	if msg.Deleted() {
		return nil
	}

	return r.serialize(ctx, msg, func() error {
		at := r.now()
		changed, err := r.store.SoftDeleteMessage(ctx, msg.ID, at)
		if err != nil || !changed {
			return err
		}
		return r.publish(msg, EventMessageDeleted, MessageDeletedPayload{
			MessageID:  msg.ID,
			SenderID:   msg.SenderID,
			RoomID:     msg.RoomID,
			ReceiverID: msg.ReceiverID,
			DeletedAt:  at,
		})
	})
}

// serialize runs f under the same lock that orders new messages of the
// message's room or conversation.
func (r *MessageRouter) serialize(ctx context.Context, msg *Message, f func() error) error {
	if msg.RoomID != "" {
		return r.rooms.Exclusive(ctx, msg.RoomID, func(*RoomRecord) error { return f() })
	}
	mu := r.directLock(msg.SenderID, msg.ReceiverID)
	mu.Lock()
	defer mu.Unlock()
	return f()
}

func (r *MessageRouter) publish(msg *Message, t string, payload any) error {
	if msg.RoomID != "" {
		return r.hub.Emit(roomChannel(msg.RoomID), t, payload)
	}
	if err := r.hub.Emit(userChannel(msg.ReceiverID), t, payload); err != nil {
		return err
	}
	if msg.ReceiverID == msg.SenderID {
		return nil
	}
	return r.hub.Emit(userChannel(msg.SenderID), t, payload)
}
