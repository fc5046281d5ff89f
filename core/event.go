package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Outbound events.
const (
	EventRoomsList         = "rooms_list"
	EventUsersList         = "users_list"
	EventUserOnline        = "user_online"
	EventUserOffline       = "user_offline"
	EventUserStatusChanged = "user_status_changed"
	EventRoomJoined        = "room_joined"
	EventRoomLeft          = "room_left"
	EventMessageHistory    = "message_history"
	EventNewMessage        = "new_message"
	EventMessageUpdated    = "message_updated"
	EventMessageDeleted    = "message_deleted"
	EventUserJoinedRoom    = "user_joined_room"
	EventUserLeftRoom      = "user_left_room"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventFriendRequest     = "friend_request"
	EventFriendAdded       = "friend_added"
	EventError             = "error"
)

// Inbound events.
const (
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventSendMessage   = "send_message"
	EventStartTyping   = "start_typing"
	EventStopTyping    = "stop_typing"
	EventMarkAsRead    = "mark_as_read"
	EventEditMessage   = "edit_message"
	EventDeleteMessage = "delete_message"
	EventSetStatus     = "set_status"
)

type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (e Event) String() string {
	return fmt.Sprintf("Event{Type: %s, Payload.Size: %d}", e.Type, len(e.Payload))
}

func NewEvent(t string, payload any) (*Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return &Event{Type: t, Payload: b}, nil
}

func EncodeEvent(w io.Writer, e *Event) error {
	if err := json.NewEncoder(w).Encode(e); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return nil
}

func DecodeEvent(r io.Reader, e *Event) error {
	if err := json.NewDecoder(r).Decode(e); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	return nil
}

// InboundEvent is one of the typed client requests below.
type InboundEvent interface {
	EventType() string
}

type JoinRoom struct {
	RoomID string `json:"roomId" validate:"required"`
}

type LeaveRoom struct {
	RoomID string `json:"roomId" validate:"required"`
}

type SendMessage struct {
	Content     string       `json:"content"`
	RoomID      string       `json:"roomId"`
	ReceiverID  string       `json:"receiverId"`
	Type        MessageType  `json:"type" validate:"omitempty,oneof=text emoji system file image"`
	ReplyTo     int64        `json:"replyTo" validate:"gte=0"`
	Attachments []Attachment `json:"attachments" validate:"max=10,dive"`
}

// TypingScope addresses either a room or a direct peer.
type TypingScope struct {
	RoomID     string `json:"roomId,omitempty"`
	ReceiverID string `json:"receiverId,omitempty"`
}

type StartTyping struct {
	TypingScope
}

type StopTyping struct {
	TypingScope
}

type MarkAsRead struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
}

type EditMessage struct {
	MessageID int64  `json:"messageId" validate:"required,gt=0"`
	Content   string `json:"content"`
}

type DeleteMessage struct {
	MessageID int64 `json:"messageId" validate:"required,gt=0"`
}

type SetStatus struct {
	Status Status `json:"status" validate:"required,oneof=online away busy"`
}

func (JoinRoom) EventType() string      { return EventJoinRoom }
func (LeaveRoom) EventType() string     { return EventLeaveRoom }
func (SendMessage) EventType() string   { return EventSendMessage }
func (StartTyping) EventType() string   { return EventStartTyping }
func (StopTyping) EventType() string    { return EventStopTyping }
func (MarkAsRead) EventType() string    { return EventMarkAsRead }
func (EditMessage) EventType() string   { return EventEditMessage }
func (DeleteMessage) EventType() string { return EventDeleteMessage }
func (SetStatus) EventType() string     { return EventSetStatus }

// UnmarshalJSON accepts a bare room id as well as {"roomId": ...}.
func (j *JoinRoom) UnmarshalJSON(b []byte) error {
	return unmarshalID(b, &j.RoomID, func() error {
		type plain JoinRoom
		return json.Unmarshal(b, (*plain)(j))
	})
}

func (l *LeaveRoom) UnmarshalJSON(b []byte) error {
	return unmarshalID(b, &l.RoomID, func() error {
		type plain LeaveRoom
		return json.Unmarshal(b, (*plain)(l))
	})
}

// UnmarshalJSON accepts a bare message id (number or string) as well as {"messageId": ...}.
func (m *MarkAsRead) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] != '{' {
		var raw string
		if err := unmarshalID(b, &raw, nil); err != nil {
			return err
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("message id: %w", err)
		}
		m.MessageID = id
		return nil
	}
	type plain MarkAsRead
	return json.Unmarshal(b, (*plain)(m))
}

func unmarshalID(b []byte, dst *string, object func() error) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		return json.Unmarshal(b, dst)
	case '{':
		if object != nil {
			return object()
		}
	default:
		var n json.Number
		if err := json.Unmarshal(b, &n); err == nil {
			*dst = n.String()
			return nil
		}
	}
	return fmt.Errorf("unexpected id payload %q", b)
}

// DecodeInbound maps an event onto its typed request and validates it.
func DecodeInbound(e *Event) (InboundEvent, error) {
	var in InboundEvent
	switch e.Type {
	case EventJoinRoom:
		in = &JoinRoom{}
	case EventLeaveRoom:
		in = &LeaveRoom{}
	case EventSendMessage:
		in = &SendMessage{}
	case EventStartTyping:
		in = &StartTyping{}
	case EventStopTyping:
		in = &StopTyping{}
	case EventMarkAsRead:
		in = &MarkAsRead{}
	case EventEditMessage:
		in = &EditMessage{}
	case EventDeleteMessage:
		in = &DeleteMessage{}
	case EventSetStatus:
		in = &SetStatus{}
	default:
		return nil, ErrUnknownEvent
	}

	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, in); err != nil {
			return nil, wrapError(ValidationError, "malformed payload", err)
		}
	}
	if err := Validate(in); err != nil {
		return nil, err
	}
	return in, nil
}

type ErrorPayload struct {
	Message string `json:"message"`
	Kind    string `json:"kind"`
	Event   string `json:"event,omitempty"`
}
