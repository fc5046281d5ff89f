package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// ErrorKind classifies an error by how it should be reported to a client.
type ErrorKind int

const (
	InternalError ErrorKind = iota
	AuthenticationError
	AuthorizationError
	ValidationError
	NotFoundError
	TransientStoreError
)

func (k ErrorKind) String() string {
	switch k {
	case AuthenticationError:
		return "authentication"
	case AuthorizationError:
		return "authorization"
	case ValidationError:
		return "validation"
	case NotFoundError:
		return "not_found"
	case TransientStoreError:
		return "transient"
	default:
		return "internal"
	}
}

type Error struct {
	Kind ErrorKind
	msg  string
	err  error
}

func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

func wrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, msg: msg, err: err}
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Sensitive reports whether the message must be hidden from clients.
func (e *Error) Sensitive() bool {
	return e.Kind == InternalError || e.Kind == TransientStoreError
}

// Message is the text safe to show to a client.
func (e *Error) Message() string {
	switch e.Kind {
	case InternalError:
		return "internal error"
	case TransientStoreError:
		return "service temporarily unavailable, please retry"
	}
	return e.msg
}

var (
	// ErrRoomNotFound is returned when a room is absent or deactivated.
	ErrRoomNotFound = NewError(NotFoundError, "room not found")
	// ErrRecipientNotFound is returned when a direct message names an unknown identity.
	ErrRecipientNotFound = NewError(NotFoundError, "recipient not found")
	ErrUserNotFound      = NewError(NotFoundError, "user not found")
	ErrMessageNotFound   = NewError(NotFoundError, "message not found")
	// ErrFriendRequestNotFound is returned when accepting a request that was never sent.
	ErrFriendRequestNotFound = NewError(NotFoundError, "friend request not found")
	ErrSelfFriendRequest     = NewError(ValidationError, "cannot send a friend request to yourself")
	// ErrNotParticipant is returned when a non-participant acts on a room.
	ErrNotParticipant = NewError(AuthorizationError, "not a participant of this room")
	ErrNotModerator   = NewError(AuthorizationError, "moderator role required")
	ErrNotAdmin       = NewError(AuthorizationError, "admin role required")
	// ErrNotSender is returned when someone other than the sender edits or deletes a message.
	ErrNotSender          = NewError(AuthorizationError, "only the sender can change this message")
	ErrRoomFull           = NewError(AuthorizationError, "room is full")
	ErrApprovalRequired   = NewError(AuthorizationError, "room requires approval to join")
	ErrEmptyContent       = NewError(ValidationError, "message content is empty")
	ErrContentTooLong     = NewError(ValidationError, "message content is too long")
	ErrInvalidTarget      = NewError(ValidationError, "exactly one of roomId or receiverId must be set")
	ErrInvalidMessageType = NewError(ValidationError, "invalid message type")
	ErrTypeNotAllowed     = NewError(ValidationError, "message type not allowed in this room")
	ErrMessageDeleted     = NewError(ValidationError, "message has been deleted")
	ErrInvalidPayload     = NewError(ValidationError, "malformed payload")
	ErrUnknownEvent       = NewError(ValidationError, "unknown event")
	ErrInvalidStatus      = NewError(ValidationError, "invalid status")
	ErrConflictedRoom     = NewError(ValidationError, "room name already taken")
	ErrConflictedUser     = NewError(ValidationError, "username already taken")
	ErrInvalidToken       = NewError(AuthenticationError, "invalid or expired token")
	ErrMissingToken       = NewError(AuthenticationError, "missing token")
)

// AsError converts any error into an *Error, classifying store failures.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if isTransient(err) {
		return wrapError(TransientStoreError, "store unavailable", err)
	}
	return wrapError(InternalError, "internal error", err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind ErrorKind) bool {
	e := AsError(err)
	return e != nil && e.Kind == kind
}
