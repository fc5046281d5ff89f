package core

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInbound(t *testing.T) {
	raw := func(typ, payload string) *Event {
		return &Event{Type: typ, Payload: json.RawMessage(payload)}
	}

	t.Run("join accepts a bare room id", func(t *testing.T) {
		for _, payload := range []string{`"r1"`, `{"roomId":"r1"}`} {
			in, err := DecodeInbound(raw(EventJoinRoom, payload))
			require.NoError(t, err)
			assert.Equal(t, &JoinRoom{RoomID: "r1"}, in)
		}
	})

	t.Run("leave accepts a numeric id", func(t *testing.T) {
		in, err := DecodeInbound(raw(EventLeaveRoom, `42`))
		require.NoError(t, err)
		assert.Equal(t, &LeaveRoom{RoomID: "42"}, in)
	})

	t.Run("mark as read accepts bare ids", func(t *testing.T) {
		for _, payload := range []string{`7`, `"7"`, `{"messageId":7}`} {
			in, err := DecodeInbound(raw(EventMarkAsRead, payload))
			require.NoError(t, err, payload)
			assert.Equal(t, &MarkAsRead{MessageID: 7}, in)
		}
	})

	t.Run("send message", func(t *testing.T) {
		in, err := DecodeInbound(raw(EventSendMessage, `{"content":"hi","roomId":"r1","type":"emoji"}`))
		require.NoError(t, err)
		msg := in.(*SendMessage)
		assert.Equal(t, "hi", msg.Content)
		assert.Equal(t, EmojiMessage, msg.Type)
	})

	t.Run("typing scope", func(t *testing.T) {
		in, err := DecodeInbound(raw(EventStartTyping, `{"receiverId":"u2"}`))
		require.NoError(t, err)
		assert.Equal(t, "u2", in.(*StartTyping).ReceiverID)
	})

	tests := []struct {
		name string
		e    *Event
		kind ErrorKind
	}{
		{name: "unknown event", e: raw("shout", `{}`), kind: ValidationError},
		{name: "missing room id", e: raw(EventJoinRoom, `{}`), kind: ValidationError},
		{name: "malformed json", e: raw(EventSendMessage, `{"content":`), kind: ValidationError},
		{name: "invalid message type", e: raw(EventSendMessage, `{"content":"x","roomId":"r","type":"video"}`), kind: ValidationError},
		{name: "invalid status", e: raw(EventSetStatus, `{"status":"offline"}`), kind: ValidationError},
		{name: "non positive message id", e: raw(EventDeleteMessage, `{"messageId":0}`), kind: ValidationError},
		{name: "non numeric message id", e: raw(EventMarkAsRead, `"abc"`), kind: ValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeInbound(tt.e)
			require.Error(t, err)
			assert.True(t, IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestEventCodec(t *testing.T) {
	e := mustEvent(t, EventNewMessage, map[string]string{"content": "hi"})

	var buf bytes.Buffer
	require.NoError(t, EncodeEvent(&buf, e))

	var got Event
	require.NoError(t, DecodeEvent(&buf, &got))
	assert.Equal(t, EventNewMessage, got.Type)
	assert.JSONEq(t, `{"content":"hi"}`, string(got.Payload))
}

func TestErrorMessages(t *testing.T) {
	internal := AsError(assert.AnError)
	assert.Equal(t, InternalError, internal.Kind)
	assert.True(t, internal.Sensitive())
	assert.Equal(t, "internal error", internal.Message())

	assert.Equal(t, ErrRoomFull, AsError(ErrRoomFull))
	assert.False(t, ErrRoomFull.Sensitive())
	assert.Equal(t, "room is full", ErrRoomFull.Message())
	assert.Equal(t, "authorization", ErrRoomFull.Kind.String())
}
