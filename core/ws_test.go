package core

import (
	"context"
	"net/http"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWSRejectsMissingToken(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()

	_, res, err := websocket.DefaultDialer.Dial(f.wsURL(), nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Zero(t, f.manager.Count())
}

func TestWSConnect(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()
	users := seedUsers(f.ChatFixture, "alice", "bob")
	seedRoom(f.ChatFixture, "General", nil, nil)

	alice := f.dial(users[0])
	rooms := waitFor[[]RoomSnapshot](t, alice, EventRoomsList)
	require.Len(t, rooms, 1)
	online := waitFor[[]PresencePayload](t, alice, EventUsersList)
	require.Len(t, online, 1)

	f.dial(users[1])
	p := waitFor[PresencePayload](t, alice, EventUserOnline)
	assert.Equal(t, users[1].ID, p.UserID)

	require.Eventually(t, func() bool { return f.manager.Count() == 2 }, baseTimeout, baseTimeout/20)
}

func TestWSRoomChat(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()
	users := seedUsers(f.ChatFixture, "alice", "bob")
	room := seedRoom(f.ChatFixture, "General", nil, nil)

	alice := f.dial(users[0])
	bob := f.dial(users[1])
	for _, c := range []*testWSClient{alice, bob} {
		waitFor[[]PresencePayload](t, c, EventUsersList)
		require.NoError(t, c.Send(EventJoinRoom, room.ID))
		waitFor[HistoryPayload](t, c, EventMessageHistory)
	}

	require.NoError(t, alice.Send(EventSendMessage, SendMessage{Content: "hello bob", RoomID: room.ID}))
	for _, c := range []*testWSClient{alice, bob} {
		msg := waitFor[MessagePayload](t, c, EventNewMessage)
		assert.Equal(t, "hello bob", msg.Content)
		assert.Equal(t, "alice", msg.SenderUsername)
	}

	t.Run("malformed frames get an error event", func(t *testing.T) {
		require.NoError(t, bob.SendRaw("{not json"))
		e := waitFor[ErrorPayload](t, bob, EventError)
		assert.Equal(t, ErrInvalidPayload.Message(), e.Message)

		// the connection keeps serving
		require.NoError(t, bob.Send(EventSendMessage, SendMessage{Content: "still here", RoomID: room.ID}))
		require.Eventually(t, func() bool { return len(alice.Of(EventNewMessage)) == 2 }, baseTimeout, baseTimeout/20)
	})
}

func TestWSDisconnect(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()
	users := seedUsers(f.ChatFixture, "alice", "bob")
	room := seedRoom(f.ChatFixture, "General", nil, nil)

	alice := f.dial(users[0])
	bob := f.dial(users[1])
	waitFor[PresencePayload](t, alice, EventUserOnline)
	require.NoError(t, bob.Send(EventJoinRoom, room.ID))
	waitFor[RoomSnapshot](t, bob, EventRoomJoined)

	bob.Close()
	awaitChan(t, bob.closed, "server kept bob open")

	p := waitFor[PresencePayload](t, alice, EventUserOffline)
	assert.Equal(t, users[1].ID, p.UserID)
	require.Eventually(t, func() bool { return f.manager.Count() == 1 }, baseTimeout, baseTimeout/20)
	assert.False(t, f.presence.IsOnline(users[1].ID))

	ok, err := f.rooms.IsParticipant(f.ctx, room.ID, users[1].ID)
	require.NoError(t, err)
	assert.True(t, ok, "disconnecting must not leave the room")
}

func TestWSManagerClose(t *testing.T) {
	f := setUpWSFixture(t)
	defer f.tearDown()
	users := seedUsers(f.ChatFixture, "alice", "bob")

	clients := []*testWSClient{f.dial(users[0]), f.dial(users[1])}
	require.Eventually(t, func() bool { return f.manager.Count() == 2 }, baseTimeout, baseTimeout/20)

	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	require.NoError(t, f.manager.Close(ctx))

	for _, c := range clients {
		awaitChan(t, c.closed, "%s was not closed", c)
		c.mu.Lock()
		assert.Equal(t, websocket.CloseNormalClosure, c.closeCode)
		c.mu.Unlock()
	}
	assert.Zero(t, f.manager.Count())
	assert.Empty(t, f.presence.OnlineUsers())
}
