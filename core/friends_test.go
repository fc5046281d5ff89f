package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFriends(t *testing.T) {
	f := NewChatFixture(t)
	defer f.tearDown()
	friends := NewFriends(f.userStore, f.identities, f.hub, f.presence, discardLogger)

	users := seedUsers(f, "alice", "bob", "carol")
	alice, bob, carol := users[0], users[1], users[2]
	aliceConn := connect(f, alice)
	bobConn := connect(f, bob)

	t.Run("request reaches the target", func(t *testing.T) {
		require.ErrorIs(t, friends.Request(f.ctx, alice, alice.ID), ErrSelfFriendRequest)
		require.ErrorIs(t, friends.Request(f.ctx, alice, "missing"), ErrUserNotFound)

		require.NoError(t, friends.Request(f.ctx, alice, bob.ID))
		p := lastOf[PresencePayload](t, bobConn, EventFriendRequest)
		assert.Equal(t, alice.ID, p.UserID)
		assert.Equal(t, StatusOnline, p.Status)

		require.NoError(t, friends.Request(f.ctx, alice, bob.ID))
		assert.Len(t, bobConn.Of(EventFriendRequest), 1, "duplicate is not announced")
		assert.Empty(t, aliceConn.Of(EventFriendRequest))

		pending, err := friends.Requests(f.ctx, bob.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "alice", pending[0].From.Username)
	})

	t.Run("accept tells both sides", func(t *testing.T) {
		require.ErrorIs(t, friends.Accept(f.ctx, bob, carol.ID), ErrFriendRequestNotFound)

		require.NoError(t, friends.Accept(f.ctx, bob, alice.ID))
		assert.Equal(t, bob.ID, lastOf[PresencePayload](t, aliceConn, EventFriendAdded).UserID)
		assert.Equal(t, alice.ID, lastOf[PresencePayload](t, bobConn, EventFriendAdded).UserID)
	})

	t.Run("list carries live status", func(t *testing.T) {
		list, err := friends.List(f.ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, bob.ID, list[0].UserID)
		assert.Equal(t, StatusOnline, list[0].Status)

		f.gateway.Disconnect(f.ctx, bobConn)
		list, err = friends.List(f.ctx, alice.ID)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, StatusOffline, list[0].Status)
		assert.False(t, list[0].LastSeen.IsZero())

		list, err = friends.List(f.ctx, carol.ID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("avatar update is visible through the cache", func(t *testing.T) {
		_, err := f.identities.Get(f.ctx, carol.ID)
		require.NoError(t, err)

		require.NoError(t, friends.UpdateAvatar(f.ctx, carol.ID, "https://example.com/c.png"))
		got, err := f.identities.Get(f.ctx, carol.ID)
		require.NoError(t, err)
		assert.Equal(t, "https://example.com/c.png", got.Avatar)
	})
}
