package chatter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/putto11262002/chatrooms/core"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const timeout = 2 * time.Second

type appFixture struct {
	t      *testing.T
	app    *App
	server *httptest.Server
	ctx    context.Context
}

func newAppFixture(t *testing.T) *appFixture {
	config, err := loadConfig(viper.New())
	require.NoError(t, err)
	config.SQLite.File = filepath.Join(t.TempDir(), "chatrooms.db")
	config.Log.Level = "error"

	ctx, cancel := context.WithCancel(context.Background())
	app, err := New(ctx, config)
	require.NoError(t, err)

	f := &appFixture{t: t, app: app, server: httptest.NewServer(app.Handler()), ctx: ctx}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), timeout)
		defer closeCancel()
		f.server.Close()
		app.Close(closeCtx)
		cancel()
	})
	return f
}

func (f *appFixture) token(username string) (string, *core.User) {
	token, user, err := f.app.IssueToken(f.ctx, username)
	require.NoError(f.t, err)
	return token, user
}

func (f *appFixture) do(method, path, token string, body any) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(f.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.server.URL+path, &buf)
	require.NoError(f.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { res.Body.Close() })
	return res
}

func decode[T any](t *testing.T, res *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(res.Body).Decode(&v))
	return v
}

func TestHealthz(t *testing.T) {
	f := newAppFixture(t)
	res := f.do(http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decode[map[string]any](t, res)
	assert.Equal(t, "ok", body["status"])
}

func TestIssueToken(t *testing.T) {
	f := newAppFixture(t)
	_, first := f.token("alice")
	_, again := f.token("alice")
	assert.Equal(t, first.ID, again.ID)

	_, _, err := f.app.IssueToken(f.ctx, "a")
	assert.True(t, core.IsKind(err, core.ValidationError))
}

func TestUserRoutes(t *testing.T) {
	f := newAppFixture(t)
	token, alice := f.token("alice")
	_, bob := f.token("bob")

	res := f.do(http.MethodGet, "/api/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res = f.do(http.MethodGet, "/api/users/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res = f.do(http.MethodGet, "/api/users/me", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	me := decode[UserResponse](t, res)
	assert.Equal(t, alice.ID, me.ID)
	assert.False(t, me.Online)
	assert.Equal(t, core.StatusOffline, me.Status)

	res = f.do(http.MethodGet, "/api/users/"+bob.ID, token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "bob", decode[UserResponse](t, res).Username)

	res = f.do(http.MethodGet, "/api/users/missing", token, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = f.do(http.MethodGet, "/api/users/online", token, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[[]core.PresencePayload](t, res))
}

func TestFriendRoutes(t *testing.T) {
	f := newAppFixture(t)
	aliceToken, alice := f.token("alice")
	bobToken, bob := f.token("bob")

	res := f.do(http.MethodPost, "/api/users/friend-requests", aliceToken, core.FriendRequestInput{UserID: alice.ID})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res = f.do(http.MethodPost, "/api/users/friend-requests", aliceToken, core.FriendRequestInput{UserID: "missing"})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	res = f.do(http.MethodPost, "/api/users/friend-requests/accept", bobToken, core.FriendRequestInput{UserID: alice.ID})
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = f.do(http.MethodPost, "/api/users/friend-requests", aliceToken, core.FriendRequestInput{UserID: bob.ID})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = f.do(http.MethodGet, "/api/users/friend-requests", bobToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	pending := decode[[]core.FriendRequest](t, res)
	require.Len(t, pending, 1)
	assert.Equal(t, alice.ID, pending[0].From.ID)

	res = f.do(http.MethodPost, "/api/users/friend-requests/accept", bobToken, core.FriendRequestInput{UserID: alice.ID})
	assert.Equal(t, http.StatusNoContent, res.StatusCode)

	res = f.do(http.MethodGet, "/api/users/friends", aliceToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	friends := decode[[]core.PresencePayload](t, res)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].Username)
	assert.Equal(t, core.StatusOffline, friends[0].Status)

	res = f.do(http.MethodPatch, "/api/users/me/avatar", aliceToken, core.AvatarUpdateInput{Avatar: "not a url"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	res = f.do(http.MethodPatch, "/api/users/me/avatar", aliceToken, core.AvatarUpdateInput{Avatar: "https://example.com/a.png"})
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "https://example.com/a.png", decode[UserResponse](t, res).Avatar)

	res = f.do(http.MethodGet, "/api/users/me", aliceToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "https://example.com/a.png", decode[UserResponse](t, res).Avatar)
}

func TestRoomRoutes(t *testing.T) {
	f := newAppFixture(t)
	aliceToken, _ := f.token("alice")
	bobToken, bob := f.token("bob")

	res := f.do(http.MethodGet, "/api/rooms", aliceToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]core.RoomSnapshot](t, res), 47)

	res = f.do(http.MethodPost, "/api/rooms", aliceToken, core.RoomCreateInput{Name: "Book Club", Description: "books"})
	require.Equal(t, http.StatusCreated, res.StatusCode)
	room := decode[core.RoomSnapshot](t, res)
	assert.Equal(t, 1, room.ParticipantCount)

	res = f.do(http.MethodPost, "/api/rooms", aliceToken, core.RoomCreateInput{Name: "Book Club"})
	assert.Equal(t, http.StatusConflict, res.StatusCode)
	res = f.do(http.MethodPost, "/api/rooms", aliceToken, core.RoomCreateInput{})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = f.do(http.MethodGet, "/api/rooms/"+room.ID, bobToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	details := decode[RoomResponse](t, res)
	require.Len(t, details.Members, 1)
	assert.Equal(t, core.Admin, details.Members[0].Role)

	res = f.do(http.MethodGet, "/api/rooms/missing", bobToken, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res = f.do(http.MethodGet, "/api/rooms/"+room.ID+"/messages", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)

	path := fmt.Sprintf("/api/rooms/%s/members/%s/role", room.ID, bob.ID)
	res = f.do(http.MethodPut, path, bobToken, SetRolePayload{Role: core.Moderator})
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res = f.do(http.MethodPut, path, aliceToken, SetRolePayload{Role: "king"})
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res = f.do(http.MethodPost, "/api/rooms/"+room.ID+"/deactivate", bobToken, nil)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	res = f.do(http.MethodPost, "/api/rooms/"+room.ID+"/deactivate", aliceToken, nil)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res = f.do(http.MethodGet, "/api/rooms/"+room.ID, aliceToken, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestChatOverWebsocket(t *testing.T) {
	f := newAppFixture(t)
	aliceToken, _ := f.token("alice")
	bobToken, bob := f.token("bob")
	wsURL := strings.Replace(f.server.URL, "http://", "ws://", 1) + "/ws"

	_, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	dial := func(token string) *websocket.Conn {
		conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+token, nil)
		require.NoError(t, err)
		t.Cleanup(func() { conn.Close() })
		return conn
	}
	// next reads events until one of typ arrives
	next := func(conn *websocket.Conn, typ string) core.Event {
		conn.SetReadDeadline(time.Now().Add(timeout))
		for {
			var e core.Event
			require.NoError(t, conn.ReadJSON(&e))
			if e.Type == typ {
				return e
			}
		}
	}
	send := func(conn *websocket.Conn, typ string, payload any) {
		e, err := core.NewEvent(typ, payload)
		require.NoError(t, err)
		require.NoError(t, conn.WriteJSON(e))
	}

	alice := dial(aliceToken)
	next(alice, core.EventUsersList)
	bobConn := dial(bobToken)
	next(bobConn, core.EventUsersList)
	next(alice, core.EventUserOnline)

	global, err := f.app.chatStore.GetRoomByName(f.ctx, "Global")
	require.NoError(t, err)
	send(alice, core.EventJoinRoom, global.ID)
	next(alice, core.EventMessageHistory)

	send(alice, core.EventSendMessage, core.SendMessage{Content: "hi bob", ReceiverID: bob.ID})
	e := next(bobConn, core.EventNewMessage)
	var msg core.MessagePayload
	require.NoError(t, json.Unmarshal(e.Payload, &msg))
	assert.Equal(t, "hi bob", msg.Content)
	assert.Equal(t, "alice", msg.SenderUsername)

	send(alice, core.EventSendMessage, core.SendMessage{Content: "hello world", RoomID: global.ID})
	next(alice, core.EventNewMessage)

	res = f.do(http.MethodGet, "/api/rooms/"+global.ID+"/messages?limit=10", aliceToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	messages := decode[[]core.MessagePayload](t, res)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello world", messages[0].Content)

	res = f.do(http.MethodGet, "/api/messages/direct/"+bob.ID, aliceToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]core.MessagePayload](t, res), 1)

	res = f.do(http.MethodGet, "/api/users/online", aliceToken, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]core.PresencePayload](t, res), 2)

	res = f.do(http.MethodGet, "/api/rooms/"+global.ID+"/messages?limit=abc", aliceToken, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}
