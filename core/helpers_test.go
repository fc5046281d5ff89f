package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var baseTimeout = time.Second

var connCounter atomic.Int64

// fakeClient records every event queued on it.
type fakeClient struct {
	id     string
	userID string

	mu     sync.Mutex
	events []*Event
	closed bool
	// limit, when positive, makes Send fail once that many events are queued
	limit int
}

func newFakeClient(userID string) *fakeClient {
	return &fakeClient{id: fmt.Sprintf("conn-%d", connCounter.Add(1)), userID: userID}
}

func (c *fakeClient) ID() string     { return c.id }
func (c *fakeClient) UserID() string { return c.userID }

func (c *fakeClient) Send(e *Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if c.limit > 0 && len(c.events) >= c.limit {
		c.closed = true
		return false
	}
	c.events = append(c.events, e)
	return true
}

func (c *fakeClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *fakeClient) Events() []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), c.events...)
}

func (c *fakeClient) Types() []string {
	var types []string
	for _, e := range c.Events() {
		types = append(types, e.Type)
	}
	return types
}

// Of returns the events of type t in arrival order.
func (c *fakeClient) Of(t string) []*Event {
	var out []*Event
	for _, e := range c.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (c *fakeClient) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = nil
}

func decodePayload[T any](t *testing.T, e *Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(e.Payload, &v))
	return v
}

func lastOf[T any](t *testing.T, c *fakeClient, typ string) T {
	t.Helper()
	events := c.Of(typ)
	require.NotEmptyf(t, events, "no %s event, got %v", typ, c.Types())
	return decodePayload[T](t, events[len(events)-1])
}

func mustEvent(t *testing.T, typ string, payload any) *Event {
	t.Helper()
	e, err := NewEvent(typ, payload)
	require.NoError(t, err)
	return e
}

func seedUsers(f *ChatFixture, names ...string) []*User {
	users := make([]*User, 0, len(names))
	for _, name := range names {
		u, err := f.userStore.CreateUser(f.ctx, UserCreateInput{Username: name})
		if err != nil {
			f.t.Fatal(err)
		}
		users = append(users, u)
	}
	return users
}

func seedRoom(f *ChatFixture, name string, creator *User, settings *RoomSettings) *Room {
	input := RoomCreateInput{Name: name, Settings: settings}
	if creator != nil {
		input.CreatorID = creator.ID
	}
	room, err := f.rooms.CreateRoom(f.ctx, input)
	if err != nil {
		f.t.Fatal(err)
	}
	return room
}

// connect registers a fake connection for user through the gateway.
func connect(f *ChatFixture, user *User) *fakeClient {
	c := newFakeClient(user.ID)
	if err := f.gateway.Connect(f.ctx, c, user); err != nil {
		f.t.Fatal(err)
	}
	return c
}

func dispatch(f *ChatFixture, c *fakeClient, typ string, payload any) {
	f.t.Helper()
	f.gateway.Dispatch(f.ctx, c, mustEvent(f.t, typ, payload))
}

func joinRoom(f *ChatFixture, c *fakeClient, roomID string) {
	f.t.Helper()
	dispatch(f, c, EventJoinRoom, map[string]string{"roomId": roomID})
	require.Empty(f.t, c.Of(EventError), "join failed: %v", c.Of(EventError))
}
