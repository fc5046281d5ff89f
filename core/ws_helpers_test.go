package core

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type wsFixture struct {
	*ChatFixture
	server   *httptest.Server
	manager  *ConnManager
	clients  []*testWSClient
	clientWg sync.WaitGroup
	mu       sync.Mutex
}

func setUpWSFixture(t *testing.T) *wsFixture {
	f := &wsFixture{ChatFixture: NewChatFixture(t)}
	f.manager = NewConnManager(f.ctx, f.gateway, WithConnLogger(discardLogger))
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := f.gateway.Authenticate(r.Context(), TokenFromRequest(r))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if err := f.manager.Connect(user, w, r); err != nil {
			t.Logf("connect: %v", err)
		}
	}))
	return f
}

func (f *wsFixture) tearDown() {
	f.mu.Lock()
	for _, client := range f.clients {
		client.Close()
	}
	f.mu.Unlock()
	stopped := make(chan struct{})
	go func() {
		f.clientWg.Wait()
		close(stopped)
	}()
	awaitChan(f.t, stopped, "clients did not stop")

	ctx, cancel := context.WithTimeout(context.Background(), baseTimeout)
	defer cancel()
	f.manager.Close(ctx)
	f.server.Close()
	f.ChatFixture.tearDown()
}

func (f *wsFixture) token(user *User) string {
	token, _, err := f.verifier.Issue(user.ID, time.Hour)
	require.NoError(f.t, err)
	return token
}

// dial opens a connection for user and starts reading from it.
func (f *wsFixture) dial(user *User) *testWSClient {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+f.token(user))
	conn, res, err := websocket.DefaultDialer.Dial(f.wsURL(), header)
	require.NoErrorf(f.t, err, "%s: failed to connect to server", user.Username)
	require.Equal(f.t, http.StatusSwitchingProtocols, res.StatusCode)

	client := &testWSClient{conn: conn, user: user, closed: make(chan struct{})}
	f.mu.Lock()
	f.clients = append(f.clients, client)
	f.mu.Unlock()

	f.clientWg.Add(1)
	go func() {
		defer f.clientWg.Done()
		client.readLoop()
	}()
	return client
}

type testWSClient struct {
	conn *websocket.Conn
	user *User

	mu        sync.Mutex
	events    []*Event
	closeCode int
	closed    chan struct{}
	closeOnce sync.Once
}

func (c *testWSClient) readLoop() {
	defer c.conn.Close()
	for {
		var e Event
		if err := c.conn.ReadJSON(&e); err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.mu.Lock()
				c.closeCode = closeErr.Code
				c.mu.Unlock()
			}
			c.closeOnce.Do(func() { close(c.closed) })
			return
		}
		c.mu.Lock()
		c.events = append(c.events, &e)
		c.mu.Unlock()
	}
}

func (c *testWSClient) Send(typ string, payload any) error {
	e, err := NewEvent(typ, payload)
	if err != nil {
		return err
	}
	return c.conn.WriteJSON(e)
}

func (c *testWSClient) SendRaw(data string) error {
	return c.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// Close sends a close frame; the read loop ends once the server echoes it.
func (c *testWSClient) Close() {
	select {
	case <-c.closed:
		return
	default:
	}
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(baseTimeout))
	if err != nil {
		c.conn.Close()
	}
}

func (c *testWSClient) Of(typ string) []*Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*Event
	for _, e := range c.events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// waitFor blocks until an event of typ arrives and decodes the latest one.
func waitFor[T any](t *testing.T, c *testWSClient, typ string) T {
	t.Helper()
	require.Eventuallyf(t, func() bool { return len(c.Of(typ)) > 0 },
		baseTimeout, baseTimeout/20, "%s: no %s event", c.user.Username, typ)
	events := c.Of(typ)
	var v T
	require.NoError(t, json.Unmarshal(events[len(events)-1].Payload, &v))
	return v
}

func (f *wsFixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http")
}

// awaitChan fails the test unless ch is closed within baseTimeout.
func awaitChan(t *testing.T, ch <-chan struct{}, msg string, args ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(baseTimeout):
		t.Fatalf(msg, args...)
	}
}

func (c *testWSClient) String() string {
	return "ws:" + c.user.Username
}
