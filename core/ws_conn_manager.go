package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

const DefaultOutboundBuffer = 256

// ConnHandler receives the lifecycle and inbound events of every connection.
// Dispatch is called sequentially per connection.
type ConnHandler interface {
	Connect(ctx context.Context, c Client, user *User) error
	Dispatch(ctx context.Context, c Client, e *Event)
	Disconnect(ctx context.Context, c Client)
}

// ConnManager upgrades authenticated requests and tracks the live
// connections so they can be closed together on shutdown.
type ConnManager struct {
	ctx       context.Context
	handler   ConnHandler
	conns     *LockedMap[string, *Conn]
	running   sync.WaitGroup
	upgrader  websocket.Upgrader
	queueSize int
	log       *slog.Logger
}

type ManagerOption func(*ConnManager)

// WithOriginCheck decides which browser origins may open a socket.
func WithOriginCheck(f func(r *http.Request) bool) ManagerOption {
	return func(m *ConnManager) { m.upgrader.CheckOrigin = f }
}

func WithConnLogger(l *slog.Logger) ManagerOption {
	return func(m *ConnManager) { m.log = l }
}

// WithSendBuffer sets how many outbound events a connection may have queued
// before it is treated as a slow consumer.
func WithSendBuffer(n int) ManagerOption {
	return func(m *ConnManager) {
		if n > 0 {
			m.queueSize = n
		}
	}
}

// NewConnManager serves connections until ctx is done. ctx must outlive the
// upgrade request.
func NewConnManager(ctx context.Context, handler ConnHandler, opts ...ManagerOption) *ConnManager {
	m := &ConnManager{
		ctx:       ctx,
		handler:   handler,
		conns:     NewLockedMap[string, *Conn](),
		queueSize: DefaultOutboundBuffer,
		log:       slog.Default(),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Connect upgrades the request for an already authenticated user. The
// connection is served in the background until either side closes it.
func (m *ConnManager) Connect(user *User, w http.ResponseWriter, r *http.Request) error {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade: %w", err)
	}

	id := uuid.NewString()
	c := newConn(ws, id, user.ID, m.queueSize,
		m.log.With(slog.String("connection", id), slog.String("user", user.ID)))
	m.conns.Set(id, c)
	m.running.Add(1)
	go m.serve(c, user)
	return nil
}

func (m *ConnManager) serve(c *Conn, user *User) {
	defer m.running.Done()
	defer m.conns.Remove(c.id)

	var pumps errgroup.Group
	pumps.Go(func() error {
		c.writeFrames()
		return nil
	})

	if err := m.handler.Connect(m.ctx, c, user); err != nil {
		c.log.Error("connect", slog.Any("err", err))
	}

	stop := context.AfterFunc(m.ctx, c.Close)
	pumps.Go(func() error {
		c.readFrames(m.ctx, m.handler.Dispatch)
		return nil
	})
	pumps.Wait()
	stop()

	// presence must be cleared even when the server is shutting down
	m.handler.Disconnect(context.WithoutCancel(m.ctx), c)
	c.log.Debug("connection closed")
}

func (m *ConnManager) Count() int {
	return m.conns.Len()
}

// Close closes every connection and waits until each has been disconnected
// or ctx is done.
func (m *ConnManager) Close(ctx context.Context) error {
	m.conns.Each(func(_ string, c *Conn) bool {
		c.Close()
		return true
	})

	drained := make(chan struct{})
	go func() {
		m.running.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
