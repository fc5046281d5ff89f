package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout    = 10 * time.Second
	idleTimeout     = 60 * time.Second
	heartbeat       = idleTimeout * 9 / 10
	maxInboundFrame = 64 << 10
)

// Conn is a Client backed by a websocket. Frames are read and dispatched one
// at a time; outbound events wait in a bounded queue drained by one writer.
type Conn struct {
	ws     *websocket.Conn
	id     string
	userID string
	queue  chan *Event
	closed chan struct{}
	once   sync.Once
	log    *slog.Logger
}

func newConn(ws *websocket.Conn, id, userID string, queueSize int, log *slog.Logger) *Conn {
	return &Conn{
		ws:     ws,
		id:     id,
		userID: userID,
		queue:  make(chan *Event, queueSize),
		closed: make(chan struct{}),
		log:    log,
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// Send queues e and never blocks. A full queue means the peer is not keeping
// up, so the connection is closed instead.
func (c *Conn) Send(e *Event) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.queue <- e:
		return true
	default:
		c.log.Warn("send queue full, dropping connection", slog.Int("queued", len(c.queue)))
		c.Close()
		return false
	}
}

func (c *Conn) Close() {
	c.once.Do(func() { close(c.closed) })
}

func (c *Conn) rejectFrame(err error) {
	c.log.Debug("bad frame", slog.Any("err", err))
	payload := ErrorPayload{Message: ErrInvalidPayload.Message(), Kind: ErrInvalidPayload.Kind.String()}
	if err := EmitTo(c, EventError, payload); err != nil {
		c.log.Error("emit error event", slog.Any("err", err))
	}
}

// readFrames feeds inbound events to dispatch until the socket fails.
func (c *Conn) readFrames(ctx context.Context, dispatch func(context.Context, Client, *Event)) {
	defer c.Close()

	c.ws.SetReadLimit(maxInboundFrame)
	extend := func(string) error { return c.ws.SetReadDeadline(time.Now().Add(idleTimeout)) }
	extend("")
	c.ws.SetPongHandler(extend)

	for {
		kind, r, err := c.ws.NextReader()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway {
				c.log.Warn("closed by peer", slog.Int("code", ce.Code))
			} else {
				c.log.Debug("read stopped", slog.Any("err", err))
			}
			return
		}
		if kind != websocket.TextMessage {
			c.log.Warn("ignoring non-text frame", slog.Int("type", kind))
			continue
		}

		var e Event
		if err := DecodeEvent(r, &e); err != nil {
			c.rejectFrame(err)
			continue
		}
		c.log.Debug("inbound", slog.String("event", e.String()))
		dispatch(ctx, c, &e)
	}
}

func (c *Conn) write(kind int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(kind, data)
}

func (c *Conn) writeEvent(e *Event) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	w, err := c.ws.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if err := EncodeEvent(w, e); err != nil {
		c.log.Error("encode event", slog.String("type", e.Type), slog.Any("err", err))
	}
	return w.Close()
}

// writeFrames drains the queue and keeps the peer alive with pings. It
// sends a normal close frame once the connection is closed, then tears down
// the socket so the reader unblocks.
func (c *Conn) writeFrames() {
	ping := time.NewTicker(heartbeat)
	defer func() {
		ping.Stop()
		c.Close()
		c.ws.Close()
	}()

	for {
		select {
		case e := <-c.queue:
			if err := c.writeEvent(e); err != nil {
				c.log.Debug("write stopped", slog.Any("err", err))
				return
			}
		case <-ping.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Debug("ping failed", slog.Any("err", err))
				return
			}
		case <-c.closed:
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
