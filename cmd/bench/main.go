// Command bench measures send-to-delivery latency of room messages. It runs
// the server in process over a throwaway database and drives it with
// websocket clients that all chat in one room.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	chatter "github.com/putto11262002/chatrooms/app"
	"github.com/putto11262002/chatrooms/core"
	"golang.org/x/sync/errgroup"
)

type client struct {
	id       int
	username string
	conn     *websocket.Conn
	// writeMu guards conn writes; gorilla allows one concurrent writer
	writeMu sync.Mutex
}

func (c *client) send(typ string, payload any) error {
	e, err := core.NewEvent(typ, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(e)
}

// waitFor reads events until one of typ arrives.
func (c *client) waitFor(typ string, timeout time.Duration) (*core.Event, error) {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer c.conn.SetReadDeadline(time.Time{})
	for {
		var e core.Event
		if err := c.conn.ReadJSON(&e); err != nil {
			return nil, fmt.Errorf("client %d: waiting for %s: %w", c.id, typ, err)
		}
		if e.Type == typ {
			return &e, nil
		}
	}
}

type stats struct {
	mu         sync.Mutex
	sent       map[string]time.Time
	latencies  []time.Duration
	deliveries int
	errors     int
}

func (s *stats) recordSent(key string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[key] = at
}

func (s *stats) recordDelivery(key string, own bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries++
	if !own {
		return
	}
	if start, ok := s.sent[key]; ok {
		s.latencies = append(s.latencies, at.Sub(start))
	}
}

func (s *stats) recordError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors++
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(float64(len(sorted)) * p)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func main() {
	numberOfClients := flag.Int("clients", 100, "number of websocket clients")
	messageSize := flag.Int("size", 100, "message size in bytes")
	interval := flag.Duration("interval", time.Second/2, "delay between messages of one client")
	testDuration := flag.Duration("duration", 10*time.Second, "how long clients keep sending")
	roomName := flag.String("room", "Global", "room every client joins")
	flag.Parse()

	dir, err := os.MkdirTemp("", "chatrooms-bench")
	if err != nil {
		log.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(dir)

	config, err := chatter.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	config.SQLite.File = filepath.Join(dir, "bench.db")
	config.Log.Level = "error"
	config.Chat.MaxMessageLength = max(config.Chat.MaxMessageLength, *messageSize+32)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app, err := chatter.New(ctx, config)
	if err != nil {
		log.Fatalf("new app: %v", err)
	}
	server := httptest.NewServer(app.Handler())
	defer func() {
		server.Close()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		app.Close(closeCtx)
	}()

	roomID, err := findRoom(server.URL, app, *roomName)
	if err != nil {
		log.Fatalf("find room: %v", err)
	}

	wsURL := strings.Replace(server.URL, "http://", "ws://", 1) + "/ws"
	clients := make([]*client, *numberOfClients)
	for i := range clients {
		c, err := connect(ctx, app, wsURL, i)
		if err != nil {
			log.Fatalf("connect client %d: %v", i, err)
		}
		if err := c.send(core.EventJoinRoom, roomID); err != nil {
			log.Fatalf("join client %d: %v", i, err)
		}
		if _, err := c.waitFor(core.EventMessageHistory, 5*time.Second); err != nil {
			log.Fatal(err)
		}
		clients[i] = c
	}

	s := &stats{sent: make(map[string]time.Time)}
	padding := strings.Repeat("a", *messageSize)

	runCtx, stop := context.WithTimeout(ctx, *testDuration)
	defer stop()
	var readers errgroup.Group
	writers, writeCtx := errgroup.WithContext(runCtx)
	for _, c := range clients {
		readers.Go(func() error { return read(c, s) })
		writers.Go(func() error { return write(writeCtx, c, roomID, padding, *interval, s) })
	}
	if err := writers.Wait(); err != nil {
		log.Printf("writer: %v", err)
	}

	// let in-flight messages land before hanging up
	time.Sleep(time.Second)
	for _, c := range clients {
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
	}
	readers.Wait()

	slices.Sort(s.latencies)
	fmt.Printf("Clients: %d\n", len(clients))
	fmt.Printf("Total requests: %d\n", len(s.sent))
	fmt.Printf("Total echoed: %d\n", len(s.latencies))
	fmt.Printf("Total deliveries: %d\n", s.deliveries)
	fmt.Printf("Total errors: %d\n", s.errors)
	fmt.Printf("50th percentile latency: %v\n", percentile(s.latencies, 0.50))
	fmt.Printf("99th percentile latency: %v\n", percentile(s.latencies, 0.99))
}

func findRoom(baseURL string, app *chatter.App, name string) (string, error) {
	token, _, err := app.IssueToken(context.Background(), "benchadmin")
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodGet, baseURL+"/api/rooms", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("list rooms: status %d", res.StatusCode)
	}

	var rooms []core.RoomSnapshot
	if err := json.NewDecoder(res.Body).Decode(&rooms); err != nil {
		return "", err
	}
	for _, r := range rooms {
		if r.Name == name {
			return r.ID, nil
		}
	}
	return "", fmt.Errorf("room %q not found", name)
}

func connect(ctx context.Context, app *chatter.App, wsURL string, id int) (*client, error) {
	username := fmt.Sprintf("bench%d", id)
	token, _, err := app.IssueToken(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("IssueToken: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL+"?token="+token, nil)
	if err != nil {
		return nil, fmt.Errorf("Dial: %w", err)
	}
	return &client{id: id, username: username, conn: conn}, nil
}

// read records every delivery until the connection closes. Message content
// starts with "<client>:<seq>|" so a client recognises its own echo.
func read(c *client, s *stats) error {
	defer c.conn.Close()
	for {
		var e core.Event
		if err := c.conn.ReadJSON(&e); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("client %d: read: %w", c.id, err)
		}
		now := time.Now()
		switch e.Type {
		case core.EventNewMessage:
			var msg core.MessagePayload
			if err := json.Unmarshal(e.Payload, &msg); err != nil {
				s.recordError()
				continue
			}
			key, _, _ := strings.Cut(msg.Content, "|")
			s.recordDelivery(key, msg.SenderUsername == c.username, now)
		case core.EventError:
			s.recordError()
		}
	}
}

func write(ctx context.Context, c *client, roomID, padding string, interval time.Duration, s *stats) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for seq := 0; ; seq++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			key := fmt.Sprintf("%d:%d", c.id, seq)
			s.recordSent(key, time.Now())
			err := c.send(core.EventSendMessage, core.SendMessage{Content: key + "|" + padding, RoomID: roomID})
			if err != nil {
				return fmt.Errorf("client %d: send: %w", c.id, err)
			}
		}
	}
}
