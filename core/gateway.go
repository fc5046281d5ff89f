package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

const DefaultAuthTimeout = 10 * time.Second

// IdentityVerifier turns a credential token into an identity id.
type IdentityVerifier interface {
	Verify(token string) (string, error)
}

type PresencePayload struct {
	UserID   string    `json:"userId"`
	Username string    `json:"username"`
	Avatar   string    `json:"avatar,omitempty"`
	Status   Status    `json:"status"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

type GatewayOption func(*Gateway)

func WithAuthTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.authTimeout = d
		}
	}
}

func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		g.logger = l
	}
}

// Gateway owns a connection from authentication to disconnect and
// dispatches its inbound events.
type Gateway struct {
	verifier   IdentityVerifier
	users      UserStore
	chats      ChatStore
	identities *IdentityCache
	hub        *Hub
	presence   *PresenceRegistry
	rooms      *MembershipTable
	router     *MessageRouter
	typing     *TypingCoordinator

	// sessions serializes the online and offline transitions of each
	// identity, including the store writes that follow them.
	sessions *LockedMap[string, *sync.Mutex]

	authTimeout time.Duration
	logger      *slog.Logger
}

type GatewayDeps struct {
	Verifier   IdentityVerifier
	Users      UserStore
	Chats      ChatStore
	Identities *IdentityCache
	Hub        *Hub
	Presence   *PresenceRegistry
	Rooms      *MembershipTable
	Router     *MessageRouter
	Typing     *TypingCoordinator
}

func NewGateway(deps GatewayDeps, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		verifier:    deps.Verifier,
		users:       deps.Users,
		chats:       deps.Chats,
		identities:  deps.Identities,
		hub:         deps.Hub,
		presence:    deps.Presence,
		rooms:       deps.Rooms,
		router:      deps.Router,
		typing:      deps.Typing,
		sessions:    NewLockedMap[string, *sync.Mutex](),
		authTimeout: DefaultAuthTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authenticate verifies the token and resolves the identity within the
// authentication window.
func (g *Gateway) Authenticate(ctx context.Context, token string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, g.authTimeout)
	defer cancel()

	userID, err := g.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}
	user, err := g.identities.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, wrapError(AuthenticationError, "authentication timed out", err)
		}
		return nil, err
	}
	if user == nil {
		return nil, ErrInvalidToken
	}
	return user, nil
}

func (g *Gateway) session(userID string) *sync.Mutex {
	return g.sessions.GetOrInit(userID, func() *sync.Mutex { return new(sync.Mutex) })
}

// Connect registers an authenticated connection: it goes live in the
// presence registry, joins its private channel and receives the room
// directory and the online users.
func (g *Gateway) Connect(ctx context.Context, c Client, user *User) error {
	g.hub.Register(c)

	mu := g.session(user.ID)
	mu.Lock()
	g.presence.SetOnline(user.ID, c.ID(), func(status Status) {
		payload := PresencePayload{
			UserID:   user.ID,
			Username: user.Username,
			Avatar:   user.Avatar,
			Status:   status,
		}
		if err := g.hub.EmitAll(EventUserOnline, payload, user.ID); err != nil {
			g.logger.Error(fmt.Sprintf("emit user_online: %v", err))
		}
	})
	if err := g.users.UpdateUserStatus(ctx, user.ID, g.presence.Status(user.ID)); err != nil {
		g.logger.Warn(fmt.Sprintf("UpdateUserStatus: %v", err), slog.String("user", user.ID))
	}
	mu.Unlock()

	if err := EmitTo(c, EventRoomsList, g.rooms.Directory()); err != nil {
		return err
	}
	online, err := g.OnlineUsers(ctx)
	if err != nil {
		return err
	}
	return EmitTo(c, EventUsersList, online)
}

// OnlineUsers lists the identities with a live connection and their status.
func (g *Gateway) OnlineUsers(ctx context.Context) ([]PresencePayload, error) {
	ids := g.presence.OnlineUsers()
	users, err := g.identities.GetMany(ctx, ids...)
	if err != nil {
		return nil, err
	}
	online := make([]PresencePayload, 0, len(users))
	for _, u := range users {
		online = append(online, PresencePayload{
			UserID:   u.ID,
			Username: u.Username,
			Avatar:   u.Avatar,
			Status:   g.presence.Status(u.ID),
		})
	}
	return online, nil
}

// Disconnect releases a connection. Every step runs even when an earlier
// one fails; failures are logged.
func (g *Gateway) Disconnect(ctx context.Context, c Client) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.authTimeout)
	defer cancel()
	logger := g.logger.With(slog.String("connection", c.ID()), slog.String("user", c.UserID()))

	for _, name := range g.hub.Channels(c) {
		roomID, ok := strings.CutPrefix(name, "room:")
		if !ok {
			continue
		}
		if err := g.rooms.Detach(ctx, c, roomID); err != nil {
			logger.Error(fmt.Sprintf("detach from room %s: %v", roomID, err))
		}
	}
	g.hub.Unregister(c)

	// a reconnect of the same identity waits until the offline writes below
	// are committed
	mu := g.session(c.UserID())
	mu.Lock()
	defer mu.Unlock()

	var lastSeen time.Time
	last := g.presence.ClearConnection(c.UserID(), c.ID(), func() {
		lastSeen = time.Now().UTC()
		payload := PresencePayload{UserID: c.UserID(), Status: StatusOffline, LastSeen: lastSeen}
		if u, err := g.identities.Get(ctx, c.UserID()); err == nil && u != nil {
			payload.Username = u.Username
			payload.Avatar = u.Avatar
		}
		if err := g.hub.EmitAll(EventUserOffline, payload); err != nil {
			logger.Error(fmt.Sprintf("emit user_offline: %v", err))
		}
	})
	if !last {
		return
	}

	g.typing.ClearUser(c.UserID())
	if err := g.chats.SetUserOffline(ctx, c.UserID()); err != nil {
		logger.Error(fmt.Sprintf("SetUserOffline: %v", err))
	} else {
		g.rooms.MarkUserOffline(c.UserID())
	}
	if err := g.users.UpdateUserStatus(ctx, c.UserID(), StatusOffline); err != nil {
		logger.Error(fmt.Sprintf("UpdateUserStatus: %v", err))
	}
	if err := g.users.UpdateLastSeen(ctx, c.UserID(), lastSeen); err != nil {
		logger.Error(fmt.Sprintf("UpdateLastSeen: %v", err))
	}
}

// Dispatch decodes one inbound event and runs it. Failures are reported to
// c alone as an error event.
func (g *Gateway) Dispatch(ctx context.Context, c Client, e *Event) {
	err := g.dispatch(ctx, c, e)
	if err == nil {
		return
	}

	cerr := AsError(err)
	if cerr.Sensitive() {
		g.logger.Error(fmt.Sprintf("%s: %v", e.Type, err),
			slog.String("connection", c.ID()), slog.String("user", c.UserID()))
	} else {
		g.logger.Debug(fmt.Sprintf("%s rejected: %v", e.Type, err), slog.String("connection", c.ID()))
	}
	payload := ErrorPayload{Message: cerr.Message(), Kind: cerr.Kind.String(), Event: e.Type}
	if err := EmitTo(c, EventError, payload); err != nil {
		g.logger.Error(fmt.Sprintf("emit error: %v", err))
	}
}

func (g *Gateway) dispatch(ctx context.Context, c Client, e *Event) error {
	in, err := DecodeInbound(e)
	if err != nil {
		return err
	}
	user, err := g.identities.Get(ctx, c.UserID())
	if err != nil {
		return err
	}
	if user == nil {
		return ErrUserNotFound
	}

	switch ev := in.(type) {
	case *JoinRoom:
		_, err = g.rooms.Join(ctx, c, user, ev.RoomID, func(ctx context.Context, r *RoomRecord) error {
			return g.router.DeliverHistory(ctx, c, r)
		})
		return err
	case *LeaveRoom:
		if _, err := g.rooms.Leave(ctx, c, user, ev.RoomID); err != nil {
			return err
		}
		return g.typing.Stop(ctx, user, TypingScope{RoomID: ev.RoomID})
	case *SendMessage:
		if _, err := g.router.Send(ctx, c, ev); err != nil {
			return err
		}
		scope := TypingScope{RoomID: ev.RoomID, ReceiverID: ev.ReceiverID}
		return g.typing.Stop(ctx, user, scope)
	case *StartTyping:
		return g.typing.Start(ctx, user, ev.TypingScope)
	case *StopTyping:
		return g.typing.Stop(ctx, user, ev.TypingScope)
	case *MarkAsRead:
		_, err := g.router.MarkAsRead(ctx, user.ID, ev.MessageID)
		return err
	case *EditMessage:
		_, err := g.router.Edit(ctx, user.ID, ev)
		return err
	case *DeleteMessage:
		return g.router.Delete(ctx, user.ID, ev.MessageID)
	case *SetStatus:
		return g.SetStatus(ctx, user, ev.Status)
	default:
		return fmt.Errorf("unhandled event %T", in)
	}
}

// SetStatus stores an explicit away/busy/online choice and announces it.
func (g *Gateway) SetStatus(ctx context.Context, user *User, status Status) error {
	err := g.presence.SetStatus(user.ID, status, func(s Status) {
		payload := PresencePayload{UserID: user.ID, Username: user.Username, Avatar: user.Avatar, Status: s}
		if err := g.hub.EmitAll(EventUserStatusChanged, payload); err != nil {
			g.logger.Error(fmt.Sprintf("emit status: %v", err))
		}
	})
	if err != nil {
		return err
	}
	if err := g.users.UpdateUserStatus(ctx, user.ID, status); err != nil {
		return err
	}
	g.identities.Invalidate(ctx, user.ID)
	return nil
}
