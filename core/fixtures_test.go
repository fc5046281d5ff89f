package core

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type BaseFixture struct {
	ctx      context.Context
	db       *sql.DB
	t        *testing.T
	tearDown func()
}

// NewBaseFixture opens a private in-memory database migrated from the
// embedded migrations.
func NewBaseFixture(t *testing.T) *BaseFixture {
	ctx, cancel := context.WithCancel(context.Background())

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.New().String())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		t.Fatal(err)
	}
	// a single connection keeps the in-memory database alive and avoids
	// shared cache table locks
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		t.Fatal(err)
	}

	return &BaseFixture{
		ctx: ctx,
		db:  db,
		t:   t,
		tearDown: func() {
			cancel()
			db.Close()
		},
	}
}

// ChatFixture wires the whole coordinator over a fresh database.
type ChatFixture struct {
	*BaseFixture
	userStore  *SQLiteUserStore
	chatStore  *SQLiteChatStore
	identities *IdentityCache
	hub        *Hub
	presence   *PresenceRegistry
	rooms      *MembershipTable
	router     *MessageRouter
	typing     *TypingCoordinator
	gateway    *Gateway
	verifier   *TokenVerifier
}

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func NewChatFixture(t *testing.T) *ChatFixture {
	base := NewBaseFixture(t)
	f := &ChatFixture{
		BaseFixture: base,
		userStore:   NewSQLiteUserStore(base.db),
		chatStore:   NewSQLiteChatStore(base.db),
		hub:         NewHub(),
		presence:    NewPresenceRegistry(),
		verifier:    NewTokenVerifier(testSecret),
	}
	f.identities = NewIdentityCache(f.userStore, NewMemoryCacheBackend(0), discardLogger)
	f.rooms = NewMembershipTable(f.chatStore, f.hub, discardLogger)
	f.router = NewMessageRouter(f.chatStore, f.rooms, f.hub, f.identities, discardLogger)
	f.typing = NewTypingCoordinator(f.rooms, f.identities, f.hub, 0, discardLogger)
	f.gateway = NewGateway(GatewayDeps{
		Verifier:   f.verifier,
		Users:      f.userStore,
		Chats:      f.chatStore,
		Identities: f.identities,
		Hub:        f.hub,
		Presence:   f.presence,
		Rooms:      f.rooms,
		Router:     f.router,
		Typing:     f.typing,
	}, WithGatewayLogger(discardLogger))
	return f
}
