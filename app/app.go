package chatter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/chatrooms/core"
	"github.com/putto11262002/chatrooms/pkg/router"
	"github.com/putto11262002/chatrooms/pkg/server"
	"github.com/redis/go-redis/v9"
)

type App struct {
	config  *Config
	db      *sql.DB
	context context.Context
	server  *server.Server
	logger  *slog.Logger
	router  *router.Router

	userStore core.UserStore
	chatStore core.ChatStore
	verifier  *core.TokenVerifier

	identities *core.IdentityCache
	hub        *core.Hub
	presence   *core.PresenceRegistry
	rooms      *core.MembershipTable
	messages   *core.MessageRouter
	typing     *core.TypingCoordinator
	gateway    *core.Gateway
	friends    *core.Friends
	wsManager  *core.ConnManager

	userHandler *UserHandler
	chatHandler *ChatHandler
	wsHandler   *WSHandler

	cleanupFuncs []func(context.Context)
}

func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))
}

// New wires the application. A nil ctx is replaced by one cancelled on
// SIGINT, SIGTERM, SIGQUIT or SIGHUP; a nil config is loaded from the
// environment.
func New(ctx context.Context, config *Config) (*App, error) {
	var err error
	app := &App{}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		config, err = LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	app.config = config
	app.logger = NewLogger(config.LogLevel())

	app.db, err = core.OpenSQLite(ctx, core.SQLiteConfig{
		File:        config.SQLite.File,
		WAL:         true,
		BusyTimeout: 5 * time.Second,
		MaxOpen:     config.SQLite.MaxOpenConns,
	})
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	app.AddCleanupFunc(func(context.Context) { app.db.Close() })

	app.userStore = core.NewSQLiteUserStore(app.db)
	app.chatStore = core.NewSQLiteChatStore(app.db)
	app.verifier = core.NewTokenVerifier(app.config.Auth.Secret)

	if err := app.wireCore(); err != nil {
		app.db.Close()
		return nil, err
	}
	app.wireRoutes()

	app.server = &server.Server{
		Server: &http.Server{
			Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
			Handler: app.router,
		},
		Background:   []func(context.Context) error{app.typing.Run},
		CleanUpFuncs: app.cleanupFuncs,
		Logger:       app.logger,
	}
	return app, nil
}

func (app *App) cacheBackend() core.CacheBackend {
	if app.config.Cache.RedisAddr == "" {
		return core.NewMemoryCacheBackend(app.config.Cache.TTL)
	}
	client := redis.NewClient(&redis.Options{Addr: app.config.Cache.RedisAddr})
	app.AddCleanupFunc(func(ctx context.Context) {
		client.Close()
	})
	return core.NewRedisCacheBackend(client, "chatrooms:user:", app.config.Cache.TTL)
}

func (app *App) wireCore() error {
	app.identities = core.NewIdentityCache(app.userStore, app.cacheBackend(), app.logger.With(slog.String("component", "identity_cache")))
	app.hub = core.NewHub()
	app.presence = core.NewPresenceRegistry()
	app.rooms = core.NewMembershipTable(app.chatStore, app.hub, app.logger.With(slog.String("component", "rooms")))

	seedCtx, cancel := context.WithTimeout(app.context, 30*time.Second)
	defer cancel()
	created, err := core.SeedRooms(seedCtx, app.chatStore)
	if err != nil {
		return fmt.Errorf("seed rooms: %w", err)
	}
	if created > 0 {
		app.logger.Info(fmt.Sprintf("seeded %d rooms", created))
	}
	if err := app.rooms.Load(seedCtx); err != nil {
		return fmt.Errorf("load rooms: %w", err)
	}

	app.messages = core.NewMessageRouter(app.chatStore, app.rooms, app.hub, app.identities,
		app.logger.With(slog.String("component", "messages")),
		core.WithMaxContentLength(app.config.Chat.MaxMessageLength),
		core.WithHistoryLimit(app.config.Chat.HistoryLimit))
	app.typing = core.NewTypingCoordinator(app.rooms, app.identities, app.hub,
		app.config.Chat.TypingQuietPeriod, app.logger.With(slog.String("component", "typing")))

	app.friends = core.NewFriends(app.userStore, app.identities, app.hub, app.presence,
		app.logger.With(slog.String("component", "friends")))

	app.gateway = core.NewGateway(core.GatewayDeps{
		Verifier:   app.verifier,
		Users:      app.userStore,
		Chats:      app.chatStore,
		Identities: app.identities,
		Hub:        app.hub,
		Presence:   app.presence,
		Rooms:      app.rooms,
		Router:     app.messages,
		Typing:     app.typing,
	}, core.WithAuthTimeout(app.config.Auth.Timeout), core.WithGatewayLogger(app.logger.With(slog.String("component", "gateway"))))

	app.wsManager = core.NewConnManager(app.context, app.gateway,
		core.WithConnLogger(app.logger.With(slog.String("component", "ws"))),
		core.WithSendBuffer(app.config.Chat.OutboundBufferSize),
		core.WithOriginCheck(app.checkOrigin))
	app.AddCleanupFunc(func(ctx context.Context) {
		if err := app.wsManager.Close(ctx); err != nil {
			app.logger.Error(fmt.Sprintf("close connections: %v", err))
		}
	})
	return nil
}

func (app *App) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range app.config.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (app *App) wireRoutes() {
	app.userHandler = NewUserHandler(app.identities, app.gateway, app.presence, app.friends)
	app.chatHandler = NewChatHandler(app.rooms, app.messages, app.identities)
	app.wsHandler = NewWSHandler(app.wsManager, app.logger)
	tokenMiddleware := core.TokenMiddleware(app.gateway)

	app.router = router.New(router.WithLogger(app.logger), router.WithErrorMapper(mapCoreError))
	registerErrorMappers(app.router)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) error {
		return writeJSON(w, http.StatusOK, map[string]any{
			"status":      "ok",
			"connections": app.wsManager.Count(),
			"cache":       app.identities.Stats(),
		})
	})

	app.router.With(tokenMiddleware).Router.Get("/ws", app.wsHandler.ConnectHandler)

	app.router.Route("/api", func(api *router.Router) {
		api.Use(tokenMiddleware)

		api.Route("/users", func(r *router.Router) {
			r.Get("/me", app.userHandler.MeHandler)
			r.Get("/online", app.userHandler.OnlineUsersHandler)
			r.Patch("/me/avatar", app.userHandler.UpdateAvatarHandler)
			r.Get("/friends", app.userHandler.FriendsHandler)
			r.Get("/friend-requests", app.userHandler.FriendRequestsHandler)
			r.Post("/friend-requests", app.userHandler.SendFriendRequestHandler)
			r.Post("/friend-requests/accept", app.userHandler.AcceptFriendRequestHandler)
			r.Get("/{userID}", app.userHandler.GetUserByIDHandler)
		})

		api.Route("/rooms", func(r *router.Router) {
			r.Get("/", app.chatHandler.ListRoomsHandler)
			r.Post("/", app.chatHandler.CreateRoomHandler)
			r.Get("/{roomID}", app.chatHandler.GetRoomByIDHandler)
			r.Get("/{roomID}/messages", app.chatHandler.GetRoomMessagesHandler)
			r.Delete("/{roomID}/members/{userID}", app.chatHandler.RemoveRoomMemberHandler)
			r.Put("/{roomID}/members/{userID}/role", app.chatHandler.SetMemberRoleHandler)
			r.Post("/{roomID}/deactivate", app.chatHandler.DeactivateRoomHandler)
		})

		api.Get("/messages/direct/{userID}", app.chatHandler.GetDirectMessagesHandler)
	})
}

// Handler exposes the routes, mainly for tests.
func (app *App) Handler() http.Handler {
	return app.router
}

// Start serves until the app context is cancelled.
func (app *App) Start() error {
	app.logger.Info(fmt.Sprintf("app running on: %s:%d", app.config.Hostname, app.config.Port))
	app.server.CleanUpFuncs = app.cleanupFuncs
	return app.server.Start(app.context)
}

// Close releases what New acquired without serving.
func (app *App) Close(ctx context.Context) {
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		app.cleanupFuncs[i](ctx)
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// IssueToken creates the identity when it does not exist and signs a token
// for it.
func (app *App) IssueToken(ctx context.Context, username string) (string, *core.User, error) {
	user, err := app.userStore.GetUserByUsername(ctx, username)
	if err != nil {
		return "", nil, err
	}
	if user == nil {
		input := core.UserCreateInput{Username: username}
		if err := core.Validate(input); err != nil {
			return "", nil, err
		}
		user, err = app.userStore.CreateUser(ctx, input)
		if err != nil {
			return "", nil, err
		}
	}
	token, _, err := app.verifier.Issue(user.ID, app.config.Auth.TokenTTL)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}
