package vocalroom

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/cors"
	"github.com/putto11262002/vocalroom/core"
	"github.com/putto11262002/vocalroom/migrations"
	"github.com/putto11262002/vocalroom/pkg/chart"
	"github.com/putto11262002/vocalroom/pkg/router"
	"github.com/putto11262002/vocalroom/pkg/upload"
	"github.com/redis/go-redis/v9"
)

type App struct {
	config      *Config
	db          *core.SQLiteDB
	store       core.Store
	context     context.Context
	server      *http.Server
	logger      *slog.Logger
	router      *router.Router
	eventRouter *core.EventRouter
	wsManager   *core.ConnManager

	exit chan int

	rooms      *core.RoomRegistry
	members    *core.MembershipTracker
	messages   *core.MessageLog
	dispatcher *Dispatcher

	uploads *upload.Store
	chart   *chart.Service

	cleanupFuncs []func(context.Context)

	wg sync.WaitGroup
}

// New wires the application. A nil ctx is replaced by one that is done on
// an interrupt, a nil config is loaded from the environment.
func New(ctx context.Context, config *Config) (*App, error) {
	var err error
	app := &App{
		exit: make(chan int, 1),
	}
	if ctx == nil {
		ctx, _ = signal.NotifyContext(
			context.Background(),
			syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	}
	app.context = ctx

	if config == nil {
		config, err = LoadConfig("")
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}
	app.config = config
	app.logger = newLogger(config)

	if err := app.openStore(); err != nil {
		app.cleanup(context.Background())
		return nil, err
	}

	app.rooms = core.NewRoomRegistry(app.store, core.RoomOptions{
		DefaultCapacity: config.Rooms.DefaultCapacity,
		MaxCapacity:     config.Rooms.MaxCapacity,
		MaxNameLength:   config.Rooms.MaxNameLength,
		PasswordCost:    config.Rooms.PasswordCost,
	}, app.logger)
	app.members = core.NewMembershipTracker(app.rooms, config.Users.MaxNameLength, app.logger)
	app.messages = core.NewMessageLog(app.members, app.store, core.MessageOptions{
		MaxLength: config.Messages.MaxLength,
		Retain:    config.Messages.Retain,
	}, app.logger)
	if err := app.restore(); err != nil {
		app.cleanup(context.Background())
		return nil, err
	}

	app.wsManager = core.NewConnManager(app.context, &app.wg,
		core.WithLogger(app.logger),
		core.WithCheckOrigin(originChecker(config.AllowedOrigins)))
	app.wsManager.OnConnectionOpened(func(session string) {
		app.logger.Debug("session opened", slog.String("session", session))
	})
	app.eventRouter = core.NewEventRouter(app.logger, app.wsManager)

	app.dispatcher = NewDispatcher(app.rooms, app.members, app.messages, app.wsManager, DispatcherConfig{
		HistoryLimit: config.Messages.HistoryLimit,
		TokenSecret:  config.Auth.Secret,
		TokenTTL:     config.Auth.TokenTTL,
		ReapAfter:    config.Rooms.ReapAfter,
	}, app.logger,
		core.WithTypingTimeout(config.Typing.Timeout),
		core.WithTypingThrottle(config.Typing.Throttle))
	app.dispatcher.Register(app.context, app.eventRouter)

	app.uploads, err = upload.NewStore(config.Uploads.Dir, config.Uploads.BaseURL, config.Uploads.MaxSize)
	if err != nil {
		app.cleanup(context.Background())
		return nil, err
	}

	if config.Chart.SourceURL != "" {
		var cache chart.Cache = chart.NewFileCache(config.Chart.CacheFile)
		if config.Chart.RedisAddr != "" {
			client := redis.NewClient(&redis.Options{Addr: config.Chart.RedisAddr})
			app.AddCleanupFunc(func(ctx context.Context) {
				client.Close()
			})
			cache = chart.NewRedisCache(client, "")
		}
		app.chart = chart.NewService(chart.NewHTTPSource(config.Chart.SourceURL, nil), cache, config.Chart.MaxAge, app.logger)
	}

	if err := app.routes(); err != nil {
		app.cleanup(context.Background())
		return nil, err
	}

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", app.config.Hostname, app.config.Port),
		Handler: app.router,
		BaseContext: func(listener net.Listener) context.Context {
			return app.context
		},
	}
	if app.config.Mode == ProdMode {
		app.server.TLSConfig = tlsConfig()
	}

	return app, nil
}

func newLogger(config *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     config.LogLevel(),
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
	}
	if config.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func (app *App) openStore() error {
	if app.config.Storage.Driver != "sqlite" {
		app.store = core.NopStore{}
		return nil
	}

	var err error
	app.db, err = core.OpenSQLite(app.context, app.config.Storage.SQLite.File, &core.SQLiteOptions{
		Mode:        "rwc",
		Cache:       "shared",
		JournalMode: "WAL",
		BusyTimeout: 5000,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	app.AddCleanupFunc(func(ctx context.Context) {
		app.db.Close()
	})

	var source fs.FS = migrations.FS
	if dir := app.config.Storage.SQLite.Migrations; dir != "" {
		source = os.DirFS(dir)
	}
	applied, err := app.db.Migrate(app.context, source)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	if len(applied) > 0 {
		app.logger.Info(fmt.Sprintf("applied migrations %v", applied))
	}
	app.store = core.NewSQLiteStore(app.db.DB)
	return nil
}

// restore loads the rooms and messages of a previous run.
func (app *App) restore() error {
	rooms, err := app.store.LoadRooms(app.context)
	if err != nil {
		return fmt.Errorf("restore rooms: %w", err)
	}
	app.rooms.Restore(rooms)

	msgs, err := app.store.LoadMessages(app.context)
	if err != nil {
		return fmt.Errorf("restore messages: %w", err)
	}
	app.messages.Restore(msgs)

	if len(rooms) > 0 {
		app.logger.Info(fmt.Sprintf("restored %d rooms and %d messages", len(rooms), len(msgs)))
	}
	return nil
}

func (app *App) routes() error {
	app.router = router.New(
		router.WithLogger(app.logger),
		router.WithClassifier(classifyError),
		router.WithDefaultError(router.NewJsonError(http.StatusInternalServerError, core.PublicMessage(nil))))
	registerErrorMappers(app.router)

	app.router.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   app.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	app.router.Router.Get("/ws", app.wsHandler)
	app.router.Get("/healthz", app.healthHandler)

	app.router.Route("/api", func(r *router.Router) {
		r.Get("/rooms", app.listRoomsHandler)
		r.Get("/rooms/{roomID}", app.getRoomHandler)
		r.Get("/rooms/{roomID}/messages", app.roomMessagesHandler)
		r.Post("/uploads", app.uploadHandler)
		r.Get("/chart", app.chartHandler)
	})

	app.router.Router.Handle(app.uploads.BaseURL()+"/*", app.uploads.Handler())

	if app.config.WebDir != "" {
		web, err := newWebClient(os.DirFS(app.config.WebDir))
		if err != nil {
			return err
		}
		app.router.Router.Handle("/*", web)
	}
	return nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// non browser clients do not send an origin
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// reapInterval is how often empty rooms are looked for.
func reapInterval(reapAfter time.Duration) time.Duration {
	return max(min(reapAfter/2, time.Minute), time.Second)
}

// Handler returns the http handler of the app.
func (app *App) Handler() http.Handler {
	return app.router
}

// Run starts the event loop and the background jobs. It does not block.
func (app *App) Run() {
	go app.eventRouter.Listen(app.context)
	app.dispatcher.StartReaper(app.context, reapInterval(app.config.Rooms.ReapAfter))

	app.AddCleanupFunc(func(ctx context.Context) {
		app.dispatcher.Close()
	})
	app.AddCleanupFunc(func(ctx context.Context) {
		app.wsManager.Close()
		done := make(chan struct{})
		go func() {
			app.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
		}
	})
}

// Start runs the app and serves http until the context is done, then
// exits the process.
func (app *App) Start() {
	app.Run()

	// listen for shutdown signal
	go func() {
		<-app.context.Done()
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()

		done := make(chan struct{})
		go func() {
			app.cleanup(closeCtx)
			close(done)
		}()

		select {
		case <-done:
			app.logger.Info("app shutdown gracefully")
			app.exit <- 0
		case <-closeCtx.Done():
			app.logger.Info("app shutdown timed out")
			app.exit <- 1
		}
	}()

	app.AddCleanupFunc(func(ctx context.Context) {
		app.server.Shutdown(ctx)
	})
	app.logger.Info(fmt.Sprintf("app running in %s mode on: %s:%d",
		app.config.Mode, app.config.Hostname, app.config.Port))

	var err error
	if app.config.TLS.Key != "" && app.config.TLS.Crt != "" {
		err = app.server.ListenAndServeTLS(app.config.TLS.Crt, app.config.TLS.Key)
	} else {
		err = app.server.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		failed(1, "server error: %v\n", err)
	}

	code := <-app.exit
	if code != 0 {
		failed(code, "app exit with code: %d\n", code)
	} else {
		os.Exit(code)
	}
}

func (app *App) AddCleanupFunc(f func(context.Context)) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}

// cleanup runs the cleanup funcs in reverse order of registration.
func (app *App) cleanup(ctx context.Context) {
	for _, f := range slices.Backward(app.cleanupFuncs) {
		f(ctx)
	}
	app.cleanupFuncs = nil
}

// Close releases the resources of an app that was not started with Start.
func (app *App) Close(ctx context.Context) {
	app.cleanup(ctx)
}

func failed(code int, s string, args ...interface{}) {
	fmt.Printf(s, args...)
	os.Exit(code)
}
