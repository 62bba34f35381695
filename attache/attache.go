package attache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"gorm.io/gorm"
)

// Attache is the top-level bot. It owns the HTTP endpoint serving
// configuration and health state, and (when enabled) the Discord
// gateway session that consumes that endpoint.
type Attache struct {
	config *Config

	logger     *slog.Logger
	logHandler slog.Handler

	// db is used for reads, writeDB for writes. With SQLite, writeDB
	// serializes writes behind a mutex.
	db      *gorm.DB
	writeDB DBI

	api            *API
	discord        *Discord
	endpointClient *EndpointClient
	cache          *ConfigCache
	provider       CompletionProvider
	health         *HealthTracker
	heartbeat      *HeartbeatReporter

	// pendingSetup indicates no admin account exists yet, so the
	// dashboard API only allows first-time setup.
	pendingSetup atomic.Bool

	startedAt time.Time

	// signalStop enables an explicit stop signal to be sent to the bot,
	// aside from the parent context being canceled
	signalStop chan struct{}

	// signalReady has a value sent on it when Run has finished
	// initializing, for tests to synchronize on
	signalReady chan struct{}

	// runMu prevents concurrent Run calls
	runMu sync.Mutex
}

// New validates the given configuration and assembles the bot. The
// database is not opened until Run.
func New(config *Config) (*Attache, error) {
	var errs []error

	switch config.DatabaseType {
	case dbTypeSQLite, dbTypePostgres:
		//
	default:
		errs = append(
			errs,
			errors.New("invalid database type (must be 'sqlite' or 'postgres')"),
		)
	}

	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	a := &Attache{
		config:      config,
		signalReady: make(chan struct{}, 1),
		health:      NewHealthTracker(),
	}

	a.logHandler = tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     a.config.LogLevel,
			AddSource: true,
		},
	)
	a.logger = slog.New(a.logHandler)
	slog.SetDefault(a.logger)

	if err := a.ValidateConfig(); err != nil {
		errs = append(errs, err)
	}

	api, err := newAPI(a, config.API)
	if err != nil {
		errs = append(errs, err)
	}
	a.api = api

	if config.Discord.Enabled {
		if e := a.initBot(); e != nil {
			errs = append(errs, e)
		}
	}

	if err = errors.Join(errs...); err != nil {
		return nil, err
	}
	return a, nil
}

// initBot assembles the Discord-facing half: the endpoint client, the
// config cache, the completion provider and the gateway session.
func (a *Attache) initBot() error {
	a.endpointClient = NewEndpointClient(
		a.config.Endpoint,
		a.config.HTTPClient,
		a.logger,
	)

	a.cache = NewConfigCache(
		a.endpointClient,
		a.config.Endpoint.CacheTTL,
		a.logger,
		func(error) {
			a.health.RecordError()
		},
	)

	provider, err := NewCompletionProvider(
		a.config.AI,
		a.config.HTTPClient,
		a.logger,
	)
	if err != nil {
		return err
	}
	a.provider = provider

	a.config.Discord.httpClient = a.config.HTTPClient

	discordgo.Logger = discordgoLoggerFunc(
		context.Background(),
		tint.NewHandler(
			defaultLogWriter, &tint.Options{
				Level:     a.config.Discord.DiscordGoLogLevel,
				AddSource: true,
			},
		).WithAttrs([]slog.Attr{slog.String(loggerNameKey, "discordgo")}),
	)

	a.discord = NewDiscord(
		a.config.Discord,
		a.cache,
		a.provider,
		a.endpointClient,
		a.health,
		slog.New(
			tint.NewHandler(
				defaultLogWriter, &tint.Options{
					Level:     a.config.Discord.LogLevel,
					AddSource: true,
				},
			),
		),
	)

	a.heartbeat = NewHeartbeatReporter(
		a.health,
		a.cache,
		a.endpointClient,
		a.config.Endpoint.HeartbeatInterval,
		a.logger,
	)
	return nil
}

func (a *Attache) ValidateConfig() error {
	return structValidator.Struct(a.config)
}

// Run starts the HTTP endpoint and, if enabled, connects to Discord.
// It blocks until the given context is canceled or Stop is called,
// then shuts down gracefully within ShutdownTimeout.
func (a *Attache) Run(ctx context.Context) error {
	// prevents concurrent runs
	a.runMu.Lock()
	defer a.runMu.Unlock()

	a.signalStop = make(chan struct{}, 1)
	a.startedAt = time.Now()
	logger := a.logger

	if err := a.ValidateConfig(); err != nil {
		logger.Error("invalid config", tint.Err(err))
		return err
	}

	ctx = WithLogger(ctx, logger)
	logger.LogAttrs(ctx, slog.LevelInfo, "starting", slog.Any("config", a.config))

	if a.signalReady == nil {
		a.signalReady = make(chan struct{}, 1)
	}

	// the 'runtime' context - canceling it triggers a graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-a.signalStop:
			a.logger.Warn("got stop signal, canceling")
			cancel()
		case <-ctx.Done():
			a.logger.Warn("context canceled, sending stop signal")
			a.signalStop <- struct{}{}
		}
	}()

	startCtx, startCancel := context.WithTimeout(ctx, a.config.StartupTimeout)
	defer startCancel()

	initErr := make(chan error, 1)
	go func() {
		initErr <- a.initRun(startCtx)
	}()

	select {
	case <-startCtx.Done():
		return fmt.Errorf("startup canceled or timed out")
	case err := <-initErr:
		if err != nil {
			logger.ErrorContext(ctx, "init error", tint.Err(err))
			return err
		}
	}

	go func() {
		httpErr := a.api.Serve(ctx)
		if httpErr != nil && !errors.Is(httpErr, http.ErrServerClosed) {
			a.logger.ErrorContext(ctx, "error serving api HTTP", tint.Err(httpErr))
		}
	}()

	runtimeWG := &sync.WaitGroup{}

	if a.config.Discord.Enabled {
		if err := a.discord.Connect(ctx); err != nil {
			logger.ErrorContext(ctx, "error connecting to discord", tint.Err(err))
			if a.api.listener != nil {
				_ = a.api.listener.Close()
			}
			return err
		}

		runtimeWG.Add(1)
		go func() {
			defer runtimeWG.Done()
			a.heartbeat.Run(ctx)
		}()
	}

	a.signalReady <- struct{}{}
	logger.InfoContext(ctx, "ready")

	<-ctx.Done()

	return a.shutdown(runtimeWG)
}

// Stop signals a running bot to begin a graceful shutdown.
func (a *Attache) Stop() {
	if a.signalStop != nil {
		a.signalStop <- struct{}{}
	}
}

// initRun opens the database, runs migrations, seeds the singleton
// rows, and determines whether first-time admin setup is pending.
func (a *Attache) initRun(ctx context.Context) error {
	if err := a.initDB(ctx); err != nil {
		return fmt.Errorf("error initializing database: %w", err)
	}

	var adminCount int64
	if err := a.db.WithContext(ctx).Model(&Admin{}).Count(
		&adminCount,
	).Error; err != nil {
		return fmt.Errorf("error counting admins: %w", err)
	}
	if adminCount == 0 {
		a.logger.WarnContext(
			ctx,
			fmt.Sprintf(
				"no admin account exists, setup pending at %s%s",
				apiPrefix,
				apiPathSetup,
			),
		)
		a.pendingSetup.Store(true)
	}
	return nil
}

func (a *Attache) initDB(ctx context.Context) error {
	logger, ok := ContextLogger(ctx)
	if !ok || logger == nil {
		logger = a.logger
	}

	handler := tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     a.config.DatabaseLogLevel,
			AddSource: true,
		},
	)

	gormLogger := newGORMLogger(handler, a.config.DatabaseSlowThreshold)
	db, err := getDB(a.config.DatabaseType, a.config.Database, gormLogger)
	if err != nil {
		return fmt.Errorf("error opening database: %w", err)
	}
	a.db = db
	a.writeDB = NewDatabase(
		db,
		slog.New(handler),
		a.config.DatabaseType == dbTypePostgres,
	)

	if a.config.DatabaseType == dbTypeSQLite {
		sqlDB, sqlErr := db.DB()
		if sqlErr != nil {
			return fmt.Errorf("error getting database connection: %w", sqlErr)
		}
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		for _, pragma := range sqliteExecPragma {
			if e := db.WithContext(ctx).Exec(pragma).Error; e != nil {
				return e
			}
		}
	}

	err = db.WithContext(ctx).AutoMigrate(
		&SystemInstructions{},
		&AllowedChannel{},
		&ConversationMemory{},
		&BotHealth{},
		&Admin{},
	)
	if err != nil {
		return fmt.Errorf("error migrating database: %w", err)
	}

	if err = seedRows(ctx, db); err != nil {
		return fmt.Errorf("error seeding database: %w", err)
	}
	logger.DebugContext(ctx, "database initialized")
	return nil
}

// shutdown closes the Discord session and the HTTP server, waiting up
// to ShutdownTimeout. The heartbeat reporter sends its final offline
// report during this window.
func (a *Attache) shutdown(runtimeWG *sync.WaitGroup) error {
	a.logger.Warn("shutting down")

	shutdownStart := time.Now()
	shutdownTimeout := a.config.ShutdownTimeout
	if shutdownTimeout <= 0 {
		a.logger.Warn("immediate shutdown")
		if a.discord != nil {
			_ = a.discord.Close()
		}
		return a.api.httpServer.Close()
	}

	closeCtx, closeCancel := context.WithDeadline(
		context.Background(),
		shutdownStart.Add(shutdownTimeout),
	)
	defer closeCancel()

	if a.discord != nil {
		if err := a.discord.Close(); err != nil {
			a.logger.Error("error closing discord session", tint.Err(err))
		}
	}

	// wait for the heartbeat reporter's offline report, but not past
	// the shutdown deadline
	waited := make(chan struct{})
	go func() {
		runtimeWG.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-closeCtx.Done():
		a.logger.Warn("shutdown deadline reached waiting on runtime goroutines")
	}

	if err := a.api.httpServer.Shutdown(closeCtx); err != nil {
		a.logger.Error("error shutting down http server", tint.Err(err))
		return err
	}

	a.logger.Info(
		"shutdown complete",
		"duration", time.Since(shutdownStart),
	)
	return nil
}
