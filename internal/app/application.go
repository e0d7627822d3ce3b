package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"examrelay/internal/api"
	"examrelay/internal/auth"
	"examrelay/internal/config"
	"examrelay/internal/database"
	"examrelay/internal/hub"
	"examrelay/internal/ingest"
	"examrelay/internal/logging"
	"examrelay/internal/metrics"
	"examrelay/internal/websocket"
	pkgdatabase "examrelay/pkg/database"
	"examrelay/pkg/types"
)

// Application coordinates all system components
// Clean dependency injection pattern with proper initialization order
type Application struct {
	config     *config.Config
	configPath string
	logger     *zap.Logger
	metrics    *metrics.Metrics

	dbManager            *database.Manager
	authenticator        *auth.Authenticator
	examRegistry         *websocket.Registry
	notificationRegistry *websocket.Registry
	examHub              *hub.ExamHub
	notificationHub      *hub.NotificationHub
	consumer             *ingest.Consumer
	apiServer            *api.Server
	httpServer           *http.Server

	mu       sync.Mutex
	listener net.Listener
	cancel   context.CancelFunc
	group    *errgroup.Group
	groupCtx context.Context
}

// NewApplication creates a new application instance with all components initialized.
// configPath, when set, is watched for notification policy changes.
// Component initialization follows strict dependency order:
// Database → Auth → Registries → Hubs → Handlers → API → HTTP
func NewApplication(cfg *config.Config, configPath string, logger *zap.Logger) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	// Validate configuration before component initialization
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger = logging.OrNop(logger)
	m := metrics.New()

	// STEP 1: Initialize database manager (foundation layer)
	dbConfig := &pkgdatabase.Config{
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		ConnMaxLifetime: cfg.Database.Timeout,
		ConnMaxIdleTime: cfg.Database.Timeout / 3,
		MigrationsPath:  cfg.Database.MigrationsPath,
	}
	if err := os.MkdirAll(filepath.Dir(dbConfig.DatabasePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dbManager, err := database.NewManager(dbConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database manager: %w", err)
	}

	// STEP 1.5: Apply database migrations to ensure schema is up to date
	migrationManager := pkgdatabase.NewMigrationManager(dbManager.GetDB(), dbConfig.MigrationsPath)
	applied, err := migrationManager.ApplyMigrations()
	if err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("failed to apply database migrations: %w", err)
	}
	if err := migrationManager.ValidateSchema(); err != nil {
		dbManager.Close()
		return nil, fmt.Errorf("database schema invalid: %w", err)
	}
	logger.Info("database ready", zap.String("path", dbConfig.DatabasePath), zap.Int("migrations_applied", applied))

	// STEP 2: Initialize authenticator and warm its token cache
	authenticator := auth.New(dbManager, auth.Config{
		JWTSecret: cfg.Auth.JWTSecret,
		Issuer:    cfg.Auth.Issuer,
		CacheTTL:  cfg.Auth.CacheTTL,
	}, logger)
	if _, err := authenticator.LoadActiveTokens(context.Background()); err != nil {
		dbManager.Close()
		return nil, err
	}

	// STEP 3: One registry per channel; the exam channel refuses anonymous clients
	examRegistry := websocket.NewRegistry(types.ChannelExam, websocket.RequireAuthenticated{Auth: authenticator}, logger, m)
	notificationRegistry := websocket.NewRegistry(types.ChannelNotification, websocket.AllowAnonymous{}, logger, m)

	// STEP 4: Initialize hubs
	examHub := hub.NewExamHub(examRegistry, logger, m)
	notificationHub := hub.NewNotificationHub(notificationRegistry, authenticator, notificationOptions(cfg.Notification), logger, m)

	// STEP 5: Initialize optional Kafka ingestion
	var consumer *ingest.Consumer
	if cfg.Kafka.Enabled {
		reader := ingest.NewReader(ingest.Config{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: cfg.Kafka.GroupID,
		})
		consumer = ingest.NewConsumer(reader, examHub, logger)
	}

	// STEP 6: Initialize API server with all business dependencies
	apiServer := api.NewServer(api.Options{
		Exams:     examHub,
		Announcer: notificationHub,
		Tokens:    authenticator,
		Health:    dbManager,
		Channels: map[string]api.StatsProvider{
			types.ChannelExam:         examHub,
			types.ChannelNotification: notificationHub,
		},
		Metrics: m.Handler(),
		APIKey:  cfg.Admin.APIKey,
		Logger:  logger,
	})

	// STEP 7: Initialize WebSocket handlers
	settings := websocket.Settings{
		PingInterval:   cfg.WebSocket.PingInterval,
		ReadTimeout:    cfg.WebSocket.ReadTimeout,
		WriteTimeout:   cfg.WebSocket.WriteTimeout,
		BufferSize:     cfg.WebSocket.BufferSize,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	}
	examHandler := websocket.NewHandler(examRegistry, authenticator, examHub, settings, logger, m)
	notificationHandler := websocket.NewHandler(notificationRegistry, authenticator, notificationHub, settings, logger, m)

	// STEP 8: Setup HTTP server with both API and WebSocket endpoints
	mux := http.NewServeMux()
	mux.Handle("/api/", apiServer)
	mux.Handle("/health", apiServer)
	mux.Handle("/metrics", apiServer)
	mux.Handle(types.PathExamHub, examHandler)
	mux.Handle(types.PathNotificationHub, notificationHandler)

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      mux,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	return &Application{
		config:               cfg,
		configPath:           configPath,
		logger:               logger,
		metrics:              m,
		dbManager:            dbManager,
		authenticator:        authenticator,
		examRegistry:         examRegistry,
		notificationRegistry: notificationRegistry,
		examHub:              examHub,
		notificationHub:      notificationHub,
		consumer:             consumer,
		apiServer:            apiServer,
		httpServer:           httpServer,
	}, nil
}

func notificationOptions(n *config.NotificationConfig) hub.NotificationOptions {
	return hub.NotificationOptions{
		RequireAuthenticatedSender: n.RequireAuthenticatedSender,
		RatePerSecond:              n.RatePerSecond,
		Burst:                      n.Burst,
		QueueSize:                  n.QueueSize,
	}
}

// Start begins application execution
// Startup coordination ensures all components ready before serving
// Hubs start first to handle invocations, then HTTP server accepts connections
func (app *Application) Start(ctx context.Context) error {
	app.mu.Lock()
	defer app.mu.Unlock()

	if app.group != nil {
		return errors.New("application already started")
	}

	// TECHNICAL DISCOVERY: Listening synchronously surfaces bind errors to the caller
	// and resolves ":0" to a real port before Start returns
	listener, err := net.Listen("tcp", app.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", app.httpServer.Addr, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)

	// STEP 1: Start hubs (background invocation processing)
	if err := app.examHub.Start(groupCtx); err != nil {
		cancel()
		listener.Close()
		return fmt.Errorf("failed to start exam hub: %w", err)
	}
	if err := app.notificationHub.Start(groupCtx); err != nil {
		cancel()
		listener.Close()
		app.examHub.Stop()
		return fmt.Errorf("failed to start notification hub: %w", err)
	}

	// STEP 2: Start HTTP server (accepts connections)
	group.Go(func() error {
		if err := app.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// STEP 3: Start Kafka ingestion
	if app.consumer != nil {
		group.Go(func() error {
			return app.consumer.Run(groupCtx)
		})
	}

	// STEP 4: Watch the config file for notification policy changes
	if app.configPath != "" {
		group.Go(func() error {
			if err := config.Watch(groupCtx, app.configPath, app.logger, app.applyReload); err != nil {
				// A missing watcher degrades hot reload only
				app.logger.Warn("config watch unavailable", zap.Error(err))
			}
			return nil
		})
	}

	app.listener = listener
	app.cancel = cancel
	app.group = group
	app.groupCtx = groupCtx

	app.logger.Info("examrelay started",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("kafka", app.consumer != nil),
	)
	return nil
}

// applyReload pushes hot-reloadable settings into running components
func (app *Application) applyReload(cfg *config.Config) {
	app.notificationHub.Configure(notificationOptions(cfg.Notification))
}

// Done is closed when the application context ends or a component fails
func (app *Application) Done() <-chan struct{} {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.groupCtx == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return app.groupCtx.Done()
}

// Stop gracefully shuts down the application and returns the first component error
// Reverse dependency order: HTTP → sockets → background tasks → Hubs → Database
func (app *Application) Stop(ctx context.Context) error {
	app.mu.Lock()
	group, cancel := app.group, app.cancel
	app.mu.Unlock()

	app.logger.Info("shutting down examrelay")

	// STEP 1: Stop accepting new connections
	if err := app.httpServer.Shutdown(ctx); err != nil {
		app.logger.Warn("HTTP server shutdown error", zap.Error(err))
	}

	// STEP 2: Close hijacked WebSocket connections
	closed := app.examRegistry.CloseAll() + app.notificationRegistry.CloseAll()
	app.logger.Info("closed live connections", zap.Int("count", closed))

	// STEP 3: Stop background tasks
	var runErr error
	if group != nil {
		cancel()
		runErr = group.Wait()
	}

	// STEP 4: Stop invocation processing
	for _, h := range []*hub.Hub{app.examHub.Hub, app.notificationHub.Hub} {
		if err := h.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
			app.logger.Warn("hub shutdown error", zap.String("channel", h.Channel()), zap.Error(err))
		}
	}

	// STEP 5: Close database connections
	if err := app.dbManager.Close(); err != nil {
		app.logger.Warn("database shutdown error", zap.Error(err))
	}

	app.logger.Info("examrelay shutdown complete")
	return runErr
}

// Run starts the application and blocks until ctx is cancelled or a component fails
func (app *Application) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := app.Start(ctx); err != nil {
		return err
	}
	<-app.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return app.Stop(stopCtx)
}

// GetAddr returns the bound address once started, the configured one before
func (app *Application) GetAddr() string {
	app.mu.Lock()
	defer app.mu.Unlock()
	if app.listener != nil {
		return app.listener.Addr().String()
	}
	return app.httpServer.Addr
}

// ExamPublisher exposes the exam hub to in-process callers
func (app *Application) ExamPublisher() *hub.ExamHub {
	return app.examHub
}

// NotificationHub exposes the notification hub to in-process callers
func (app *Application) NotificationHub() *hub.NotificationHub {
	return app.notificationHub
}

// Authenticator exposes token issuance to in-process callers
func (app *Application) Authenticator() *auth.Authenticator {
	return app.authenticator
}
