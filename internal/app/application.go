// Package app wires the proctorhub server: store, hub, server-side taps,
// services and the HTTP surface.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"proctorhub/internal/api"
	"proctorhub/internal/config"
	"proctorhub/internal/database"
	"proctorhub/internal/health"
	"proctorhub/internal/hub"
	"proctorhub/internal/metrics"
	"proctorhub/internal/reattempt"
	"proctorhub/internal/router"
	"proctorhub/internal/session"
	"proctorhub/internal/stream"
	"proctorhub/internal/traces"
	"proctorhub/internal/websocket"
	pkgdatabase "proctorhub/pkg/database"
)

const (
	statsInterval   = 15 * time.Second
	limiterIdle     = 10 * time.Minute
	startupDeadline = 100 * time.Millisecond
)

// Application owns every server component. Start brings them up in
// dependency order and Stop takes them down in reverse.
type Application struct {
	config  *config.Config
	logger  *slog.Logger
	version string

	db         *database.Manager
	limiter    *router.RateLimiter
	hub        *hub.Hub
	tracker    *stream.Tracker
	sessions   *session.Manager
	reattempts *reattempt.Service
	registry   *websocket.Registry
	health     *health.Registry
	api        *api.Server
	httpServer *http.Server

	mu              sync.Mutex
	listener        net.Listener
	cancel          context.CancelFunc
	background      sync.WaitGroup
	shutdownTracing func(context.Context) error
	started         bool
	stopped         bool
}

// New builds the application and migrates the database. Nothing listens
// until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, version string) (*Application, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dbConfig := &pkgdatabase.Config{
		Driver:          cfg.Database.Driver,
		DatabasePath:    cfg.Database.Path,
		MaxConnections:  10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 10 * time.Minute,
	}
	db, err := database.NewManager(dbConfig, logger, database.WithWriteTimeout(cfg.Database.Timeout))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pkgdatabase.MigrateUp(ctx, db.GetDB()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	if err := pkgdatabase.NewSchemaValidator(db.GetDB()).Validate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("validate schema: %w", err)
	}
	logger.Info("database ready", "driver", dbConfig.Driver, "path", dbConfig.DatabasePath)

	limiter := router.NewRateLimiter(cfg.Router.RatePerSecond, cfg.Router.Burst, cfg.Router.FrameRatePerSecond, cfg.Router.FrameBurst)
	h := hub.NewHub(router.NewRouter(limiter), logger, hub.DefaultOptions())

	tracker := stream.NewTracker(logger)
	h.Observe(tracker.Handle, stream.TrackedEvents...)

	sessions := session.NewManager(db, h, logger)
	if err := sessions.LoadActiveSessions(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load active sessions: %w", err)
	}
	h.Observe(sessions.Handle, session.TrackedEvents...)

	reattempts := reattempt.NewService(db, h, logger)

	registry := websocket.NewRegistry()
	wsHandler := websocket.NewHandler(registry, h, websocket.HandlerConfig{
		PingInterval:    cfg.WebSocket.PingInterval,
		ReadTimeout:     cfg.WebSocket.ReadTimeout,
		WriteTimeout:    cfg.WebSocket.WriteTimeout,
		BufferSize:      cfg.WebSocket.BufferSize,
		MaxMessageBytes: cfg.WebSocket.MaxMessageBytes,
	}, logger)

	checks := health.NewRegistry()
	checks.RegisterFunc("database", db.HealthCheck)
	checks.RegisterFunc("hub", h.HealthCheck)

	apiServer := api.NewServer(api.Deps{
		Sessions:   sessions,
		ReAttempts: reattempts,
		Streams:    tracker,
		Hub:        h,
		Health:     checks,
		WebSocket:  wsHandler.HandleWebSocket,
		Logger:     logger,
	})

	return &Application{
		config:     cfg,
		logger:     logger.With("component", "app"),
		version:    version,
		db:         db,
		limiter:    limiter,
		hub:        h,
		tracker:    tracker,
		sessions:   sessions,
		reattempts: reattempts,
		registry:   registry,
		health:     checks,
		api:        apiServer,
		httpServer: &http.Server{
			Addr:         cfg.Addr(),
			Handler:      apiServer,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
		},
	}, nil
}

// Start brings up tracing, the hub and background collectors, then
// serves HTTP. It returns once the listener is bound.
func (a *Application) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("application already started")
	}

	shutdownTracing, err := traces.Init(ctx, a.config.Tracing.OTLPEndpoint, a.version, a.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdownTracing

	bgCtx, cancel := context.WithCancel(context.Background())
	if err := a.hub.Start(bgCtx); err != nil {
		cancel()
		return fmt.Errorf("start hub: %w", err)
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		cancel()
		_ = a.hub.Stop()
		return fmt.Errorf("listen on %s: %w", a.httpServer.Addr, err)
	}
	a.listener = ln
	a.cancel = cancel

	a.background.Add(2)
	go func() {
		defer a.background.Done()
		metrics.StartDBStatsCollector(bgCtx, a.db.GetDB(), statsInterval)
	}()
	go func() {
		defer a.background.Done()
		a.sweepLimiter(bgCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		a.teardownLocked(ctx)
		return fmt.Errorf("http server: %w", err)
	case <-time.After(startupDeadline):
	}

	a.started = true
	a.logger.Info("proctorhub started", "addr", ln.Addr().String(), "version", a.version)
	return nil
}

func (a *Application) sweepLimiter(ctx context.Context) {
	ticker := time.NewTicker(limiterIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.limiter.Cleanup(limiterIdle)
		}
	}
}

// Stop drains HTTP, closes sockets, stops the hub and closes the store.
// Safe to call more than once.
func (a *Application) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	a.logger.Info("shutting down")

	var errs []error
	if a.started {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	a.registry.CloseAll()
	errs = append(errs, a.teardownLocked(ctx)...)

	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("shutdown completed with errors", "error", err)
		return err
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *Application) teardownLocked(ctx context.Context) []error {
	var errs []error
	if a.cancel != nil {
		a.cancel()
		a.background.Wait()
		a.cancel = nil
	}
	if err := a.hub.Stop(); err != nil && !errors.Is(err, hub.ErrHubNotRunning) {
		errs = append(errs, fmt.Errorf("hub stop: %w", err))
	}
	if err := a.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("database close: %w", err))
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
		}
		a.shutdownTracing = nil
	}
	return errs
}

// Addr is the bound listen address once started, else the configured one.
func (a *Application) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.httpServer.Addr
}

func (a *Application) Hub() *hub.Hub                  { return a.hub }
func (a *Application) Sessions() *session.Manager     { return a.sessions }
func (a *Application) Streams() *stream.Tracker       { return a.tracker }
func (a *Application) Handler() http.Handler          { return a.api }
func (a *Application) Health() *health.Registry       { return a.health }
func (a *Application) ReAttempts() *reattempt.Service { return a.reattempts }
