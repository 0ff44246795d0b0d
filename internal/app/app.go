// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/signup-approval/internal/config"
	"github.com/bissquit/signup-approval/internal/mailqueue"
	"github.com/bissquit/signup-approval/internal/mailqueue/email"
	queuepostgres "github.com/bissquit/signup-approval/internal/mailqueue/postgres"
	queuesqlite "github.com/bissquit/signup-approval/internal/mailqueue/sqlite"
	"github.com/bissquit/signup-approval/internal/pkg/ctxlog"
	"github.com/bissquit/signup-approval/internal/pkg/httputil"
	"github.com/bissquit/signup-approval/internal/pkg/metrics"
	"github.com/bissquit/signup-approval/internal/pkg/migrator"
	"github.com/bissquit/signup-approval/internal/pkg/postgres"
	"github.com/bissquit/signup-approval/internal/pkg/redislock"
	"github.com/bissquit/signup-approval/internal/pkg/sqlite"
	"github.com/bissquit/signup-approval/internal/push/onesignal"
	"github.com/bissquit/signup-approval/internal/signup"
	signuppostgres "github.com/bissquit/signup-approval/internal/signup/postgres"
	signupsqlite "github.com/bissquit/signup-approval/internal/signup/sqlite"
	"github.com/bissquit/signup-approval/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	pool          *pgxpool.Pool
	sqlDB         *sql.DB
	redis         *redis.Client
	users         signup.Repository
	queueRepo     mailqueue.Repository
	engine        *mailqueue.Engine
	router        http.Handler
	server        *http.Server
	metricsServer *http.Server
	metricsCancel context.CancelFunc
	done          chan struct{}
	closeOnce     sync.Once
}

// New creates a new application instance. The delivery engine starts
// immediately when the configured mode runs the worker.
func New(cfg *config.Config) (*App, error) {
	logger := initLogger(cfg.Log)
	slog.SetDefault(logger)

	app := &App{
		config: cfg,
		logger: logger,
		done:   make(chan struct{}),
	}

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	if err := app.openStore(connectCtx); err != nil {
		return nil, err
	}

	sender, err := email.NewSender(email.Config{
		Enabled:      cfg.Mail.Enabled,
		SMTPHost:     cfg.Mail.SMTPHost,
		SMTPPort:     cfg.Mail.SMTPPort,
		SMTPUser:     cfg.Mail.SMTPUser,
		SMTPPassword: cfg.Mail.SMTPPassword,
		FromAddress:  cfg.Mail.FromAddress,
		RequireTLS:   cfg.Mail.RequireTLS,
		DialTimeout:  cfg.Mail.DialTimeout,
	})
	if err != nil {
		app.closeStores()
		return nil, fmt.Errorf("create email sender: %w", err)
	}

	engineOpts := []mailqueue.Option{mailqueue.WithDeliveryHook(app.users)}
	if cfg.Redis.Enabled {
		client, err := redislock.Connect(connectCtx, redislock.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			logger.Warn("redis unavailable, queue cycles run without cluster guard", "error", err)
		} else {
			app.redis = client
			engineOpts = append(engineOpts, mailqueue.WithCycleGuard(redislock.New(client, cfg.Redis.Key)))
		}
	}

	app.engine = mailqueue.NewEngine(cfg.Queue.EngineConfig(), app.queueRepo, sender, engineOpts...)

	info := version.Get()
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, cfg.Mode).Set(1)

	metricsCtx, metricsCancel := context.WithCancel(context.Background())
	app.metricsCancel = metricsCancel

	go app.collectDBMetrics(metricsCtx)
	go app.collectQueueMetrics(metricsCtx)

	if cfg.RunsAPI() {
		router, err := app.setupRouter()
		if err != nil {
			metricsCancel()
			app.closeStores()
			return nil, fmt.Errorf("setup router: %w", err)
		}
		app.router = router

		app.server = &http.Server{
			Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
			Handler:           router,
			ReadTimeout:       cfg.Server.ReadTimeout,
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			WriteTimeout:      cfg.Server.WriteTimeout,
			IdleTimeout:       cfg.Server.IdleTimeout,
		}
	}

	switch {
	case cfg.RunsEngine():
		if cfg.Mail.VerifyOnStart {
			go app.verifySender(metricsCtx, sender)
		}
		app.engine.Start(metricsCtx)
	case cfg.RunsWorker():
		logger.Warn("email sender is disabled, delivery engine not started: queued emails stay pending")
	}

	// Metrics server on separate port
	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())
	metricsRouter.Get("/healthz", app.healthzHandler)
	metricsRouter.Get("/readyz", app.readyzHandler)

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("application initialized",
		"mode", cfg.Mode,
		"driver", cfg.Database.Driver,
		"owner", app.engine.Owner(),
		"mail_enabled", cfg.Mail.Enabled,
		"push_enabled", cfg.Push.Enabled,
		"redis_guard", app.redis != nil,
	)

	return app, nil
}

func (a *App) openStore(ctx context.Context) error {
	cfg := a.config.Database

	switch cfg.Driver {
	case config.DriverPostgres:
		if cfg.AutoMigrate {
			if err := migrator.Up(migrator.DriverPostgres, cfg.URL); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}

		pool, err := postgres.Connect(ctx, postgres.Config{
			URL:             cfg.URL,
			MaxOpenConns:    cfg.MaxOpenConns,
			MaxIdleConns:    cfg.MaxIdleConns,
			ConnMaxLifetime: cfg.ConnMaxLifetime,
			ConnectAttempts: cfg.ConnectAttempts,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		a.users = signuppostgres.NewRepository(pool)
		a.queueRepo = queuepostgres.NewRepository(pool)

	case config.DriverSQLite:
		sqliteCfg := sqlite.Config{Path: cfg.Path, BusyTimeout: cfg.BusyTimeout}
		if cfg.AutoMigrate {
			if err := migrator.Up(migrator.DriverSQLite, sqlite.MigrateURL(sqliteCfg)); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
		}

		db, err := sqlite.Open(ctx, sqliteCfg)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		a.sqlDB = db
		a.users = signupsqlite.NewRepository(db)
		a.queueRepo = queuesqlite.NewRepository(db)

	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	return nil
}

// Run starts the HTTP servers. In worker mode it blocks until Shutdown.
func (a *App) Run() error {
	// Start metrics server in background
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	if a.server == nil {
		<-a.done
		return nil
	}

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
	)

	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the application.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	var errs []error

	// Stop the engine first so in-flight sends finish while the store is open.
	if err := a.engine.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop delivery engine: %w", err))
	}

	a.metricsCancel()

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, srv := range []*http.Server{a.server, a.metricsServer} {
		if srv == nil {
			continue
		}
		wg.Add(1)
		go func(srv *http.Server) {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown server %s: %w", srv.Addr, err))
				mu.Unlock()
			}
		}(srv)
	}

	wg.Wait()

	a.closeOnce.Do(func() { close(a.done) })
	a.closeStores()

	return errors.Join(errs...)
}

func (a *App) closeStores() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.sqlDB != nil {
		if err := a.sqlDB.Close(); err != nil {
			a.logger.Warn("close sqlite", "error", err)
		}
	}
}

func (a *App) verifySender(ctx context.Context, sender *email.Sender) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := sender.Verify(ctx); err != nil {
		a.logger.Warn("smtp connectivity check failed, emails stay queued until it recovers", "error", err)
		return
	}
	a.logger.Info("smtp connectivity verified")
}

func (a *App) collectDBMetrics(ctx context.Context) {
	record := func() {
		if a.pool != nil {
			metrics.RecordDBPoolMetrics(a.pool)
		}
		if a.sqlDB != nil {
			metrics.RecordSQLDBMetrics(a.sqlDB)
		}
	}

	// Collect immediately on start
	record()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.queueRepo.GetQueueStats(ctx)
			if err != nil {
				a.logger.Error("failed to get queue stats", "error", err)
				continue
			}
			mailqueue.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

// Router returns the HTTP handler for testing. Nil in worker mode.
func (a *App) Router() http.Handler {
	return a.router
}

// Engine returns the delivery engine.
// Used in tests to run cycles on demand.
func (a *App) Engine() *mailqueue.Engine {
	return a.engine
}

func (a *App) setupRouter() (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)

	// CORS must be early to handle preflight requests before other middleware
	r.Use(httputil.CORSMiddleware(a.config.CORS.AllowedOrigins))
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<!DOCTYPE html>
<html>
<head>
    <title>Signup Approval API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
        SwaggerUIBundle({
            url: "/api/openapi.yaml",
            dom_id: '#swagger-ui',
            presets: [SwaggerUIBundle.presets.apis, SwaggerUIBundle.SwaggerUIStandalonePreset],
            layout: "BaseLayout"
        });
    </script>
</body>
</html>`))
	})

	pusher, err := onesignal.NewSender(onesignal.Config{
		Enabled: a.config.Push.Enabled,
		AppID:   a.config.Push.AppID,
		APIKey:  a.config.Push.APIKey,
		APIURL:  a.config.Push.APIURL,
		Timeout: a.config.Push.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create push sender: %w", err)
	}
	if !a.config.Push.Enabled {
		a.logger.Warn("push sender is disabled: approved users will not receive push notifications")
	}

	renderer, err := signup.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("create signup renderer: %w", err)
	}

	signupService := signup.NewService(signup.Config{
		AdminEmail:        a.config.Approval.AdminEmail,
		BaseURL:           a.config.Approval.BaseURL,
		PushTimeout:       a.config.Approval.PushTimeout,
		NotifyLease:       a.config.Approval.NotifyLease,
		EmailClaimTimeout: a.config.Approval.EmailClaimTimeout,
	}, a.users, a.engine, pusher, renderer)

	signup.NewHandler(signupService, renderer).RegisterRoutes(r)

	return r, nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.users.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.Text(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}

	httputil.Text(w, http.StatusOK, "OK")
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, version.Get())
}

func initLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
