package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/chatgate/internal/accounts"
	"github.com/mbd888/chatgate/internal/auth"
	"github.com/mbd888/chatgate/internal/config"
	"github.com/mbd888/chatgate/internal/gate"
	"github.com/mbd888/chatgate/internal/health"
	"github.com/mbd888/chatgate/internal/limits"
	"github.com/mbd888/chatgate/internal/logging"
	"github.com/mbd888/chatgate/internal/metrics"
	"github.com/mbd888/chatgate/internal/notify"
	"github.com/mbd888/chatgate/internal/params"
	"github.com/mbd888/chatgate/internal/ratelimit"
	"github.com/mbd888/chatgate/internal/realtime"
	"github.com/mbd888/chatgate/internal/security"
	"github.com/mbd888/chatgate/internal/subscriptions"
	"github.com/mbd888/chatgate/internal/traces"
	"github.com/mbd888/chatgate/internal/usage"
	"github.com/mbd888/chatgate/internal/validation"
)

// Version is reported by /health.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	db     *sql.DB       // nil if using in-memory
	redis  *redis.Client // nil without REDIS_URL
	logger *slog.Logger

	accountService *accounts.Service
	reconciler     *subscriptions.Reconciler
	paramService   *params.Service
	noticeService  *notify.Service
	authMgr        *auth.Manager
	gateService    *gate.Service
	scheduler      *gate.Scheduler
	realtimeHub    *realtime.Hub
	healthChecks   *health.Registry
	rateLimiter    *ratelimit.Limiter

	router        *gin.Engine
	httpSrv       *http.Server
	traceShutdown func(context.Context) error
	cancelRunCtx  context.CancelFunc

	// Health state
	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	loc := cfg.Location()

	// Storage: Postgres if DATABASE_URL set, otherwise in-memory
	var (
		accountStore accounts.Store
		subStore     subscriptions.Store
		paramStore   params.Store
		noticeStore  notify.Store
		keyStore     auth.Store
		source       usage.Source
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.logger.Info("using postgres storage", "dsn", maskDSN(cfg.DatabaseURL))

		accountStore = accounts.NewPostgresStore(db)
		subStore = subscriptions.NewPostgresStore(db)
		paramStore = params.NewPostgresStore(db)
		noticeStore = notify.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
	} else {
		s.logger.Warn("DATABASE_URL not set, using in-memory storage")
		accountStore = accounts.NewMemoryStore()
		subStore = subscriptions.NewMemoryStore()
		paramStore = params.NewMemoryStore(&params.Param{
			Key:    params.KeyMaxChatCount,
			Kind:   params.KindNumber,
			Value:  "0",
			Remark: "Monthly chat limit per account; 0 disables enforcement",
		})
		noticeStore = notify.NewMemoryStore()
		keyStore = auth.NewMemoryStore()
	}

	switch {
	case cfg.UsageSourceURL != "":
		source = usage.NewHTTPSource(cfg.UsageSourceURL, cfg.UsageSourceTimeout)
		s.logger.Info("usage source: remote", "url", cfg.UsageSourceURL)
	case s.db != nil:
		source = usage.NewPostgresSource(s.db, loc)
		s.logger.Info("usage source: chat_history")
	default:
		source = usage.NewMemorySource(loc)
		s.logger.Warn("usage source: in-memory")
	}

	// Live parameter cache and job locks: Redis when configured
	var (
		cache  params.LiveCache
		locker gate.Locker
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		s.redis = redis.NewClient(opt)
		cache = params.NewRedisCache(s.redis)
		locker = gate.NewRedisLocker(s.redis)
		s.logger.Info("using redis for param cache and job locks", "addr", opt.Addr)
	} else {
		cache = params.NewMemoryCache()
		locker = gate.NewLocalLocker()
	}

	// Domain wiring
	s.realtimeHub = realtime.NewHub(logging.Component(s.logger, "realtime"))
	transitions := accounts.NewTransitionRecorder(s.realtimeHub)

	s.accountService = accounts.NewService(accountStore, logging.Component(s.logger, "accounts")).
		WithTransitions(transitions)
	s.noticeService = notify.NewService(noticeStore, s.realtimeHub, logging.Component(s.logger, "notify"))
	s.reconciler = subscriptions.NewReconciler(subStore, accountStore, s.noticeService,
		logging.Component(s.logger, "subscriptions"),
		subscriptions.WithObserver(s.realtimeHub))

	s.paramService = params.NewService(paramStore, cache, logging.Component(s.logger, "params"))
	warmCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := s.paramService.Warm(warmCtx); err != nil {
		s.logger.Warn("param cache warm failed, values load on first read", "error", err)
	}
	cancel()

	syncer := usage.NewSynchronizer(accountStore, source, logging.Component(s.logger, "usage"),
		usage.WithTimeout(cfg.UsageSourceTimeout),
		usage.WithLocation(loc))
	engine := limits.NewEngine(accountStore, s.paramService, s.reconciler, logging.Component(s.logger, "limits"),
		limits.WithLocation(loc),
		limits.WithTransitions(transitions))

	gateLogger := logging.Component(s.logger, "gate")
	s.gateService = gate.NewService(syncer, engine, s.reconciler, gateLogger).WithPublisher(s.realtimeHub)
	if cfg.StripeWebhookSecret != "" {
		s.gateService.WithStripe(subscriptions.NewStripeWebhook(cfg.StripeWebhookSecret))
	}
	s.paramService.OnLimitChanged(s.gateService)

	s.scheduler = gate.NewScheduler(loc, locker, gateLogger)
	if err := gate.RegisterJobs(s.scheduler, s.gateService, gate.Schedules{
		MonthlyReset: cfg.CronMonthlyReset,
		ExpirySweep:  cfg.CronExpirySweep,
		UsageSync:    cfg.CronUsageSync,
		NoticeDays:   cfg.ExpiryNoticeDays,
	}); err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	s.authMgr = auth.NewManager(keyStore)

	// Health checks
	s.healthChecks = health.NewRegistry()
	if s.db != nil {
		s.healthChecks.Register("database", health.Database(s.db))
	}
	if s.redis != nil {
		s.healthChecks.Register("redis", health.Redis(s.redis))
	}
	s.healthChecks.Register("scheduler", health.Scheduler(s.scheduler.Running))

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without traces", "error", err)
		shutdown = func(context.Context) error { return nil }
	}
	s.traceShutdown = shutdown

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}

// -----------------------------------------------------------------------------
// Middleware
// -----------------------------------------------------------------------------

func (s *Server) setupMiddleware() {
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(nil))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	s.rateLimiter = ratelimit.New(rl)
	s.router.Use(s.rateLimiter.Middleware())

	s.router.Use(metrics.Middleware())
	s.router.Use(logging.RequestIDMiddleware(s.logger))
	s.router.Use(logging.AccessLogMiddleware())

	// Identify callers; each route group decides what it requires.
	s.router.Use(auth.AdminMiddleware(s.cfg.AdminSecret))
	s.router.Use(auth.Middleware(s.authMgr))
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.healthChecks.Handler(Version))
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	requireAdmin := auth.RequireAdmin(s.cfg.AdminSecret, s.cfg.IsDevelopment())

	s.router.GET("/ws", requireAdmin, func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	gateHandler := gate.NewHandler(s.gateService, s.scheduler)
	authHandler := auth.NewHandler(s.authMgr)

	v1 := s.router.Group("/v1")

	// Chat service callers: usage reports and payment confirmations
	ingest := v1.Group("")
	ingest.Use(auth.RequireClient())
	gateHandler.RegisterIngestRoutes(ingest)
	authHandler.RegisterClientRoutes(ingest)

	// Payment gateway callbacks authenticate by signature
	gateHandler.RegisterWebhookRoutes(v1.Group(""))

	admin := v1.Group("")
	admin.Use(requireAdmin, validation.IDParamMiddleware(), validation.ParamKeyMiddleware())
	accounts.NewHandler(s.accountService).RegisterAdminRoutes(admin)
	subscriptions.NewHandler(s.reconciler).RegisterAdminRoutes(admin)
	params.NewHandler(s.paramService).RegisterAdminRoutes(admin)
	notify.NewHandler(s.noticeService).RegisterAdminRoutes(admin)
	gateHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
	admin.GET("/feed/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run serves HTTP, the realtime hub and the scheduler until ctx is cancelled,
// a shutdown signal arrives or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel
	defer cancel()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s.realtimeHub.Run(gctx)
		return nil
	})

	if s.db != nil {
		g.Go(func() error {
			metrics.StartDBStatsCollector(gctx, s.db, 15*time.Second)
			return nil
		})
	}

	s.scheduler.Start(gctx)
	s.ready.Store(true)
	s.logger.Info("server ready")

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			s.logger.Info("shutdown signal received", "signal", sig.String())
		case <-gctx.Done():
			s.logger.Info("context cancelled")
		}
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	if !s.ready.CompareAndSwap(true, false) {
		return nil
	}
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Stop firing jobs first and let a running one finish its pass.
	if err := s.scheduler.Stop(ctx); err != nil {
		s.logger.Error("scheduler stop error", "error", err)
	} else {
		s.logger.Info("scheduler stopped")
	}

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	if err := s.traceShutdown(ctx); err != nil {
		s.logger.Error("trace shutdown error", "error", err)
	}

	s.closeStores()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
