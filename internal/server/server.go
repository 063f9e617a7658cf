// Package server sets up the HTTP server with all routes
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
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/paybeam/paybeam/internal/admin"
	"github.com/paybeam/paybeam/internal/auth"
	"github.com/paybeam/paybeam/internal/clock"
	"github.com/paybeam/paybeam/internal/config"
	"github.com/paybeam/paybeam/internal/escrow"
	"github.com/paybeam/paybeam/internal/health"
	"github.com/paybeam/paybeam/internal/idgen"
	"github.com/paybeam/paybeam/internal/logging"
	"github.com/paybeam/paybeam/internal/metrics"
	"github.com/paybeam/paybeam/internal/ratelimit"
	"github.com/paybeam/paybeam/internal/realtime"
	"github.com/paybeam/paybeam/internal/reconciliation"
	"github.com/paybeam/paybeam/internal/security"
	"github.com/paybeam/paybeam/internal/traces"
	"github.com/paybeam/paybeam/internal/transfer"
	"github.com/paybeam/paybeam/internal/validation"
	"github.com/paybeam/paybeam/migrations"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg           *config.Config
	version       string
	clock         clock.Clock
	authMgr       *auth.Manager
	ledger        *transfer.Ledger
	escrowService *escrow.Service
	escrowTimer   *escrow.Timer
	reconciler    *reconciliation.Service
	reconcileTmr  *reconciliation.Timer
	realtimeHub   *realtime.Hub
	health        *health.Registry
	readLimiter   *ratelimit.Limiter
	writeLimiter  *ratelimit.Limiter
	db            *sql.DB // nil if using in-memory
	router        *gin.Engine
	httpSrv       *http.Server
	logger        *slog.Logger
	drainDelay    time.Duration
	cancelRunCtx  context.CancelFunc // cancels background goroutines started in Run

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

// WithClock sets the time source for invoices and rate limiting (for testing)
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithVersion sets the build version reported by /health and traces
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		version:    "dev",
		clock:      clock.System{},
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	var (
		escrowStore   escrow.Store
		held          reconciliation.HeldSummer
		transferStore transfer.Store
		authStore     auth.Store
	)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}

		// Configure connection pool
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = db.PingContext(pingCtx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}

		s.db = db
		pgEscrow := escrow.NewPostgresStore(db)
		escrowStore, held = pgEscrow, pgEscrow
		transferStore = transfer.NewPostgresStore(db)
		authStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		memEscrow := escrow.NewMemoryStore()
		escrowStore, held = memEscrow, memEscrow
		transferStore = transfer.NewMemoryStore()
		authStore = auth.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.authMgr = auth.NewManager(authStore).WithLogger(s.logger)
	for rawKey, identity := range cfg.APIKeys {
		if _, err := s.authMgr.Seed(ctx, rawKey, identity, "bootstrap"); err != nil {
			return nil, fmt.Errorf("failed to seed API key for %s: %w", identity, err)
		}
	}
	if len(cfg.APIKeys) > 0 {
		s.logger.Warn("bootstrap API keys loaded from environment", "count", len(cfg.APIKeys))
	}

	// Realtime hub doubles as the escrow event sink
	s.realtimeHub = realtime.NewHub(s.logger)

	s.ledger = transfer.NewLedger(transferStore)
	releaser := escrow.NewReleaser(s.ledger, cfg.EscrowAddress, cfg.EscrowAsset)
	s.escrowService = escrow.NewService(escrowStore, releaser, s.logger).
		WithClock(s.clock).
		WithEvents(s.realtimeHub)
	s.escrowTimer = escrow.NewTimer(s.escrowService, cfg.ExpirySweepInterval, s.logger)
	s.logger.Info("escrow enabled",
		"escrow_address", cfg.EscrowAddress,
		"asset", cfg.EscrowAsset,
		"sweep_interval", cfg.ExpirySweepInterval.String(),
	)

	s.reconciler = reconciliation.NewService(held, s.ledger, cfg.EscrowAddress, cfg.EscrowAsset, s.logger).
		WithClock(s.clock)
	s.reconcileTmr = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.health = health.NewRegistry()
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db))
	}
	s.health.Register("expiry_timer", health.Running("expiry_timer", s.escrowTimer.Running))
	s.health.Register("reconciliation_timer", health.Running("reconciliation_timer", s.reconcileTmr.Running))

	s.readLimiter = ratelimit.NewWithClock(ratelimit.ReadConfig(), s.clock)
	s.writeLimiter = ratelimit.NewWithClock(ratelimit.WriteConfig(), s.clock)

	// Configure gin
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
	// Recovery with logging
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
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || !validation.IsValidIdentifier(requestID) || len(requestID) > 64 {
			requestID = idgen.RequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger.With("request_id", requestID))
		c.Request = c.Request.WithContext(ctx)

		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		logger := logging.L(c.Request.Context())
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", latency.Milliseconds(),
		}
		if id := auth.GetIdentity(c); id != "" {
			attrs = append(attrs, "identity", id)
		}

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed", append(attrs, "client_ip", c.ClientIP())...)
		case status >= 400:
			logger.Warn("request completed", attrs...)
		default:
			logger.Info("request completed", attrs...)
		}
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	// WebSocket for invoice lifecycle events
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.Use(validation.AddressParamMiddleware())
	v1.Use(auth.Middleware(s.authMgr))

	escrowHandler := escrow.NewHandler(s.escrowService)
	transferHandler := transfer.NewHandler(s.ledger, s.cfg.EscrowAsset, s.logger).WithEscrowAccount(s.cfg.EscrowAddress)
	authHandler := auth.NewHandler(s.authMgr)

	// PUBLIC ROUTES (no auth required)
	public := v1.Group("")
	public.Use(s.readLimiter.Middleware())
	{
		public.GET("/platform", s.platformHandler)
		escrowHandler.RegisterRoutes(public)
		authHandler.RegisterRoutes(public)
	}

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(), s.writeLimiter.Middleware())
	{
		escrowHandler.RegisterProtectedRoutes(protected)
		authHandler.RegisterProtectedRoutes(protected)

		// Balances are private to their owner
		owned := protected.Group("")
		owned.Use(auth.RequireOwnership("address"))
		transferHandler.RegisterRoutes(owned)
	}

	// Faucet for funding payers outside production
	if !s.cfg.IsProduction() {
		dev := v1.Group("")
		dev.Use(auth.RequireAuth(), s.writeLimiter.Middleware())
		transferHandler.RegisterDevRoutes(dev)
		s.logger.Warn("development deposit endpoint enabled")
	}

	// Admin: API key issuance, repair and reconciliation
	adminGroup := v1.Group("")
	adminGroup.Use(auth.RequireAdmin(s.cfg.AdminSecret), s.writeLimiter.Middleware())
	authHandler.RegisterAdminRoutes(adminGroup)
	admin.NewHandler().
		WithEscrowService(s.escrowService).
		WithReconciler(s.reconciler).
		WithRealtime(s.realtimeHub).
		RegisterRoutes(adminGroup)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    []health.Status        `json:"checks,omitempty"`
	Realtime  map[string]interface{} `json:"realtime,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ok, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	if !ok {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		Realtime:  s.realtimeHub.Stats(),
		Timestamp: s.clock.Now().UTC().Format(time.RFC3339),
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
	if ok, checks := s.health.CheckAll(c.Request.Context()); !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": checks})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) platformHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"platform": gin.H{
			"escrowAddress": s.cfg.EscrowAddress,
			"asset":         s.cfg.EscrowAsset,
			"env":           s.cfg.Env,
			"version":       s.version,
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing, continuing without", "error", err)
		shutdownTraces = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTraces(flushCtx); err != nil {
			s.logger.Error("trace flush error", "error", err)
		}
	}()

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"escrow_address", s.cfg.EscrowAddress,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.realtimeHub.Run(runCtx)
	go s.escrowTimer.Start(runCtx)
	go s.reconcileTmr.Start(runCtx)

	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// In-flight requests are drained; stop background loops
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	s.escrowTimer.Stop()
	s.reconcileTmr.Stop()
	s.logger.Info("expiry and reconciliation timers stopped")

	s.readLimiter.Stop()
	s.writeLimiter.Stop()
	s.logger.Info("rate limiters stopped")

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
		} else {
			s.logger.Info("database connection closed")
		}
	}

	s.logger.Info("server stopped")
	return shutdownErr
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}
