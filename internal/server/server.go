// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
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

	"github.com/mbd888/fraudguard/internal/auth"
	"github.com/mbd888/fraudguard/internal/circuitbreaker"
	"github.com/mbd888/fraudguard/internal/clock"
	"github.com/mbd888/fraudguard/internal/config"
	"github.com/mbd888/fraudguard/internal/decisionlog"
	"github.com/mbd888/fraudguard/internal/health"
	"github.com/mbd888/fraudguard/internal/logging"
	"github.com/mbd888/fraudguard/internal/metrics"
	"github.com/mbd888/fraudguard/internal/notify"
	"github.com/mbd888/fraudguard/internal/pipeline"
	"github.com/mbd888/fraudguard/internal/ratelimit"
	"github.com/mbd888/fraudguard/internal/realtime"
	"github.com/mbd888/fraudguard/internal/scoring"
	"github.com/mbd888/fraudguard/internal/security"
	"github.com/mbd888/fraudguard/internal/traces"
	"github.com/mbd888/fraudguard/internal/transaction"
	"github.com/mbd888/fraudguard/internal/validation"
)

// drainDelay gives load balancers time to stop sending traffic before the
// listener closes.
const drainDelay = 5 * time.Second

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	store          transaction.Store
	decisions      decisionlog.Log
	model          scoring.Model
	scorerBreaker  *circuitbreaker.Breaker
	channelBreaker *circuitbreaker.Breaker
	dispatcher     *notify.Dispatcher
	orchestrator   *pipeline.Orchestrator
	service        *pipeline.Service
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	health         *health.Registry
	clock          clock.Clock
	httpClient     *http.Client
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run
	traceShutdown  func(context.Context) error

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

// WithModel replaces the configured fraud model (for testing)
func WithModel(m scoring.Model) Option {
	return func(s *Server) {
		s.model = m
	}
}

// WithClock sets the clock used for ingestion and decision timestamps
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithHTTPClient sets the client used for the scorer and webhook channels
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) {
		s.httpClient = c
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:      clock.NewSystem(),
		httpClient: &http.Client{},
	}

	// Apply options first (may set model/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, cfg.Version, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}
	s.traceShutdown = shutdown

	// Create realtime hub for WebSocket streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	evicted := transaction.EvictionFunc(func(ids []string) {
		s.logger.Warn("evicted decided transactions", "count", len(ids))
		s.realtimeHub.PublishEviction(ids)
	})

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

		// Test connection
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.store = transaction.NewPostgresStore(db, cfg.MaxTransactions, evicted)
		s.decisions = decisionlog.NewPostgresLog(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		memLog := decisionlog.NewMemoryLog()
		s.decisions = memLog
		s.store = transaction.NewMemoryStore(
			transaction.WithCapacity(cfg.MaxTransactions),
			transaction.WithEvictionListener(memLog),
			transaction.WithEvictionListener(evicted),
		)
		s.logger.Info("using in-memory storage (data will not persist)", "capacity", cfg.MaxTransactions)
	}

	// Scoring client
	if s.model == nil {
		if cfg.ScorerURL != "" {
			if _, err := url.ParseRequestURI(cfg.ScorerURL); err != nil {
				return nil, fmt.Errorf("invalid SCORER_URL: %w", err)
			}
			s.model = scoring.NewHTTPModel(cfg.ScorerURL, s.httpClient)
			s.logger.Info("remote scoring model", "url", cfg.ScorerURL)
		} else {
			s.model = scoring.NewHeuristicModel()
			s.logger.Info("in-process heuristic scoring model")
		}
	}
	s.scorerBreaker = circuitbreaker.New(cfg.ScorerBreakerThreshold, cfg.ScorerBreakerCooldown)
	s.scorerBreaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("scorer circuit changed", "from", from.String(), "to", to.String())
	})
	scorer := scoring.NewClient(s.model,
		scoring.WithTimeout(cfg.ScorerTimeout),
		scoring.WithBreaker(s.scorerBreaker),
		scoring.WithLogger(s.logger),
	)

	// Notification channels
	routes, err := s.notificationRoutes(ctx)
	if err != nil {
		return nil, err
	}
	s.channelBreaker = circuitbreaker.New(5, 30*time.Second)
	s.dispatcher = notify.NewDispatcher(routes,
		notify.WithPolicy(cfg.NotifyMaxAttempts, cfg.NotifyBaseDelay, cfg.NotifyTimeout),
		notify.WithBreaker(s.channelBreaker),
		notify.WithLogger(s.logger),
	)
	s.logger.Info("notifications enabled", "channels", s.dispatcher.Channels())

	// Decision pipeline
	s.orchestrator = pipeline.NewOrchestrator(s.store, scorer, s.decisions,
		pipeline.WithNotifier(s.dispatcher),
		pipeline.WithPublisher(s.realtimeHub),
		pipeline.WithClock(s.clock),
		pipeline.WithLogger(s.logger),
	)
	s.service = pipeline.NewService(s.store, s.decisions, s.orchestrator, s.clock, s.logger)

	// Health checks
	s.health = health.NewRegistry(2 * time.Second)
	s.health.Register("transactions", health.CapacityChecker("transactions", s.store.Len, s.store.Capacity()))
	s.health.Register("scorer", health.BreakerChecker("scorer", s.scorerBreaker, scoring.BreakerKey()))
	s.health.Register("notifications", health.CircuitsChecker("notifications", s.channelBreaker))
	if s.db != nil {
		s.health.Register("database", health.DBChecker(s.db))
	}

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

// notificationRoutes builds the channel list: the audit log channel always,
// plus the single webhook and the channels file when configured.
func (s *Server) notificationRoutes(ctx context.Context) ([]notify.Route, error) {
	policy := security.EndpointPolicy{AllowPrivate: s.cfg.NotifyAllowPrivate}
	routes := []notify.Route{{Channel: notify.NewLogChannel(s.logger)}}

	if s.cfg.NotifyWebhookURL != "" {
		if err := policy.Validate(ctx, s.cfg.NotifyWebhookURL); err != nil {
			return nil, fmt.Errorf("NOTIFY_WEBHOOK_URL: %w", err)
		}
		routes = append(routes, notify.Route{
			Channel: notify.NewWebhookChannel("webhook", s.cfg.NotifyWebhookURL, s.cfg.NotifyWebhookSecret, s.httpClient),
		})
	}
	if s.cfg.NotifyChannelsFile != "" {
		fileRoutes, err := notify.LoadRoutes(ctx, s.cfg.NotifyChannelsFile, policy, s.httpClient)
		if err != nil {
			return nil, err
		}
		routes = append(routes, fileRoutes...)
	}
	return routes, nil
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error_kind": "system_error",
			"message":    "An unexpected error occurred",
			"details":    gin.H{},
		})
	}))

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Caller identity from the upstream auth gateway
	s.router.Use(auth.Middleware())

	// Rate limiting
	if s.cfg.RateLimitRPM > 0 {
		rl := ratelimit.DefaultConfig()
		rl.RequestsPerMinute = s.cfg.RateLimitRPM
		rl.BurstSize = s.cfg.RateLimitBurst
		s.rateLimiter = ratelimit.New(rl)
		s.router.Use(s.rateLimiter.Middleware(ratelimit.IdentityKey))
	}

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = generateRequestID()
		}

		// Add to context
		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)

		// Set response header
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

		// Log level based on status code
		switch {
		case status >= 500:
			logger.Error("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
				"client_ip", c.ClientIP(),
			)
		case status >= 400:
			logger.Warn("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
		default:
			logger.Info("request completed",
				"method", c.Request.Method,
				"path", path,
				"status", status,
				"latency_ms", latency.Milliseconds(),
			)
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

	// WebSocket for live decisions. Non-admin callers only see their own.
	s.router.GET("/ws", auth.RequireIdentity(), func(c *gin.Context) {
		id, _ := auth.GetIdentity(c)
		scope := id.UserID
		if id.IsAdmin() {
			scope = ""
		}
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, scope)
	})

	// V1 API group
	v1 := s.router.Group("/v1")
	v1.Use(auth.RequireIdentity())

	handler := pipeline.NewHandler(s.service)
	handler.RegisterRoutes(v1)

	admin := v1.Group("/admin")
	admin.Use(auth.RequireRole(auth.RoleAdmin))
	handler.RegisterAdminRoutes(admin)
	admin.GET("/stream/stats", s.streamStatsHandler)
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, checks := s.health.CheckAll(c.Request.Context())

	status := "healthy"
	httpStatus := http.StatusOK
	for _, st := range checks {
		if st.Degraded {
			status = "degraded"
		}
	}
	if !healthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.cfg.Version,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
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

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Channel to catch server errors
	errChan := make(chan error, 1)

	// Start server in goroutine
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "version", s.cfg.Version)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	go s.realtimeHub.Run(runCtx)

	// Sample connection pool stats
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
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown gracefully stops the server. In-flight pipeline runs finish
// before the HTTP server returns from Shutdown.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Give load balancers time to stop sending traffic
	time.Sleep(drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var shutdownErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			shutdownErr = err
		}
	}

	// Cancel the context for background goroutines (hub, stats collector)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
	}

	// Close database connection pool
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

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
