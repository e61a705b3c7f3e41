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
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mabena/shamba/internal/auth"
	"github.com/mabena/shamba/internal/bid"
	"github.com/mabena/shamba/internal/config"
	"github.com/mabena/shamba/internal/dispute"
	"github.com/mabena/shamba/internal/health"
	"github.com/mabena/shamba/internal/ledger"
	"github.com/mabena/shamba/internal/lockset"
	"github.com/mabena/shamba/internal/logging"
	"github.com/mabena/shamba/internal/market"
	"github.com/mabena/shamba/internal/metrics"
	"github.com/mabena/shamba/internal/property"
	"github.com/mabena/shamba/internal/ratelimit"
	"github.com/mabena/shamba/internal/realtime"
	"github.com/mabena/shamba/internal/reconcile"
	"github.com/mabena/shamba/internal/registry"
	"github.com/mabena/shamba/internal/security"
	"github.com/mabena/shamba/internal/token"
	"github.com/mabena/shamba/internal/traces"
	"github.com/mabena/shamba/internal/transfer"
	"github.com/mabena/shamba/internal/validation"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	authMgr        *auth.Manager
	ledger         *ledger.Ledger
	market         *market.Market
	marketTimer    *market.Timer
	disputes       *dispute.Service
	reconciler     *reconcile.Checker
	reconcileTimer *reconcile.Timer
	realtimeHub    *realtime.Hub
	rateLimiter    *ratelimit.Limiter
	healthChecks   *health.Registry
	tokens         *token.Registry
	requester      transfer.Requester
	registry       registry.Registry
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	shutdownTraces func(context.Context) error
	cancelRunCtx   context.CancelFunc // cancels background goroutines started in Run

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

// WithRequester sets a custom transfer requester (for testing)
func WithRequester(r transfer.Requester) Option {
	return func(s *Server) {
		s.requester = r
	}
}

// WithRegistry sets a custom title registry (for testing)
func WithRegistry(r registry.Registry) Option {
	return func(s *Server) {
		s.registry = r
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set requester/registry/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Context for initialization
	ctx := context.Background()

	kinds := make([]token.Kind, 0, len(cfg.AcceptedTokens))
	for _, t := range cfg.AcceptedTokens {
		kinds = append(kinds, token.Kind(t))
	}
	s.tokens = token.NewRegistry(kinds...)

	// Initialize storage (Postgres if DATABASE_URL set, otherwise in-memory)
	var (
		bidStore     bid.Store
		propStore    property.Store
		pendingStore transfer.Store
	)
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
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}

		s.db = db
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		// API keys with Postgres
		authStore := auth.NewPostgresStore(db)
		if err := authStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate auth store", "error", err)
		}
		s.authMgr = auth.NewManager(authStore)

		// Ledger with Postgres
		ledgerStore := ledger.NewPostgresStore(db)
		if err := ledgerStore.Migrate(ctx); err != nil {
			s.logger.Warn("failed to migrate ledger store", "error", err)
		}
		s.ledger = ledger.New(ledgerStore)

		bidStore = bid.NewPostgresStore(db)
		propStore = property.NewPostgresStore(db)
		pendingStore = transfer.NewPostgresStore(db)
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		s.authMgr = auth.NewManager(auth.NewMemoryStore())
		s.ledger = ledger.New(ledger.NewMemoryStore())
		bidStore = bid.NewMemoryStore()
		propStore = property.NewMemoryStore()
		pendingStore = transfer.NewMemoryStore()
	}

	// Title registry: remote service if configured, local otherwise
	if s.registry == nil {
		if cfg.RegistryURL != "" {
			if err := validateEndpoint(cfg, cfg.RegistryURL); err != nil {
				return nil, fmt.Errorf("REGISTRY_URL: %w", err)
			}
			s.registry = registry.NewHTTPClient(cfg.RegistryURL)
			s.logger.Info("using remote title registry", "url", cfg.RegistryURL)
		} else {
			s.registry = registry.NewLocal()
			s.logger.Info("using local title registry")
		}
	}

	// Realtime hub for WebSocket event streaming
	s.realtimeHub = realtime.NewHub(s.logger)

	// Transfer requester: external service if configured, loopback otherwise.
	// The loopback reports success through the normal callback path so the
	// saga machinery behaves identically in demo mode.
	var loopback *loopbackRequester
	if s.requester == nil {
		if cfg.TransferServiceURL != "" {
			if err := validateEndpoint(cfg, cfg.TransferServiceURL); err != nil {
				return nil, fmt.Errorf("TRANSFER_SERVICE_URL: %w", err)
			}
			s.requester = transfer.NewHTTPRequester(cfg.TransferServiceURL, s.callbackURL(), cfg.WebhookSecret)
			s.logger.Info("using transfer service", "url", cfg.TransferServiceURL)
		} else {
			loopback = &loopbackRequester{logger: s.logger}
			s.requester = loopback
			s.logger.Info("transfer service not configured, using loopback requester")
		}
	}

	// Market orchestrator
	s.market = market.New(market.Config{
		BidExpiry:           cfg.BidExpiry,
		LostBidClaimDelay:   cfg.LostBidClaimDelay,
		EscrowReleaseDelay:  cfg.EscrowReleaseDelay,
		SiblingRefundBudget: cfg.SiblingRefundBudget,
	}, s.ledger, bidStore, propStore, pendingStore, s.requester, s.registry, s.tokens, s.logger)
	s.market.SetHub(s.realtimeHub)
	if loopback != nil {
		loopback.market = s.market
	}

	// Dispute service shares the market's stores and lock set and
	// receives dispute payout callbacks through the market's dispatcher
	s.disputes = dispute.New(s.ledger, bidStore, propStore, pendingStore, s.requester, s.market.Locks(), s.logger)
	s.disputes.SetHub(s.realtimeHub)
	s.market.SetDisputeFinalizer(s.disputes)

	// Background sweeps: lease expiry, stale bids, timed-out escrow
	s.marketTimer = market.NewTimer(s.market, cfg.LeaseSweepInterval, cfg.TimeoutSweepBudget, s.logger)

	// Reconciliation: tracked balances vs committed deposits
	s.reconciler = reconcile.NewChecker(s.ledger, bidStore, propStore, pendingStore, s.logger)
	s.reconcileTimer = reconcile.NewTimer(s.reconciler, 10*time.Minute, s.logger)

	// Subsystem health checks
	s.healthChecks = health.NewRegistry()
	s.healthChecks.Register("database", s.databaseCheck)

	// Setup router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)

	return s, nil
}

// callbackURL is where the transfer service reports outcomes.
func (s *Server) callbackURL() string {
	base := s.cfg.PublicURL
	if base == "" {
		base = "http://localhost:" + s.cfg.Port
	}
	return strings.TrimRight(base, "/") + "/v1/transfers/callback"
}

// validateEndpoint rejects unsafe outbound endpoints in production.
// Development setups routinely point at localhost, so the check is
// only enforced there.
func validateEndpoint(cfg *config.Config, rawURL string) error {
	if !cfg.IsProduction() {
		return nil
	}
	return security.ValidateEndpointURL(rawURL)
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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	rlCfg := ratelimit.DefaultConfig()
	if s.cfg.RateLimitRPS > 0 {
		rlCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	}
	s.rateLimiter = ratelimit.New(rlCfg)
	s.router.Use(s.rateLimiter.Middleware())

	// Prometheus metrics
	s.router.Use(metrics.Middleware())

	// Request ID
	s.router.Use(s.requestIDMiddleware())

	// Logging
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
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

	// WebSocket for real-time streaming
	s.router.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request)
	})

	// API info
	s.router.GET("/", s.infoHandler)
	s.router.GET("/api", s.infoHandler)

	marketHandler := market.NewHandler(s.market, s.cfg.WebhookSecret)
	disputeHandler := dispute.NewHandler(s.disputes)
	ledgerHandler := ledger.NewHandler(s.ledger, s.tokens, s.logger)
	authHandler := auth.NewHandler(s.authMgr)

	// V1 API group
	v1 := s.router.Group("/v1")

	// PUBLIC ROUTES (no auth required)
	// Listings, bids, and the permissionless recovery operations
	marketHandler.RegisterRoutes(v1)
	ledgerHandler.RegisterRoutes(v1)
	v1.GET("/auth/info", authHandler.Info)

	// REGISTRATION (public but returns API key)
	v1.POST("/auth/register", s.registerAccountHandler)

	// PROTECTED ROUTES (require API key)
	protected := v1.Group("")
	protected.Use(auth.Middleware(s.authMgr), auth.RequireAuth(s.authMgr))
	{
		marketHandler.RegisterProtectedRoutes(protected)
		disputeHandler.RegisterProtectedRoutes(protected)

		// API key management
		protected.GET("/auth/keys", authHandler.ListKeys)
		protected.POST("/auth/keys", authHandler.CreateKey)
		protected.DELETE("/auth/keys/:keyId", authHandler.RevokeKey)
		protected.POST("/auth/keys/:keyId/regenerate", authHandler.RegenerateKey)
		protected.GET("/auth/me", authHandler.GetCurrentAccount)
	}

	// ADMIN ROUTES (require admin secret)
	admin := v1.Group("/admin")
	admin.Use(auth.Middleware(s.authMgr), auth.RequireAdmin())
	{
		marketHandler.RegisterAdminRoutes(admin)
		disputeHandler.RegisterAdminRoutes(admin)
		admin.POST("/reconcile", s.reconcileHandler)
	}

	// WEBHOOK ROUTES (signature-verified, no API key)
	// The transfer service calls these for deposits and outcomes
	marketHandler.RegisterWebhookRoutes(v1)
}

// registerAccountHandler issues the first API key for an account.
// Further keys are managed through the protected /auth/keys routes.
func (s *Server) registerAccountHandler(c *gin.Context) {
	var req struct {
		Account string `json:"account" binding:"required"`
		Name    string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account is required",
		})
		return
	}
	if !validation.IsValidAccountID(req.Account) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_account",
			"message": "account must be 2-64 chars of lowercase alphanumeric segments joined by . _ or -",
		})
		return
	}

	rawKey, key, err := s.authMgr.GenerateKey(c.Request.Context(), req.Account, req.Name)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to generate API key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": key.Account,
		"key_id":  key.ID,
		"api_key": rawKey, // shown once
		"warning": "Store this key securely. It cannot be retrieved again.",
	})
}

// reconcileHandler runs a reconciliation pass on demand.
func (s *Server) reconcileHandler(c *gin.Context) {
	shortfalls, err := s.reconciler.Check(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconcile failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"healthy":    len(shortfalls) == 0,
		"shortfalls": shortfalls,
	})
}

// -----------------------------------------------------------------------------
// Health & info handlers
// -----------------------------------------------------------------------------

// HealthResponse is the /health payload
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) databaseCheck(ctx context.Context) health.Status {
	if s.db == nil {
		return health.Status{Name: "database", Healthy: true, Detail: "in-memory"}
	}
	if err := s.db.PingContext(ctx); err != nil {
		return health.Status{Name: "database", Healthy: false, Detail: err.Error()}
	}
	return health.Status{Name: "database", Healthy: true}
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.healthChecks.CheckAll(ctx)

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
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

func (s *Server) infoHandler(c *gin.Context) {
	tokens := s.market.AcceptedTokens()
	accepted := make([]string, len(tokens))
	for i, t := range tokens {
		accepted[i] = string(t)
	}
	c.JSON(http.StatusOK, gin.H{
		"service":         "shamba",
		"version":         "0.1.0",
		"description":     "Property marketplace with escrowed bids, leases, and dispute arbitration",
		"accepted_tokens": accepted,
		"endpoints": gin.H{
			"properties": "/v1/properties",
			"bids":       "/v1/properties/:id/bids",
			"tokens":     "/v1/tokens",
			"ledger":     "/v1/ledger/balances",
			"register":   "/v1/auth/register",
			"websocket":  "/ws",
			"health":     "/health",
			"metrics":    "/metrics",
		},
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the server and blocks until shutdown
func (s *Server) Run(ctx context.Context) error {
	// Create a cancellable context for background goroutines so Shutdown() can stop them.
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	// Tracing (no-op when no collector is configured)
	shutdownTraces, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.logger)
	if err != nil {
		s.logger.Warn("failed to initialize tracing", "error", err)
	} else {
		s.shutdownTraces = shutdownTraces
	}

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
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"env", s.cfg.Env,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Start realtime hub
	if s.realtimeHub != nil {
		go s.realtimeHub.Run(runCtx)
	}

	// Start lease/stale-bid sweep timer
	if s.marketTimer != nil {
		go s.marketTimer.Start(runCtx)
	}

	// Start reconciliation timer
	if s.reconcileTimer != nil {
		go s.reconcileTimer.Start(runCtx)
	}

	// Sample DB pool stats for Prometheus
	if s.db != nil {
		metrics.StartDBStatsCollector(runCtx, s.db, 30*time.Second)
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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	// Cancel the context for all background goroutines (hub, timers)
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("shutdown error", "error", err)
		return err
	}

	// Stop sweep timer
	if s.marketTimer != nil {
		s.marketTimer.Stop()
		s.logger.Info("sweep timer stopped")
	}

	// Stop reconciliation timer
	if s.reconcileTimer != nil {
		s.reconcileTimer.Stop()
		s.logger.Info("reconcile timer stopped")
	}

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
	}

	// Flush traces
	if s.shutdownTraces != nil {
		if err := s.shutdownTraces(ctx); err != nil {
			s.logger.Error("traces shutdown error", "error", err)
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
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// generateRequestID creates a random request identifier
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + hex.EncodeToString(b)
}

// maskDSN hides password in connection string for logging
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "postgres://***"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.String()
}

// loopbackRequester reports success through the normal callback path
// without an external transfer service. Demo mode only.
type loopbackRequester struct {
	market *market.Market
	logger *slog.Logger
}

func (r *loopbackRequester) Request(_ context.Context, p *transfer.Pending) error {
	res := &transfer.Result{Reference: p.Reference, Outcome: transfer.OutcomeSuccess}
	go func() {
		// Detached from the caller's context: the callback outlives the request.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for i := 0; i < 50; i++ {
			err := r.market.HandleTransferResult(ctx, res)
			if err == nil || errors.Is(err, transfer.ErrNotFound) {
				return
			}
			if !errors.Is(err, lockset.ErrHeld) {
				r.logger.Error("loopback transfer callback failed",
					"reference", p.Reference, "error", err)
				return
			}
			// The issuing saga still holds the pair lock.
			time.Sleep(20 * time.Millisecond)
		}
		r.logger.Error("loopback transfer callback gave up", "reference", p.Reference)
	}()
	return nil
}
