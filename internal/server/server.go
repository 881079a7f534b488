// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
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

	"github.com/hirelane/hirelane/internal/audit"
	"github.com/hirelane/hirelane/internal/circuitbreaker"
	"github.com/hirelane/hirelane/internal/config"
	"github.com/hirelane/hirelane/internal/credits"
	"github.com/hirelane/hirelane/internal/identity"
	"github.com/hirelane/hirelane/internal/logging"
	"github.com/hirelane/hirelane/internal/metrics"
	"github.com/hirelane/hirelane/internal/notify"
	"github.com/hirelane/hirelane/internal/order"
	"github.com/hirelane/hirelane/internal/payments"
	"github.com/hirelane/hirelane/internal/ratelimit"
	"github.com/hirelane/hirelane/internal/security"
	"github.com/hirelane/hirelane/internal/validation"
	"github.com/hirelane/hirelane/internal/verification"
	"github.com/hirelane/hirelane/internal/wallet"
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	gateway        payments.Gateway
	orderService   *order.Service
	walletService  *wallet.Service
	creditsService *credits.Service
	auditService   *audit.Service
	codes          *verification.Service
	emitter        *notify.Emitter
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
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

// WithGateway sets a custom payment gateway (for testing)
func WithGateway(g payments.Gateway) Option {
	return func(s *Server) {
		s.gateway = g
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, "json"),
	}

	// Apply options first (may set gateway/logger)
	for _, opt := range opts {
		opt(s)
	}

	// Payment gateway: Stripe when keys are configured, mock otherwise.
	// Either way it runs behind the circuit breaker.
	if s.gateway == nil {
		if cfg.StripeSecretKey != "" {
			s.gateway = payments.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
			s.logger.Info("stripe gateway enabled")
		} else {
			s.gateway = payments.NewMockGateway()
			s.logger.Info("mock payment gateway enabled (no STRIPE_SECRET_KEY set)")
		}
	}
	breaker := circuitbreaker.New(5, 30*time.Second)
	s.gateway = payments.NewBreakerGateway(s.gateway, breaker)

	s.emitter = notify.NewEmitter(nil, nil)

	var (
		orderStore  order.Store
		walletStore wallet.Store
		creditStore credits.Store
		codeStore   verification.Store
		auditStore  audit.Store
	)

	// Storage backend is chosen once at startup: Postgres when DATABASE_URL
	// is set, in-memory otherwise.
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
		orderStore = order.NewPostgresStore(db)
		walletStore = wallet.NewPostgresStore(db)
		creditStore = credits.NewPostgresStore(db)
		codeStore = verification.NewPostgresStore(db)
		auditStore = audit.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		orderStore = order.NewMemoryStore()
		walletStore = wallet.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
		codeStore = verification.NewMemoryStore()
		auditStore = audit.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.walletService = wallet.NewService(walletStore, s.gateway)
	s.codes = verification.NewService(codeStore, time.Duration(cfg.CodeTTLMinutes)*time.Minute)
	s.creditsService = credits.NewService(creditStore, s.gateway, cfg, credits.Config{
		QuoteCostDefault:  cfg.QuoteCostDefault,
		ListingCost:       cfg.ListingCost,
		CreditsPerUnit:    cfg.CreditsPerUnit,
		RechargeCurrency:  cfg.RechargeCurrency,
		AutoRecharge:      cfg.AutoRechargeOn,
		AutoRechargeFloor: int64(cfg.AutoRechargeFloor),
		AutoRechargeTopUp: int64(cfg.AutoRechargeTopUp),
		SignupBonus:       cfg.SignupBonusOn,
		SignupBonusAmount: int64(cfg.SignupBonus),
	})
	s.auditService = audit.NewService(auditStore)
	s.orderService = order.NewService(orderStore, s.gateway, s.walletService, s.codes, s.emitter, order.Config{
		PlatformFeeBPS:     cfg.PlatformFeeBPS,
		ForfeitPlatformBPS: cfg.ForfeitPlatformBPS,
		CurrencyAllowed:    cfg.CurrencyAllowed,
	})

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

	// Security headers
	s.router.Use(security.HeadersMiddleware())

	// CORS (allow all origins for demo - restrict in production)
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	// Request size limit (1MB)
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	// Rate limiting
	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.RequestsPerMinute = s.cfg.RateLimitRPS * 60
	s.rateLimiter = ratelimit.New(limiterCfg)
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

	// API info
	s.router.GET("/api", s.infoHandler)

	// Payment processor callbacks authenticate by signature, not user identity.
	s.router.POST("/webhooks/payments", s.paymentWebhookHandler)

	// V1 API group. Identity is established upstream (API gateway); every
	// request carries X-User-ID and optionally X-User-Role.
	v1 := s.router.Group("/v1")
	v1.Use(identity.Middleware())

	order.NewHandler(s.orderService).RegisterRoutes(v1)
	wallet.NewHandler(s.walletService, s.cfg.RechargeCurrency).RegisterRoutes(v1)
	credits.NewHandler(s.creditsService).RegisterRoutes(v1)
	audit.NewHandler(s.auditService).RegisterRoutes(v1)
}

// paymentWebhookHandler verifies the processor's signature and applies the
// event. Hold confirmations drive auth_hold orders to captured; everything
// else is acknowledged and logged.
func (s *Server) paymentWebhookHandler(c *gin.Context) {
	ctx := c.Request.Context()

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": "Could not read webhook payload",
		})
		return
	}

	signature := c.GetHeader("Stripe-Signature")
	if signature == "" {
		signature = c.GetHeader("X-Webhook-Signature")
	}

	event, err := s.gateway.VerifyWebhookSignature(payload, signature)
	if err != nil {
		logging.L(ctx).Warn("webhook signature verification failed", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	switch event.Type {
	case payments.EventHoldReady:
		o, err := s.orderService.ConfirmDepositByRef(ctx, event.Ref)
		switch {
		case err == nil:
			logging.L(ctx).Info("deposit hold confirmed via webhook",
				"order_id", o.ID, "payment_ref", event.Ref)
		case errors.Is(err, order.ErrOrderNotFound):
			logging.L(ctx).Warn("webhook for unknown payment reference", "payment_ref", event.Ref)
		case errors.Is(err, order.ErrInvalidTransition):
			// Replayed webhook: the order already moved on. Acknowledge.
			logging.L(ctx).Info("webhook replay ignored", "payment_ref", event.Ref)
		default:
			logging.L(ctx).Error("webhook processing failed",
				"payment_ref", event.Ref, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to process event",
			})
			return
		}
	case payments.EventChargeSucceed, payments.EventChargeFailed:
		logging.L(ctx).Info("payment event received",
			"type", event.Type, "payment_ref", event.Ref)
	default:
		logging.L(ctx).Info("unhandled webhook event", "type", event.Type)
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	checks := make(map[string]string)

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			checks["database"] = "unhealthy"
		} else {
			checks["database"] = "healthy"
		}
	} else {
		checks["database"] = "in-memory"
	}

	status := "healthy"
	httpStatus := http.StatusOK
	for _, v := range checks {
		if v == "unhealthy" {
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			break
		}
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
	c.JSON(http.StatusOK, gin.H{
		"name":        "Hirelane",
		"description": "Order payment, ledger settlement and credits engine",
		"version":     "0.1.0",
		"currencies":  s.cfg.Currencies,
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
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Feed database pool stats into Prometheus
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

	// Cancel the context for all background goroutines
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

	// Stop rate limiter cleanup goroutine
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
		s.logger.Info("rate limiter stopped")
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

func generateRequestID() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		// Fallback to timestamp-based ID
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
