// Package server sets up the HTTP server with all routes
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/cipherscore/internal/auth"
	"github.com/mbd888/cipherscore/internal/config"
	"github.com/mbd888/cipherscore/internal/credit"
	"github.com/mbd888/cipherscore/internal/events"
	"github.com/mbd888/cipherscore/internal/health"
	"github.com/mbd888/cipherscore/internal/logging"
	"github.com/mbd888/cipherscore/internal/metrics"
	"github.com/mbd888/cipherscore/internal/mpc"
	"github.com/mbd888/cipherscore/internal/ratelimit"
	"github.com/mbd888/cipherscore/internal/realtime"
	"github.com/mbd888/cipherscore/internal/sealed"
	"github.com/mbd888/cipherscore/internal/security"
	"github.com/mbd888/cipherscore/internal/validation"
	"github.com/mbd888/cipherscore/internal/walletdata"
	"github.com/mbd888/cipherscore/internal/webhooks"
	"github.com/mbd888/cipherscore/migrations"
)

// Version is reported by /health and the info endpoint.
const Version = "0.1.0"

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg            *config.Config
	clock          clockwork.Clock
	authMgr        *auth.Manager
	cluster        *mpc.LocalCluster
	compute        *mpc.Guard
	creditService  *credit.Service
	creditTimer    *credit.Timer
	wallets        credit.WalletMetricsSource
	webhookStore   webhooks.Store
	webhooks       *webhooks.Dispatcher
	webhookEmitter *webhooks.Emitter
	realtimeHub    *realtime.Hub
	health         *health.Registry
	rateLimiter    *ratelimit.Limiter
	db             *sql.DB // nil if using in-memory
	instanceLock   *credit.InstanceLock
	router         *gin.Engine
	httpSrv        *http.Server
	logger         *slog.Logger
	drainDelay     time.Duration
	cancelRunCtx   context.CancelFunc // stops the cluster and sweeper started in Start
	cancelSinks    context.CancelFunc // stops the realtime hub and webhook emitter

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

// WithClock sets the clock used by the protocol windows (for testing)
func WithClock(c clockwork.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithWalletSource replaces the Solana RPC metric source (for testing)
func WithWalletSource(src credit.WalletMetricsSource) Option {
	return func(s *Server) {
		s.wallets = src
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (_ *Server, err error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:      clockwork.NewRealClock(),
		drainDelay: 5 * time.Second,
		health:     health.NewRegistry(),
	}

	// Apply options first (may set logger/clock/wallet source)
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	defer func() {
		if err != nil {
			s.closeStorage()
		}
	}()

	var creditStore credit.Store

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

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if err := migrations.Up(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply migrations: %w", err)
		}
		lock, err := credit.AcquireInstanceLock(ctx, db)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to acquire instance lock: %w", err)
		}

		s.db = db
		s.instanceLock = lock
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

		creditStore = credit.NewPostgresStore(db)
		s.authMgr = auth.NewManagerWithClock(auth.NewPostgresStore(db), s.clock)
		s.webhookStore = webhooks.NewPostgresStore(db)
		s.health.Register("database", health.DB(db))
		s.health.Register("instance_lock", lock.Check)
		if err := metrics.RegisterDB(db); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}
	} else {
		s.logger.Info("using in-memory storage (data will not persist)")

		creditStore = credit.NewMemoryStore()
		s.authMgr = auth.NewManagerWithClock(auth.NewMemoryStore(), s.clock)
		s.webhookStore = webhooks.NewMemoryStore()
	}

	// Compute cluster, behind a breaker so a saturated queue fails fast
	clusterCfg := mpc.ClusterConfig{
		Logger:    s.logger,
		Clock:     s.clock,
		Workers:   cfg.ComputeWorkers,
		QueueSize: cfg.ComputeQueueSize,
		Latency:   cfg.ComputeLatency,
	}
	if priv, ok := cfg.ClusterKey(); ok {
		kp, err := sealed.KeypairFromPrivate(sealed.PrivateKey(priv))
		if err != nil {
			return nil, fmt.Errorf("invalid cluster key: %w", err)
		}
		clusterCfg.Keypair = &kp
	} else {
		s.logger.Warn("CLUSTER_PRIVATE_KEY not set, generated an ephemeral cluster key")
	}
	cluster, err := mpc.NewLocalCluster(clusterCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute cluster: %w", err)
	}
	s.cluster = cluster
	s.compute = mpc.NewGuard(cluster, 5, 30*time.Second, s.clock)
	s.health.Register("compute", health.Ready(s.compute.Ready, "cluster not running or circuit open"))

	// Wallet-only submissions need an RPC endpoint
	if s.wallets == nil && cfg.SolanaRPCURL != "" {
		fetcher, err := walletdata.NewForEndpoint(s.logger, cfg.SolanaRPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet data fetcher: %w", err)
		}
		s.wallets = fetcher
		s.health.RegisterOptional("solana_rpc", health.Breaker(fetcher.Breaker()))
		s.logger.Info("wallet-only scoring enabled", "rpc", cfg.SolanaRPCURL)
	}

	// Event sinks: logs, websocket clients, webhook subscriptions
	retryCfg := webhooks.DefaultRetryConfig
	retryCfg.Timeout = cfg.WebhookTimeout
	s.webhooks = webhooks.NewDispatcherWithRetry(s.webhookStore, s.logger, retryCfg)
	s.webhooks.SetEndpointPolicy(security.EndpointPolicy{RequireHTTPS: cfg.IsProduction()})
	s.realtimeHub = realtime.NewHub(s.logger)
	s.webhookEmitter = webhooks.NewEmitter(s.webhooks, s.logger, webhooks.DefaultEmitQueue)
	emitter := events.Fanout{
		events.NewLogEmitter(s.logger),
		s.realtimeHub,
		s.webhookEmitter,
	}

	s.creditService, err = credit.NewService(credit.ServiceConfig{
		Store:     creditStore,
		Compute:   s.compute,
		Events:    emitter,
		Wallets:   s.wallets,
		Logger:    s.logger,
		Clock:     s.clock,
		Cooldown:  cfg.SubmissionCooldown,
		Freshness: cfg.ScoreFreshness,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create credit service: %w", err)
	}
	s.cluster.OnOutcome(s.creditService.OutcomeCallback())
	s.creditTimer = credit.NewTimer(s.creditService, cfg.PendingStaleAfter, cfg.PendingRetention, s.logger)

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
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// Health & metrics endpoints
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.router.GET("/", s.infoHandler)

	authHandler := auth.NewHandler(s.authMgr)
	creditHandler := credit.NewHandler(s.creditService)
	webhookHandler := webhooks.NewHandler(s.webhookStore, s.webhooks)

	// Rate limiting runs after soft auth so keyed callers get their own bucket
	s.rateLimiter = ratelimit.New(ratelimit.Config{
		RequestsPerMinute: s.cfg.RateLimitRPM,
		BurstSize:         s.cfg.RateLimitBurst,
		CleanupInterval:   time.Minute,
		Clock:             s.clock,
	})

	v1 := s.router.Group("/v1")
	v1.Use(auth.Middleware(s.authMgr))
	v1.Use(s.rateLimiter.Middleware())
	// Reject malformed :wallet and :offset params on all v1 routes
	v1.Use(validation.PathParamsMiddleware())

	// Public
	v1.GET("/auth/info", authHandler.Info)
	creditHandler.RegisterRoutes(v1)

	// API key required
	protected := v1.Group("")
	protected.Use(auth.RequireAuth())
	authHandler.RegisterRoutes(protected)
	creditHandler.RegisterProtectedRoutes(protected, auth.RequireQuota(s.authMgr, "score"))
	webhookHandler.RegisterRoutes(protected)
	protected.GET("/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, realtime.Scope{Wallet: c.GetString(auth.ContextKeyWallet)})
	})

	// Operator
	admin := v1.Group("/admin")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	authHandler.RegisterAdminRoutes(admin)
	creditHandler.RegisterAdminRoutes(admin)
	admin.GET("/stream", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, realtime.Scope{AllWallets: true})
	})
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
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	rep := s.health.CheckAll(ctx)

	status, httpStatus := "healthy", http.StatusOK
	switch {
	case !rep.Healthy:
		status, httpStatus = "unhealthy", http.StatusServiceUnavailable
	case rep.Degraded:
		status = "degraded"
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    rep.Checks,
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
	if !s.ready.Load() || !s.compute.Ready() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "cipherscore",
		"version":     Version,
		"description": "Confidential creditworthiness scoring over encrypted wallet metrics",
		"clusterKey":  s.creditService.ClusterKey(),
		"windows": gin.H{
			"submissionCooldown": s.cfg.SubmissionCooldown.String(),
			"scoreFreshness":     s.cfg.ScoreFreshness.String(),
		},
		"walletOnlyScoring": s.wallets != nil,
		"realtime":          s.realtimeHub.Stats(),
		"endpoints": gin.H{
			"cluster":  "GET /v1/cluster",
			"auth":     "GET /v1/auth/info",
			"events":   "GET /v1/stream",
			"health":   "GET /health",
			"metrics":  "GET /metrics",
			"webhooks": "/v1/wallets/:wallet/webhooks",
		},
	})
}
