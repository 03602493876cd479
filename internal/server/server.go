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

	"github.com/mbd888/custodia/internal/arbitration"
	"github.com/mbd888/custodia/internal/auth"
	"github.com/mbd888/custodia/internal/chain"
	"github.com/mbd888/custodia/internal/config"
	"github.com/mbd888/custodia/internal/deals"
	"github.com/mbd888/custodia/internal/health"
	"github.com/mbd888/custodia/internal/ledger"
	"github.com/mbd888/custodia/internal/logging"
	"github.com/mbd888/custodia/internal/metrics"
	"github.com/mbd888/custodia/internal/notify"
	"github.com/mbd888/custodia/internal/p2p"
	"github.com/mbd888/custodia/internal/ratelimit"
	"github.com/mbd888/custodia/internal/realtime"
	"github.com/mbd888/custodia/internal/reconciliation"
	"github.com/mbd888/custodia/internal/settlement"
	"github.com/mbd888/custodia/internal/syncutil"
	"github.com/mbd888/custodia/internal/traces"
	"github.com/mbd888/custodia/internal/usdc"
	"github.com/mbd888/custodia/internal/vault"
	"github.com/mbd888/custodia/migrations"
)

// Version is reported by the info endpoint. Set by ldflags in cmd/server.
var Version = "dev"

const (
	// chain breaker: consecutive provider failures before tripping, and
	// how long to wait before probing again.
	chainBreakerThreshold = 5
	chainBreakerCooldown  = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg        *config.Config
	chain      chain.Client
	closeChain func()
	vault      *vault.Vault
	authMgr    *auth.Manager
	locks      *syncutil.KeyedMutex

	ledger         *ledger.Service
	settlements    *settlement.Service
	deals          *deals.Service
	dealTimer      *deals.Timer
	p2p            *p2p.Service
	p2pTimer       *p2p.Timer
	arbitration    *arbitration.Service
	reconciler     *reconciliation.Service
	reconcileTimer *reconciliation.Timer

	notifier    *notify.Dispatcher
	realtimeHub *realtime.Hub
	health      *health.Registry
	rateLimiter *ratelimit.Limiter

	db              *sql.DB // nil if using in-memory
	router          *gin.Engine
	httpSrv         *http.Server
	logger          *slog.Logger
	drainDelay      time.Duration
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error

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

// WithChain replaces the configured chain client (for testing).
func WithChain(c chain.Client) Option {
	return func(s *Server) {
		s.chain = c
	}
}

// WithDrainDelay sets how long Shutdown waits for load balancers to stop
// sending traffic before closing the listener.
func WithDrainDelay(d time.Duration) Option {
	return func(s *Server) {
		s.drainDelay = d
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		drainDelay: 5 * time.Second,
		closeChain: func() {},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.healthy.Store(true)

	ctx := context.Background()

	// Storage: Postgres if DATABASE_URL is set, otherwise in-memory.
	var (
		userStore   ledger.Store
		settleStore settlement.Store
		dealStore   deals.Store
		p2pStore    p2p.Store
		arbStore    arbitration.Store
	)
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.AutoMigrate {
			n, err := migrations.Up(ctx, db)
			if err != nil {
				_ = db.Close()
				return nil, err
			}
			s.logger.Info("migrations applied", "count", n)
		}

		if err := metrics.RegisterDB(db, "custodia"); err != nil {
			s.logger.Warn("db pool metrics unavailable", "error", err)
		}

		s.db = db
		userStore = ledger.NewPostgresStore(db)
		settleStore = settlement.NewPostgresStore(db)
		dealStore = deals.NewPostgresStore(db)
		p2pStore = p2p.NewPostgresStore(db)
		arbStore = arbitration.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		users := ledger.NewMemoryStore()
		settles := settlement.NewMemoryStore()
		userStore = users
		settleStore = settles
		dealStore = deals.NewMemoryStore()
		p2pStore = p2p.NewMemoryStore(users, settles)
		arbStore = arbitration.NewMemoryStore()
		s.logger.Warn("using in-memory storage, balances will not survive a restart")
	}

	if err := s.setupChain(); err != nil {
		s.closeDB()
		return nil, err
	}

	v, err := vault.New(cfg.VaultSecret, vault.WithAttemptLimit(cfg.PINMaxAttempts, cfg.PINAttemptReset))
	if err != nil {
		s.closeDB()
		return nil, fmt.Errorf("failed to init vault: %w", err)
	}
	s.vault = v

	dealMin, _ := usdc.Parse(cfg.DealMinAmount)
	p2pMin, _ := usdc.Parse(cfg.P2PMinAmount)

	s.locks = syncutil.NewKeyedMutex()
	s.authMgr = auth.NewManager(cfg.GatewayAPIKeys, cfg.AdminSecret)
	s.setupNotifier()

	provisioner := chain.NewHDProvisioner()

	s.ledger = ledger.NewService(userStore, s.chain, provisioner, s.vault).WithLogger(s.logger)
	s.settlements = settlement.NewService(settleStore, s.chain).WithLogger(s.logger)

	s.deals = deals.NewService(dealStore, s.ledger, s.chain, provisioner, s.vault, s.settlements).
		WithNotifier(s.notifier).
		WithLocks(s.locks).
		WithMinAmount(dealMin).
		WithLogger(s.logger)
	s.dealTimer = deals.NewTimer(s.deals, dealStore, cfg.NotifySweepInterval, s.logger)

	s.p2p = p2p.NewService(p2pStore, s.ledger, s.chain, s.settlements).
		WithNotifier(s.notifier).
		WithLocks(s.locks).
		WithMinAmount(p2pMin).
		WithLogger(s.logger)
	s.p2pTimer = p2p.NewTimer(s.p2p, cfg.P2PDealTTL, s.logger)

	s.arbitration = arbitration.NewService(arbStore, s.ledger).
		WithGateway(deals.Kind, arbitration.DedicatedGateway{Deals: s.deals}).
		WithGateway(p2p.Kind, arbitration.P2PGateway{P2P: s.p2p}).
		WithNotifier(s.notifier).
		WithLocks(s.locks).
		WithLogger(s.logger)

	s.reconciler = reconciliation.NewService(s.ledger, s.p2p, s.settlements).
		WithLocks(s.locks).
		WithLogger(s.logger)
	s.reconcileTimer = reconciliation.NewTimer(s.reconciler, cfg.ReconcileInterval, s.logger)

	s.setupHealth()

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) setupChain() error {
	if s.chain != nil {
		return nil
	}
	var client chain.Client
	switch s.cfg.ChainMode {
	case config.ChainModeSimulated:
		client = chain.NewSimulated()
		s.logger.Warn("using simulated chain, no funds will move on-chain")
	default:
		evm, err := chain.NewEVM(chain.EVMConfig{
			RPCURL:       s.cfg.RPCURL,
			ChainID:      s.cfg.ChainID,
			USDCContract: s.cfg.USDCContract,
		})
		if err != nil {
			return fmt.Errorf("failed to connect to chain: %w", err)
		}
		client = evm
		s.closeChain = evm.Close
		s.logger.Info("using EVM chain", "chain_id", s.cfg.ChainID, "usdc_contract", s.cfg.USDCContract)
	}
	s.chain = chain.NewGuarded(client, chainBreakerThreshold, chainBreakerCooldown, s.logger)
	return nil
}

// setupNotifier fans notifications out to websocket clients and, when
// configured, a signed webhook and a Telegram bot.
func (s *Server) setupNotifier() {
	s.realtimeHub = realtime.NewHub(s.logger)
	s.notifier = notify.NewDispatcher(s.logger, s.realtimeHub)

	if s.cfg.WebhookURL != "" {
		s.notifier.AddSink(notify.NewWebhookSink(s.cfg.WebhookURL, s.cfg.WebhookSecret))
		s.logger.Info("webhook notifications enabled")
	}
	if s.cfg.TelegramToken != "" {
		tg, err := notify.NewTelegramSink(s.cfg.TelegramToken)
		if err != nil {
			s.logger.Warn("telegram notifications disabled", "error", err)
		} else {
			s.notifier.AddSink(tg)
			s.logger.Info("telegram notifications enabled")
		}
	}
}

func (s *Server) setupHealth() {
	s.health = health.NewRegistry()
	s.health.Register("chain", health.Ping("chain", func(ctx context.Context) error {
		_, err := s.chain.BalanceOf(ctx, "0x0000000000000000000000000000000000000000")
		return err
	}))
	if s.db != nil {
		s.health.Register("database", health.Ping("database", s.db.PingContext))
	}
	s.health.Register("reconciliation", func(ctx context.Context) health.Status {
		st := health.Status{Name: "reconciliation"}
		switch last := s.reconcileTimer.Last(); {
		case !s.reconcileTimer.Running():
			st.Detail = "timer not running"
		case last != nil && last.Err != "":
			st.Detail = "last run failed: " + last.Err
		default:
			st.Healthy = true
		}
		return st
	})
}

func (s *Server) closeDB() {
	if s.db != nil {
		_ = s.db.Close()
	}
}

// maskDSN hides the password in a connection string for logging.
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
	s.router.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.L(c.Request.Context()).Error("panic recovered",
			"error", recovered,
			"path", c.Request.URL.Path,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}))

	// Request size limit (1MB)
	s.router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	s.router.Use(metrics.Middleware())
	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.tracingMiddleware())
	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", requestID)

		c.Next()
	}
}

func (s *Server) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ctx, span := traces.StartServerSpan(c.Request.Context(), c.Request.Header,
			c.Request.Method+" "+route, traces.HTTPRoute(route))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)
		c.Next()

		status := c.Writer.Status()
		span.SetAttributes(traces.HTTPStatus(status))
		if status >= http.StatusInternalServerError {
			err := errors.New(http.StatusText(status))
			if last := c.Errors.Last(); last != nil {
				err = last.Err
			}
			traces.Fail(span, err)
		}
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
			logger.Debug("request completed",
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
	s.router.GET("/health", s.health.Handler())
	s.router.GET("/health/live", s.livenessHandler)
	s.router.GET("/health/ready", s.readinessHandler)
	s.router.GET("/metrics", metrics.Handler())

	s.rateLimiter = ratelimit.New(ratelimit.Config{RequestsPerMinute: s.cfg.RateLimitRPM})

	v1 := s.router.Group("/v1",
		auth.Middleware(s.authMgr),
		auth.RequireCaller(),
		s.rateLimiter.Middleware(),
	)
	v1.GET("/info", s.infoHandler)
	v1.GET("/ws", func(c *gin.Context) {
		s.realtimeHub.HandleWebSocket(c.Writer, c.Request, auth.CallerID(c))
	})

	ledger.NewHandler(s.ledger, s.logger).RegisterRoutes(v1)
	deals.NewHandler(s.deals, s.logger).RegisterRoutes(v1)
	p2p.NewHandler(s.p2p, s.logger).RegisterRoutes(v1)
	arbitration.NewHandler(s.arbitration, s.logger).RegisterRoutes(v1)

	admin := v1.Group("/admin", auth.RequireAdmin(s.authMgr))
	ledger.NewHandler(s.ledger, s.logger).RegisterAdminRoutes(admin)
	settlement.NewHandler(s.settlements, s.logger).RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.reconciler, s.logger).RegisterAdminRoutes(admin)
	admin.GET("/realtime", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.realtimeHub.Stats())
	})

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no such route"})
	})
}

// -----------------------------------------------------------------------------
// Handlers
// -----------------------------------------------------------------------------

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
		"name":          "custodia",
		"version":       Version,
		"chainMode":     s.cfg.ChainMode,
		"chainId":       s.cfg.ChainID,
		"usdcContract":  s.cfg.USDCContract,
		"dealMinAmount": s.cfg.DealMinAmount,
		"p2pMinAmount":  s.cfg.P2PMinAmount,
		"p2pDealTTL":    s.cfg.P2PDealTTL.String(),
	})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Start launches the background workers without serving HTTP. Run calls it;
// tests may call it directly against Router.
func (s *Server) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	go s.realtimeHub.Run(runCtx)
	go s.notifier.Start(runCtx)
	go s.dealTimer.Start(runCtx)
	go s.p2pTimer.Start(runCtx)
	go s.reconcileTimer.Start(runCtx)
}

// Run starts the server and blocks until a signal, an error, or ctx ends.
func (s *Server) Run(ctx context.Context) error {
	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     Version,
		Environment: s.cfg.Env,
		SampleRatio: s.cfg.TraceSampling,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing init failed, continuing without", "error", err)
	} else {
		s.shutdownTracing = shutdown
	}

	s.Start(ctx)

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
		s.logger.Info("starting server", "port", s.cfg.Port, "chain_mode", s.cfg.ChainMode)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.ready.Store(true)
	s.logger.Info("server ready")

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

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	// Timers finish their current pass before the notifier drains.
	s.dealTimer.Stop()
	s.p2pTimer.Stop()
	s.reconcileTimer.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
		s.notifier.Wait()
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	s.closeChain()

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
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}
