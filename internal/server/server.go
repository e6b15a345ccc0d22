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
	"math/big"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/redis/go-redis/v9"

	"github.com/p402/facilitator/internal/auth"
	"github.com/p402/facilitator/internal/billing"
	"github.com/p402/facilitator/internal/config"
	"github.com/p402/facilitator/internal/eip3009"
	"github.com/p402/facilitator/internal/facilitator"
	"github.com/p402/facilitator/internal/gas"
	"github.com/p402/facilitator/internal/health"
	"github.com/p402/facilitator/internal/kv"
	"github.com/p402/facilitator/internal/logging"
	"github.com/p402/facilitator/internal/metrics"
	"github.com/p402/facilitator/internal/ratelimit"
	"github.com/p402/facilitator/internal/replay"
	"github.com/p402/facilitator/internal/retry"
	"github.com/p402/facilitator/internal/security"
	"github.com/p402/facilitator/internal/settlement"
	"github.com/p402/facilitator/internal/traces"
	"github.com/p402/facilitator/internal/usdc"
	"github.com/p402/facilitator/internal/validation"
	"github.com/p402/facilitator/internal/wallet"
)

// RPC circuit breaker settings.
const (
	breakerThreshold = 5
	breakerOpenFor   = 30 * time.Second
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	version string

	ethClient    wallet.EthClient // injected for testing; dialed otherwise
	wallet       *wallet.Wallet
	ceiling      *gas.Ceiling
	executor     *settlement.Executor
	service      *facilitator.Service
	gasHandler   *gas.Handler
	replayGuard  *replay.Guard
	cleanupTimer *replay.CleanupTimer
	rateLimiter  *ratelimit.Limiter
	authMgr      *auth.Manager
	kvStore      kv.Store
	health       *health.Handler

	db           *sql.DB               // nil if using in-memory
	rdb          redis.UniversalClient // nil if using in-memory
	router       *gin.Engine
	httpSrv      *http.Server
	logger       *slog.Logger
	cancelRunCtx context.CancelFunc // cancels background goroutines started in Run
	stopTracing  func(context.Context) error
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithEthClient sets a custom RPC client (for testing)
func WithEthClient(c wallet.EthClient) Option {
	return func(s *Server) {
		s.ethClient = c
	}
}

// WithVersion sets the build version reported by /health and traces.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		version: "dev",
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
	}

	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	// Replay ledger and API keys live in Postgres when DATABASE_URL is set
	var replayStore replay.Store = replay.NewMemoryStore()
	var keyStore auth.Store = auth.NewMemoryStore()
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

		s.db = db
		replayStore = replay.NewPostgresStore(db)
		keyStore = auth.NewPostgresStore(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	} else {
		s.logger.Warn("DATABASE_URL not set, replay ledger is in-memory and not shared between instances")
	}

	// Counters and reservations live in Redis when REDIS_URL is set
	if cfg.RedisURL != "" {
		rdb, err := kv.NewRedisClient(kv.RedisOpts{URL: cfg.RedisURL})
		if err != nil {
			s.closeStores()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.rdb = rdb
		s.kvStore = kv.NewRedisStore(rdb)
		s.logger.Info("using Redis for billing and rate limits", "url", maskDSN(cfg.RedisURL))
	} else {
		s.kvStore = kv.NewMemoryStore()
		s.logger.Warn("REDIS_URL not set, billing and rate limit counters are in-memory")
	}

	if err := s.setupChain(ctx); err != nil {
		s.closeStores()
		return nil, err
	}
	if err := s.setupServices(replayStore, keyStore); err != nil {
		s.closeStores()
		return nil, err
	}

	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.logger.Info("facilitator configured",
		"network", cfg.Network,
		"chain_id", cfg.ChainID,
		"token", cfg.TokenAddress,
		"treasury", cfg.TreasuryAddress,
		"facilitator", s.wallet.Address().Hex(),
	)

	return s, nil
}

// setupChain connects the facilitator account and the executor. Reads go
// through the retrying circuit breaker; broadcasts are never retried.
func (s *Server) setupChain(ctx context.Context) error {
	inner := s.ethClient
	if inner == nil {
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.RPCTimeout)
		defer cancel()
		ec, err := ethclient.DialContext(dialCtx, s.cfg.RPCURL)
		if err != nil {
			return fmt.Errorf("%w: %v", wallet.ErrRPCConnection, err)
		}
		inner = ec
	}
	client := settlement.NewGuardedClient(inner, settlement.NewBreaker(breakerThreshold, breakerOpenFor), retry.RPCReads)

	w, err := wallet.New(wallet.Config{
		RPCURL:     s.cfg.RPCURL,
		PrivateKey: s.cfg.FacilitatorKey,
		ChainID:    s.cfg.ChainID,
	}, wallet.WithClient(client))
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to load facilitator wallet: %w", err)
	}
	s.wallet = w

	s.ceiling = gas.NewCeiling(client, float64(s.cfg.MaxGasPriceGwei))
	s.executor = settlement.NewExecutor(w, s.ceiling, settlement.Config{
		RPCTimeout:       s.cfg.RPCTimeout,
		MinGasBalanceETH: s.cfg.MinGasBalanceETH,
	})
	return nil
}

func (s *Server) setupServices(replayStore replay.Store, keyStore auth.Store) error {
	cfg := s.cfg

	bounds, err := usdc.ParseBounds(cfg.MinPaymentUSD, cfg.MaxPaymentUSD)
	if err != nil {
		return fmt.Errorf("invalid payment bounds: %w", err)
	}
	verifier := eip3009.NewVerifier(cfg.TreasuryAddress, eip3009.WithBounds(bounds))

	oracle := gas.NewPriceOracle(cfg.ETHPriceUSD, 5*time.Minute, gas.WithPriceURL(cfg.ETHPriceURL))
	cost := gas.NewCostModel(oracle, wallet.DefaultGasLimit, float64(cfg.MaxGasPriceGwei))
	s.gasHandler = gas.NewHandler(s.ceiling, cost, oracle, s.wallet, cfg.Network)

	billingGuard := billing.NewGuard(s.kvStore, billing.Config(cfg.Billing))

	s.replayGuard = replay.NewGuard(replayStore, replay.WithRetention(cfg.ReplayRetention))
	s.cleanupTimer = replay.NewCleanupTimer(s.replayGuard, cfg.ReplayCleanupTick, s.logger)

	tiers := ratelimit.DefaultTiers()
	if cfg.BanDuration > 0 {
		for name, t := range tiers {
			t.Penalty = cfg.BanDuration
			tiers[name] = t
		}
	}
	s.rateLimiter = ratelimit.New(s.kvStore, ratelimit.Config{
		Tiers:        tiers,
		BanThreshold: int64(cfg.BanThreshold),
		BanWindow:    cfg.BanWindow,
	})

	s.authMgr = auth.NewManager(keyStore)

	s.service = facilitator.NewService(verifier, billingGuard, s.replayGuard, s.executor, cost, facilitator.Config{
		Token: eip3009.TokenConfig{
			Address:  cfg.TokenAddress,
			Name:     cfg.TokenName,
			Version:  cfg.TokenVersion,
			ChainID:  big.NewInt(cfg.ChainID),
			Decimals: cfg.TokenDecimals,
		},
		Network:       cfg.Network,
		Asset:         replay.DefaultAsset,
		ExplorerURL:   cfg.Explorer(),
		SettleTimeout: cfg.SettleTimeout,
	})

	checks := health.NewRegistry()
	checks.Register("rpc", health.Ping(func(ctx context.Context) error {
		_, err := s.wallet.Client().SuggestGasPrice(ctx)
		return err
	}))
	checks.Register("gas_balance", health.GasBalance(s.executor.HealthCheck))
	checks.Register("kv", health.Ping(s.kvStore.Ping))
	if s.db != nil {
		checks.Register("database", health.Database(s.db))
	}
	s.health = health.NewHandler(checks, s.version)

	return nil
}

// closeStores releases whatever New opened before failing.
func (s *Server) closeStores() {
	if s.wallet != nil {
		_ = s.wallet.Close()
	}
	if s.rdb != nil {
		_ = s.rdb.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
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
			"success": false,
			"error":   "An unexpected error occurred",
			"code":    "INTERNAL_ERROR",
		})
	}))

	s.router.Use(security.HeadersMiddleware(s.cfg.IsProduction()))

	// Paying clients are servers, not browsers; CORS stays open for tooling
	s.router.Use(security.CORSMiddleware([]string{"*"}))

	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))

	s.router.Use(metrics.Middleware())

	s.router.Use(s.requestIDMiddleware())

	s.router.Use(s.loggingMiddleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for existing request ID (from load balancer, etc.)
		// It is stored with the replay claim, so it must fit that column.
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > replay.MaxRequestIDLength {
			requestID = generateRequestID()
		}

		ctx := logging.WithRequestID(c.Request.Context(), requestID)
		ctx = logging.WithLogger(ctx, s.logger)
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
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())

	// Rate limits run before auth so unauthenticated floods are counted too
	v1 := s.router.Group("/v1")
	v1.Use(s.rateLimiter.Middleware(ratelimit.TierDefault, ratelimit.ClientIP))
	v1.Use(auth.RequireAPIKey(s.authMgr))

	facilitator.NewHandler(s.service).RegisterRoutes(v1,
		s.rateLimiter.Middleware(ratelimit.TierSettle, ratelimit.ClientIP),
		s.rateLimiter.Middleware(ratelimit.TierVerify, ratelimit.ClientIP),
	)
	auth.NewHandler(s.authMgr).RegisterRoutes(v1)
	s.gasHandler.RegisterRoutes(v1)

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "Route not found",
			"code":    "NOT_FOUND",
		})
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

	stopTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, s.version, s.logger)
	if err != nil {
		s.logger.Error("failed to initialize tracing", "error", err)
	} else {
		s.stopTracing = stopTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.SettleTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)

	go func() {
		s.logger.Info("starting server",
			"port", s.cfg.Port,
			"facilitator", s.wallet.Address().Hex(),
			"version", s.version,
		)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	// Replay ledger retention sweep
	go s.cleanupTimer.Start(runCtx)

	// Pool stats for /metrics
	go metrics.StartPoolStatsCollector(runCtx, s.db, s.rdb, 15*time.Second)

	// Warn early when the facilitator is short on gas
	if h, err := s.executor.HealthCheck(runCtx); err != nil {
		s.logger.Warn("initial gas balance check failed", "error", err)
	} else {
		s.logger.Info("facilitator gas balance", "balance_eth", h.BalanceETH, "floor_eth", h.FloorETH)
	}

	// Mark as ready after brief delay for startup
	go func() {
		time.Sleep(100 * time.Millisecond)
		s.health.SetReady(true)
		s.logger.Info("server ready")
	}()

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
	s.health.SetReady(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	// Give load balancers time to stop sending traffic
	time.Sleep(5 * time.Second)

	// In-flight settlements are allowed to finish
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("shutdown error", "error", err)
			return err
		}
	}

	s.cleanupTimer.Stop()
	s.logger.Info("replay cleanup timer stopped")

	if s.stopTracing != nil {
		if err := s.stopTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	if err := s.wallet.Close(); err != nil {
		s.logger.Error("wallet close error", "error", err)
	}

	if s.rdb != nil {
		if err := s.rdb.Close(); err != nil {
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

	s.logger.Info("server stopped")
	return nil
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// AuthManager exposes the API key manager so operators can seed keys.
func (s *Server) AuthManager() *auth.Manager {
	return s.authMgr
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
