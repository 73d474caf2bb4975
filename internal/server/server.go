// Package server wires the lifecycle services to storage, the HTTP API,
// the realtime hub and the deadline timers.
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
	"github.com/redis/go-redis/v9"

	"github.com/mbd888/agentcourt/internal/agents"
	"github.com/mbd888/agentcourt/internal/auth"
	"github.com/mbd888/agentcourt/internal/clock"
	"github.com/mbd888/agentcourt/internal/config"
	"github.com/mbd888/agentcourt/internal/credits"
	"github.com/mbd888/agentcourt/internal/disputes"
	"github.com/mbd888/agentcourt/internal/health"
	"github.com/mbd888/agentcourt/internal/lease"
	"github.com/mbd888/agentcourt/internal/logging"
	"github.com/mbd888/agentcourt/internal/metrics"
	"github.com/mbd888/agentcourt/internal/ratelimit"
	"github.com/mbd888/agentcourt/internal/realtime"
	"github.com/mbd888/agentcourt/internal/transactions"
)

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	version string

	db     *sql.DB
	ownsDB bool
	redis  *redis.Client
	locker lease.Locker

	issuer       *auth.Issuer
	agents       *agents.Directory
	credits      *credits.Ledger
	transactions *transactions.Service
	disputes     *disputes.Service
	hub          *realtime.Hub
	health       *health.Registry
	rateLimiter  *ratelimit.Limiter

	txTimer      *lease.Sweeper
	disputeTimer *lease.Sweeper

	router       *gin.Engine
	httpSrv      *http.Server
	cancelRunCtx context.CancelFunc
	drainDelay   time.Duration

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithDB uses an already-open database instead of dialing DATABASE_URL.
// The caller keeps ownership and closes it.
func WithDB(db *sql.DB) Option {
	return func(s *Server) { s.db = db }
}

// WithClock drives every lifecycle service from c.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// WithVersion sets the build version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// New creates the server. Storage is PostgreSQL when DATABASE_URL is set
// (or WithDB is passed) and in-memory otherwise.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		logger:     logging.New(cfg.LogLevel, cfg.LogFormat),
		clock:      clock.Real(),
		version:    "dev",
		locker:     lease.Noop{},
		health:     health.NewRegistry(2 * time.Second),
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.db == nil && cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = db.PingContext(ctx)
		cancel()
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.ownsDB = true
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))
	}

	if cfg.RedisURL != "" {
		locker, client, err := lease.Dial(cfg.RedisURL)
		if err != nil {
			s.closeDB()
			return nil, err
		}
		s.locker = locker
		s.redis = client
		s.health.Optional("redis", locker.Ping)
		s.logger.Info("sweep leases shared through redis")
	}

	s.buildServices()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

// buildServices constructs stores and lifecycle services and connects them
// through the collaborator adapters.
func (s *Server) buildServices() {
	var (
		agentStore   agents.Store
		creditStore  credits.Store
		txStore      transactions.Store
		disputeStore disputes.Store
	)
	if s.db != nil {
		agentStore = agents.NewPostgresStore(s.db)
		creditStore = credits.NewPostgresStore(s.db)
		txStore = transactions.NewPostgresStore(s.db)
		disputeStore = disputes.NewPostgresStore(s.db)
		s.health.Critical("database", s.db.PingContext)
	} else {
		agentStore = agents.NewMemoryStore()
		creditStore = credits.NewMemoryStore()
		txStore = transactions.NewMemoryStore()
		disputeStore = disputes.NewMemoryStore()
		s.logger.Info("using in-memory storage (data will not persist)")
	}

	s.hub = realtime.NewHub(s.logger, realtime.Options{AllowedOrigins: s.cfg.CORSOrigins}).WithClock(s.clock)
	s.issuer = auth.NewIssuer(s.cfg.JWTSecret).WithClock(s.clock)

	s.agents = agents.NewDirectory(agentStore, s.cfg.DisputeMonthlyLimit).
		WithClock(s.clock).
		WithLogger(s.logger)
	s.credits = credits.NewLedger(creditStore).
		WithClock(s.clock).
		WithLogger(s.logger)
	s.transactions = transactions.NewService(txStore, &transactionAgents{dir: s.agents}).
		WithClock(s.clock).
		WithLogger(s.logger).
		WithNotifier(s.hub).
		WithDefaultExpiryDays(s.cfg.TransactionExpiryDays)
	s.disputes = disputes.NewService(disputeStore, &disputeTransactions{svc: s.transactions}, s.agents, s.credits).
		WithClock(s.clock).
		WithLogger(s.logger).
		WithNotifier(s.hub)

	s.txTimer = transactions.NewTimer(s.transactions, s.locker, s.cfg.SweepInterval, s.logger)
	s.disputeTimer = disputes.NewTimer(s.disputes, s.locker, s.cfg.SweepInterval, s.logger)
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

// Run starts the HTTP server with graceful shutdown
func (s *Server) Run(ctx context.Context) error {
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

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "env", s.cfg.Env)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.txTimer.Start(runCtx)
	go s.disputeTimer.Start(runCtx)
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("server ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		cancel()
		s.stopBackground()
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

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

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

	s.stopBackground()
	s.logger.Info("server stopped")
	return shutdownErr
}

func (s *Server) stopBackground() {
	s.txTimer.Stop()
	s.disputeTimer.Stop()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	s.closeDB()
}

func (s *Server) closeDB() {
	if s.db == nil || !s.ownsDB {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
		return
	}
	s.logger.Info("database connection closed")
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Issuer returns the token issuer, for tests and the bootstrap command.
func (s *Server) Issuer() *auth.Issuer {
	return s.issuer
}
