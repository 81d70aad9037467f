// Package server wires the marketplace services into one HTTP server.
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
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mbd888/agentmarket/internal/auth"
	"github.com/mbd888/agentmarket/internal/config"
	"github.com/mbd888/agentmarket/internal/events"
	"github.com/mbd888/agentmarket/internal/health"
	"github.com/mbd888/agentmarket/internal/idgen"
	"github.com/mbd888/agentmarket/internal/ledger"
	"github.com/mbd888/agentmarket/internal/logging"
	"github.com/mbd888/agentmarket/internal/metrics"
	"github.com/mbd888/agentmarket/internal/ratelimit"
	"github.com/mbd888/agentmarket/internal/realtime"
	"github.com/mbd888/agentmarket/internal/registry"
	"github.com/mbd888/agentmarket/internal/reputation"
	"github.com/mbd888/agentmarket/internal/request"
	"github.com/mbd888/agentmarket/internal/royalty"
	"github.com/mbd888/agentmarket/internal/security"
	"github.com/mbd888/agentmarket/internal/split"
	"github.com/mbd888/agentmarket/internal/traces"
	"github.com/mbd888/agentmarket/internal/validation"
)

// Version is reported by /v1/info.
const Version = "0.1.0"

const (
	eventLogCapacity = 10000
	kafkaQueue       = 1024
	maxEventsPage    = 500
)

// -----------------------------------------------------------------------------
// Server
// -----------------------------------------------------------------------------

// Server wraps the HTTP server and dependencies
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	backend ledger.Backend
	db      *sql.DB // nil unless storage is postgres
	ledger  *ledger.Ledger

	eventLog *events.Log
	hub      *realtime.Hub
	kafka    *events.KafkaPublisher
	kafkaQ   *events.Async
	extra    []events.Publisher

	authMgr    *auth.Manager
	registry   *registry.Service
	requests   *request.Service
	royalty    *royalty.Service
	reputation *reputation.Service
	snapshots  reputation.SnapshotStore
	worker     *reputation.Worker
	signer     *reputation.Signer

	rateLimiter *ratelimit.Limiter
	health      *health.Registry

	router          *gin.Engine
	httpSrv         *http.Server
	cancelRunCtx    context.CancelFunc // cancels background goroutines started in Run
	shutdownTracing func(context.Context) error
	drainDelay      time.Duration
}

// Option configures the server
type Option func(*Server)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBackend injects a ledger backend instead of opening one from config.
func WithBackend(b ledger.Backend) Option {
	return func(s *Server) {
		s.backend = b
	}
}

// WithPublisher adds a sink for committed events.
func WithPublisher(p events.Publisher) Option {
	return func(s *Server) {
		s.extra = append(s.extra, p)
	}
}

// New creates a new server instance
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		drainDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logging.NewWithOptions(logging.Options{
			Level:  cfg.LogLevel,
			Format: cfg.LogFormat,
			File:   cfg.LogFile,
		})
	}

	if s.backend == nil {
		if err := s.openBackend(); err != nil {
			return nil, err
		}
	}

	// Event fan-out: the in-memory log and websocket hub are synchronous
	// and cheap; Kafka is queued so broker latency never stalls a commit.
	s.eventLog = events.NewLog(eventLogCapacity)
	s.hub = realtime.NewHub(s.logger)
	sinks := []events.Publisher{s.eventLog, s.hub}
	if len(cfg.KafkaBrokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic})
		if err != nil {
			return nil, fmt.Errorf("kafka publisher: %w", err)
		}
		s.kafka = kp
		s.kafkaQ = events.NewAsync("kafka", kp, kafkaQueue, s.logger)
		sinks = append(sinks, s.kafkaQ)
		s.logger.Info("kafka event stream enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	sinks = append(sinks, s.extra...)
	s.ledger = ledger.New(s.backend, ledger.WithPublisher(events.Multi(sinks...)))

	s.initServices()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	return s, nil
}

func (s *Server) openBackend() error {
	cfg := s.cfg
	switch cfg.Storage {
	case config.StoragePostgres:
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		s.db = db
		s.backend = ledger.NewPostgresBackend(db)
		s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	case config.StorageBolt:
		b, err := ledger.OpenBolt(cfg.DataPath, nil)
		if err != nil {
			return fmt.Errorf("failed to open bolt store: %w", err)
		}
		s.backend = b
		s.logger.Info("using bolt storage", "path", cfg.DataPath)

	case config.StorageLevel:
		b, err := ledger.OpenLevel(cfg.DataPath)
		if err != nil {
			return fmt.Errorf("failed to open leveldb store: %w", err)
		}
		s.backend = b
		s.logger.Info("using leveldb storage", "path", cfg.DataPath)

	default:
		s.backend = ledger.NewMemoryBackend()
		s.logger.Info("using in-memory storage (data will not persist)")
	}
	return nil
}

func (s *Server) initServices() {
	cfg := s.cfg

	s.authMgr = auth.NewManager(auth.NewLedgerStore(s.ledger), s.logger)
	s.registry = registry.NewService(s.ledger)

	s.requests = request.NewService(s.ledger, request.Wallets{
		Platform: cfg.PlatformWallet,
		Treasury: cfg.TreasuryWallet,
	}).WithPayeeResolver(s.registry)
	if cfg.ProviderGuard {
		s.requests.WithProviderGuard()
	}

	s.royalty = royalty.NewService(s.ledger)

	s.reputation = reputation.NewService(s.ledger).
		WithEligibility(s.requests).
		WithModerators(cfg.Moderators...)
	s.signer = reputation.NewSigner(cfg.ReputationHMACSecret)

	if s.db != nil {
		s.snapshots = reputation.NewPostgresSnapshotStore(s.db)
	} else {
		s.snapshots = reputation.NewMemorySnapshotStore()
	}
	s.worker = reputation.NewWorker(s.reputation, s.snapshots, cfg.SnapshotInterval, s.logger)

	s.health = health.NewRegistry()
	s.health.Register("ledger", health.PingChecker("ledger", s.ledger))

	s.logger.Info("services initialized",
		"platform", cfg.PlatformWallet,
		"treasury", cfg.TreasuryWallet,
		"moderators", len(cfg.Moderators),
		"providerGuard", cfg.ProviderGuard,
		"signedProfiles", s.signer != nil,
	)
}

// maskDSN hides the password in a connection string for logging.
// The mask is spliced in after encoding so it is not percent-escaped.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User == nil {
		return u.String()
	}
	if _, ok := u.User.Password(); !ok {
		return u.String()
	}
	u.User = url.User(u.User.Username())
	user := u.User.String() + "@"
	return strings.Replace(u.String(), user, strings.TrimSuffix(user, "@")+":***@", 1)
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

	s.router.Use(s.requestIDMiddleware())
	s.router.Use(s.loggingMiddleware())
	s.router.Use(metrics.Middleware())
	s.router.Use(security.HeadersMiddleware())
	s.router.Use(security.CORSMiddleware(s.cfg.CORSOrigins))
	s.router.Use(validation.RequestSizeMiddleware(validation.MaxRequestSize))
	s.router.Use(timeoutMiddleware(s.cfg.RequestTimeout))

	// Auth resolves the caller first so the limiter can key by agent.
	s.router.Use(auth.Middleware(s.authMgr))
	s.rateLimiter = ratelimit.New(ratelimit.ForRPM(s.cfg.RateLimitRPM))
	s.router.Use(s.rateLimiter.Middleware())
}

func (s *Server) requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 64 {
			requestID = idgen.New()
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

		status := c.Writer.Status()
		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency_ms", time.Since(start).Milliseconds(),
		}
		if agent := c.GetString(auth.ContextKeyAgentAddr); agent != "" {
			attrs = append(attrs, "agent", agent)
		}

		logger := logging.L(c.Request.Context())
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

// timeoutMiddleware bounds the request context. Ledger units started after
// the deadline fail without writing anything.
func timeoutMiddleware(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// -----------------------------------------------------------------------------
// Routes
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	s.health.RegisterRoutes(s.router)
	s.router.GET("/metrics", metrics.Handler())
	s.router.GET("/ws", func(c *gin.Context) {
		s.hub.HandleWebSocket(c.Writer, c.Request)
	})

	v1 := s.router.Group("/v1")
	v1.GET("/info", s.infoHandler)
	v1.GET("/events", s.listEventsHandler)

	ledgerHandler := ledger.NewHandler(s.ledger, s.logger)
	authHandler := auth.NewHandler(s.authMgr)
	registryHandler := registry.NewHandler(s.registry)
	requestHandler := request.NewHandler(s.requests)
	royaltyHandler := royalty.NewHandler(s.royalty)
	reputationHandler := reputation.NewHandler(s.reputation, s.snapshots, s.signer)

	// Public reads
	ledgerHandler.RegisterRoutes(v1)
	authHandler.RegisterRoutes(v1)
	registryHandler.RegisterRoutes(v1)
	requestHandler.RegisterRoutes(v1)
	royaltyHandler.RegisterRoutes(v1)
	reputationHandler.RegisterRoutes(v1)

	// Authenticated agents
	protected := v1.Group("")
	protected.Use(auth.RequireAuth(s.authMgr))
	owned := protected.Group("")
	owned.Use(auth.RequireOwnership(s.authMgr, "address"))
	ledgerHandler.RegisterProtectedRoutes(owned)
	authHandler.RegisterProtectedRoutes(protected)
	registryHandler.RegisterProtectedRoutes(protected)
	requestHandler.RegisterProtectedRoutes(protected)
	royaltyHandler.RegisterProtectedRoutes(protected)
	reputationHandler.RegisterProtectedRoutes(protected)

	// Operator
	admin := v1.Group("")
	admin.Use(auth.RequireAdmin(s.cfg.AdminSecret))
	ledgerHandler.RegisterAdminRoutes(admin)
	authHandler.RegisterAdminRoutes(admin)
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":           "agentmarket",
		"version":        Version,
		"storage":        s.cfg.Storage,
		"platformWallet": validation.NormalizeAddress(s.cfg.PlatformWallet),
		"treasuryWallet": validation.NormalizeAddress(s.cfg.TreasuryWallet),
		"settlementSplit": split.SettlementPolicy,
		"realtime": s.hub.Stats(),
	})
}

// listEventsHandler handles GET /v1/events?since=&limit=&type=
func (s *Server) listEventsHandler(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxEventsPage)
	}

	var evts []events.Event
	if t := c.Query("type"); t != "" {
		for _, e := range s.eventLog.Since(c.Query("since"), 0) {
			if string(e.Type) == t {
				evts = append(evts, e)
				if len(evts) == limit {
					break
				}
			}
		}
	} else {
		evts = s.eventLog.Since(c.Query("since"), limit)
	}
	if evts == nil {
		evts = []events.Event{}
	}

	next := c.Query("since")
	if len(evts) > 0 {
		next = evts[len(evts)-1].ID
	}
	c.JSON(http.StatusOK, gin.H{"events": evts, "count": len(evts), "next": next})
}

// -----------------------------------------------------------------------------
// Lifecycle
// -----------------------------------------------------------------------------

// Run starts the HTTP server and background workers, and blocks until ctx
// is cancelled, a termination signal arrives, or the listener fails.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdownTracing, err := traces.Init(runCtx, s.cfg.OTLPEndpoint, "agentmarket", s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
	} else {
		s.shutdownTracing = shutdownTracing
	}

	s.httpSrv = &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("starting server", "port", s.cfg.Port, "storage", s.cfg.Storage)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.worker.Start(runCtx)
	if s.kafkaQ != nil {
		go s.kafkaQ.Run(runCtx)
	}
	if s.db != nil {
		go metrics.StartDBStatsCollector(runCtx, s.db, 15*time.Second)
	}

	s.health.SetReady(true)
	s.logger.Info("server ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		_ = s.Shutdown()
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

	// Give load balancers time to stop sending traffic
	time.Sleep(s.drainDelay)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("http shutdown error", "error", err)
			errs = append(errs, err)
		}
	}

	// Stop background work only after in-flight requests have committed.
	s.worker.Stop()
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}
	s.rateLimiter.Stop()

	if s.kafkaQ != nil {
		s.kafkaQ.Wait()
	}
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Error("kafka close error", "error", err)
			errs = append(errs, err)
		}
	}

	if s.shutdownTracing != nil {
		if err := s.shutdownTracing(ctx); err != nil {
			s.logger.Error("tracing shutdown error", "error", err)
		}
	}

	// Closing the ledger closes the database pool for postgres storage.
	if err := s.ledger.Close(); err != nil {
		s.logger.Error("ledger close error", "error", err)
		errs = append(errs, err)
	}

	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Events returns the in-memory event log.
func (s *Server) Events() *events.Log {
	return s.eventLog
}
