// ABOUTME: Gateway wiring that builds every component and runs the HTTP and gRPC servers
// ABOUTME: Owns the store, relay, checkpoint controller, mission orchestrator and their background loops

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"

	"github.com/2389/consult-gateway/internal/auth"
	"github.com/2389/consult-gateway/internal/checkpoint"
	"github.com/2389/consult-gateway/internal/config"
	"github.com/2389/consult-gateway/internal/dedupe"
	"github.com/2389/consult-gateway/internal/drafts"
	"github.com/2389/consult-gateway/internal/engine"
	"github.com/2389/consult-gateway/internal/lease"
	"github.com/2389/consult-gateway/internal/metrics"
	"github.com/2389/consult-gateway/internal/mission"
	"github.com/2389/consult-gateway/internal/policy"
	"github.com/2389/consult-gateway/internal/preflight"
	"github.com/2389/consult-gateway/internal/relay"
	"github.com/2389/consult-gateway/internal/retry"
	"github.com/2389/consult-gateway/internal/store"
)

// dedupeSweepInterval is how often expired checkpoint keys are dropped.
const dedupeSweepInterval = time.Minute

// Gateway owns every server component. There is no package-level state; tests
// build as many gateways as they like.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store       *store.SQLiteStore
	engine      *engine.Client
	leases      lease.Manager
	redisLeases *lease.Redis
	policy      *policy.Engine
	metrics     *metrics.Metrics

	relay       *relay.Gateway
	preflight   *preflight.Validator
	checkpoints *checkpoint.Controller
	drafts      *drafts.Service
	missions    *mission.Orchestrator
	dedupe      *dedupe.Cache

	validate *validator.Validate
	verifier auth.TokenVerifier

	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
}

// initStore opens the SQLite store. CONSULT_DB_PATH overrides the configured path.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("CONSULT_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initLeases picks Redis leases when redis.addr is set, in-memory otherwise.
func initLeases(ctx context.Context, cfg *config.Config, logger *slog.Logger) (lease.Manager, *lease.Redis, error) {
	if cfg.Redis.Addr == "" {
		logger.Info("session leases are in-memory")
		return lease.NewMemory(), nil, nil
	}
	r, err := lease.NewRedis(ctx, cfg.Redis, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("initializing redis leases: %w", err)
	}
	logger.Info("session leases are shared through redis", "addr", cfg.Redis.Addr)
	return r, r, nil
}

// initPolicy loads policy.file when set, the built-in module otherwise.
func initPolicy(ctx context.Context, cfg *config.Config) (*policy.Engine, error) {
	var module string
	if cfg.Policy.File != "" {
		data, err := os.ReadFile(cfg.Policy.File)
		if err != nil {
			return nil, fmt.Errorf("reading policy file: %w", err)
		}
		module = string(data)
	}
	pol, err := policy.NewEngine(ctx, module, cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("initializing policy: %w", err)
	}
	return pol, nil
}

// initVerifier builds the bearer token verifier when auth.jwt_secret is set.
func initVerifier(cfg *config.Config, logger *slog.Logger) (auth.TokenVerifier, error) {
	if cfg.Auth.JWTSecret == "" {
		logger.Warn("bearer tokens disabled - no jwt_secret configured, identity headers are trusted")
		return nil, nil
	}
	v, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return nil, fmt.Errorf("creating JWT verifier: %w", err)
	}
	logger.Info("bearer tokens required on API routes")
	return v, nil
}

// retryPolicy maps engine.retry onto the retry utility.
func retryPolicy(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxRetries = cfg.MaxRetries
	if cfg.InitialBackoff > 0 {
		p.InitialInterval = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		p.MaxInterval = cfg.MaxBackoff
	}
	return p
}

// New creates a gateway with every component built from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	leases, redisLeases, err := initLeases(ctx, cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	pol, err := initPolicy(ctx, cfg)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	verifier, err := initVerifier(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	m := metrics.New()
	if !cfg.Metrics.Enabled {
		m = nil
	}
	rp := retryPolicy(cfg.Engine.Retry)
	eng := engine.New(cfg.Engine, logger)

	checkpoints := checkpoint.NewController(s, eng, pol, logger,
		checkpoint.WithTTL(cfg.Checkpoints.DefaultTTL),
		checkpoint.WithRetry(rp),
		checkpoint.WithMetrics(m),
	)
	streams := relay.New(eng, leases, cfg.Relay.Buffer, m, logger)
	validatorSvc := preflight.NewValidator(eng, pol, cfg.Engine.PreflightTimeout, rp, m, logger)
	dedupeCache := dedupe.New(cfg.Checkpoints.DefaultTTL, 0)

	gw := &Gateway{
		config:      cfg,
		logger:      logger.With("component", "gateway"),
		store:       s,
		engine:      eng,
		leases:      leases,
		redisLeases: redisLeases,
		policy:      pol,
		metrics:     m,
		relay:       streams,
		preflight:   validatorSvc,
		checkpoints: checkpoints,
		drafts:      drafts.NewService(s, logger),
		dedupe:      dedupeCache,
		missions: mission.New(mission.Deps{
			Store:       s,
			Preflight:   validatorSvc,
			Relay:       streams,
			Checkpoints: checkpoints,
			Policy:      pol,
			Dedupe:      dedupeCache,
			Retry:       rp,
			Metrics:     m,
			Logger:      logger,
		}),
		validate: validator.New(validator.WithRequiredStructEnabled()),
		verifier: verifier,
		health:   health.NewServer(),
	}

	gw.grpcServer = createGRPCServer(gw.health)
	gw.setServing(false)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// setupListeners opens the HTTP listener and, when grpc_addr is set, the gRPC one.
func (g *Gateway) setupListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr == "" {
		return httpLn, nil, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// startServers starts the servers in goroutines, returning their error channel.
func (g *Gateway) startServers(httpLn, grpcLn net.Listener) chan error {
	errCh := make(chan error, 2)

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	return errCh
}

// startBackground recovers orphaned missions and starts the sweepers. They stop with ctx.
func (g *Gateway) startBackground(ctx context.Context) {
	if n, err := g.missions.RecoverOrphans(ctx); err != nil {
		g.logger.Error("recovering orphaned missions", "error", err)
	} else if n > 0 {
		g.logger.Info("recovered orphaned missions", "count", n)
	}

	go g.checkpoints.RunSweeper(ctx, g.config.Checkpoints.SweepInterval)
	go g.dedupe.Run(ctx, dedupeSweepInterval)
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts the servers and background loops and blocks until ctx is
// cancelled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners()
	if err != nil {
		return err
	}

	bgCtx, stopBackground := context.WithCancel(ctx)
	defer stopBackground()
	g.startBackground(bgCtx)

	g.setServing(true)
	errCh := g.startServers(httpLn, grpcLn)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopBackground()
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	g.setServing(false)
	g.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the servers and releases resources. Running
// missions are cancelled first so their streams close; other streams end with
// their requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "mission shutdown", g.missions.Shutdown(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)
	g.missions.Broadcaster().Close()

	if g.redisLeases != nil {
		errs = appendCloseError(errs, "redis close", g.redisLeases.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the store answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
