package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"k8s.io/utils/clock"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/policy-hub/coordinator/internal/api"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/cluster"
	"github.com/policy-hub/coordinator/internal/config"
	"github.com/policy-hub/coordinator/internal/grpcapi"
	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/policy"
	"github.com/policy-hub/coordinator/internal/ratelimit"
	"github.com/policy-hub/coordinator/internal/telemetry/archive"
	"github.com/policy-hub/coordinator/internal/telemetry/completion"
	"github.com/policy-hub/coordinator/internal/telemetry/dispatch"
	"github.com/policy-hub/coordinator/internal/telemetry/ingest"
	"github.com/policy-hub/coordinator/internal/telemetry/simulation"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
	"github.com/policy-hub/coordinator/internal/telemetry/validation"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator servers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("http-addr", "", "HTTP API listen address (overrides config)")
	serveCmd.Flags().String("grpc-addr", "", "gRPC listen address, empty disables gRPC (overrides config)")
	serveCmd.Flags().String("metrics-addr", "", "Prometheus metrics listen address (overrides config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := initLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("Starting Policy Hub coordinator",
		"version", version,
		"httpAddr", cfg.HTTPAddr,
		"grpcAddr", cfg.GRPCAddr,
		"databasePath", cfg.DatabasePath,
	)

	shutdownTracing, err := metrics.SetupTracing(ctx, metrics.TracingConfig{
		Endpoint: cfg.TracingEndpoint,
		Insecure: true,
		Version:  version,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Error(err, "Tracer shutdown failed")
		}
	}()

	store, err := storage.NewStore(storage.StoreConfig{DBPath: cfg.DatabasePath, Logger: log})
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.NewStoreCollector(store, log),
	)
	rec := metrics.NewRecorder(reg)

	c, err := newCoordinator(cfg, store, rec, log)
	if err != nil {
		return err
	}
	defer c.stop()
	if err := c.start(ctx); err != nil {
		return err
	}

	metricsSrv := startMetricsServer(cfg.MetricsAddr, reg, log)

	<-ctx.Done()
	log.Info("Coordinator shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Error(err, "Metrics server shutdown failed")
		}
	}
	return nil
}

// coordinator holds the long-running components of serve.
type coordinator struct {
	cfg  *config.Config
	log  logr.Logger
	auth *auth.CachedAuthenticator

	limiter    *ratelimit.Limiter
	monitor    *completion.Monitor
	archiver   *archive.Archiver
	httpServer *api.Server
	grpcServer *grpcapi.Server
}

func newCoordinator(cfg *config.Config, store *storage.Store, rec *metrics.Recorder, log logr.Logger) (*coordinator, error) {
	clk := clock.RealClock{}
	eng := cfg.Engine

	validator := ingest.NewValidator(ingest.Limits{MaxEvents: eng.MaxEventsPerIngest, MaxSummaries: eng.MaxSummariesPerIngest})
	clusters := cluster.NewService(cluster.ServiceConfig{
		Store:                store,
		DefaultExpectedNodes: eng.DefaultExpectedNodes,
		Clock:                clk,
		Logger:               log,
	})
	sims := simulation.NewService(simulation.ServiceConfig{
		Store:             store,
		Clusters:          clusters,
		Validator:         validator,
		PolicyValidator:   policy.NewValidator(log),
		DefaultMaxDetails: eng.DefaultMaxDetails,
		Clock:             clk,
		Metrics:           rec,
		Logger:            log,
	})
	monitor := completion.NewMonitor(completion.MonitorConfig{
		Store:           store,
		Finalizer:       sims,
		SweepInterval:   eng.SweepInterval,
		ConflictRetries: eng.ConflictRetries,
		Clock:           clk,
		Logger:          log,
	})
	dispatcher := dispatch.New(dispatch.Config{
		Store:               store,
		Nodes:               clusters,
		Completer:           monitor,
		Validator:           validator,
		BatchSize:           eng.PollBatchSize,
		AggregationDeadline: eng.AggregationDeadline,
		Clock:               clk,
		Metrics:             rec,
		Logger:              log,
	})
	telemetry := validation.NewService(validation.ServiceConfig{
		Store:           store,
		Clusters:        clusters,
		Validator:       validator,
		TopK:            eng.TopK,
		DefaultHours:    eng.DefaultSummaryHours,
		MaxHours:        eng.MaxSummaryHours,
		ConflictRetries: eng.ConflictRetries,
		Clock:           clk,
		Metrics:         rec,
		Logger:          log,
	})

	authenticators := []auth.Authenticator{auth.NewTokenAuthenticator(store, clk)}
	if cfg.Auth.JWTSecret != "" {
		jwtAuth, err := auth.NewJWTAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer, clk)
		if err != nil {
			return nil, err
		}
		authenticators = append(authenticators, jwtAuth)
	}
	cached, err := auth.NewCachedAuthenticator(auth.NewChain(log, authenticators...), auth.CacheConfig{
		Size:   cfg.Auth.CacheSize,
		TTL:    cfg.Auth.CacheTTL,
		Clock:  clk,
		Logger: log,
	})
	if err != nil {
		return nil, err
	}

	limiter, err := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		IdleTTL:           cfg.RateLimit.IdleTTL,
		MaxKeys:           cfg.RateLimit.MaxClusters,
		Clock:             clk,
		Logger:            log,
	})
	if err != nil {
		return nil, err
	}

	c := &coordinator{cfg: cfg, log: log, auth: cached, limiter: limiter, monitor: monitor}

	if cfg.Archive.After > 0 {
		c.archiver, err = archive.NewArchiver(archive.Config{
			Store:    store,
			Dir:      cfg.Archive.Dir,
			After:    cfg.Archive.After,
			Interval: cfg.Archive.Interval,
			Clock:    clk,
			Metrics:  rec,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
	}

	c.httpServer = api.NewServer(api.ServerConfig{
		Authenticator: cached,
		Limiter:       limiter,
		Simulations:   sims,
		Dispatcher:    dispatcher,
		Validation:    telemetry,
		Clusters:      clusters,
		ReadyChecks: map[string]healthz.Checker{
			"database": func(r *http.Request) error { return store.Ping(r.Context()) },
		},
		Metrics: rec,
		Logger:  log,
	})
	if cfg.GRPCAddr != "" {
		c.grpcServer = grpcapi.NewServer(grpcapi.ServerConfig{
			Authenticator: cached,
			Limiter:       limiter,
			Dispatcher:    dispatcher,
			Validation:    telemetry,
			Clusters:      clusters,
			Metrics:       rec,
			Logger:        log,
		})
	}
	return c, nil
}

func (c *coordinator) start(ctx context.Context) error {
	if err := c.auth.Start(ctx); err != nil {
		return fmt.Errorf("failed to start credential cache: %w", err)
	}
	if err := c.limiter.Start(ctx); err != nil {
		return fmt.Errorf("failed to start rate limiter: %w", err)
	}
	if err := c.monitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start completion monitor: %w", err)
	}
	if c.archiver != nil {
		if err := c.archiver.Start(ctx); err != nil {
			return fmt.Errorf("failed to start archiver: %w", err)
		}
		c.log.Info("Event archival enabled", "after", c.cfg.Archive.After, "dir", c.cfg.Archive.Dir)
	}
	if err := c.httpServer.Start(ctx, c.cfg.HTTPAddr); err != nil {
		return err
	}
	if c.grpcServer != nil {
		if err := c.grpcServer.Start(ctx, c.cfg.GRPCAddr); err != nil {
			return err
		}
	}
	return nil
}

// stop shuts down whatever start brought up. Components that never started
// are skipped by their own Stop.
func (c *coordinator) stop() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c.httpServer.Stop(shutdownCtx)
	if c.grpcServer != nil {
		c.grpcServer.Stop()
	}
	if c.archiver != nil {
		c.archiver.Stop()
	}
	c.monitor.Stop()
	c.limiter.Stop()
	c.auth.Stop()
}

func startMetricsServer(addr string, reg *prometheus.Registry, log logr.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info("Starting metrics server", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Metrics server failed")
		}
	}()
	return srv
}
