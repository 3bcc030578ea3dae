// Package api serves the coordinator's HTTP interface to collector nodes and users.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	"sigs.k8s.io/controller-runtime/pkg/healthz"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/cluster"
	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/ratelimit"
	"github.com/policy-hub/coordinator/internal/telemetry/dispatch"
	"github.com/policy-hub/coordinator/internal/telemetry/simulation"
	"github.com/policy-hub/coordinator/internal/telemetry/validation"
)

// NodeNameHeader identifies the polling or reporting node.
const NodeNameHeader = "X-Node-Name"

const defaultMaxBodyBytes = 8 << 20

// Server is the HTTP API server.
type Server struct {
	router      *mux.Router
	auth        auth.Authenticator
	limiter     *ratelimit.Limiter
	simulations *simulation.Service
	dispatcher  *dispatch.Dispatcher
	validation  *validation.Service
	clusters    *cluster.Service
	metrics     *metrics.Recorder
	maxBody     int64
	log         logr.Logger

	mu         sync.Mutex
	httpServer *http.Server
}

// ServerConfig contains configuration for the API server.
type ServerConfig struct {
	Authenticator auth.Authenticator
	// Limiter is optional; nil disables rate limiting
	Limiter     *ratelimit.Limiter
	Simulations *simulation.Service
	Dispatcher  *dispatch.Dispatcher
	Validation  *validation.Service
	Clusters    *cluster.Service
	// ReadyChecks are served on /readyz next to a ping
	ReadyChecks map[string]healthz.Checker
	// MaxBodyBytes caps request bodies
	MaxBodyBytes int64
	Metrics      *metrics.Recorder
	Logger       logr.Logger
}

// NewServer creates the API server and its routes.
func NewServer(cfg ServerConfig) *Server {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}

	s := &Server{
		router:      mux.NewRouter(),
		auth:        cfg.Authenticator,
		limiter:     cfg.Limiter,
		simulations: cfg.Simulations,
		dispatcher:  cfg.Dispatcher,
		validation:  cfg.Validation,
		clusters:    cfg.Clusters,
		metrics:     cfg.Metrics,
		maxBody:     maxBody,
		log:         cfg.Logger.WithName("api"),
	}

	ready := map[string]healthz.Checker{"ping": healthz.Ping}
	for name, check := range cfg.ReadyChecks {
		ready[name] = check
	}
	s.mountHealth("/healthz", map[string]healthz.Checker{"ping": healthz.Ping})
	s.mountHealth("/readyz", ready)

	for _, rt := range s.routes() {
		s.router.Handle(rt.path, s.wrap(rt)).Methods(rt.method).Name(rt.name)
	}
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorBody{Error: ErrorDetail{Code: apperror.KindNotFound, Message: "no such route"}})
	})
	return s
}

func (s *Server) mountHealth(path string, checks map[string]healthz.Checker) {
	h := http.StripPrefix(path, &healthz.Handler{Checks: checks})
	s.router.Handle(path, h).Methods(http.MethodGet)
	s.router.PathPrefix(path + "/").Handler(h).Methods(http.MethodGet)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start listens on address and serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, address string) error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.log.Info("Starting API server", "address", listener.Addr().String())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error(err, "API server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.Stop(shutdownCtx)
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	s.log.Info("Shutting down API server")
	if err := srv.Shutdown(ctx); err != nil {
		s.log.Error(err, "API server shutdown failed")
	}
}
