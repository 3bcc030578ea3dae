// Package grpcapi serves the node-facing coordinator API over gRPC.
// Nodes that keep a long-lived connection use it in place of HTTP polling.
package grpcapi

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/cluster"
	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/ratelimit"
	"github.com/policy-hub/coordinator/internal/telemetry/dispatch"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/validation"
)

// methodScopes is the scope each method requires.
var methodScopes = map[string]string{
	FetchPendingMethod:     auth.ScopeSimulationRead,
	SubmitResultMethod:     auth.ScopeSimulationWrite,
	IngestValidationMethod: auth.ScopeTelemetryWrite,
	HeartbeatMethod:        auth.ScopeTelemetryWrite,
}

// Server implements NodeCoordinatorServer.
type Server struct {
	auth       auth.Authenticator
	limiter    *ratelimit.Limiter
	dispatcher *dispatch.Dispatcher
	validation *validation.Service
	clusters   *cluster.Service
	metrics    *metrics.Recorder
	log        logr.Logger

	mu         sync.Mutex
	grpcServer *grpc.Server
	listener   net.Listener
	started    bool
}

// ServerConfig contains configuration for the gRPC server.
type ServerConfig struct {
	Authenticator auth.Authenticator
	// Limiter is optional; nil disables rate limiting
	Limiter    *ratelimit.Limiter
	Dispatcher *dispatch.Dispatcher
	Validation *validation.Service
	Clusters   *cluster.Service
	Metrics    *metrics.Recorder
	Logger     logr.Logger
}

// NewServer creates a gRPC server.
func NewServer(cfg ServerConfig) *Server {
	return &Server{
		auth:       cfg.Authenticator,
		limiter:    cfg.Limiter,
		dispatcher: cfg.Dispatcher,
		validation: cfg.Validation,
		clusters:   cfg.Clusters,
		metrics:    cfg.Metrics,
		log:        cfg.Logger.WithName("grpc-server"),
	}
}

// NewGRPCServer returns a grpc.Server with s registered behind its interceptor.
func (s *Server) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(s.unaryInterceptor))
	gs := grpc.NewServer(opts...)
	RegisterNodeCoordinatorServer(gs, s)
	return gs
}

// Start starts serving on address until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context, address string) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	gs := s.NewGRPCServer()
	s.grpcServer = gs
	s.listener = listener
	s.started = true
	s.mu.Unlock()

	s.log.Info("Starting gRPC server", "address", listener.Addr().String())

	go func() {
		if err := gs.Serve(listener); err != nil {
			s.log.Error(err, "gRPC server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.log.Info("Shutting down gRPC server")
	s.grpcServer.GracefulStop()
	s.started = false
}

// unaryInterceptor authenticates, authorizes and rate limits every call.
func (s *Server) unaryInterceptor(
	ctx context.Context,
	req any,
	info *grpc.UnaryServerInfo,
	handler grpc.UnaryHandler,
) (any, error) {
	ctx, span := metrics.Tracer().Start(ctx, "grpc."+methodName(info.FullMethod))
	defer span.End()

	resp, err := s.intercept(ctx, req, info, handler)
	err = toStatus(err)

	code := status.Code(err)
	if code == codes.Internal {
		s.log.Error(err, "Call failed", "method", info.FullMethod)
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("rpc.grpc.status_code", code.String()))
	s.metrics.RecordGRPC(methodName(info.FullMethod), code.String())
	return resp, err
}

func (s *Server) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	scope, ok := methodScopes[info.FullMethod]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s", info.FullMethod)
	}

	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if values := md.Get("authorization"); len(values) > 0 {
		header = values[0]
	}
	bearer, err := auth.BearerToken(header)
	if err != nil {
		return nil, err
	}
	cred, err := auth.Resolve(ctx, s.auth, bearer)
	if err != nil {
		return nil, err
	}
	if err := auth.Authorize(cred, scope); err != nil {
		return nil, err
	}
	if s.limiter != nil {
		key := "org:" + cred.OrganizationID
		if cred.ClusterBound() {
			key = "cluster:" + cred.ClusterID
		}
		if err := s.limiter.Allow(key); err != nil {
			return nil, err
		}
	}
	return handler(auth.WithCredential(ctx, cred), req)
}

func methodName(fullMethod string) string {
	return fullMethod[strings.LastIndex(fullMethod, "/")+1:]
}

func credential(ctx context.Context) (*auth.Credential, error) {
	cred, ok := auth.FromContext(ctx)
	if !ok {
		return nil, apperror.Authentication("missing credential")
	}
	return cred, nil
}

// FetchPending claims and returns the calling node's work items.
func (s *Server) FetchPending(ctx context.Context, req *FetchPendingRequest) (*FetchPendingResponse, error) {
	cred, err := credential(ctx)
	if err != nil {
		return nil, err
	}
	clusterID, err := auth.RequireCluster(cred)
	if err != nil {
		return nil, err
	}
	if req.NodeName == "" {
		return nil, apperror.Validation(field.ErrorList{field.Required(field.NewPath("nodeName"), "")})
	}

	items, err := s.dispatcher.Poll(ctx, clusterID, req.NodeName)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.WorkItem{}
	}
	return &FetchPendingResponse{Simulations: items}, nil
}

// SubmitResult records a node's partial result.
func (s *Server) SubmitResult(ctx context.Context, req *SubmitResultRequest) (*dispatch.SubmitResponse, error) {
	cred, err := credential(ctx)
	if err != nil {
		return nil, err
	}
	if req.SimulationID == "" {
		return nil, apperror.Validation(field.ErrorList{field.Required(field.NewPath("simulationId"), "")})
	}
	return s.dispatcher.Submit(ctx, cred, req.SimulationID, req.NodeName, &req.Result)
}

// IngestValidation merges validation telemetry.
func (s *Server) IngestValidation(ctx context.Context, req *models.ValidationIngestion) (*models.IngestResult, error) {
	cred, err := credential(ctx)
	if err != nil {
		return nil, err
	}
	return s.validation.Ingest(ctx, cred, req)
}

// Heartbeat records cluster liveness.
func (s *Server) Heartbeat(ctx context.Context, req *models.HeartbeatRequest) (*HeartbeatResponse, error) {
	cred, err := credential(ctx)
	if err != nil {
		return nil, err
	}
	c, err := s.clusters.Heartbeat(ctx, cred, *req)
	if err != nil {
		return nil, err
	}
	return &HeartbeatResponse{ClusterID: c.ID, NodeCount: c.NodeCount}, nil
}
