package grpcapi

import (
	"context"

	"google.golang.org/grpc"

	"github.com/policy-hub/coordinator/internal/telemetry/dispatch"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

// NodeCoordinatorServer is the server API for the NodeCoordinator service.
type NodeCoordinatorServer interface {
	// FetchPending claims and returns the work items for the calling node.
	FetchPending(context.Context, *FetchPendingRequest) (*FetchPendingResponse, error)
	// SubmitResult records one node's partial simulation result.
	SubmitResult(context.Context, *SubmitResultRequest) (*dispatch.SubmitResponse, error)
	// IngestValidation merges hourly validation summaries and stores events.
	IngestValidation(context.Context, *models.ValidationIngestion) (*models.IngestResult, error)
	// Heartbeat records cluster liveness and node count.
	Heartbeat(context.Context, *models.HeartbeatRequest) (*HeartbeatResponse, error)
}

// NodeCoordinatorClient is the client API for the NodeCoordinator service.
type NodeCoordinatorClient interface {
	FetchPending(ctx context.Context, in *FetchPendingRequest, opts ...grpc.CallOption) (*FetchPendingResponse, error)
	SubmitResult(ctx context.Context, in *SubmitResultRequest, opts ...grpc.CallOption) (*dispatch.SubmitResponse, error)
	IngestValidation(ctx context.Context, in *models.ValidationIngestion, opts ...grpc.CallOption) (*models.IngestResult, error)
	Heartbeat(ctx context.Context, in *models.HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error)
}

// FetchPendingRequest is the request of FetchPending.
type FetchPendingRequest struct {
	NodeName string `json:"nodeName"`
}

// FetchPendingResponse is the response of FetchPending.
type FetchPendingResponse struct {
	Simulations []models.WorkItem `json:"simulations"`
}

// SubmitResultRequest is the request of SubmitResult.
type SubmitResultRequest struct {
	SimulationID string               `json:"simulationId"`
	NodeName     string               `json:"nodeName"`
	Result       models.PartialResult `json:"result"`
}

// HeartbeatResponse is the response of Heartbeat.
type HeartbeatResponse struct {
	ClusterID string `json:"clusterId"`
	NodeCount int    `json:"nodeCount"`
}
