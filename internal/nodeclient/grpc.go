package nodeclient

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/policy-hub/coordinator/internal/grpcapi"
	"github.com/policy-hub/coordinator/internal/telemetry/dispatch"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

// GRPCClient talks to the coordinator's node service over gRPC. It covers the
// node-facing operations only; user operations stay on the HTTP client.
type GRPCClient struct {
	conn     *grpc.ClientConn
	rpc      grpcapi.NodeCoordinatorClient
	apiToken string
	nodeName string
	log      logr.Logger
}

// DialGRPC connects to target. Without dial options the connection is plaintext.
func DialGRPC(target, apiToken, nodeName string, log logr.Logger, opts ...grpc.DialOption) (*GRPCClient, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	opts = append(opts, grpcapi.WithCodec())

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to dial coordinator %s: %w", target, err)
	}
	return &GRPCClient{
		conn:     conn,
		rpc:      grpcapi.NewNodeCoordinatorClient(conn),
		apiToken: apiToken,
		nodeName: nodeName,
		log:      log.WithName("node-grpc-client"),
	}, nil
}

// Close releases the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) outgoing(ctx context.Context) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiToken)
}

// FetchPendingSimulations claims the simulations waiting for this node.
func (c *GRPCClient) FetchPendingSimulations(ctx context.Context) ([]models.WorkItem, error) {
	resp, err := c.rpc.FetchPending(c.outgoing(ctx), &grpcapi.FetchPendingRequest{NodeName: c.nodeName})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending simulations: %w", err)
	}
	c.log.V(1).Info("Fetched pending simulations", "count", len(resp.Simulations))
	return resp.Simulations, nil
}

// SubmitSimulationResult reports this node's result for a simulation.
func (c *GRPCClient) SubmitSimulationResult(ctx context.Context, simulationID string, result *models.PartialResult) (*dispatch.SubmitResponse, error) {
	if result == nil {
		return nil, fmt.Errorf("result is nil")
	}
	resp, err := c.rpc.SubmitResult(c.outgoing(ctx), &grpcapi.SubmitResultRequest{
		SimulationID: simulationID,
		NodeName:     c.nodeName,
		Result:       *result,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit simulation result: %w", err)
	}
	c.log.Info("Submitted simulation result",
		"simulationId", simulationID,
		"accepted", resp.Accepted,
		"status", resp.Status)
	return resp, nil
}

// SubmitValidation sends validation summaries and events.
func (c *GRPCClient) SubmitValidation(ctx context.Context, in *models.ValidationIngestion) (*models.IngestResult, error) {
	if in == nil {
		return &models.IngestResult{Success: true}, nil
	}
	if in.NodeName == "" {
		in.NodeName = c.nodeName
	}
	res, err := c.rpc.IngestValidation(c.outgoing(ctx), in)
	if err != nil {
		return nil, fmt.Errorf("failed to submit validation: %w", err)
	}
	return res, nil
}

// Heartbeat reports cluster liveness.
func (c *GRPCClient) Heartbeat(ctx context.Context, req models.HeartbeatRequest) (*grpcapi.HeartbeatResponse, error) {
	resp, err := c.rpc.Heartbeat(c.outgoing(ctx), &req)
	if err != nil {
		return nil, fmt.Errorf("failed to send heartbeat: %w", err)
	}
	return resp, nil
}
