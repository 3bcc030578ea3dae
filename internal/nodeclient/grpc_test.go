package nodeclient

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

func dialTestGRPC(t *testing.T, env *coordinatorEnv, token, node string) *GRPCClient {
	t.Helper()
	c, err := DialGRPC("passthrough:///bufnet", token, node, logr.Discard(),
		env.dialer(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("DialGRPC() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestGRPCClient_TwoNodeSimulation(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()

	created, err := NewClient(env.URL, env.Token, "", logr.Discard()).CreateSimulation(ctx, &models.CreateSimulationRequest{
		PolicyContent: testPolicy,
		PolicyType:    models.PolicyTypeCiliumNetwork,
	})
	if err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}

	nodeA := dialTestGRPC(t, env, env.Token, "node-a")
	nodeB := dialTestGRPC(t, env, env.Token, "node-b")

	for _, node := range []*GRPCClient{nodeA, nodeB} {
		items, err := node.FetchPendingSimulations(ctx)
		if err != nil {
			t.Fatalf("FetchPendingSimulations() error = %v", err)
		}
		if len(items) != 1 || items[0].SimulationID != created.SimulationID {
			t.Fatalf("FetchPendingSimulations() = %+v", items)
		}
	}

	first, err := nodeA.SubmitSimulationResult(ctx, created.SimulationID, &models.PartialResult{TotalFlowsAnalyzed: 10, AllowedCount: 10})
	if err != nil {
		t.Fatalf("SubmitSimulationResult(node-a) error = %v", err)
	}
	if !first.Accepted || first.Status != models.StatusRunning {
		t.Errorf("first result = %+v, want accepted and still RUNNING", first)
	}

	last, err := nodeB.SubmitSimulationResult(ctx, created.SimulationID, &models.PartialResult{TotalFlowsAnalyzed: 5, DeniedCount: 5})
	if err != nil {
		t.Fatalf("SubmitSimulationResult(node-b) error = %v", err)
	}
	if last.Status != models.StatusCompleted {
		t.Errorf("last result status = %s, want COMPLETED", last.Status)
	}

	if _, err := nodeA.SubmitSimulationResult(ctx, created.SimulationID, nil); err == nil {
		t.Error("SubmitSimulationResult(nil) error = nil")
	}
}

func TestGRPCClient_ValidationAndHeartbeat(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()
	client := dialTestGRPC(t, env, env.Token, "node-a")

	res, err := client.SubmitValidation(ctx, &models.ValidationIngestion{
		SubmissionID: "grpc-1",
		Summaries:    []models.ValidationSummary{{Hour: testNow, AllowedCount: 3, NoPolicyCount: 1}},
	})
	if err != nil {
		t.Fatalf("SubmitValidation() error = %v", err)
	}
	if res.SummariesUpserted != 1 {
		t.Errorf("SummariesUpserted = %d, want 1", res.SummariesUpserted)
	}

	hb, err := client.Heartbeat(ctx, models.HeartbeatRequest{NodeCount: 5})
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if hb.ClusterID != "c1" || hb.NodeCount != 5 {
		t.Errorf("Heartbeat() = %+v, want c1 with 5 nodes", hb)
	}
}

func TestGRPCClient_Unauthenticated(t *testing.T) {
	env := setupCoordinator(t)
	client := dialTestGRPC(t, env, "phc_doesnotexist", "node-a")

	_, err := client.FetchPendingSimulations(context.Background())
	if got := status.Code(err); got != codes.Unauthenticated {
		t.Errorf("FetchPendingSimulations() code = %v, want Unauthenticated", got)
	}
}
