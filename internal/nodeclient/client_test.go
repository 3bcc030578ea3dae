package nodeclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/policy-hub/coordinator/internal/api"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/cluster"
	"github.com/policy-hub/coordinator/internal/grpcapi"
	"github.com/policy-hub/coordinator/internal/policy"
	"github.com/policy-hub/coordinator/internal/telemetry/completion"
	"github.com/policy-hub/coordinator/internal/telemetry/dispatch"
	"github.com/policy-hub/coordinator/internal/telemetry/ingest"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/simulation"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
	"github.com/policy-hub/coordinator/internal/telemetry/validation"
)

const testPolicy = `apiVersion: cilium.io/v2
kind: CiliumNetworkPolicy
metadata:
  name: deny-db
spec:
  endpointSelector:
    matchLabels:
      app: db
`

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestClient_Headers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("X-Node-Name"); got != "node-a" {
			t.Errorf("X-Node-Name = %q", got)
		}
		if got := r.Header.Get("User-Agent"); got != userAgent {
			t.Errorf("User-Agent = %q", got)
		}
		json.NewEncoder(w).Encode(HeartbeatResponse{Success: true, ClusterID: "c1", NodeCount: 2})
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", "node-a", logr.Discard())
	resp, err := client.Heartbeat(context.Background(), models.HeartbeatRequest{NodeCount: 2})
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if resp.ClusterID != "c1" || resp.NodeCount != 2 {
		t.Errorf("Heartbeat() = %+v", resp)
	}
}

func TestClient_APIError(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantCode string
	}{
		{"error envelope", http.StatusConflict, `{"success":false,"error":{"code":"InvalidStateTransition","message":"no"}}`, "InvalidStateTransition"},
		{"plain body", http.StatusBadGateway, "bad gateway", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(server.URL, "token", "node-a", logr.Discard())
			_, err := client.CancelSimulation(context.Background(), "sim-1")

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("CancelSimulation() error = %v, want *APIError", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Code != tt.wantCode {
				t.Errorf("APIError = %+v", apiErr)
			}
		})
	}
}

func TestClient_InvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not valid json"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", "node-a", logr.Discard())
	if _, err := client.FetchPendingSimulations(context.Background()); err == nil {
		t.Error("FetchPendingSimulations() should fail on an invalid JSON response")
	}
}

func TestClient_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer server.Close()

	client := NewClient(server.URL, "token", "node-a", logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := client.GetValidationSummary(ctx, 1); err == nil {
		t.Error("GetValidationSummary() should fail for a cancelled context")
	}
}

func TestClient_NilPayloads(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "token", "node-a", logr.Discard())

	if _, err := client.SubmitSimulationResult(context.Background(), "sim-1", nil); err == nil {
		t.Error("SubmitSimulationResult(nil) should fail")
	}
	res, err := client.SubmitValidation(context.Background(), nil)
	if err != nil || !res.Success {
		t.Errorf("SubmitValidation(nil) = %+v, %v", res, err)
	}
}

type coordinatorEnv struct {
	URL   string
	Token string
	lis   *bufconn.Listener
}

func (e *coordinatorEnv) dialer() grpc.DialOption {
	return grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return e.lis.DialContext(ctx)
	})
}

// setupCoordinator starts an in-process coordinator with one two-node cluster,
// serving HTTP and gRPC, and issues a token for that cluster.
func setupCoordinator(t *testing.T) *coordinatorEnv {
	t.Helper()
	ctx := context.Background()

	store, err := storage.NewStore(storage.StoreConfig{
		DBPath: filepath.Join(t.TempDir(), "e2e.db"),
		Logger: logr.Discard(),
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	fc := testingclock.NewFakeClock(testNow)
	validator := ingest.NewValidator(ingest.Limits{MaxEvents: 1000, MaxSummaries: 168})
	clusters := cluster.NewService(cluster.ServiceConfig{Store: store, Clock: fc, Logger: logr.Discard()})
	if err := clusters.Register(ctx, &models.Cluster{ID: "c1", OrganizationID: "org1", NodeCount: 2}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	sims := simulation.NewService(simulation.ServiceConfig{
		Store:           store,
		Clusters:        clusters,
		Validator:       validator,
		PolicyValidator: policy.NewValidator(logr.Discard()),
		Clock:           fc,
		Logger:          logr.Discard(),
	})
	monitor := completion.NewMonitor(completion.MonitorConfig{Store: store, Finalizer: sims, Clock: fc, Logger: logr.Discard()})
	authenticator := auth.NewTokenAuthenticator(store, fc)
	dispatcher := dispatch.New(dispatch.Config{
		Store:     store,
		Nodes:     clusters,
		Completer: monitor,
		Validator: validator,
		Clock:     fc,
		Logger:    logr.Discard(),
	})
	telemetry := validation.NewService(validation.ServiceConfig{
		Store:     store,
		Clusters:  clusters,
		Validator: validator,
		Clock:     fc,
		Logger:    logr.Discard(),
	})

	srv := api.NewServer(api.ServerConfig{
		Authenticator: authenticator,
		Simulations:   sims,
		Dispatcher:    dispatcher,
		Validation:    telemetry,
		Clusters:      clusters,
		Logger:        logr.Discard(),
	})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	lis := bufconn.Listen(1 << 20)
	gs := grpcapi.NewServer(grpcapi.ServerConfig{
		Authenticator: authenticator,
		Dispatcher:    dispatcher,
		Validation:    telemetry,
		Clusters:      clusters,
		Logger:        logr.Discard(),
	}).NewGRPCServer()
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	token, _, err := auth.IssueToken(ctx, store, auth.IssueRequest{
		ClusterID:      "c1",
		OrganizationID: "org1",
		Scopes:         auth.KnownScopes,
	}, testNow)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	return &coordinatorEnv{URL: ts.URL, Token: token, lis: lis}
}

func TestEndToEnd_TwoNodeSimulation(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()

	nodeA := NewClient(env.URL, env.Token, "node-a", logr.Discard())
	nodeB := NewClient(env.URL, env.Token, "node-b", logr.Discard())

	created, err := nodeA.CreateSimulation(ctx, &models.CreateSimulationRequest{
		PolicyContent: testPolicy,
		PolicyType:    models.PolicyTypeCiliumNetwork,
	})
	if err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}

	for _, node := range []*Client{nodeA, nodeB} {
		pending, err := node.FetchPendingSimulations(ctx)
		if err != nil {
			t.Fatalf("FetchPendingSimulations() error = %v", err)
		}
		if len(pending.Simulations) != 1 || pending.Simulations[0].SimulationID != created.SimulationID {
			t.Fatalf("FetchPendingSimulations() = %+v", pending.Simulations)
		}
	}

	first, err := nodeA.SubmitSimulationResult(ctx, created.SimulationID, &models.PartialResult{
		TotalFlowsAnalyzed: 100, AllowedCount: 90, DeniedCount: 10, WouldChangeCount: 5,
	})
	if err != nil {
		t.Fatalf("SubmitSimulationResult(node-a) error = %v", err)
	}
	if !first.Accepted || first.Status != models.StatusRunning {
		t.Errorf("first result = %+v, want accepted and still RUNNING", first)
	}

	again, err := nodeA.SubmitSimulationResult(ctx, created.SimulationID, &models.PartialResult{TotalFlowsAnalyzed: 1})
	if err != nil {
		t.Fatalf("SubmitSimulationResult(replay) error = %v", err)
	}
	if again.Accepted || again.Outcome != models.OutcomeDuplicate {
		t.Errorf("replayed result = %+v, want a duplicate", again)
	}

	last, err := nodeB.SubmitSimulationResult(ctx, created.SimulationID, &models.PartialResult{
		TotalFlowsAnalyzed: 50, AllowedCount: 40, DeniedCount: 10, WouldChangeCount: 2,
	})
	if err != nil {
		t.Fatalf("SubmitSimulationResult(node-b) error = %v", err)
	}
	if last.Status != models.StatusCompleted {
		t.Errorf("last result status = %s, want COMPLETED", last.Status)
	}

	sim, err := nodeA.GetSimulation(ctx, created.SimulationID)
	if err != nil {
		t.Fatalf("GetSimulation() error = %v", err)
	}
	if sim.Result == nil || sim.Result.TotalFlowsAnalyzed != 150 || sim.Result.WouldChangeCount != 7 {
		t.Errorf("merged result = %+v, want 150 flows and 7 changes", sim.Result)
	}

	_, err = nodeA.CancelSimulation(ctx, created.SimulationID)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Errorf("CancelSimulation() on a completed simulation error = %v, want 409", err)
	}
}

func TestEndToEnd_Validation(t *testing.T) {
	env := setupCoordinator(t)
	ctx := context.Background()
	client := NewClient(env.URL, env.Token, "node-a", logr.Discard())

	in := &models.ValidationIngestion{
		SubmissionID: "batch-1",
		Summaries: []models.ValidationSummary{{
			Hour:          testNow,
			AllowedCount:  7,
			BlockedCount:  1,
			NoPolicyCount: 2,
		}},
	}
	res, err := client.SubmitValidation(ctx, in)
	if err != nil {
		t.Fatalf("SubmitValidation() error = %v", err)
	}
	if res.SummariesUpserted != 1 || res.Duplicate {
		t.Errorf("SubmitValidation() = %+v", res)
	}

	res, err = client.SubmitValidation(ctx, in)
	if err != nil {
		t.Fatalf("SubmitValidation() replay error = %v", err)
	}
	if !res.Duplicate {
		t.Errorf("replayed SubmitValidation() = %+v, want duplicate", res)
	}

	summary, err := client.GetValidationSummary(ctx, 1)
	if err != nil {
		t.Fatalf("GetValidationSummary() error = %v", err)
	}
	if summary.Totals.TotalFlows != 10 || summary.Totals.CoveragePercent != 80 {
		t.Errorf("Totals = %+v, want 10 flows at 80%%", summary.Totals)
	}

	hb, err := client.Heartbeat(ctx, models.HeartbeatRequest{NodeCount: 3})
	if err != nil {
		t.Fatalf("Heartbeat() error = %v", err)
	}
	if hb.NodeCount != 3 {
		t.Errorf("Heartbeat() node count = %d, want 3", hb.NodeCount)
	}
}
