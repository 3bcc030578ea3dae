package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

func newTestSimulation(id, cluster string, created time.Time) *models.Simulation {
	return &models.Simulation{
		ID:            id,
		ClusterID:     cluster,
		PolicyContent: "apiVersion: cilium.io/v2\nkind: CiliumNetworkPolicy",
		PolicyType:    models.PolicyTypeCiliumNetwork,
		StartTime:     created.Add(-24 * time.Hour),
		EndTime:       created,
		Namespaces:    []string{"default"},
		MaxDetails:    100,
		Status:        models.StatusPending,
		CreatedAt:     created,
	}
}

func TestStore_CreateAndGetSimulation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sim := newTestSimulation("sim-1", "c1", testNow)
	sim.IncludeDetails = true
	if err := s.CreateSimulation(ctx, sim); err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}

	got, err := s.GetSimulation(ctx, "sim-1")
	if err != nil {
		t.Fatalf("GetSimulation() error = %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("Status = %s, want PENDING", got.Status)
	}
	if !got.CreatedAt.Equal(testNow) || !got.EndTime.Equal(testNow) {
		t.Errorf("times = %v/%v, want %v", got.CreatedAt, got.EndTime, testNow)
	}
	if len(got.Namespaces) != 1 || got.Namespaces[0] != "default" {
		t.Errorf("Namespaces = %v", got.Namespaces)
	}
	if !got.IncludeDetails || got.MaxDetails != 100 {
		t.Errorf("IncludeDetails/MaxDetails = %v/%d", got.IncludeDetails, got.MaxDetails)
	}
	if got.AggregationDeadline != nil || got.Result != nil {
		t.Error("new simulation should have no deadline or result")
	}
	if len(got.ProcessedNodes) != 0 {
		t.Errorf("ProcessedNodes = %v, want empty", got.ProcessedNodes)
	}

	if _, err := s.GetSimulation(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSimulation(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_ClaimPending_ExactlyOnce(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateSimulation(ctx, newTestSimulation("sim-1", "c1", testNow)); err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}

	const pollers = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < pollers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := s.ClaimPending(ctx, "sim-1", 3, testNow.Add(5*time.Minute), testNow)
			if err != nil {
				t.Errorf("ClaimPending() error = %v", err)
				return
			}
			if won {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("claims won = %d, want 1", wins.Load())
	}

	got, err := s.GetSimulation(ctx, "sim-1")
	if err != nil {
		t.Fatalf("GetSimulation() error = %v", err)
	}
	if got.Status != models.StatusRunning || got.ExpectedNodes != 3 {
		t.Errorf("Status/ExpectedNodes = %s/%d, want RUNNING/3", got.Status, got.ExpectedNodes)
	}
	if got.AggregationDeadline == nil || !got.AggregationDeadline.Equal(testNow.Add(5*time.Minute)) {
		t.Errorf("AggregationDeadline = %v", got.AggregationDeadline)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt = nil after claim")
	}
}

func TestStore_ListActiveForNode(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.CreateSimulation(ctx, newTestSimulation(id, "c1", testNow.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("CreateSimulation() error = %v", err)
		}
	}
	if err := s.CreateSimulation(ctx, newTestSimulation("other", "c2", testNow)); err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}

	if _, err := s.ClaimPending(ctx, "old", 2, testNow.Add(time.Minute), testNow); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if _, err := s.RecordNodeResult(ctx, "old", "node-a", &models.PartialResult{Kind: models.ResultKindNetwork}, testNow); err != nil {
		t.Fatalf("RecordNodeResult() error = %v", err)
	}

	got, err := s.ListActiveForNode(ctx, "c1", "node-a", 10)
	if err != nil {
		t.Fatalf("ListActiveForNode() error = %v", err)
	}
	if ids := simIDs(got); !equalStrings(ids, []string{"mid", "new"}) {
		t.Errorf("node-a sees %v, want [mid new]", ids)
	}

	got, err = s.ListActiveForNode(ctx, "c1", "node-b", 2)
	if err != nil {
		t.Fatalf("ListActiveForNode() error = %v", err)
	}
	if ids := simIDs(got); !equalStrings(ids, []string{"old", "mid"}) {
		t.Errorf("node-b sees %v, want [old mid]", ids)
	}
}

func TestStore_RecordNodeResult(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateSimulation(ctx, newTestSimulation("sim-1", "c1", testNow)); err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}
	part := &models.PartialResult{Kind: models.ResultKindNetwork, TotalFlowsAnalyzed: 10, AllowedCount: 7, DeniedCount: 3}

	if _, err := s.RecordNodeResult(ctx, "sim-1", "node-a", part, testNow); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("RecordNodeResult() on PENDING error = %v, want ErrInvalidTransition", err)
	}

	if _, err := s.ClaimPending(ctx, "sim-1", 2, testNow.Add(time.Minute), testNow); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}

	tests := []struct {
		node string
		want models.SubmissionOutcome
	}{
		{"node-a", models.OutcomeAccepted},
		{"node-a", models.OutcomeDuplicate},
		{"node-b", models.OutcomeAccepted},
	}
	for _, tt := range tests {
		got, err := s.RecordNodeResult(ctx, "sim-1", tt.node, part, testNow)
		if err != nil {
			t.Fatalf("RecordNodeResult(%s) error = %v", tt.node, err)
		}
		if got != tt.want {
			t.Errorf("RecordNodeResult(%s) = %s, want %s", tt.node, got, tt.want)
		}
	}

	sim, err := s.GetSimulation(ctx, "sim-1")
	if err != nil {
		t.Fatalf("GetSimulation() error = %v", err)
	}
	if !equalStrings(sim.ProcessedNodes, []string{"node-a", "node-b"}) {
		t.Errorf("ProcessedNodes = %v, want [node-a node-b]", sim.ProcessedNodes)
	}
	if sim.NodeResults["node-a"].AllowedCount != 7 {
		t.Errorf("node-a AllowedCount = %d, want 7", sim.NodeResults["node-a"].AllowedCount)
	}

	if _, err := s.RecordNodeResult(ctx, "missing", "node-a", part, testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("RecordNodeResult(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_FinalizeSimulation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateSimulation(ctx, newTestSimulation("sim-1", "c1", testNow)); err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}
	if _, err := s.ClaimPending(ctx, "sim-1", 2, testNow.Add(time.Minute), testNow); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if _, err := s.RecordNodeResult(ctx, "sim-1", "node-a", &models.PartialResult{Kind: models.ResultKindNetwork}, testNow); err != nil {
		t.Fatalf("RecordNodeResult() error = %v", err)
	}

	running := []models.Status{models.StatusRunning}
	fin := models.Finalization{
		Status:         models.StatusCompleted,
		Result:         &models.SimulationResult{Kind: models.ResultKindNetwork, TotalFlowsAnalyzed: 5, DeniedCount: 2},
		Partial:        true,
		Note:           "1/2 nodes reported before deadline",
		BasedOnResults: 0,
		At:             testNow.Add(2 * time.Minute),
	}

	if _, err := s.FinalizeSimulation(ctx, "sim-1", running, fin); !errors.Is(err, ErrConflict) {
		t.Fatalf("FinalizeSimulation() stale error = %v, want ErrConflict", err)
	}

	fin.BasedOnResults = 1
	prev, err := s.FinalizeSimulation(ctx, "sim-1", running, fin)
	if err != nil {
		t.Fatalf("FinalizeSimulation() error = %v", err)
	}
	if prev != models.StatusRunning {
		t.Errorf("previous status = %s, want RUNNING", prev)
	}

	sim, err := s.GetSimulation(ctx, "sim-1")
	if err != nil {
		t.Fatalf("GetSimulation() error = %v", err)
	}
	if sim.Status != models.StatusCompleted || !sim.Partial || sim.CompletionNote != fin.Note {
		t.Errorf("simulation = %s partial=%v note=%q", sim.Status, sim.Partial, sim.CompletionNote)
	}
	if sim.FlowsAnalyzed != 5 || sim.FlowsDenied != 2 {
		t.Errorf("flows = %d/%d, want 5/2", sim.FlowsAnalyzed, sim.FlowsDenied)
	}
	if sim.Result == nil || sim.Result.TotalFlowsAnalyzed != 5 {
		t.Errorf("Result = %+v", sim.Result)
	}

	cancel := models.Finalization{Status: models.StatusCancelled, BasedOnResults: -1, At: testNow}
	prev, err = s.FinalizeSimulation(ctx, "sim-1", []models.Status{models.StatusPending, models.StatusRunning}, cancel)
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("FinalizeSimulation() after terminal error = %v, want ErrAlreadyTerminal", err)
	}
	if prev != models.StatusCompleted {
		t.Errorf("previous status = %s, want COMPLETED", prev)
	}

	outcome, err := s.RecordNodeResult(ctx, "sim-1", "node-b", &models.PartialResult{}, testNow)
	if err != nil {
		t.Fatalf("RecordNodeResult() late error = %v", err)
	}
	if outcome != models.OutcomeDiscarded {
		t.Errorf("late result outcome = %s, want discarded", outcome)
	}
}

func TestStore_FinalizeSimulation_InvalidTransition(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateSimulation(ctx, newTestSimulation("sim-1", "c1", testNow)); err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}
	fin := models.Finalization{Status: models.StatusCompleted, BasedOnResults: -1, At: testNow}
	if _, err := s.FinalizeSimulation(ctx, "sim-1", []models.Status{models.StatusRunning}, fin); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FinalizeSimulation() from PENDING error = %v, want ErrInvalidTransition", err)
	}
	if _, err := s.FinalizeSimulation(ctx, "missing", []models.Status{models.StatusRunning}, fin); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinalizeSimulation(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStore_DeleteSimulation(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if err := s.CreateSimulation(ctx, newTestSimulation("sim-1", "c1", testNow)); err != nil {
		t.Fatalf("CreateSimulation() error = %v", err)
	}
	if err := s.DeleteSimulation(ctx, "sim-1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("DeleteSimulation() on PENDING error = %v, want ErrInvalidTransition", err)
	}

	cancel := models.Finalization{Status: models.StatusCancelled, BasedOnResults: -1, At: testNow}
	if _, err := s.FinalizeSimulation(ctx, "sim-1", []models.Status{models.StatusPending}, cancel); err != nil {
		t.Fatalf("FinalizeSimulation() error = %v", err)
	}
	if err := s.DeleteSimulation(ctx, "sim-1"); err != nil {
		t.Fatalf("DeleteSimulation() error = %v", err)
	}
	if _, err := s.GetSimulation(ctx, "sim-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSimulation() after delete error = %v, want ErrNotFound", err)
	}
}

func TestStore_ListSimulations(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		sim := newTestSimulation(id, "c1", testNow.Add(time.Duration(i)*time.Second))
		sim.OrganizationID = "org"
		if err := s.CreateSimulation(ctx, sim); err != nil {
			t.Fatalf("CreateSimulation() error = %v", err)
		}
	}
	if _, err := s.ClaimPending(ctx, "b", 1, testNow.Add(time.Minute), testNow); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}

	tests := []struct {
		name   string
		filter SimulationFilter
		want   []string
	}{
		{"all newest first", SimulationFilter{ClusterID: "c1"}, []string{"c", "b", "a"}},
		{"by status", SimulationFilter{ClusterID: "c1", Status: models.StatusRunning}, []string{"b"}},
		{"by organization with limit", SimulationFilter{OrganizationID: "org", Limit: 2}, []string{"c", "b"}},
		{"other cluster", SimulationFilter{ClusterID: "c2"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListSimulations(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListSimulations() error = %v", err)
			}
			if ids := simIDs(got); !equalStrings(ids, tt.want) {
				t.Errorf("ListSimulations() = %v, want %v", ids, tt.want)
			}
		})
	}
}

func TestStore_ListExpiredRunning(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"expired", "live", "pending"} {
		if err := s.CreateSimulation(ctx, newTestSimulation(id, "c1", testNow)); err != nil {
			t.Fatalf("CreateSimulation() error = %v", err)
		}
	}
	if _, err := s.ClaimPending(ctx, "expired", 1, testNow.Add(-time.Second), testNow.Add(-time.Minute)); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}
	if _, err := s.ClaimPending(ctx, "live", 1, testNow.Add(time.Minute), testNow); err != nil {
		t.Fatalf("ClaimPending() error = %v", err)
	}

	ids, err := s.ListExpiredRunning(ctx, testNow, 10)
	if err != nil {
		t.Fatalf("ListExpiredRunning() error = %v", err)
	}
	if !equalStrings(ids, []string{"expired"}) {
		t.Errorf("ListExpiredRunning() = %v, want [expired]", ids)
	}
}

func simIDs(sims []*models.Simulation) []string {
	var ids []string
	for _, s := range sims {
		ids = append(ids, s.ID)
	}
	return ids
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
