// Package dispatch hands simulation work to polling nodes and accepts their results.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/cluster"
	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/telemetry/ingest"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

// Store is the simulation state the dispatcher reads and claims.
type Store interface {
	GetSimulation(ctx context.Context, id string) (*models.Simulation, error)
	ListActiveForNode(ctx context.Context, clusterID, nodeName string, limit int) ([]*models.Simulation, error)
	ClaimPending(ctx context.Context, id string, expectedNodes int, deadline, now time.Time) (bool, error)
	RecordNodeResult(ctx context.Context, id, nodeName string, result *models.PartialResult, now time.Time) (models.SubmissionOutcome, error)
}

// Completer finalizes a simulation when it is due.
type Completer interface {
	Check(ctx context.Context, id string) (*models.Simulation, error)
}

// NodeCounter returns the node count a claim waits for.
type NodeCounter interface {
	ExpectedNodes(ctx context.Context, clusterID string) (int, error)
}

// Dispatcher serves node polls and result submissions.
type Dispatcher struct {
	store     Store
	nodes     NodeCounter
	completer Completer
	validator *ingest.Validator
	batchSize int
	deadline  time.Duration
	clock     clock.PassiveClock
	metrics   *metrics.Recorder
	log       logr.Logger
}

// Config contains configuration for the dispatcher.
type Config struct {
	Store     Store
	Nodes     NodeCounter
	Completer Completer
	Validator *ingest.Validator
	// BatchSize caps the work items returned by one poll
	BatchSize int
	// AggregationDeadline is how long a claimed simulation waits for results
	AggregationDeadline time.Duration
	Clock               clock.PassiveClock
	Metrics             *metrics.Recorder
	Logger              logr.Logger
}

// New creates a dispatcher.
func New(cfg Config) *Dispatcher {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	deadline := cfg.AggregationDeadline
	if deadline <= 0 {
		deadline = 5 * time.Minute
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Dispatcher{
		store:     cfg.Store,
		nodes:     cfg.Nodes,
		completer: cfg.Completer,
		validator: cfg.Validator,
		batchSize: batch,
		deadline:  deadline,
		clock:     clk,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.WithName("dispatcher"),
	}
}

// Poll returns the work nodeName has not reported on yet, claiming PENDING simulations
// on the way. It never waits for work to appear.
func (d *Dispatcher) Poll(ctx context.Context, clusterID, nodeName string) ([]models.WorkItem, error) {
	ctx, span := metrics.Tracer().Start(ctx, "dispatch.Poll")
	defer span.End()
	span.SetAttributes(attribute.String("cluster.id", clusterID), attribute.String("node.name", nodeName))

	if nodeName == "" {
		return nil, apperror.Validation(field.ErrorList{field.Required(field.NewPath("nodeName"), "")})
	}

	sims, err := d.store.ListActiveForNode(ctx, clusterID, nodeName, d.batchSize)
	if err != nil {
		return nil, apperror.Internal(err)
	}

	expected := -1
	items := make([]models.WorkItem, 0, len(sims))
	for _, sim := range sims {
		now := d.clock.Now()

		if sim.Status == models.StatusPending {
			if expected < 0 {
				if expected, err = d.nodes.ExpectedNodes(ctx, clusterID); err != nil {
					return nil, apperror.Internal(err)
				}
			}
			won, err := d.store.ClaimPending(ctx, sim.ID, expected, now.Add(d.deadline), now)
			if err != nil {
				return nil, apperror.Internal(err)
			}
			if won {
				d.metrics.RecordClaim()
				d.log.Info("Claimed simulation", "simulationId", sim.ID, "node", nodeName, "expectedNodes", expected)
				items = append(items, models.WorkItemFor(sim))
				continue
			}

			// Lost the claim; another poller moved it on.
			sim, err = d.store.GetSimulation(ctx, sim.ID)
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, apperror.Internal(err)
			}
			if sim.Status != models.StatusRunning || sim.HasProcessed(nodeName) {
				continue
			}
		}

		if sim.DeadlinePassed(now) {
			if _, err := d.completer.Check(ctx, sim.ID); err != nil {
				d.log.Error(err, "Failed to finalize expired simulation", "simulationId", sim.ID)
			}
			continue
		}
		items = append(items, models.WorkItemFor(sim))
	}

	d.metrics.RecordPoll(len(items))
	if len(items) > 0 {
		d.log.V(1).Info("Dispatched work", "clusterId", clusterID, "node", nodeName, "count", len(items))
	}
	span.SetAttributes(attribute.Int("work.items", len(items)))
	return items, nil
}

// SubmitResponse reports what happened to a node result.
type SubmitResponse struct {
	Success  bool                     `json:"success"`
	Accepted bool                     `json:"accepted"`
	Outcome  models.SubmissionOutcome `json:"outcome"`
	Status   models.Status            `json:"status"`
}

// Submit records a node's partial result and completes the simulation when it is due.
// Results for terminal simulations are accepted and discarded, and a node reporting
// twice is a no-op.
func (d *Dispatcher) Submit(ctx context.Context, cred *auth.Credential, id, nodeName string, result *models.PartialResult) (*SubmitResponse, error) {
	ctx, span := metrics.Tracer().Start(ctx, "dispatch.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("simulation.id", id), attribute.String("node.name", nodeName))

	if nodeName == "" {
		return nil, apperror.Validation(field.ErrorList{field.Required(field.NewPath("nodeName"), "")})
	}

	sim, err := d.store.GetSimulation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperror.NotFound("simulation", id)
	}
	if err != nil {
		return nil, apperror.Internal(err)
	}
	if !cluster.CanSee(cred, sim.ClusterID, sim.OrganizationID) {
		return nil, apperror.NotFound("simulation", id)
	}

	if sim.Status.Terminal() {
		d.metrics.RecordNodeResult(string(models.OutcomeDiscarded))
		d.log.V(1).Info("Discarded late result", "simulationId", id, "node", nodeName, "status", sim.Status)
		return &SubmitResponse{Success: true, Outcome: models.OutcomeDiscarded, Status: sim.Status}, nil
	}
	if err := apperror.Validation(d.validator.ValidatePartialResult(sim.PolicyType, result)); err != nil {
		return nil, err
	}

	outcome, err := d.store.RecordNodeResult(ctx, id, nodeName, result, d.clock.Now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperror.NotFound("simulation", id)
	case errors.Is(err, storage.ErrInvalidTransition):
		return nil, &apperror.Error{
			Kind:    apperror.KindInvalidTransition,
			Message: "simulation has not been claimed by a node yet, results are accepted once it is RUNNING",
		}
	case err != nil:
		return nil, apperror.Internal(err)
	}
	d.metrics.RecordNodeResult(string(outcome))
	span.SetAttributes(attribute.String("result.outcome", string(outcome)))

	resp := &SubmitResponse{Success: true, Accepted: outcome == models.OutcomeAccepted, Outcome: outcome, Status: sim.Status}
	if outcome == models.OutcomeDiscarded {
		return resp, nil
	}

	d.log.Info("Recorded node result",
		"simulationId", id,
		"node", nodeName,
		"outcome", outcome,
		"flowsAnalyzed", result.TotalFlowsAnalyzed,
	)

	current, err := d.completer.Check(ctx, id)
	if err != nil {
		// The result is stored; the sweep finalizes the simulation later.
		d.log.Error(err, "Completion check failed", "simulationId", id)
		return resp, nil
	}
	resp.Status = current.Status
	return resp, nil
}
