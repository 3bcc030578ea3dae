// Package completion decides when a RUNNING simulation is done and writes its merged
// result exactly once.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/telemetry/merge"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

// sweepBatch bounds the expired simulations finalized by one sweep.
const sweepBatch = 100

// Store reads simulations.
type Store interface {
	GetSimulation(ctx context.Context, id string) (*models.Simulation, error)
	ListExpiredRunning(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Finalizer performs the terminal write.
type Finalizer interface {
	MarkTerminal(ctx context.Context, id string, fin models.Finalization) (bool, error)
}

// Monitor completes simulations when every expected node reported or the deadline passed.
type Monitor struct {
	store     Store
	finalizer Finalizer
	clock     clock.WithTicker
	interval  time.Duration
	backoff   wait.Backoff
	log       logr.Logger

	// State
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc

	// Metrics
	totalSweeps    int64
	totalFinalized int64
	totalErrors    int64
}

// MonitorConfig contains configuration for the completion monitor.
type MonitorConfig struct {
	Store     Store
	Finalizer Finalizer
	// SweepInterval is the period of the deadline sweep
	SweepInterval time.Duration
	// ConflictRetries bounds re-merges when node results race a finalization
	ConflictRetries int
	Clock           clock.WithTicker
	Logger          logr.Logger
}

// NewMonitor creates a completion monitor.
func NewMonitor(cfg MonitorConfig) *Monitor {
	interval := cfg.SweepInterval
	if interval == 0 {
		interval = 15 * time.Second
	}
	steps := cfg.ConflictRetries
	if steps <= 0 {
		steps = 5
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Monitor{
		store:     cfg.Store,
		finalizer: cfg.Finalizer,
		clock:     clk,
		interval:  interval,
		backoff: wait.Backoff{
			Steps:    steps,
			Duration: 5 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
		},
		log: cfg.Logger.WithName("completion-monitor"),
	}
}

// Check applies the completion rules to one simulation and returns its current state.
// A simulation that is not RUNNING is returned unchanged.
func (m *Monitor) Check(ctx context.Context, id string) (*models.Simulation, error) {
	ctx, span := metrics.Tracer().Start(ctx, "completion.Check")
	defer span.End()
	span.SetAttributes(attribute.String("simulation.id", id))

	var current *models.Simulation
	err := retry.OnError(m.backoff, isConflict, func() error {
		sim, err := m.store.GetSimulation(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return apperror.NotFound("simulation", id)
		}
		if err != nil {
			return apperror.Internal(err)
		}
		current = sim

		if sim.Status != models.StatusRunning {
			return nil
		}
		fin, ok := Decide(sim, m.clock.Now())
		if !ok {
			return nil
		}

		applied, err := m.finalizer.MarkTerminal(ctx, id, fin)
		if err != nil {
			if isConflict(err) {
				m.log.V(1).Info("Node result arrived during merge, retrying", "simulationId", id)
			}
			return err
		}
		if applied {
			m.mu.Lock()
			m.totalFinalized++
			m.mu.Unlock()
			m.log.Info("Simulation finished",
				"simulationId", id,
				"status", fin.Status,
				"partial", fin.Partial,
				"nodesReported", len(sim.ProcessedNodes),
				"expectedNodes", sim.ExpectedNodes,
			)
		}

		current, err = m.store.GetSimulation(ctx, id)
		if err != nil {
			return apperror.Internal(err)
		}
		return nil
	})
	if isConflict(err) {
		err = apperror.Internal(fmt.Errorf("simulation %s still changing after retries: %w", id, err))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("simulation.status", string(current.Status)))
	return current, nil
}

// Decide returns the terminal write due for a RUNNING simulation at now, if any.
//
// A simulation completes once every expected node reported. When every reporter
// reported only errors the status is FAILED instead. Otherwise, once the deadline has
// passed, it completes as partial with whatever results exist.
func Decide(sim *models.Simulation, now time.Time) (models.Finalization, bool) {
	reported := len(sim.ProcessedNodes)
	expected := sim.ExpectedNodes
	if expected < 1 {
		expected = 1
	}

	fin := models.Finalization{BasedOnResults: reported, At: now}
	switch {
	case reported >= expected:
		fin.Status = models.StatusCompleted
		if allFailed(sim.NodeResults) {
			fin.Status = models.StatusFailed
			fin.Note = fmt.Sprintf("all %d nodes reported errors", reported)
		}
	case sim.DeadlinePassed(now):
		fin.Status = models.StatusCompleted
		fin.Partial = true
		fin.Note = fmt.Sprintf("%d/%d nodes reported before deadline", reported, expected)
	default:
		return models.Finalization{}, false
	}

	fin.Result = merge.MergeResults(sim.PolicyType.ResultKind(), sim.NodeResults, sim.MaxDetails)
	return fin, true
}

func allFailed(results map[string]*models.PartialResult) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Failed() {
			return false
		}
	}
	return true
}

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrConflict)
}

// Sweep checks every RUNNING simulation whose deadline passed and returns how many it
// finalized.
func (m *Monitor) Sweep(ctx context.Context) (int, error) {
	ids, err := m.store.ListExpiredRunning(ctx, m.clock.Now(), sweepBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired simulations: %w", err)
	}

	finalized := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		sim, err := m.Check(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if sim.Status.Terminal() {
			finalized++
		}
	}

	m.mu.Lock()
	m.totalSweeps++
	m.totalErrors += int64(len(errs))
	m.mu.Unlock()

	if finalized > 0 {
		m.log.Info("Finalized expired simulations", "count", finalized)
	}
	return finalized, errors.Join(errs...)
}

// Start begins the periodic deadline sweep.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.log.Info("Starting completion monitor", "sweepInterval", m.interval)

	go m.run(ctx)

	return nil
}

// Stop stops the completion monitor.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.running = false
	m.log.Info("Completion monitor stopped")
}

func (m *Monitor) run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := m.Sweep(ctx); err != nil {
				m.log.Error(err, "Deadline sweep failed")
			}
		}
	}
}

// Stats contains completion monitor statistics.
type Stats struct {
	Running        bool  `json:"running"`
	TotalSweeps    int64 `json:"totalSweeps"`
	TotalFinalized int64 `json:"totalFinalized"`
	TotalErrors    int64 `json:"totalErrors"`
}

// GetStats returns monitor statistics.
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		Running:        m.running,
		TotalSweeps:    m.totalSweeps,
		TotalFinalized: m.totalFinalized,
		TotalErrors:    m.totalErrors,
	}
}
