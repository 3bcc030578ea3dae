// Package simulation owns the simulation lifecycle: creation, visibility, cancellation
// and the single terminal write.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/cluster"
	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/policy"
	"github.com/policy-hub/coordinator/internal/telemetry/ingest"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

const (
	// DefaultWindow is the lookback used when a request sets no start time
	DefaultWindow = 24 * time.Hour

	defaultListLimit = 50
	maxListLimit     = 500
)

// Store persists simulations.
type Store interface {
	CreateSimulation(ctx context.Context, sim *models.Simulation) error
	GetSimulation(ctx context.Context, id string) (*models.Simulation, error)
	ListSimulations(ctx context.Context, f storage.SimulationFilter) ([]*models.Simulation, error)
	FinalizeSimulation(ctx context.Context, id string, from []models.Status, fin models.Finalization) (models.Status, error)
	DeleteSimulation(ctx context.Context, id string) error
}

// Service manages simulations.
type Service struct {
	store             Store
	clusters          *cluster.Service
	validator         *ingest.Validator
	policies          *policy.Validator
	defaultMaxDetails int
	clock             clock.PassiveClock
	metrics           *metrics.Recorder
	log               logr.Logger
}

// ServiceConfig contains configuration for the simulation service.
type ServiceConfig struct {
	Store           Store
	Clusters        *cluster.Service
	Validator       *ingest.Validator
	PolicyValidator *policy.Validator
	// DefaultMaxDetails is the sample cap when a request leaves it unset
	DefaultMaxDetails int
	Clock             clock.PassiveClock
	Metrics           *metrics.Recorder
	Logger            logr.Logger
}

// NewService creates a simulation service.
func NewService(cfg ServiceConfig) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		store:             cfg.Store,
		clusters:          cfg.Clusters,
		validator:         cfg.Validator,
		policies:          cfg.PolicyValidator,
		defaultMaxDetails: cfg.DefaultMaxDetails,
		clock:             clk,
		metrics:           cfg.Metrics,
		log:               cfg.Logger.WithName("simulation"),
	}
}

// Create validates a request and stores a PENDING simulation for the target cluster.
func (s *Service) Create(ctx context.Context, cred *auth.Credential, req *models.CreateSimulationRequest) (*models.Simulation, error) {
	now := s.clock.Now().UTC()

	errs := s.validator.ValidateCreateRequest(req)

	end := now
	if req.EndTime != nil {
		end = req.EndTime.UTC()
	}
	start := end.Add(-DefaultWindow)
	if req.StartTime != nil {
		start = req.StartTime.UTC()
	}
	if !start.Before(end) {
		errs = append(errs, field.Invalid(field.NewPath("startTime"), start.Format(time.RFC3339), "must be before endTime"))
	}

	maxDetails := s.defaultMaxDetails
	if req.MaxDetails != nil {
		maxDetails = *req.MaxDetails
	}

	if req.PolicyType.Valid() && req.PolicyContent != "" {
		errs = append(errs, s.policies.Validate(req.PolicyType, req.PolicyContent, field.NewPath("policyContent"))...)
	}
	if err := apperror.Validation(errs); err != nil {
		return nil, err
	}

	target, err := s.clusters.Resolve(ctx, cred, req.ClusterID, field.NewPath("clusterId"))
	if err != nil {
		return nil, err
	}

	sim := &models.Simulation{
		ID:             uuid.NewString(),
		ClusterID:      target.ClusterID,
		OrganizationID: target.OrganizationID,
		RequestedBy:    cred.Subject,
		PolicyContent:  req.PolicyContent,
		PolicyType:     req.PolicyType,
		StartTime:      start,
		EndTime:        end,
		Namespaces:     req.Namespaces,
		IncludeDetails: req.IncludeDetails,
		MaxDetails:     maxDetails,
		Status:         models.StatusPending,
		CreatedAt:      now,
	}
	if err := s.store.CreateSimulation(ctx, sim); err != nil {
		return nil, apperror.Internal(err)
	}

	s.metrics.RecordSimulationCreated(string(sim.PolicyType))
	s.log.Info("Created simulation",
		"simulationId", sim.ID,
		"clusterId", sim.ClusterID,
		"policyType", sim.PolicyType,
		"startTime", sim.StartTime,
		"endTime", sim.EndTime,
	)
	return sim, nil
}

// Get returns a simulation visible to cred. Simulations of other clusters or
// organizations are reported as not found.
func (s *Service) Get(ctx context.Context, cred *auth.Credential, id string) (*models.Simulation, error) {
	sim, err := s.store.GetSimulation(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperror.NotFound("simulation", id)
	}
	if err != nil {
		return nil, apperror.Internal(err)
	}
	if !cluster.CanSee(cred, sim.ClusterID, sim.OrganizationID) {
		return nil, apperror.NotFound("simulation", id)
	}
	return sim, nil
}

// ListOptions narrows List.
type ListOptions struct {
	ClusterID string
	Status    models.Status
	Limit     int
}

// List returns the simulations visible to cred, newest first.
func (s *Service) List(ctx context.Context, cred *auth.Credential, opts ListOptions) ([]*models.Simulation, error) {
	var errs field.ErrorList
	if opts.Status != "" && !opts.Status.Valid() {
		errs = append(errs, field.NotSupported(field.NewPath("status"), string(opts.Status), []string{
			string(models.StatusPending), string(models.StatusRunning), string(models.StatusCompleted),
			string(models.StatusFailed), string(models.StatusCancelled),
		}))
	}
	if opts.Limit < 0 || opts.Limit > maxListLimit {
		errs = append(errs, field.Invalid(field.NewPath("limit"), opts.Limit, fmt.Sprintf("must be between 0 and %d", maxListLimit)))
	}
	if err := apperror.Validation(errs); err != nil {
		return nil, err
	}

	f := storage.SimulationFilter{ClusterID: opts.ClusterID, Status: opts.Status, Limit: opts.Limit}
	if f.Limit == 0 {
		f.Limit = defaultListLimit
	}
	if cred.ClusterBound() {
		if opts.ClusterID != "" && opts.ClusterID != cred.ClusterID {
			return nil, apperror.ClusterMismatch(cred.ClusterID, opts.ClusterID)
		}
		f.ClusterID = cred.ClusterID
	} else {
		f.OrganizationID = cred.OrganizationID
	}

	sims, err := s.store.ListSimulations(ctx, f)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	return sims, nil
}

// Cancel moves a PENDING or RUNNING simulation to CANCELLED.
func (s *Service) Cancel(ctx context.Context, cred *auth.Credential, id string) (*models.Simulation, error) {
	if _, err := s.Get(ctx, cred, id); err != nil {
		return nil, err
	}

	prev, err := s.store.FinalizeSimulation(ctx, id,
		[]models.Status{models.StatusPending, models.StatusRunning},
		models.Finalization{Status: models.StatusCancelled, BasedOnResults: -1, At: s.clock.Now()},
	)
	switch {
	case errors.Is(err, storage.ErrAlreadyTerminal), errors.Is(err, storage.ErrInvalidTransition):
		return nil, apperror.InvalidTransition(string(prev), string(models.StatusCancelled))
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperror.NotFound("simulation", id)
	case err != nil:
		return nil, apperror.Internal(err)
	}

	s.metrics.RecordCompletion(string(models.StatusCancelled), false)
	s.log.Info("Cancelled simulation", "simulationId", id, "from", prev, "by", cred.Subject)
	return s.Get(ctx, cred, id)
}

// Delete removes a terminal simulation and its node results.
func (s *Service) Delete(ctx context.Context, cred *auth.Credential, id string) error {
	sim, err := s.Get(ctx, cred, id)
	if err != nil {
		return err
	}

	err = s.store.DeleteSimulation(ctx, id)
	switch {
	case errors.Is(err, storage.ErrInvalidTransition):
		return apperror.InvalidTransition(string(sim.Status), "DELETED")
	case errors.Is(err, storage.ErrNotFound):
		return apperror.NotFound("simulation", id)
	case err != nil:
		return apperror.Internal(err)
	}

	s.log.Info("Deleted simulation", "simulationId", id, "by", cred.Subject)
	return nil
}

// MarkTerminal writes the terminal status and result of a simulation. It reports
// whether this call performed the transition. Repeating the status already written
// is a no-op, while a different terminal status is AlreadyTerminal. When more node
// results arrived than fin.BasedOnResults, an error matching storage.ErrConflict is
// returned and the caller should merge again.
func (s *Service) MarkTerminal(ctx context.Context, id string, fin models.Finalization) (bool, error) {
	if !fin.Status.Terminal() {
		return false, apperror.InvalidTransition(string(models.StatusRunning), string(fin.Status))
	}
	if fin.At.IsZero() {
		fin.At = s.clock.Now()
	}

	from := []models.Status{models.StatusRunning}
	if fin.Status == models.StatusCancelled {
		from = append(from, models.StatusPending)
	}

	prev, err := s.store.FinalizeSimulation(ctx, id, from, fin)
	switch {
	case errors.Is(err, storage.ErrAlreadyTerminal):
		if prev == fin.Status {
			return false, nil
		}
		return false, apperror.AlreadyTerminal(string(prev), string(fin.Status))
	case errors.Is(err, storage.ErrInvalidTransition):
		return false, apperror.InvalidTransition(string(prev), string(fin.Status))
	case errors.Is(err, storage.ErrNotFound):
		return false, apperror.NotFound("simulation", id)
	case errors.Is(err, storage.ErrConflict):
		return false, err
	case err != nil:
		return false, apperror.Internal(err)
	}

	s.metrics.RecordCompletion(string(fin.Status), fin.Partial)
	return true, nil
}
