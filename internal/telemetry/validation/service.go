// Package validation ingests the hourly validation telemetry nodes report and serves
// per-cluster summaries over it.
package validation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/retry"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/cluster"
	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/telemetry/ingest"
	"github.com/policy-hub/coordinator/internal/telemetry/merge"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

// Store persists validation summaries and events.
type Store interface {
	IngestValidation(ctx context.Context, batch storage.ValidationBatch, merge storage.SummaryMergeFunc, now time.Time) (*models.IngestResult, error)
	ListSummaries(ctx context.Context, clusterID string, since time.Time) ([]models.ValidationSummary, error)
}

// Service is the validation telemetry service.
type Service struct {
	store        Store
	clusters     *cluster.Service
	validator    *ingest.Validator
	topK         int
	defaultHours int
	maxHours     int
	backoff      wait.Backoff
	clock        clock.PassiveClock
	metrics      *metrics.Recorder
	log          logr.Logger
}

// ServiceConfig contains configuration for the validation telemetry service.
type ServiceConfig struct {
	Store     Store
	Clusters  *cluster.Service
	Validator *ingest.Validator
	// TopK caps the coverage gap and blocked flow lists kept per hour
	TopK int
	// DefaultHours is the summary window when the caller sets none
	DefaultHours int
	// MaxHours is the largest summary window accepted
	MaxHours int
	// ConflictRetries bounds re-merges when concurrent ingests touch the same hour
	ConflictRetries int
	Clock           clock.PassiveClock
	Metrics         *metrics.Recorder
	Logger          logr.Logger
}

// NewService creates a validation telemetry service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = 20
	}
	if cfg.DefaultHours <= 0 {
		cfg.DefaultHours = 24
	}
	if cfg.MaxHours <= 0 {
		cfg.MaxHours = 720
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 5
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Service{
		store:        cfg.Store,
		clusters:     cfg.Clusters,
		validator:    cfg.Validator,
		topK:         cfg.TopK,
		defaultHours: cfg.DefaultHours,
		maxHours:     cfg.MaxHours,
		backoff: wait.Backoff{
			Steps:    cfg.ConflictRetries,
			Duration: 5 * time.Millisecond,
			Factor:   2.0,
			Jitter:   0.1,
		},
		clock:   clk,
		metrics: cfg.Metrics,
		log:     cfg.Logger.WithName("validation"),
	}
}

// Ingest merges a node's summaries into their (cluster, hour) rows and stores its
// events. The call applies everything or nothing, and a repeated submission id is
// reported as a duplicate without changing any row.
func (s *Service) Ingest(ctx context.Context, cred *auth.Credential, in *models.ValidationIngestion) (*models.IngestResult, error) {
	ctx, span := metrics.Tracer().Start(ctx, "validation.Ingest")
	defer span.End()

	if err := apperror.Validation(s.validator.ValidateValidationIngestion(in)); err != nil {
		return nil, err
	}
	target, err := s.clusters.Resolve(ctx, cred, in.ClusterID, field.NewPath("clusterId"))
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("cluster.id", target.ClusterID),
		attribute.Int("summaries", len(in.Summaries)),
		attribute.Int("events", len(in.Events)),
	)

	batch := storage.ValidationBatch{
		ClusterID:    target.ClusterID,
		NodeName:     in.NodeName,
		SubmissionID: in.SubmissionID,
		Summaries:    in.Summaries,
		Events:       in.Events,
	}
	mergeFn := func(existing *models.ValidationSummary, incoming models.ValidationSummary) models.ValidationSummary {
		return merge.MergeSummary(existing, incoming, s.topK)
	}

	var result *models.IngestResult
	err = retry.OnError(s.backoff, isConflict, func() error {
		var err error
		result, err = s.store.IngestValidation(ctx, batch, mergeFn, s.clock.Now())
		if isConflict(err) {
			s.metrics.RecordIngestConflict()
			s.log.V(1).Info("Summary changed during merge, retrying", "clusterId", target.ClusterID)
		}
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if isConflict(err) {
			err = fmt.Errorf("summaries still changing after retries: %w", err)
		}
		return nil, apperror.Internal(err)
	}

	if result.Duplicate {
		s.log.V(1).Info("Skipped repeated submission", "clusterId", target.ClusterID, "submissionId", in.SubmissionID)
		return result, nil
	}
	s.metrics.RecordIngest(result.SummariesUpserted, result.EventsCreated)
	s.log.V(1).Info("Ingested validation telemetry",
		"clusterId", target.ClusterID,
		"node", in.NodeName,
		"summaries", result.SummariesUpserted,
		"events", result.EventsCreated,
	)
	return result, nil
}

// Summary aggregates the trailing hours of a cluster's validation telemetry, the current
// hour included. A zero hours uses the default window.
func (s *Service) Summary(ctx context.Context, cred *auth.Credential, clusterID string, hours int) (*models.SummaryReport, error) {
	if hours == 0 {
		hours = s.defaultHours
	}
	if hours < 1 || hours > s.maxHours {
		return nil, apperror.Validation(field.ErrorList{
			field.Invalid(field.NewPath("hours"), hours, fmt.Sprintf("must be between 1 and %d", s.maxHours)),
		})
	}
	target, err := s.clusters.Resolve(ctx, cred, clusterID, field.NewPath("clusterId"))
	if err != nil {
		return nil, err
	}

	since := models.TruncateToHour(s.clock.Now()).Add(-time.Duration(hours-1) * time.Hour)
	hourly, err := s.store.ListSummaries(ctx, target.ClusterID, since)
	if err != nil {
		return nil, apperror.Internal(err)
	}
	if hourly == nil {
		hourly = []models.ValidationSummary{}
	}

	return &models.SummaryReport{
		ClusterID: target.ClusterID,
		Hours:     hours,
		Since:     since,
		Totals:    Totals(hourly, s.topK),
		Hourly:    hourly,
	}, nil
}

// Totals sums hourly summaries and merges their top-K lists. Coverage is the share of
// flows governed by some policy, 0 when there were no flows.
func Totals(hourly []models.ValidationSummary, topK int) models.SummaryTotals {
	var t models.SummaryTotals
	for _, h := range hourly {
		t.AllowedCount = merge.AddCounter(t.AllowedCount, h.AllowedCount)
		t.BlockedCount = merge.AddCounter(t.BlockedCount, h.BlockedCount)
		t.NoPolicyCount = merge.AddCounter(t.NoPolicyCount, h.NoPolicyCount)
		t.CoverageGaps = merge.MergeCoverageGaps(t.CoverageGaps, h.CoverageGaps, topK)
		t.TopBlocked = merge.MergeTopBlocked(t.TopBlocked, h.TopBlocked, topK)
	}
	governed := merge.AddCounter(t.AllowedCount, t.BlockedCount)
	t.TotalFlows = merge.AddCounter(governed, t.NoPolicyCount)
	if t.TotalFlows > 0 {
		t.CoveragePercent = float64(governed) / float64(t.TotalFlows) * 100
	}
	return t
}

func isConflict(err error) bool {
	return errors.Is(err, storage.ErrConflict)
}
