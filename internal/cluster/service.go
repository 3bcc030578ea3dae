// Package cluster tracks registered clusters and resolves which cluster a credential
// may act on.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/util/validation/field"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/apperror"
	"github.com/policy-hub/coordinator/internal/auth"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

// Store persists clusters.
type Store interface {
	UpsertCluster(ctx context.Context, c *models.Cluster, now time.Time) error
	RecordHeartbeat(ctx context.Context, clusterID, organizationID string, hb models.HeartbeatRequest, now time.Time) (*models.Cluster, error)
	GetCluster(ctx context.Context, id string) (*models.Cluster, error)
}

// Service is the cluster registry.
type Service struct {
	store                Store
	defaultExpectedNodes int
	clock                clock.PassiveClock
	log                  logr.Logger
}

// ServiceConfig contains configuration for the cluster registry.
type ServiceConfig struct {
	Store Store
	// DefaultExpectedNodes is used for clusters that never reported a node count
	DefaultExpectedNodes int
	Clock                clock.PassiveClock
	Logger               logr.Logger
}

// NewService creates a cluster registry.
func NewService(cfg ServiceConfig) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}
	def := cfg.DefaultExpectedNodes
	if def <= 0 {
		def = 1
	}
	return &Service{
		store:                cfg.Store,
		defaultExpectedNodes: def,
		clock:                clk,
		log:                  cfg.Logger.WithName("cluster"),
	}
}

// Heartbeat records that the credential's cluster is alive and how many nodes it runs.
func (s *Service) Heartbeat(ctx context.Context, cred *auth.Credential, hb models.HeartbeatRequest) (*models.Cluster, error) {
	clusterID, err := auth.RequireCluster(cred)
	if err != nil {
		return nil, err
	}
	if hb.NodeCount < 0 {
		return nil, apperror.Validation(field.ErrorList{field.Invalid(field.NewPath("nodeCount"), hb.NodeCount, "must not be negative")})
	}

	c, err := s.store.RecordHeartbeat(ctx, clusterID, cred.OrganizationID, hb, s.clock.Now())
	if err != nil {
		return nil, apperror.Internal(err)
	}
	s.log.V(1).Info("Heartbeat", "clusterId", c.ID, "nodeCount", c.NodeCount, "status", hb.Status)
	return c, nil
}

// Register creates or updates a cluster record.
func (s *Service) Register(ctx context.Context, c *models.Cluster) error {
	var errs field.ErrorList
	if c.ID == "" {
		errs = append(errs, field.Required(field.NewPath("id"), ""))
	}
	if c.OrganizationID == "" {
		errs = append(errs, field.Required(field.NewPath("organizationId"), ""))
	}
	if c.NodeCount < 0 {
		errs = append(errs, field.Invalid(field.NewPath("nodeCount"), c.NodeCount, "must not be negative"))
	}
	if err := apperror.Validation(errs); err != nil {
		return err
	}

	if err := s.store.UpsertCluster(ctx, c, s.clock.Now()); err != nil {
		return apperror.Internal(err)
	}
	s.log.Info("Registered cluster", "clusterId", c.ID, "organizationId", c.OrganizationID, "nodeCount", c.NodeCount)
	return nil
}

// ExpectedNodes returns the node count a new claim should wait for.
func (s *Service) ExpectedNodes(ctx context.Context, clusterID string) (int, error) {
	c, err := s.store.GetCluster(ctx, clusterID)
	if errors.Is(err, storage.ErrNotFound) {
		return s.defaultExpectedNodes, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cluster %s: %w", clusterID, err)
	}
	if c.NodeCount <= 0 {
		return s.defaultExpectedNodes, nil
	}
	return c.NodeCount, nil
}

// Target is the cluster an operation acts on.
type Target struct {
	ClusterID      string
	OrganizationID string
}

// Resolve picks the cluster a request targets. A cluster-bound credential always acts
// on its own cluster. An organization credential must name a cluster it owns.
func (s *Service) Resolve(ctx context.Context, cred *auth.Credential, requested string, fldPath *field.Path) (Target, error) {
	if cred.ClusterBound() {
		if requested != "" && requested != cred.ClusterID {
			return Target{}, apperror.ClusterMismatch(cred.ClusterID, requested)
		}
		return Target{ClusterID: cred.ClusterID, OrganizationID: cred.OrganizationID}, nil
	}

	if requested == "" {
		return Target{}, apperror.Validation(field.ErrorList{field.Required(fldPath, "organization credentials must name a cluster")})
	}
	c, err := s.store.GetCluster(ctx, requested)
	if errors.Is(err, storage.ErrNotFound) {
		return Target{}, apperror.NotFound("cluster", requested)
	}
	if err != nil {
		return Target{}, apperror.Internal(err)
	}
	if c.OrganizationID != cred.OrganizationID {
		return Target{}, apperror.NotFound("cluster", requested)
	}
	return Target{ClusterID: c.ID, OrganizationID: c.OrganizationID}, nil
}

// CanSee reports whether cred may read records of the given cluster and organization.
func CanSee(cred *auth.Credential, clusterID, organizationID string) bool {
	if cred.ClusterBound() {
		return cred.ClusterID == clusterID
	}
	return cred.OrganizationID != "" && cred.OrganizationID == organizationID
}
