package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

// UpsertCluster registers a cluster or updates its organization, name and node count.
func (s *Store) UpsertCluster(ctx context.Context, c *models.Cluster, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clusters (id, organization_id, name, node_count, operator_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			organization_id = excluded.organization_id,
			name = excluded.name,
			node_count = excluded.node_count
	`, c.ID, c.OrganizationID, c.Name, c.NodeCount, c.OperatorVersion, toMicro(now))
	if err != nil {
		return fmt.Errorf("failed to upsert cluster: %w", err)
	}
	return nil
}

// RecordHeartbeat stores the last-seen time of a cluster, creating it on first contact.
// The node count is only replaced when the heartbeat reports one.
func (s *Store) RecordHeartbeat(ctx context.Context, clusterID, organizationID string, hb models.HeartbeatRequest, now time.Time) (*models.Cluster, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clusters (id, organization_id, node_count, operator_version, last_heartbeat, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			node_count = CASE WHEN excluded.node_count > 0 THEN excluded.node_count ELSE clusters.node_count END,
			operator_version = CASE WHEN excluded.operator_version != '' THEN excluded.operator_version ELSE clusters.operator_version END,
			last_heartbeat = excluded.last_heartbeat
	`, clusterID, organizationID, hb.NodeCount, hb.OperatorVersion, toMicro(now), toMicro(now))
	if err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return s.GetCluster(ctx, clusterID)
}

// GetCluster returns a registered cluster.
func (s *Store) GetCluster(ctx context.Context, id string) (*models.Cluster, error) {
	var (
		c  models.Cluster
		hb sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, node_count, operator_version, last_heartbeat
		FROM clusters WHERE id = ?
	`, id).Scan(&c.ID, &c.OrganizationID, &c.Name, &c.NodeCount, &c.OperatorVersion, &hb)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cluster: %w", err)
	}
	c.LastHeartbeat = timePtr(hb)
	return &c, nil
}
