package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

const simulationColumns = `id, cluster_id, organization_id, requested_by, policy_content, policy_type,
	start_time, end_time, namespaces, include_details, max_details, status, expected_nodes,
	aggregation_deadline, result, partial, completion_note, flows_analyzed, flows_allowed,
	flows_denied, flows_changed, created_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSimulation(row rowScanner) (*models.Simulation, error) {
	var (
		sim                          models.Simulation
		policyType, status           string
		startTime, endTime, created  int64
		namespaces                   string
		includeDetails, partial      int
		deadline, started, completed sql.NullInt64
		result                       sql.NullString
	)

	if err := row.Scan(
		&sim.ID, &sim.ClusterID, &sim.OrganizationID, &sim.RequestedBy, &sim.PolicyContent, &policyType,
		&startTime, &endTime, &namespaces, &includeDetails, &sim.MaxDetails, &status, &sim.ExpectedNodes,
		&deadline, &result, &partial, &sim.CompletionNote, &sim.FlowsAnalyzed, &sim.FlowsAllowed,
		&sim.FlowsDenied, &sim.FlowsChanged, &created, &started, &completed,
	); err != nil {
		return nil, err
	}

	sim.PolicyType = models.PolicyType(policyType)
	sim.Status = models.Status(status)
	sim.StartTime = fromMicro(startTime)
	sim.EndTime = fromMicro(endTime)
	sim.CreatedAt = fromMicro(created)
	sim.IncludeDetails = includeDetails == 1
	sim.Partial = partial == 1
	sim.AggregationDeadline = timePtr(deadline)
	sim.StartedAt = timePtr(started)
	sim.CompletedAt = timePtr(completed)
	sim.ProcessedNodes = []string{}

	if namespaces != "" {
		if err := json.Unmarshal([]byte(namespaces), &sim.Namespaces); err != nil {
			return nil, fmt.Errorf("failed to decode namespaces: %w", err)
		}
	}
	if result.Valid && result.String != "" {
		sim.Result = &models.SimulationResult{}
		if err := json.Unmarshal([]byte(result.String), sim.Result); err != nil {
			return nil, fmt.Errorf("failed to decode result: %w", err)
		}
	}

	return &sim, nil
}

// CreateSimulation inserts a new simulation.
func (s *Store) CreateSimulation(ctx context.Context, sim *models.Simulation) error {
	namespaces, err := json.Marshal(sim.Namespaces)
	if err != nil {
		return fmt.Errorf("failed to encode namespaces: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO simulations
		(id, cluster_id, organization_id, requested_by, policy_content, policy_type,
		 start_time, end_time, namespaces, include_details, max_details, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		sim.ID, sim.ClusterID, sim.OrganizationID, sim.RequestedBy, sim.PolicyContent, string(sim.PolicyType),
		toMicro(sim.StartTime), toMicro(sim.EndTime), string(namespaces), boolInt(sim.IncludeDetails),
		sim.MaxDetails, string(sim.Status), toMicro(sim.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert simulation: %w", err)
	}

	s.log.V(1).Info("Created simulation", "simulationId", sim.ID, "clusterId", sim.ClusterID)
	return nil
}

// GetSimulation returns a simulation with its processed nodes and node results.
func (s *Store) GetSimulation(ctx context.Context, id string) (*models.Simulation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+simulationColumns+` FROM simulations WHERE id = ?`, id)
	sim, err := scanSimulation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get simulation: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_name, result FROM simulation_node_results
		WHERE simulation_id = ?
		ORDER BY received_at ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query node results: %w", err)
	}
	defer rows.Close()

	sim.NodeResults = make(map[string]*models.PartialResult)
	for rows.Next() {
		var node, raw string
		if err := rows.Scan(&node, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		var p models.PartialResult
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("failed to decode node result for %s: %w", node, err)
		}
		sim.ProcessedNodes = append(sim.ProcessedNodes, node)
		sim.NodeResults[node] = &p
	}

	return sim, rows.Err()
}

// ListActiveForNode returns up to limit PENDING or RUNNING simulations of a cluster,
// oldest first, that nodeName has not reported for yet.
func (s *Store) ListActiveForNode(ctx context.Context, clusterID, nodeName string, limit int) ([]*models.Simulation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+simulationColumns+` FROM simulations s
		WHERE s.cluster_id = ? AND s.status IN ('PENDING', 'RUNNING')
		  AND NOT EXISTS (
			SELECT 1 FROM simulation_node_results r
			WHERE r.simulation_id = s.id AND r.node_name = ?
		  )
		ORDER BY s.created_at ASC, s.rowid ASC
		LIMIT ?
	`, clusterID, nodeName, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query active simulations: %w", err)
	}
	defer rows.Close()

	var sims []*models.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sims = append(sims, sim)
	}
	return sims, rows.Err()
}

// SimulationFilter narrows ListSimulations.
type SimulationFilter struct {
	ClusterID      string
	OrganizationID string
	Status         models.Status
	Limit          int
}

// ListSimulations returns simulations matching the filter, newest first.
func (s *Store) ListSimulations(ctx context.Context, f SimulationFilter) ([]*models.Simulation, error) {
	query := `SELECT ` + simulationColumns + ` FROM simulations WHERE 1=1`
	var args []any

	if f.ClusterID != "" {
		query += " AND cluster_id = ?"
		args = append(args, f.ClusterID)
	}
	if f.OrganizationID != "" {
		query += " AND organization_id = ?"
		args = append(args, f.OrganizationID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var sims []*models.Simulation
	for rows.Next() {
		sim, err := scanSimulation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		sims = append(sims, sim)
	}
	return sims, rows.Err()
}

// ClaimPending moves a PENDING simulation to RUNNING and seeds its aggregation state.
// It returns false when another caller already claimed it.
func (s *Store) ClaimPending(ctx context.Context, id string, expectedNodes int, deadline, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE simulations
		SET status = 'RUNNING', expected_nodes = ?, aggregation_deadline = ?, started_at = ?
		WHERE id = ? AND status = 'PENDING'
	`, expectedNodes, toMicro(deadline), toMicro(now), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim simulation: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

// RecordNodeResult stores a node's partial result for a RUNNING simulation.
// Results for terminal simulations are discarded and a repeated node is a duplicate.
func (s *Store) RecordNodeResult(ctx context.Context, id, nodeName string, result *models.PartialResult, now time.Time) (models.SubmissionOutcome, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("failed to encode node result: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM simulations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}

	switch st := models.Status(status); {
	case st.Terminal():
		return models.OutcomeDiscarded, nil
	case st != models.StatusRunning:
		return "", fmt.Errorf("%w: simulation is %s", ErrInvalidTransition, st)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO simulation_node_results (simulation_id, node_name, result, received_at)
		VALUES (?, ?, ?, ?)
	`, id, nodeName, string(raw), toMicro(now))
	if err != nil {
		return "", fmt.Errorf("failed to insert node result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return models.OutcomeDuplicate, nil
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return models.OutcomeAccepted, nil
}

// FinalizeSimulation writes a terminal status (and result) when the current status is
// one of from. It returns the status found before the write. When fin.BasedOnResults is
// not negative and more node results exist than it states, ErrConflict is returned.
func (s *Store) FinalizeSimulation(ctx context.Context, id string, from []models.Status, fin models.Finalization) (models.Status, error) {
	var result sql.NullString
	var analyzed, allowed, denied, changed int64
	if fin.Result != nil {
		raw, err := json.Marshal(fin.Result)
		if err != nil {
			return "", fmt.Errorf("failed to encode result: %w", err)
		}
		result = sql.NullString{String: string(raw), Valid: true}
		analyzed = fin.Result.TotalFlowsAnalyzed
		allowed = fin.Result.AllowedCount
		denied = fin.Result.DeniedCount
		changed = fin.Result.WouldChangeCount
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT status, (SELECT COUNT(*) FROM simulation_node_results WHERE simulation_id = ?)
		FROM simulations WHERE id = ?
	`, id, id).Scan(&status, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read status: %w", err)
	}

	current := models.Status(status)
	if !containsStatus(from, current) {
		if current.Terminal() {
			return current, ErrAlreadyTerminal
		}
		return current, ErrInvalidTransition
	}
	if fin.BasedOnResults >= 0 && count != fin.BasedOnResults {
		return current, fmt.Errorf("%w: merged %d node results, %d stored", ErrConflict, fin.BasedOnResults, count)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE simulations
		SET status = ?, result = ?, partial = ?, completion_note = ?,
		    flows_analyzed = ?, flows_allowed = ?, flows_denied = ?, flows_changed = ?,
		    completed_at = ?
		WHERE id = ? AND status = ?
	`,
		string(fin.Status), result, boolInt(fin.Partial), fin.Note,
		analyzed, allowed, denied, changed,
		toMicro(fin.At), id, status,
	)
	if err != nil {
		return current, fmt.Errorf("failed to finalize simulation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return current, fmt.Errorf("failed to commit: %w", err)
	}

	s.log.V(1).Info("Finalized simulation", "simulationId", id, "from", current, "to", fin.Status, "partial", fin.Partial)
	return current, nil
}

// DeleteSimulation removes a terminal simulation and its node results.
func (s *Store) DeleteSimulation(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM simulations WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read status: %w", err)
	}
	if !models.Status(status).Terminal() {
		return fmt.Errorf("%w: simulation is %s", ErrInvalidTransition, status)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM simulation_node_results WHERE simulation_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete node results: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM simulations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete simulation: %w", err)
	}

	return tx.Commit()
}

// ListExpiredRunning returns ids of RUNNING simulations whose deadline is before now.
func (s *Store) ListExpiredRunning(ctx context.Context, now time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM simulations
		WHERE status = 'RUNNING' AND aggregation_deadline IS NOT NULL AND aggregation_deadline < ?
		ORDER BY aggregation_deadline ASC
		LIMIT ?
	`, toMicro(now), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query expired simulations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func containsStatus(list []models.Status, s models.Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
