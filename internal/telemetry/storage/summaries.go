package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

// SummaryMergeFunc folds incoming into existing (nil on first ingest for the hour).
type SummaryMergeFunc func(existing *models.ValidationSummary, incoming models.ValidationSummary) models.ValidationSummary

// ValidationBatch is one node's validation ingestion, already validated.
type ValidationBatch struct {
	ClusterID    string
	NodeName     string
	SubmissionID string
	Summaries    []models.ValidationSummary
	Events       []models.ValidationEvent
}

// IngestValidation applies a validation batch in a single transaction: every summary is
// merged into its (cluster, hour) row and every event is inserted unless already present.
// A repeated submission id applies nothing and reports Duplicate.
func (s *Store) IngestValidation(ctx context.Context, batch ValidationBatch, merge SummaryMergeFunc, now time.Time) (*models.IngestResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result := &models.IngestResult{Success: true}

	if batch.SubmissionID != "" {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO ingest_submissions (cluster_id, submission_id, received_at)
			VALUES (?, ?, ?)
		`, batch.ClusterID, batch.SubmissionID, toMicro(now))
		if err != nil {
			return nil, fmt.Errorf("failed to record submission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Duplicate = true
			return result, nil
		}
	}

	for _, summary := range batch.Summaries {
		if err := s.mergeSummaryTx(ctx, tx, batch.ClusterID, summary, merge, now); err != nil {
			return nil, err
		}
		result.SummariesUpserted++
	}

	if len(batch.Events) > 0 {
		created, err := insertEventsTx(ctx, tx, batch.ClusterID, batch.NodeName, batch.Events, now)
		if err != nil {
			return nil, err
		}
		result.EventsCreated = created
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	s.log.V(1).Info("Ingested validation batch",
		"clusterId", batch.ClusterID,
		"summaries", result.SummariesUpserted,
		"events", result.EventsCreated)
	return result, nil
}

// mergeSummaryTx reads the current row, merges, and writes back guarded on the version
// read. The merge function computes counters and top-K lists; the row is overwritten
// with its output so every sum goes through the same saturating addition.
func (s *Store) mergeSummaryTx(ctx context.Context, tx *sql.Tx, clusterID string, incoming models.ValidationSummary, merge SummaryMergeFunc, now time.Time) error {
	hour := models.TruncateToHour(incoming.Hour)
	incoming.Hour = hour

	existing, version, err := getSummaryTx(ctx, tx, clusterID, hour)
	if err != nil {
		return err
	}

	merged := merge(existing, incoming)
	gaps, err := json.Marshal(merged.CoverageGaps)
	if err != nil {
		return fmt.Errorf("failed to encode coverage gaps: %w", err)
	}
	blocked, err := json.Marshal(merged.TopBlocked)
	if err != nil {
		return fmt.Errorf("failed to encode top blocked: %w", err)
	}

	if existing == nil {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO validation_summaries
			(cluster_id, hour, allowed_count, blocked_count, no_policy_count, coverage_gaps, top_blocked, version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)
		`, clusterID, hour.Unix(), incoming.AllowedCount, incoming.BlockedCount, incoming.NoPolicyCount,
			string(gaps), string(blocked), toMicro(now))
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: summary %s/%s inserted concurrently", ErrConflict, clusterID, hour.Format(time.RFC3339))
		}
		if err != nil {
			return fmt.Errorf("failed to insert summary: %w", err)
		}
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE validation_summaries
		SET allowed_count = ?,
		    blocked_count = ?,
		    no_policy_count = ?,
		    coverage_gaps = ?,
		    top_blocked = ?,
		    version = version + 1,
		    updated_at = ?
		WHERE cluster_id = ? AND hour = ? AND version = ?
	`, merged.AllowedCount, merged.BlockedCount, merged.NoPolicyCount,
		string(gaps), string(blocked), toMicro(now), clusterID, hour.Unix(), version)
	if err != nil {
		return fmt.Errorf("failed to update summary: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("%w: summary %s/%s changed concurrently", ErrConflict, clusterID, hour.Format(time.RFC3339))
	}
	return nil
}

func getSummaryTx(ctx context.Context, tx *sql.Tx, clusterID string, hour time.Time) (*models.ValidationSummary, int64, error) {
	var (
		summary       models.ValidationSummary
		gaps, blocked string
		version       int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT allowed_count, blocked_count, no_policy_count, coverage_gaps, top_blocked, version
		FROM validation_summaries WHERE cluster_id = ? AND hour = ?
	`, clusterID, hour.Unix()).Scan(
		&summary.AllowedCount, &summary.BlockedCount, &summary.NoPolicyCount, &gaps, &blocked, &version,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read summary: %w", err)
	}

	summary.Hour = hour
	if err := decodeTopK(gaps, blocked, &summary); err != nil {
		return nil, 0, err
	}
	return &summary, version, nil
}

func decodeTopK(gaps, blocked string, summary *models.ValidationSummary) error {
	if err := json.Unmarshal([]byte(gaps), &summary.CoverageGaps); err != nil {
		return fmt.Errorf("failed to decode coverage gaps: %w", err)
	}
	if err := json.Unmarshal([]byte(blocked), &summary.TopBlocked); err != nil {
		return fmt.Errorf("failed to decode top blocked: %w", err)
	}
	return nil
}

// GetSummary returns the summary for one (cluster, hour).
func (s *Store) GetSummary(ctx context.Context, clusterID string, hour time.Time) (*models.ValidationSummary, error) {
	summaries, err := s.listSummaries(ctx, `WHERE cluster_id = ? AND hour = ?`, clusterID, models.TruncateToHour(hour).Unix())
	if err != nil {
		return nil, err
	}
	if len(summaries) == 0 {
		return nil, ErrNotFound
	}
	return &summaries[0], nil
}

// ListSummaries returns a cluster's summaries with hour >= since, oldest first.
func (s *Store) ListSummaries(ctx context.Context, clusterID string, since time.Time) ([]models.ValidationSummary, error) {
	return s.listSummaries(ctx, `WHERE cluster_id = ? AND hour >= ?`, clusterID, models.TruncateToHour(since).Unix())
}

func (s *Store) listSummaries(ctx context.Context, where string, args ...any) ([]models.ValidationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT hour, allowed_count, blocked_count, no_policy_count, coverage_gaps, top_blocked
		FROM validation_summaries `+where+`
		ORDER BY hour ASC
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer rows.Close()

	var summaries []models.ValidationSummary
	for rows.Next() {
		var (
			summary       models.ValidationSummary
			hour          int64
			gaps, blocked string
		)
		if err := rows.Scan(&hour, &summary.AllowedCount, &summary.BlockedCount, &summary.NoPolicyCount, &gaps, &blocked); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		summary.Hour = time.Unix(hour, 0).UTC()
		if err := decodeTopK(gaps, blocked, &summary); err != nil {
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	return summaries, rows.Err()
}
