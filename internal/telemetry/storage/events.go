package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/policy-hub/coordinator/internal/telemetry/models"
)

// StoredEvent is a validation event as persisted, with its owner and row id.
type StoredEvent struct {
	ID         int64
	ClusterID  string
	NodeName   string
	ReceivedAt time.Time
	models.ValidationEvent
}

func insertEventsTx(ctx context.Context, tx *sql.Tx, clusterID, nodeName string, events []models.ValidationEvent, now time.Time) (int, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO validation_events
		(cluster_id, node_name, timestamp, verdict, src_namespace, src_pod_name, src_labels,
		 dst_namespace, dst_pod_name, dst_labels, dst_port, protocol, matched_policy, reason, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	created := 0
	for _, e := range events {
		res, err := stmt.ExecContext(ctx,
			clusterID, nodeName, toMicro(e.Timestamp), string(e.Verdict),
			e.SrcNamespace, e.SrcPodName, encodeLabels(e.SrcLabels),
			e.DstNamespace, e.DstPodName, encodeLabels(e.DstLabels),
			e.DstPort, e.Protocol, e.MatchedPolicy, e.Reason, toMicro(now),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			created++
		}
	}
	return created, nil
}

// ListEventsBefore returns up to limit events whose timestamp is before cutoff, oldest first.
func (s *Store) ListEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster_id, node_name, timestamp, verdict, src_namespace, src_pod_name, src_labels,
		       dst_namespace, dst_pod_name, dst_labels, dst_port, protocol, matched_policy, reason, received_at
		FROM validation_events
		WHERE timestamp < ?
		ORDER BY timestamp ASC, id ASC
		LIMIT ?
	`, toMicro(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			e                    StoredEvent
			ts, received         int64
			verdict              string
			srcLabels, dstLabels string
		)
		if err := rows.Scan(
			&e.ID, &e.ClusterID, &e.NodeName, &ts, &verdict, &e.SrcNamespace, &e.SrcPodName, &srcLabels,
			&e.DstNamespace, &e.DstPodName, &dstLabels, &e.DstPort, &e.Protocol, &e.MatchedPolicy, &e.Reason, &received,
		); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.Timestamp = fromMicro(ts)
		e.ReceivedAt = fromMicro(received)
		e.Verdict = models.Verdict(verdict)
		e.SrcLabels = decodeLabels(srcLabels)
		e.DstLabels = decodeLabels(dstLabels)
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEvents removes events by row id.
func (s *Store) DeleteEvents(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM validation_events WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete events: %w", err)
	}
	return res.RowsAffected()
}

// CountEvents returns the number of stored events of a cluster.
func (s *Store) CountEvents(ctx context.Context, clusterID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_events WHERE cluster_id = ?`, clusterID).Scan(&n)
	return n, err
}

func encodeLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	data, err := json.Marshal(labels)
	if err != nil {
		return ""
	}
	return string(data)
}

func decodeLabels(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var labels map[string]string
	if err := json.Unmarshal([]byte(raw), &labels); err != nil {
		return nil
	}
	return labels
}
