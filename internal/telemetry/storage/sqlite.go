// Package storage persists simulations, validation telemetry, clusters and API tokens
// in SQLite. Shared records are changed with conditional updates or short immediate
// transactions so concurrent requests never partially apply a change.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded write lost against a concurrent change.
	ErrConflict = errors.New("conflict")
	// ErrAlreadyTerminal is returned when a simulation already reached a terminal status.
	ErrAlreadyTerminal = errors.New("simulation already terminal")
	// ErrInvalidTransition is returned when the current status does not allow the write.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the SQLite-backed persistence layer of the coordinator.
type Store struct {
	db     *sql.DB
	dbPath string
	log    logr.Logger
}

// StoreConfig contains configuration for the store.
type StoreConfig struct {
	// DBPath is the path to the SQLite database file
	DBPath string
	// Logger for logging
	Logger logr.Logger
}

// NewStore opens (creating if needed) the database and applies the schema.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.DBPath == "" {
		return nil, fmt.Errorf("database path is required")
	}

	dir := filepath.Dir(cfg.DBPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	// Immediate transactions take the write lock up front, so a read-then-write
	// inside a transaction cannot interleave with another writer.
	dsn := cfg.DBPath + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite doesn't handle concurrent writes well
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		dbPath: cfg.DBPath,
		log:    cfg.Logger.WithName("store"),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.log.Info("SQLite store initialized", "path", cfg.DBPath)
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS clusters (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		node_count INTEGER NOT NULL DEFAULT 0,
		operator_version TEXT NOT NULL DEFAULT '',
		last_heartbeat INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_clusters_org ON clusters(organization_id);

	CREATE TABLE IF NOT EXISTS simulations (
		id TEXT PRIMARY KEY,
		cluster_id TEXT NOT NULL,
		organization_id TEXT NOT NULL DEFAULT '',
		requested_by TEXT NOT NULL DEFAULT '',
		policy_content TEXT NOT NULL,
		policy_type TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER NOT NULL,
		namespaces TEXT NOT NULL DEFAULT '[]',
		include_details INTEGER NOT NULL DEFAULT 0,
		max_details INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL,
		expected_nodes INTEGER NOT NULL DEFAULT 0,
		aggregation_deadline INTEGER,
		result TEXT,
		partial INTEGER NOT NULL DEFAULT 0,
		completion_note TEXT NOT NULL DEFAULT '',
		flows_analyzed INTEGER NOT NULL DEFAULT 0,
		flows_allowed INTEGER NOT NULL DEFAULT 0,
		flows_denied INTEGER NOT NULL DEFAULT 0,
		flows_changed INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		started_at INTEGER,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_simulations_cluster_status ON simulations(cluster_id, status, created_at);
	CREATE INDEX IF NOT EXISTS idx_simulations_deadline ON simulations(status, aggregation_deadline);

	CREATE TABLE IF NOT EXISTS simulation_node_results (
		simulation_id TEXT NOT NULL,
		node_name TEXT NOT NULL,
		result TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (simulation_id, node_name)
	);

	CREATE TABLE IF NOT EXISTS validation_summaries (
		cluster_id TEXT NOT NULL,
		hour INTEGER NOT NULL,
		allowed_count INTEGER NOT NULL DEFAULT 0,
		blocked_count INTEGER NOT NULL DEFAULT 0,
		no_policy_count INTEGER NOT NULL DEFAULT 0,
		coverage_gaps TEXT NOT NULL DEFAULT '[]',
		top_blocked TEXT NOT NULL DEFAULT '[]',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (cluster_id, hour)
	);

	CREATE TABLE IF NOT EXISTS validation_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		cluster_id TEXT NOT NULL,
		node_name TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		verdict TEXT NOT NULL,
		src_namespace TEXT NOT NULL DEFAULT '',
		src_pod_name TEXT NOT NULL DEFAULT '',
		src_labels TEXT NOT NULL DEFAULT '',
		dst_namespace TEXT NOT NULL DEFAULT '',
		dst_pod_name TEXT NOT NULL DEFAULT '',
		dst_labels TEXT NOT NULL DEFAULT '',
		dst_port INTEGER NOT NULL DEFAULT 0,
		protocol TEXT NOT NULL DEFAULT '',
		matched_policy TEXT NOT NULL DEFAULT '',
		reason TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_validation_events_natural ON validation_events(
		cluster_id, timestamp, verdict, src_namespace, src_pod_name,
		dst_namespace, dst_pod_name, dst_port, protocol, matched_policy
	);
	CREATE INDEX IF NOT EXISTS idx_validation_events_time ON validation_events(timestamp);

	CREATE TABLE IF NOT EXISTS ingest_submissions (
		cluster_id TEXT NOT NULL,
		submission_id TEXT NOT NULL,
		received_at INTEGER NOT NULL,
		PRIMARY KEY (cluster_id, submission_id)
	);

	CREATE TABLE IF NOT EXISTS api_tokens (
		id TEXT PRIMARY KEY,
		prefix TEXT NOT NULL UNIQUE,
		hash TEXT NOT NULL UNIQUE,
		cluster_id TEXT NOT NULL DEFAULT '',
		organization_id TEXT NOT NULL DEFAULT '',
		scopes TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		revoked_at INTEGER
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Stats contains store statistics.
type Stats struct {
	SimulationsByStatus map[string]int64
	Summaries           int64
	Events              int64
	Clusters            int64
}

// GetStats returns store statistics.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{SimulationsByStatus: make(map[string]int64)}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM simulations GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count simulations: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		stats.SimulationsByStatus[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_summaries`).Scan(&stats.Summaries); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM validation_events`).Scan(&stats.Events); err != nil {
		return nil, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM clusters`).Scan(&stats.Clusters); err != nil {
		return nil, err
	}

	return stats, nil
}

// Vacuum runs VACUUM to reclaim space.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Close closes the SQLite database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMicro(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicro(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func nullMicro(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMicro(n.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
