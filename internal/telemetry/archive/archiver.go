package archive

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/policy-hub/coordinator/internal/metrics"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

const defaultBatchSize = 5000

// EventStore is the subset of the store the archiver needs.
type EventStore interface {
	ListEventsBefore(ctx context.Context, cutoff time.Time, limit int) ([]storage.StoredEvent, error)
	DeleteEvents(ctx context.Context, ids []int64) (int64, error)
}

// Archiver periodically writes events older than After to Parquet and removes them
// from the hot table. Summaries are never touched.
type Archiver struct {
	store     EventStore
	dir       string
	after     time.Duration
	interval  time.Duration
	batchSize int
	clock     clock.WithTicker
	metrics   *metrics.Recorder
	log       logr.Logger

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	lastNano int64

	totalArchived int64
	totalFiles    int64
	totalErrors   int64
}

// Config contains configuration for the archiver.
type Config struct {
	Store EventStore
	// Dir is the root of the date-partitioned archive
	Dir string
	// After is the event age at which events are archived
	After time.Duration
	// Interval between passes (default: 1 hour)
	Interval time.Duration
	// BatchSize caps events read per store query (default: 5000)
	BatchSize int
	Clock     clock.WithTicker
	Metrics   *metrics.Recorder
	Logger    logr.Logger
}

// NewArchiver creates a new archiver.
func NewArchiver(cfg Config) (*Archiver, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("archive directory is required")
	}
	if cfg.After <= 0 {
		return nil, fmt.Errorf("archive age must be positive")
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Hour
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Archiver{
		store:     cfg.Store,
		dir:       cfg.Dir,
		after:     cfg.After,
		interval:  interval,
		batchSize: batchSize,
		clock:     clk,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.WithName("archiver"),
	}, nil
}

// Start begins the periodic archive loop.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.running = true
	a.mu.Unlock()

	a.log.Info("Starting archiver", "dir", a.dir, "after", a.after, "interval", a.interval)

	go a.run(ctx)
	return nil
}

// Stop stops the archive loop.
func (a *Archiver) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.running = false
	a.log.Info("Archiver stopped")
}

func (a *Archiver) run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if _, err := a.RunOnce(ctx); err != nil {
				a.log.Error(err, "Archive pass failed")
			}
		}
	}
}

type partition struct {
	date      string
	clusterID string
}

// RunOnce archives every event older than the cutoff and returns how many moved.
// Each batch is written to disk before its rows are deleted.
func (a *Archiver) RunOnce(ctx context.Context) (int, error) {
	cutoff := a.clock.Now().Add(-a.after)
	archived := 0

	for {
		events, err := a.store.ListEventsBefore(ctx, cutoff, a.batchSize)
		if err != nil {
			a.recordError()
			return archived, err
		}
		if len(events) == 0 {
			break
		}

		groups := make(map[partition][]storage.StoredEvent)
		for _, e := range events {
			p := partition{date: e.Timestamp.UTC().Format("2006-01-02"), clusterID: e.ClusterID}
			groups[p] = append(groups[p], e)
		}

		keys := make([]partition, 0, len(groups))
		for p := range groups {
			keys = append(keys, p)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].date != keys[j].date {
				return keys[i].date < keys[j].date
			}
			return keys[i].clusterID < keys[j].clusterID
		})

		for _, p := range keys {
			group := groups[p]
			path := filepath.Join(a.dir, p.date, fmt.Sprintf("%s-%d.parquet", p.clusterID, a.nextNano()))
			if err := WriteFile(path, group); err != nil {
				a.recordError()
				return archived, err
			}

			ids := make([]int64, len(group))
			for i, e := range group {
				ids[i] = e.ID
			}
			if _, err := a.store.DeleteEvents(ctx, ids); err != nil {
				a.recordError()
				return archived, fmt.Errorf("failed to delete archived events: %w", err)
			}

			archived += len(group)
			a.metrics.RecordArchived(len(group))
			a.mu.Lock()
			a.totalArchived += int64(len(group))
			a.totalFiles++
			a.mu.Unlock()

			a.log.V(1).Info("Archived events", "path", path, "count", len(group))
		}

		if len(events) < a.batchSize {
			break
		}
	}

	if archived > 0 {
		a.log.Info("Archive pass complete", "archived", archived, "cutoff", cutoff)
	}
	return archived, nil
}

// nextNano returns a strictly increasing file suffix.
func (a *Archiver) nextNano() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := a.clock.Now().UnixNano()
	if n <= a.lastNano {
		n = a.lastNano + 1
	}
	a.lastNano = n
	return n
}

func (a *Archiver) recordError() {
	a.mu.Lock()
	a.totalErrors++
	a.mu.Unlock()
}

// Stats contains archiver statistics.
type Stats struct {
	Running       bool
	TotalArchived int64
	TotalFiles    int64
	TotalErrors   int64
}

// GetStats returns archiver statistics.
func (a *Archiver) GetStats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()

	return Stats{
		Running:       a.running,
		TotalArchived: a.totalArchived,
		TotalFiles:    a.totalFiles,
		TotalErrors:   a.totalErrors,
	}
}
