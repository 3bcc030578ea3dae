package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/policy-hub/coordinator/internal/telemetry/merge"
	"github.com/policy-hub/coordinator/internal/telemetry/models"
	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

var testNow = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.NewStore(storage.StoreConfig{
		DBPath: filepath.Join(t.TempDir(), "test.db"),
		Logger: logr.Discard(),
	})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedEvents(t *testing.T, s *storage.Store, cluster string, ages ...time.Duration) {
	t.Helper()
	var events []models.ValidationEvent
	for i, age := range ages {
		events = append(events, models.ValidationEvent{
			Timestamp:    testNow.Add(-age),
			Verdict:      models.VerdictBlocked,
			SrcNamespace: "frontend",
			DstNamespace: "backend",
			DstPort:      8000 + i,
			Protocol:     "TCP",
			SrcLabels:    map[string]string{"app": "web"},
		})
	}
	mergeFn := func(existing *models.ValidationSummary, incoming models.ValidationSummary) models.ValidationSummary {
		return merge.MergeSummary(existing, incoming, merge.DefaultTopK)
	}
	batch := storage.ValidationBatch{ClusterID: cluster, NodeName: "node-a", Events: events}
	if _, err := s.IngestValidation(context.Background(), batch, mergeFn, testNow); err != nil {
		t.Fatalf("IngestValidation() error = %v", err)
	}
}

func TestNewArchiver_Validation(t *testing.T) {
	if _, err := NewArchiver(Config{After: time.Hour, Logger: logr.Discard()}); err == nil {
		t.Error("expected error for empty dir")
	}
	if _, err := NewArchiver(Config{Dir: t.TempDir(), Logger: logr.Discard()}); err == nil {
		t.Error("expected error for zero age")
	}
}

func TestArchiver_RunOnce(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	seedEvents(t, s, "c1", 72*time.Hour, 71*time.Hour, time.Hour)
	seedEvents(t, s, "c2", 72*time.Hour)

	a, err := NewArchiver(Config{
		Store:     s,
		Dir:       dir,
		After:     48 * time.Hour,
		BatchSize: 2,
		Clock:     testingclock.NewFakeClock(testNow),
		Logger:    logr.Discard(),
	})
	if err != nil {
		t.Fatalf("NewArchiver() error = %v", err)
	}

	n, err := a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 3 {
		t.Errorf("RunOnce() = %d, want 3", n)
	}

	left, err := s.CountEvents(ctx, "c1")
	if err != nil {
		t.Fatalf("CountEvents() error = %v", err)
	}
	if left != 1 {
		t.Errorf("c1 hot events = %d, want 1", left)
	}

	files, err := filepath.Glob(filepath.Join(dir, "2025-06-07", "*.parquet"))
	if err != nil {
		t.Fatalf("Glob() error = %v", err)
	}
	if len(files) < 2 {
		t.Fatalf("archive files = %v, want at least one per cluster", files)
	}

	var rows []ArchivedEvent
	for _, f := range files {
		r, err := ReadFile(f)
		if err != nil {
			t.Fatalf("ReadFile(%s) error = %v", f, err)
		}
		rows = append(rows, r...)
	}
	if len(rows) != 3 {
		t.Fatalf("archived rows = %d, want 3", len(rows))
	}
	e := rows[0].Event()
	if e.SrcNamespace != "frontend" || e.SrcLabels["app"] != "web" || e.Verdict != models.VerdictBlocked {
		t.Errorf("archived event = %+v", e)
	}

	stats := a.GetStats()
	if stats.TotalArchived != 3 || stats.TotalFiles < 2 {
		t.Errorf("stats = %+v", stats)
	}

	n, err = a.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce() second pass error = %v", err)
	}
	if n != 0 {
		t.Errorf("second RunOnce() = %d, want 0", n)
	}
}

func TestArchiver_StartStop(t *testing.T) {
	s := setupStore(t)
	dir := t.TempDir()
	seedEvents(t, s, "c1", 72*time.Hour)

	fc := testingclock.NewFakeClock(testNow)
	a, err := NewArchiver(Config{
		Store:    s,
		Dir:      dir,
		After:    48 * time.Hour,
		Interval: time.Minute,
		Clock:    fc,
		Logger:   logr.Discard(),
	})
	if err != nil {
		t.Fatalf("NewArchiver() error = %v", err)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer a.Stop()

	if !a.GetStats().Running {
		t.Error("Running = false after Start")
	}

	waitFor(t, fc.HasWaiters)
	fc.Step(time.Minute)
	waitFor(t, func() bool { return a.GetStats().TotalArchived == 1 })

	entries, err := os.ReadDir(filepath.Join(dir, "2025-06-07"))
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("archive files = %d, want 1", len(entries))
	}

	a.Stop()
	if a.GetStats().Running {
		t.Error("Running = true after Stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
