package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

func TestRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.RecordPoll(0)
	r.RecordPoll(3)
	r.RecordClaim()
	r.RecordNodeResult("accepted")
	r.RecordCompletion("COMPLETED", true)
	r.RecordIngest(2, 5)
	r.ObserveHTTP("/simulation", "POST", 200, 10*time.Millisecond)

	if got := testutil.ToFloat64(r.polls.WithLabelValues("work")); got != 1 {
		t.Errorf("polls{work} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.workItems); got != 3 {
		t.Errorf("work items = %v, want 3", got)
	}
	if got := testutil.ToFloat64(r.completions.WithLabelValues("COMPLETED", "true")); got != 1 {
		t.Errorf("completions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.eventsIngested); got != 5 {
		t.Errorf("events ingested = %v, want 5", got)
	}
	if n := testutil.CollectAndCount(r.httpDuration); n != 1 {
		t.Errorf("http duration series = %d, want 1", n)
	}
}

func TestRecorder_Nil(t *testing.T) {
	var r *Recorder
	r.RecordPoll(1)
	r.RecordClaim()
	r.RecordCompletion("FAILED", false)
	r.ObserveHTTP("/", "GET", 500, time.Second)
}

func TestSetupTracing_NoEndpoint(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	if err != nil {
		t.Fatalf("SetupTracing() error = %v", err)
	}
	_, span := Tracer().Start(context.Background(), "test")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

type fakeStats struct {
	stats *storage.Stats
	err   error
}

func (f fakeStats) GetStats(context.Context) (*storage.Stats, error) {
	return f.stats, f.err
}

func TestStoreCollector(t *testing.T) {
	c := NewStoreCollector(fakeStats{stats: &storage.Stats{
		SimulationsByStatus: map[string]int64{"PENDING": 2, "COMPLETED": 5},
		Summaries:           7,
		Events:              11,
		Clusters:            1,
	}}, logr.Discard())

	if n := testutil.CollectAndCount(c); n != 5 {
		t.Errorf("CollectAndCount() = %d, want 5", n)
	}

	failing := NewStoreCollector(fakeStats{err: errors.New("closed")}, logr.Discard())
	if n := testutil.CollectAndCount(failing); n != 0 {
		t.Errorf("CollectAndCount() on error = %d, want 0", n)
	}
}
