// Package metrics exposes the coordinator's Prometheus metrics. A nil *Recorder is
// valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "policyhub_coordinator"

// Recorder holds the coordinator's collectors.
type Recorder struct {
	polls             *prometheus.CounterVec
	workItems         prometheus.Counter
	claims            prometheus.Counter
	nodeResults       *prometheus.CounterVec
	completions       *prometheus.CounterVec
	simulations       *prometheus.CounterVec
	summariesIngested prometheus.Counter
	eventsIngested    prometheus.Counter
	ingestConflicts   prometheus.Counter
	eventsArchived    prometheus.Counter
	httpDuration      *prometheus.HistogramVec
	grpcRequests      *prometheus.CounterVec
}

// NewRecorder registers every collector on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Node polls for simulation work, by whether work was returned",
		}, []string{"result"}),
		workItems: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "work_items_dispatched_total",
			Help:      "Simulation work items handed to nodes",
		}),
		claims: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulation_claims_total",
			Help:      "PENDING simulations moved to RUNNING by a poll",
		}),
		nodeResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_results_total",
			Help:      "Node partial results, by outcome",
		}, []string{"outcome"}),
		completions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulation_completions_total",
			Help:      "Simulations reaching a terminal status",
		}, []string{"status", "partial"}),
		simulations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "simulations_created_total",
			Help:      "Simulations created, by policy type",
		}, []string{"policy_type"}),
		summariesIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_summaries_upserted_total",
			Help:      "Hourly validation summaries merged",
		}),
		eventsIngested: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_events_created_total",
			Help:      "Validation events stored",
		}),
		ingestConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_ingest_conflicts_total",
			Help:      "Summary version conflicts that forced an ingest retry",
		}),
		eventsArchived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_events_archived_total",
			Help:      "Validation events moved to Parquet",
		}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status code",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method", "code"}),
		grpcRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and status code",
		}, []string{"method", "code"}),
	}
}

// RecordPoll counts a poll and the work it returned.
func (r *Recorder) RecordPoll(items int) {
	if r == nil {
		return
	}
	result := "empty"
	if items > 0 {
		result = "work"
	}
	r.polls.WithLabelValues(result).Inc()
	r.workItems.Add(float64(items))
}

// RecordClaim counts a won claim.
func (r *Recorder) RecordClaim() {
	if r == nil {
		return
	}
	r.claims.Inc()
}

// RecordNodeResult counts a node result by outcome.
func (r *Recorder) RecordNodeResult(outcome string) {
	if r == nil {
		return
	}
	r.nodeResults.WithLabelValues(outcome).Inc()
}

// RecordCompletion counts a terminal transition.
func (r *Recorder) RecordCompletion(status string, partial bool) {
	if r == nil {
		return
	}
	r.completions.WithLabelValues(status, strconv.FormatBool(partial)).Inc()
}

// RecordSimulationCreated counts a new simulation.
func (r *Recorder) RecordSimulationCreated(policyType string) {
	if r == nil {
		return
	}
	r.simulations.WithLabelValues(policyType).Inc()
}

// RecordIngest counts what a validation ingest stored.
func (r *Recorder) RecordIngest(summaries, events int) {
	if r == nil {
		return
	}
	r.summariesIngested.Add(float64(summaries))
	r.eventsIngested.Add(float64(events))
}

// RecordIngestConflict counts a retried summary conflict.
func (r *Recorder) RecordIngestConflict() {
	if r == nil {
		return
	}
	r.ingestConflicts.Inc()
}

// RecordArchived counts archived events.
func (r *Recorder) RecordArchived(n int) {
	if r == nil {
		return
	}
	r.eventsArchived.Add(float64(n))
}

// ObserveHTTP records the latency of one HTTP request.
func (r *Recorder) ObserveHTTP(route, method string, code int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpDuration.WithLabelValues(route, method, strconv.Itoa(code)).Observe(d.Seconds())
}

// RecordGRPC counts one gRPC request.
func (r *Recorder) RecordGRPC(method, code string) {
	if r == nil {
		return
	}
	r.grpcRequests.WithLabelValues(method, code).Inc()
}
