package metrics

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/policy-hub/coordinator/internal/telemetry/storage"
)

// StatsSource reports store statistics.
type StatsSource interface {
	GetStats(ctx context.Context) (*storage.Stats, error)
}

// StoreCollector exports store statistics as gauges, read on every scrape.
type StoreCollector struct {
	source  StatsSource
	timeout time.Duration
	log     logr.Logger

	simulations *prometheus.Desc
	summaries   *prometheus.Desc
	events      *prometheus.Desc
	clusters    *prometheus.Desc
}

// NewStoreCollector creates a collector over source.
func NewStoreCollector(source StatsSource, log logr.Logger) *StoreCollector {
	return &StoreCollector{
		source:      source,
		timeout:     5 * time.Second,
		log:         log.WithName("store-collector"),
		simulations: prometheus.NewDesc(namespace+"_simulations", "Stored simulations by status", []string{"status"}, nil),
		summaries:   prometheus.NewDesc(namespace+"_validation_summaries", "Stored hourly validation summaries", nil, nil),
		events:      prometheus.NewDesc(namespace+"_validation_events", "Validation events in the hot table", nil, nil),
		clusters:    prometheus.NewDesc(namespace+"_clusters", "Registered clusters", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StoreCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.simulations
	ch <- c.summaries
	ch <- c.events
	ch <- c.clusters
}

// Collect implements prometheus.Collector.
func (c *StoreCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	stats, err := c.source.GetStats(ctx)
	if err != nil {
		c.log.Error(err, "Failed to read store stats")
		return
	}
	for status, n := range stats.SimulationsByStatus {
		ch <- prometheus.MustNewConstMetric(c.simulations, prometheus.GaugeValue, float64(n), status)
	}
	ch <- prometheus.MustNewConstMetric(c.summaries, prometheus.GaugeValue, float64(stats.Summaries))
	ch <- prometheus.MustNewConstMetric(c.events, prometheus.GaugeValue, float64(stats.Events))
	ch <- prometheus.MustNewConstMetric(c.clusters, prometheus.GaugeValue, float64(stats.Clusters))
}
