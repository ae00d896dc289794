// Package telemetry provides Prometheus metrics for batch runs.
// A batch process has no scrape endpoint, so metrics are written to a
// node-exporter textfile after each run.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/iris-familiar/bay-area-food-map-sub000/pkg/models"
)

const namespace = "foodmap"

// Metrics holds the batch collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	// RunsTotal tracks mutating runs by operation and outcome
	RunsTotal *prometheus.CounterVec
	// RunDuration tracks run duration in seconds
	RunDuration *prometheus.HistogramVec
	// CandidatesTotal tracks per-candidate outcomes
	CandidatesTotal *prometheus.CounterVec
	// EntitiesTotal tracks entity changes by kind
	EntitiesTotal *prometheus.CounterVec
	// StoreEntities is the committed store size by status
	StoreEntities *prometheus.GaugeVec
	// LastSuccess is the unix time of the last committed run per operation
	LastSuccess *prometheus.GaugeVec
}

// NewMetrics creates the collectors on a new registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Total number of mutating runs by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Duration of mutating runs in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
			},
			[]string{"operation"},
		),
		CandidatesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "candidates_total",
				Help:      "Total number of processed candidates by result",
			},
			[]string{"operation", "result"},
		),
		EntitiesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "entity_changes_total",
				Help:      "Total number of entity changes by kind",
			},
			[]string{"operation", "change"},
		),
		StoreEntities: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "entities",
				Help:      "Number of entities in the committed store by status",
			},
			[]string{"status"},
		),
		LastSuccess: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last committed run",
			},
			[]string{"operation"},
		),
	}
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRun records a finished run. summary may be nil for runs that failed early.
func (m *Metrics) RecordRun(operation, outcome string, summary *models.BatchSummary, duration time.Duration, at time.Time) {
	m.RunsTotal.WithLabelValues(operation, outcome).Inc()
	m.RunDuration.WithLabelValues(operation).Observe(duration.Seconds())

	if summary != nil {
		m.CandidatesTotal.WithLabelValues(operation, "processed").Add(float64(summary.Processed))
		m.CandidatesTotal.WithLabelValues(operation, "failed").Add(float64(summary.Failed))
		m.CandidatesTotal.WithLabelValues(operation, "skipped").Add(float64(summary.Skipped))
		m.EntitiesTotal.WithLabelValues(operation, "created").Add(float64(summary.Created))
		m.EntitiesTotal.WithLabelValues(operation, "updated").Add(float64(summary.Updated))
		m.EntitiesTotal.WithLabelValues(operation, "merged").Add(float64(summary.Merged))
	}

	if outcome == OutcomeCommitted {
		m.LastSuccess.WithLabelValues(operation).Set(float64(at.Unix()))
	}
}

// ObserveStore sets the store size gauges from the committed document
func (m *Metrics) ObserveStore(doc *models.Document) {
	counts := map[models.EntityStatus]int{
		models.EntityStatusActive:          0,
		models.EntityStatusDuplicateMerged: 0,
		models.EntityStatusRejected:        0,
	}
	for _, e := range doc.Entities {
		counts[e.Status]++
	}
	for status, n := range counts {
		m.StoreEntities.WithLabelValues(string(status)).Set(float64(n))
	}
}

// WriteTextfile writes every collector in the text exposition format
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

// Run outcomes
const (
	OutcomeCommitted  = "committed"
	OutcomeRolledBack = "rolled_back"
	OutcomeSkipped    = "skipped"
	OutcomeFailed     = "failed"
)
