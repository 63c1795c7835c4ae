// Package metrics holds the per-run Prometheus collectors of a policy
// derivation. Every run owns a fresh registry; nothing is registered globally.
// All methods are safe on a nil *Run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "cfipolicy"

// Record outcomes.
const (
	OutcomeAccepted  = "accepted"
	OutcomeMalformed = "malformed"
	OutcomeIgnored   = "ignored"
)

// Refiner query results.
const (
	ResultHit      = "hit"
	ResultResolved = "resolved"
	ResultNoMatch  = "no_match"
	ResultFallback = "fallback"
)

// Run collects the metrics of one derivation.
type Run struct {
	Registry *prometheus.Registry

	tableEntries  prometheus.Gauge
	records       *prometheus.CounterVec
	refiner       *prometheus.CounterVec
	groups        *prometheus.CounterVec
	emitted       *prometheus.CounterVec
	stageDuration *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Run {
	r := &Run{
		Registry: prometheus.NewRegistry(),
		tableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tag_table_entries",
			Help:      "Number of tags decoded from the address table.",
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stats_records_total",
			Help:      "Stats records read, by record type and outcome.",
		}, []string{"type", "outcome"}),
		refiner: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refiner_queries_total",
			Help:      "Address refiner queries, by operation and result.",
		}, []string{"op", "result"}),
		groups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "groups_classified_total",
			Help:      "Call-site groups, by selected granularity.",
		}, []string{"granularity"}),
		emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_lines_total",
			Help:      "Policy lines written, by output channel.",
		}, []string{"channel"}),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage.",
		}, []string{"stage"}),
	}
	r.Registry.MustRegister(r.tableEntries, r.records, r.refiner, r.groups, r.emitted, r.stageDuration)
	return r
}

func (r *Run) SetTableEntries(n int) {
	if r == nil {
		return
	}
	r.tableEntries.Set(float64(n))
}

func (r *Run) Record(recType, outcome string) {
	if r == nil {
		return
	}
	r.records.WithLabelValues(recType, outcome).Inc()
}

func (r *Run) RefinerQuery(op, result string) {
	if r == nil {
		return
	}
	r.refiner.WithLabelValues(op, result).Inc()
}

func (r *Run) Group(granularity string) {
	if r == nil {
		return
	}
	r.groups.WithLabelValues(granularity).Inc()
}

func (r *Run) Emitted(channel string, lines int) {
	if r == nil {
		return
	}
	r.emitted.WithLabelValues(channel).Add(float64(lines))
}

// Stage records the duration of a stage started at start.
func (r *Run) Stage(stage string, start time.Time) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Set(time.Since(start).Seconds())
}

// WriteTextfile writes the registry in the text exposition format, for
// node_exporter's textfile collector.
func (r *Run) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.Registry); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}
	return nil
}
