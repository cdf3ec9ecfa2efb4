// Package metrics holds the Prometheus collectors for the pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	runs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	proposals     prometheus.Counter
	actions       *prometheus.CounterVec
	adjustments   *prometheus.CounterVec
	eventsDropped prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "pipeline_runs_total",
			Help:      "Pipeline runs by terminal outcome.",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aegis",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Wall time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"stage"}),
		proposals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "proposals_generated_total",
			Help:      "Reroute proposals emitted by the candidate scorer.",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "actions_total",
			Help:      "Resolved actions by type.",
		}, []string{"type"}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "reliability_adjustments_total",
			Help:      "Reliability score writes by kind.",
		}, []string{"kind"}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aegis",
			Name:      "progress_events_dropped_total",
			Help:      "Progress events dropped for slow listeners.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.runs, m.stageDuration, m.proposals, m.actions, m.adjustments, m.eventsDropped)
	}
	return m
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) ProposalsGenerated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.proposals.Add(float64(n))
}

func (m *Metrics) Action(actionType string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType).Inc()
}

func (m *Metrics) Adjustment(kind string) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
