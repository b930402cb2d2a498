// Package metrics exposes the engine's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "memengine"

// Metrics groups every collector the engine updates.
type Metrics struct {
	registry *prometheus.Registry

	EvolutionDropped   *prometheus.CounterVec
	EvolutionProcessed *prometheus.CounterVec
	FencedWrites       *prometheus.CounterVec
	Degraded           *prometheus.CounterVec
	SanitizeDecisions  *prometheus.CounterVec
	ItemWrites         *prometheus.CounterVec
	SLAWarnings        prometheus.Counter
	SLAViolations      prometheus.Counter
	Escalations        prometheus.Counter
	SurfaceFailures    *prometheus.CounterVec
	DeletionsCompleted prometheus.Counter
	GovernorActions    *prometheus.CounterVec
	AssembleLatency    prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		EvolutionDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evolution", Name: "dropped_total",
			Help: "Evolution jobs dropped because their lane was full.",
		}, []string{"lane"}),
		EvolutionProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evolution", Name: "processed_total",
			Help: "Evolution jobs processed by lane.",
		}, []string{"lane"}),
		FencedWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "fenced_writes_total",
			Help: "Writes discarded because the user is fenced by a deletion.",
		}, []string{"component"}),
		Degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "assembler", Name: "degraded_total",
			Help: "Requests served on a degraded path.",
		}, []string{"reason"}),
		SanitizeDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "assembler", Name: "sanitize_decisions_total",
			Help: "Sanitizer verdicts per candidate.",
		}, []string{"verdict"}),
		ItemWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "evolution", Name: "item_writes_total",
			Help: "Memory item writes by kind.",
		}, []string{"kind"}),
		SLAWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deletion", Name: "sla_warnings_total",
			Help: "Tombstones that crossed the SLA warning ratio.",
		}),
		SLAViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deletion", Name: "sla_violations_total",
			Help: "Tombstones that exceeded their SLA deadline.",
		}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deletion", Name: "escalations_total",
			Help: "Tombstones escalated after exhausting retries.",
		}),
		SurfaceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deletion", Name: "surface_failures_total",
			Help: "Purge failures by storage surface.",
		}, []string{"surface"}),
		DeletionsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deletion", Name: "completed_total",
			Help: "Tombstones that reached completed.",
		}),
		GovernorActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "governor", Name: "actions_total",
			Help: "Governor actions by kind.",
		}, []string{"action"}),
		AssembleLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "assembler", Name: "latency_seconds",
			Help:    "End-to-end context assembly latency.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.15, 0.2, 0.3, 0.5, 1},
		}),
	}
	reg.MustRegister(
		m.EvolutionDropped, m.EvolutionProcessed, m.FencedWrites, m.Degraded,
		m.SanitizeDecisions, m.ItemWrites, m.SLAWarnings, m.SLAViolations,
		m.Escalations, m.SurfaceFailures, m.DeletionsCompleted, m.GovernorActions,
		m.AssembleLatency,
	)
	return m
}

// Registry returns the registry holding the engine collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OrNew returns m, or a fresh set when m is nil.
func OrNew(m *Metrics) *Metrics {
	if m == nil {
		return New()
	}
	return m
}
