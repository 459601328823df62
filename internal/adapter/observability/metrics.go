package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automaton_turns_total",
			Help: "Total number of agent turns by terminal status",
		},
		[]string{"status"},
	)
	InferenceRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automaton_inference_requests_total",
			Help: "Total number of inference requests by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automaton_inference_duration_seconds",
			Help:    "Inference request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
	ChildrenSpawnedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automaton_children_spawned_total",
			Help: "Total number of child automata spawned",
		},
	)
	ChildrenPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "automaton_children_pruned_total",
			Help: "Total number of dead children cleaned up by pruning",
		},
	)
	CreditsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "automaton_credits",
			Help: "Last observed credit balance",
		},
	)
	TierGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "automaton_tier_rank",
			Help: "Current survival tier rank (0=dead .. 4=high)",
		},
	)
)

var registered bool

// InitMetrics registers all collectors with the default registry. Safe to
// call once per process.
func InitMetrics() {
	if registered {
		return
	}
	registered = true
	prometheus.MustRegister(
		TurnsTotal,
		InferenceRequestsTotal,
		InferenceDuration,
		ChildrenSpawnedTotal,
		ChildrenPrunedTotal,
		CreditsGauge,
		TierGauge,
	)
}
