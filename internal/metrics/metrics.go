// Package metrics holds the Prometheus collectors of the dialogue runtime.
//
// Collectors are registered on the Registerer handed to New, never on the
// global default registry, so several runtimes (and parallel tests) coexist.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "moviedialog"

type Metrics struct {
	// Turns counts handled turns by user intent, agent intent and resulting policy state.
	Turns *prometheus.CounterVec

	TurnDuration prometheus.Histogram

	// TurnErrors counts recovered errors by kind ("parse", "retrieval", "state").
	TurnErrors *prometheus.CounterVec

	RelaxationRounds prometheus.Histogram
	CacheLookups     *prometheus.CounterVec // result: hit, miss

	RetrievalAttempts *prometheus.CounterVec // outcome: success, failure, rejected, invalid
	RetrievalDuration prometheus.Histogram

	CircuitBreakerState       *prometheus.GaugeVec
	CircuitBreakerTransitions *prometheus.CounterVec

	ActiveSessions  prometheus.Gauge
	EvictedSessions prometheus.Counter
}

// New registers the collectors on reg. A nil reg yields unregistered
// collectors, which is what the library uses when no registerer is configured.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Dialogue turns handled.",
		}, []string{"user_intent", "agent_intent", "state"}),

		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time spent handling one turn, including retrieval.",
			Buckets:   prometheus.DefBuckets,
		}),

		TurnErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turn_errors_total",
			Help:      "Recovered turn errors by kind.",
		}, []string{"kind"}),

		RelaxationRounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "relaxation_rounds",
			Help:      "Relaxation rounds needed per candidate computation.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
		}),

		CacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidate_cache_lookups_total",
			Help:      "Candidate cache lookups by result.",
		}, []string{"result"}),

		RetrievalAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retrieval_attempts_total",
			Help:      "Retrieval backend attempts by outcome.",
		}, []string{"outcome"}),

		RetrievalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retrieval_duration_seconds",
			Help:      "Duration of a retrieval query including retries.",
			Buckets:   prometheus.DefBuckets,
		}),

		CircuitBreakerState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"name"}),

		CircuitBreakerTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions.",
		}, []string{"name", "from", "to"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held by the in-memory store.",
		}),

		EvictedSessions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_sessions_total",
			Help:      "Sessions removed by idle sweeps.",
		}),
	}
}

// BreakerState maps a breaker state name onto the gauge value.
func BreakerState(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
