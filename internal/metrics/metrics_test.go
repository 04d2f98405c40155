package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersOnGivenRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Turns.WithLabelValues("inform", "request", "elicitation").Inc()
	m.TurnErrors.WithLabelValues("parse").Add(2)
	m.ActiveSessions.Set(3)

	if got := testutil.ToFloat64(m.Turns.WithLabelValues("inform", "request", "elicitation")); got != 1 {
		t.Fatalf("turns: expected 1, got %v", got)
	}
	if got := testutil.ToFloat64(m.TurnErrors.WithLabelValues("parse")); got != 2 {
		t.Fatalf("turn errors: expected 2, got %v", got)
	}

	n, err := testutil.GatherAndCount(reg, "moviedialog_active_sessions", "moviedialog_turns_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 series, got %d", n)
	}
}

func TestNew_TwoRuntimesDoNotCollide(t *testing.T) {
	t.Parallel()

	// Separate registries must accept the same collector names.
	_ = New(prometheus.NewRegistry())
	_ = New(prometheus.NewRegistry())
	// A nil registerer leaves collectors unregistered.
	m := New(nil)
	m.EvictedSessions.Add(4)
	if got := testutil.ToFloat64(m.EvictedSessions); got != 4 {
		t.Fatalf("expected 4, got %v", got)
	}
}

func TestBreakerState(t *testing.T) {
	t.Parallel()

	for state, want := range map[string]float64{"closed": 0, "half-open": 1, "open": 2, "bogus": -1} {
		if got := BreakerState(state); got != want {
			t.Fatalf("%s: expected %v, got %v", state, want, got)
		}
	}
}
