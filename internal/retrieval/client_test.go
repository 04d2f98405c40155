package retrieval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flexigpt/moviedialog-go/internal/metrics"
	"github.com/flexigpt/moviedialog-go/spec"
)

var errBackend = errors.New("backend unavailable")

// flakyBackend fails the first failures calls, then answers.
type flakyBackend struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
}

func (f *flakyBackend) Query(_ context.Context, _ spec.Constraints) ([]spec.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return nil, f.err
		}
		return nil, errBackend
	}
	return []spec.Candidate{{MovieID: "m1", Score: 1}}, nil
}

func (f *flakyBackend) Describe(_ context.Context, movieID string, _ []spec.SlotName) (map[spec.SlotName]string, error) {
	if movieID != "m1" {
		return nil, spec.ErrMovieNotFound
	}
	return map[spec.SlotName]string{"year": "1993"}, nil
}

type recordedSleeps struct {
	mu sync.Mutex
	d  []time.Duration
}

func (r *recordedSleeps) record(_ error, d time.Duration) {
	r.mu.Lock()
	r.d = append(r.d, d)
	r.mu.Unlock()
}

func newClient(t *testing.T, b spec.Retriever, cfg Config) (*Client, *recordedSleeps, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	c, err := New(b, cfg, WithMetrics(m))
	require.NoError(t, err)
	s := &recordedSleeps{}
	c.notify = s.record
	return c, s, m
}

var query = spec.Constraints{"genre": "comedy"}

func TestQuery_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	b := &flakyBackend{failures: 2}
	c, sleeps, m := newClient(t, b, Config{RetryCount: 3, Backoff: 10 * time.Millisecond})

	got, err := c.Query(t.Context(), query)
	require.NoError(t, err)
	assert.Equal(t, []spec.Candidate{{MovieID: "m1", Score: 1}}, got)
	assert.Equal(t, 3, b.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, sleeps.d)
	assert.InDelta(t, 2, testutil.ToFloat64(m.RetrievalAttempts.WithLabelValues("failure")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RetrievalAttempts.WithLabelValues("success")), 0)
}

func TestQuery_ExhaustionWrapsErrRetrieval(t *testing.T) {
	t.Parallel()

	b := &flakyBackend{failures: 100}
	c, _, _ := newClient(t, b, Config{RetryCount: 2, Backoff: time.Millisecond})

	_, err := c.Query(t.Context(), query)
	require.ErrorIs(t, err, spec.ErrRetrieval)
	require.ErrorIs(t, err, errBackend)
	assert.Equal(t, 3, b.calls)
}

func TestQuery_InvalidConstraintsAreNotRetried(t *testing.T) {
	t.Parallel()

	b := &flakyBackend{failures: 1, err: spec.ErrInvalidConstraints}
	c, sleeps, _ := newClient(t, b, Config{RetryCount: 5, Backoff: time.Millisecond})

	_, err := c.Query(t.Context(), query)
	require.ErrorIs(t, err, spec.ErrInvalidConstraints)
	assert.NotErrorIs(t, err, spec.ErrRetrieval)
	assert.Equal(t, 1, b.calls)
	assert.Empty(t, sleeps.d)

	_, err = c.Query(t.Context(), spec.Constraints{})
	require.ErrorIs(t, err, spec.ErrInvalidConstraints)
	assert.Equal(t, 1, b.calls, "empty constraints must never reach the backend")
}

func TestQueryExcluding_FiltersPlainBackends(t *testing.T) {
	t.Parallel()

	c, _, _ := newClient(t, &flakyBackend{}, Config{})
	got, err := c.QueryExcluding(t.Context(), query, []string{"m1"})
	require.NoError(t, err)
	assert.Empty(t, got)

	got, err = c.QueryExcluding(t.Context(), query, []string{"m7"})
	require.NoError(t, err)
	assert.Equal(t, []spec.Candidate{{MovieID: "m1", Score: 1}}, got)
}

func TestQuery_CanceledContextStopsRetrying(t *testing.T) {
	t.Parallel()

	b := &flakyBackend{failures: 100}
	c, _, _ := newClient(t, b, Config{RetryCount: 5, Backoff: time.Hour})

	ctx, cancel := context.WithCancel(t.Context())
	c.notify = func(error, time.Duration) { cancel() }

	_, err := c.Query(ctx, query)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, b.calls)
}

func TestQuery_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	b := &flakyBackend{failures: 100}
	c, _, m := newClient(t, b, Config{
		RetryCount: 0,
		Breaker:    BreakerConfig{Name: "test", ConsecutiveFailures: 2, Timeout: time.Hour},
	})

	for range 2 {
		_, err := c.Query(t.Context(), query)
		require.ErrorIs(t, err, errBackend)
	}

	_, err := c.Query(t.Context(), query)
	require.ErrorIs(t, err, spec.ErrRetrieval)
	assert.Equal(t, 2, b.calls, "open breaker must short-circuit the backend")
	assert.InDelta(t, 2, testutil.ToFloat64(m.CircuitBreakerState.WithLabelValues("test")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.RetrievalAttempts.WithLabelValues("rejected")), 0)
}

func TestDescribe(t *testing.T) {
	t.Parallel()

	c, _, _ := newClient(t, &flakyBackend{}, Config{})
	got, err := c.Describe(t.Context(), "m1", []spec.SlotName{"year"})
	require.NoError(t, err)
	assert.Equal(t, map[spec.SlotName]string{"year": "1993"}, got)

	_, err = c.Describe(t.Context(), "nope", nil)
	require.ErrorIs(t, err, spec.ErrMovieNotFound)
}

func TestNewBackOff_DoublesUpToCap(t *testing.T) {
	t.Parallel()

	b := newBackOff(100 * time.Millisecond)
	b.Reset()
	for i, want := range []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		1600 * time.Millisecond,
		3200 * time.Millisecond,
		3200 * time.Millisecond,
	} {
		assert.Equal(t, want, b.NextBackOff(), "retry %d", i+1)
	}

	z := newBackOff(0)
	z.Reset()
	assert.Zero(t, z.NextBackOff())
}

func TestDescribe_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	d := &flakyDescriber{failures: 1}
	m := metrics.New(prometheus.NewRegistry())
	c, err := New(&flakyBackend{}, Config{RetryCount: 2}, WithMetrics(m), WithDescriber(d))
	require.NoError(t, err)

	got, err := c.Describe(t.Context(), "m9", []spec.SlotName{"year"})
	require.NoError(t, err)
	assert.Equal(t, map[spec.SlotName]string{"year": "2001"}, got)
	assert.Equal(t, 2, d.calls)

	d.failures = 10
	d.calls = 0
	_, err = c.Describe(t.Context(), "m9", nil)
	require.ErrorIs(t, err, spec.ErrRetrieval)
	assert.Equal(t, 3, d.calls)
}

// flakyDescriber fails the first failures calls, then answers.
type flakyDescriber struct {
	failures int
	calls    int
}

func (f *flakyDescriber) Describe(context.Context, string, []spec.SlotName) (map[spec.SlotName]string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errBackend
	}
	return map[spec.SlotName]string{"year": "2001"}, nil
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{})
	require.ErrorIs(t, err, spec.ErrInvalidArgument)
	_, err = New(&flakyBackend{}, Config{RetryCount: -1})
	require.ErrorIs(t, err, spec.ErrInvalidArgument)
}
