// Package retrieval wraps a movie catalogue backend with bounded retries and a
// circuit breaker.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cenkalti/backoff/v5"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/internal/metrics"
	"github.com/flexigpt/moviedialog-go/spec"
)

const (
	// Backoff doubles per retry up to maxBackoffFactor times the base.
	maxBackoffFactor = 32

	defaultBreakerName = "retrieval"
)

type Config struct {
	// RetryCount is the number of retries after the first attempt.
	RetryCount int
	// Backoff is the delay before the first retry.
	Backoff time.Duration

	Breaker BreakerConfig
}

type BreakerConfig struct {
	Name string
	// MaxRequests is the number of probes allowed while half-open.
	MaxRequests uint32
	// Interval resets the failure counts while closed; 0 never resets.
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

type Client struct {
	backend   spec.Retriever
	describer spec.MovieDescriber
	cfg       Config

	cb  *gobreaker.CircuitBreaker[[]spec.Candidate]
	log *zap.Logger
	m   *metrics.Metrics

	// notify observes each scheduled retry wait.
	notify func(err error, wait time.Duration)
}

type Option func(*Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.m = m
		}
	}
}

// WithDescriber routes Describe calls to d instead of the describer detected
// on the backend.
func WithDescriber(d spec.MovieDescriber) Option {
	return func(c *Client) {
		if d != nil {
			c.describer = d
		}
	}
}

// New wraps backend. If backend also implements spec.MovieDescriber, Describe
// calls are retried the same way but bypass the breaker.
func New(backend spec.Retriever, cfg Config, opts ...Option) (*Client, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: retrieval backend is required", spec.ErrInvalidArgument)
	}
	if cfg.RetryCount < 0 {
		return nil, fmt.Errorf("%w: negative retry count", spec.ErrInvalidArgument)
	}
	if cfg.Backoff < 0 {
		return nil, fmt.Errorf("%w: negative retry backoff", spec.ErrInvalidArgument)
	}
	applyBreakerDefaults(&cfg.Breaker)

	c := &Client{
		backend: backend,
		cfg:     cfg,
		log:     zap.NewNop(),
		m:       metrics.New(nil),
	}
	if d, ok := backend.(spec.MovieDescriber); ok {
		c.describer = d
	}
	for _, o := range opts {
		if o != nil {
			o(c)
		}
	}

	name := cfg.Breaker.Name
	c.m.CircuitBreakerState.WithLabelValues(name).Set(0)
	c.cb = gobreaker.NewCircuitBreaker[[]spec.Candidate](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.Breaker.MaxRequests,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Info("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			c.m.CircuitBreakerState.WithLabelValues(name).Set(metrics.BreakerState(to.String()))
			c.m.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
		// Caller mistakes and cancellations say nothing about backend health.
		IsSuccessful: func(err error) bool {
			return err == nil || !retryable(err)
		},
	})
	return c, nil
}

func applyBreakerDefaults(b *BreakerConfig) {
	if b.Name == "" {
		b.Name = defaultBreakerName
	}
	if b.MaxRequests == 0 {
		b.MaxRequests = 1
	}
	if b.Timeout <= 0 {
		b.Timeout = 30 * time.Second
	}
	if b.ConsecutiveFailures == 0 {
		b.ConsecutiveFailures = 5
	}
}

// Query runs the backend query with retries. Errors that survive every
// attempt wrap spec.ErrRetrieval; spec.ErrInvalidConstraints and context
// errors are returned at once.
func (c *Client) Query(ctx context.Context, cons spec.Constraints) ([]spec.Candidate, error) {
	return c.QueryExcluding(ctx, cons, nil)
}

// QueryExcluding is Query without the movies in exclude. Backends that are not
// a spec.ExcludingRetriever get a plain Query and the result is filtered here.
func (c *Client) QueryExcluding(ctx context.Context, cons spec.Constraints, exclude []string) ([]spec.Candidate, error) {
	if len(cons) == 0 {
		c.m.RetrievalAttempts.WithLabelValues("invalid").Inc()
		return nil, spec.ErrInvalidConstraints
	}

	start := time.Now()
	defer func() { c.m.RetrievalDuration.Observe(time.Since(start).Seconds()) }()

	var out []spec.Candidate
	err := c.retry(ctx, "query", func(ctx context.Context) error {
		var err error
		out, err = c.cb.Execute(func() ([]spec.Candidate, error) {
			if ex, ok := c.backend.(spec.ExcludingRetriever); ok && len(exclude) > 0 {
				return ex.QueryExcluding(ctx, cons, exclude)
			}
			return c.backend.Query(ctx, cons)
		})
		return err
	})
	if err != nil || len(exclude) == 0 {
		return out, err
	}
	kept := make([]spec.Candidate, 0, len(out))
	for _, cand := range out {
		if !slices.Contains(exclude, cand.MovieID) {
			kept = append(kept, cand)
		}
	}
	return kept, nil
}

// Describe answers attribute questions about one movie. Without a describing
// backend every movie is reported as spec.ErrMovieNotFound.
func (c *Client) Describe(ctx context.Context, movieID string, slots []spec.SlotName) (map[spec.SlotName]string, error) {
	if c.describer == nil {
		return nil, spec.ErrMovieNotFound
	}
	var out map[spec.SlotName]string
	err := c.retry(ctx, "describe", func(ctx context.Context) error {
		var err error
		out, err = c.describer.Describe(ctx, movieID, slots)
		return err
	})
	return out, err
}

func (c *Client) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	attempts := c.cfg.RetryCount + 1
	tries := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		tries++
		err := fn(ctx)
		switch {
		case err == nil:
			c.m.RetrievalAttempts.WithLabelValues("success").Inc()
			return struct{}{}, nil
		case errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests):
			c.m.RetrievalAttempts.WithLabelValues("rejected").Inc()
			return struct{}{}, backoff.Permanent(fmt.Errorf("%w: %s: %w", spec.ErrRetrieval, op, err))
		case !retryable(err):
			c.m.RetrievalAttempts.WithLabelValues("invalid").Inc()
			return struct{}{}, backoff.Permanent(err)
		}
		c.m.RetrievalAttempts.WithLabelValues("failure").Inc()
		return struct{}{}, err
	},
		backoff.WithBackOff(newBackOff(c.cfg.Backoff)),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.log.Debug("retrieval retry",
				zap.String("op", op),
				zap.Int("attempt", tries),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
			if c.notify != nil {
				c.notify(err, wait)
			}
		}),
	)
	if err == nil {
		return nil
	}

	// The last attempt returns a permanent error still wrapped.
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	if !retryable(err) || errors.Is(err, spec.ErrRetrieval) {
		return err
	}
	return fmt.Errorf("%w: %s failed after %d attempts: %w", spec.ErrRetrieval, op, tries, err)
}

// newBackOff doubles from base per retry up to maxBackoffFactor times base,
// without jitter.
func newBackOff(base time.Duration) backoff.BackOff {
	if base <= 0 {
		return &backoff.ZeroBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = base * maxBackoffFactor
	return b
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, spec.ErrInvalidConstraints),
		errors.Is(err, spec.ErrMovieNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	default:
		return true
	}
}
