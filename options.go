package moviedialog

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/internal/config"
	"github.com/flexigpt/moviedialog-go/internal/retrieval"
	"github.com/flexigpt/moviedialog-go/spec"
)

// Config holds the dialogue parameters. The slot priority order and the
// confirmation threshold have no library defaults; DefaultConfig returns the
// values the reference host ships with.
type Config = config.Dialogue

func DefaultConfig() Config { return config.DefaultDialogue() }

// BreakerConfig tunes the circuit breaker around the retriever.
type BreakerConfig = retrieval.BreakerConfig

type runtimeOptions struct {
	logger *zap.Logger

	cfg    Config
	cfgSet bool

	retriever spec.Retriever
	describer spec.MovieDescriber
	store     spec.SessionStore
	breaker   BreakerConfig

	registerer prometheus.Registerer
	now        func() time.Time
}

type Option func(*runtimeOptions) error

func WithLogger(l *zap.Logger) Option {
	return func(o *runtimeOptions) error {
		o.logger = l
		return nil
	}
}

// WithConfig is required.
func WithConfig(c Config) Option {
	return func(o *runtimeOptions) error {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %w", spec.ErrInvalidArgument, err)
		}
		o.cfg = c
		o.cfgSet = true
		return nil
	}
}

// WithRetriever sets the catalogue backend. It is required. A backend that
// also implements spec.MovieDescriber answers requests about recommended movies.
func WithRetriever(r spec.Retriever) Option {
	return func(o *runtimeOptions) error {
		if r == nil {
			return fmt.Errorf("%w: nil retriever", spec.ErrInvalidArgument)
		}
		o.retriever = r
		return nil
	}
}

// WithDescriber overrides the describer detected on the retriever.
func WithDescriber(d spec.MovieDescriber) Option {
	return func(o *runtimeOptions) error {
		o.describer = d
		return nil
	}
}

// WithStore replaces the in-memory session store, e.g. with badgerstore.
func WithStore(s spec.SessionStore) Option {
	return func(o *runtimeOptions) error {
		if s == nil {
			return fmt.Errorf("%w: nil session store", spec.ErrInvalidArgument)
		}
		o.store = s
		return nil
	}
}

func WithBreaker(b BreakerConfig) Option {
	return func(o *runtimeOptions) error {
		o.breaker = b
		return nil
	}
}

// WithMetricsRegisterer registers the runtime's collectors on reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *runtimeOptions) error {
		o.registerer = reg
		return nil
	}
}

// WithClock overrides time.Now for turn timestamps and idle sweeps.
func WithClock(now func() time.Time) Option {
	return func(o *runtimeOptions) error {
		if now == nil {
			return fmt.Errorf("%w: nil clock", spec.ErrInvalidArgument)
		}
		o.now = now
		return nil
	}
}
