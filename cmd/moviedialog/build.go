package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	moviedialog "github.com/flexigpt/moviedialog-go"
	"github.com/flexigpt/moviedialog-go/badgerstore"
	"github.com/flexigpt/moviedialog-go/internal/config"
	"github.com/flexigpt/moviedialog-go/sqlretriever"
)

// host owns the runtime and the resources behind it.
type host struct {
	rt      *moviedialog.Runtime
	closers []func() error
}

func (h *host) Close() error {
	var errs []error
	for i := len(h.closers) - 1; i >= 0; i-- {
		errs = append(errs, h.closers[i]())
	}
	return errors.Join(errs...)
}

func buildHost(ctx context.Context, cfg *config.Config, log *zap.Logger, reg prometheus.Registerer) (*host, error) {
	h := &host{}

	cat, err := sqlretriever.Open(ctx, cfg.Catalog.DSN, sqlretriever.WithLogger(log.Named("catalogue")))
	if err != nil {
		return nil, err
	}
	h.closers = append(h.closers, cat.Close)

	opts := []moviedialog.Option{
		moviedialog.WithConfig(cfg.Dialogue),
		moviedialog.WithRetriever(cat),
		moviedialog.WithLogger(log),
		moviedialog.WithBreaker(moviedialog.BreakerConfig{
			Name:                "catalogue",
			MaxRequests:         cfg.Retrieval.BreakerMaxRequests,
			Interval:            cfg.Retrieval.BreakerInterval,
			Timeout:             cfg.Retrieval.BreakerTimeout,
			ConsecutiveFailures: cfg.Retrieval.BreakerConsecutiveFailures,
		}),
	}
	if reg != nil {
		opts = append(opts, moviedialog.WithMetricsRegisterer(reg))
	}

	switch cfg.Store.Backend {
	case "badger":
		// Badger's TTL backs up the sweeper with some slack.
		store, err := badgerstore.Open(cfg.Store.Path,
			badgerstore.WithTTL(2*cfg.Dialogue.SessionTTL),
			badgerstore.WithLogger(log.Named("sessions")),
		)
		if err != nil {
			_ = h.Close()
			return nil, err
		}
		h.closers = append(h.closers, store.Close)
		opts = append(opts, moviedialog.WithStore(store))
	case "memory":
	default:
		_ = h.Close()
		return nil, fmt.Errorf("unknown session store backend %q", cfg.Store.Backend)
	}

	rt, err := moviedialog.New(opts...)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	h.rt = rt
	return h, nil
}
