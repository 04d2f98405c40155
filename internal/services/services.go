// Package services runs the host's long-lived components under a suture
// supervisor: the HTTP server and the idle-session sweeper.
package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
)

// NewSupervisor returns a supervisor that logs its events through log.
func NewSupervisor(name string, shutdownTimeout time.Duration, log *zap.Logger) *suture.Supervisor {
	if log == nil {
		log = zap.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn("supervisor event", zap.String("event", e.String()), zap.Any("details", e.Map()))
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          shutdownTimeout,
	})
}

type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService adapts an http.Server to suture.Service.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
}

func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{server: server, shutdownTimeout: shutdownTimeout}
}

func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil

	case <-ctx.Done():
		// The serve context is already canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown failed: %w", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string { return "http-server" }

// Evictor removes idle sessions.
type Evictor interface {
	EvictIdle(ctx context.Context, now time.Time) (int, error)
}

// SweepService evicts idle sessions on a fixed interval.
type SweepService struct {
	evictor  Evictor
	interval time.Duration
	now      func() time.Time
	log      *zap.Logger
}

func NewSweepService(e Evictor, interval time.Duration, log *zap.Logger) *SweepService {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &SweepService{evictor: e, interval: interval, now: time.Now, log: log}
}

// Serve sweeps until ctx is canceled. Sweep failures are logged and retried on
// the next tick.
func (s *SweepService) Serve(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			n, err := s.evictor.EvictIdle(ctx, s.now())
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.log.Warn("idle session sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Info("idle sessions evicted", zap.Int("count", n))
			}
		}
	}
}

func (s *SweepService) String() string { return "session-sweeper" }
