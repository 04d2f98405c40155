package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeServer struct {
	started  chan struct{}
	stop     chan struct{}
	listen   error
	shutdown atomic.Bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{started: make(chan struct{}), stop: make(chan struct{})}
}

func (f *fakeServer) ListenAndServe() error {
	close(f.started)
	if f.listen != nil {
		return f.listen
	}
	<-f.stop
	return http.ErrServerClosed
}

func (f *fakeServer) Shutdown(context.Context) error {
	f.shutdown.Store(true)
	close(f.stop)
	return nil
}

func TestHTTPServerService_ShutsDownOnCancel(t *testing.T) {
	srv := newFakeServer()
	svc := NewHTTPServerService(srv, time.Second)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- svc.Serve(ctx) }()

	<-srv.started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, srv.shutdown.Load())
	assert.Equal(t, "http-server", svc.String())
}

func TestHTTPServerService_ListenFailure(t *testing.T) {
	srv := newFakeServer()
	srv.listen = errors.New("address in use")
	err := NewHTTPServerService(srv, 0).Serve(t.Context())
	require.ErrorContains(t, err, "address in use")
}

type fakeEvictor struct {
	calls atomic.Int32
	err   error
}

func (f *fakeEvictor) EvictIdle(context.Context, time.Time) (int, error) {
	f.calls.Add(1)
	return 1, f.err
}

func TestSweepService_SweepsUntilCanceled(t *testing.T) {
	for _, ev := range []*fakeEvictor{{}, {err: errors.New("store offline")}} {
		svc := NewSweepService(ev, 5*time.Millisecond, nil)
		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- svc.Serve(ctx) }()

		require.Eventually(t, func() bool { return ev.calls.Load() >= 2 }, time.Second, time.Millisecond,
			"failures do not stop the sweeper")
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	}
}

func TestSupervisor_RunsServices(t *testing.T) {
	ev := &fakeEvictor{}
	sup := NewSupervisor("test", time.Second, nil)
	sup.Add(NewSweepService(ev, 5*time.Millisecond, nil))

	ctx, cancel := context.WithCancel(t.Context())
	errCh := sup.ServeBackground(ctx)
	require.Eventually(t, func() bool { return ev.calls.Load() >= 1 }, time.Second, time.Millisecond)
	cancel()
	<-errCh
}
