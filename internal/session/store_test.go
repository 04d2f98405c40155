package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/flexigpt/moviedialog-go/spec"
)

func newSession(id string, lastActive time.Time) spec.Session {
	return spec.Session{
		ID:         spec.SessionID(id),
		Policy:     spec.PolicyData{State: spec.StateElicitation},
		CreatedAt:  lastActive,
		LastActive: lastActive,
	}
}

func TestStore_GetUnknownIsNotFound(t *testing.T) {
	t.Parallel()

	st := NewStore(StoreConfig{})
	if _, err := st.Get(t.Context(), "missing"); !errors.Is(err, spec.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if _, err := st.Get(t.Context(), "  "); !errors.Is(err, spec.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound for blank id, got %v", err)
	}
}

func TestStore_ReturnsClones(t *testing.T) {
	t.Parallel()

	st := NewStore(StoreConfig{})
	s := newSession("s1", time.Now())
	s.Belief.Slots = []spec.Slot{{Name: "genre", Value: "comedy", Status: spec.SlotUnconfirmed}}
	if err := st.Put(t.Context(), s); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	s.Belief.Slots[0].Value = "horror"

	got, err := st.Get(t.Context(), "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Belief.Slots[0].Value != "comedy" {
		t.Fatalf("expected stored value comedy, got %q", got.Belief.Slots[0].Value)
	}

	got.Belief.Slots[0].Value = "western"
	again, _ := st.Get(t.Context(), "s1")
	if again.Belief.Slots[0].Value != "comedy" {
		t.Fatalf("Get returned an alias of stored state")
	}
}

func TestStore_MaxSessionsAndLRU(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	now := time.Now()
	st := NewStore(StoreConfig{MaxSessions: 2})

	for _, id := range []string{"s1", "s2"} {
		if err := st.Put(ctx, newSession(id, now)); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	// Touch s1 to make it MRU; s2 becomes LRU.
	if _, err := st.Get(ctx, "s1"); err != nil {
		t.Fatalf("expected s1 to exist: %v", err)
	}
	if err := st.Put(ctx, newSession("s3", now)); err != nil {
		t.Fatalf("Put s3: %v", err)
	}

	if _, err := st.Get(ctx, "s2"); !errors.Is(err, spec.ErrSessionNotFound) {
		t.Fatalf("expected s2 evicted as LRU, got %v", err)
	}
	for _, id := range []spec.SessionID{"s1", "s3"} {
		if _, err := st.Get(ctx, id); err != nil {
			t.Fatalf("expected %s retained: %v", id, err)
		}
	}
}

func TestStore_SweepEvictsIdleOnly(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	now := time.Now()
	st := NewStore(StoreConfig{})

	_ = st.Put(ctx, newSession("old", now.Add(-2*time.Hour)))
	_ = st.Put(ctx, newSession("fresh", now))

	n, err := st.Sweep(ctx, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
	if _, err := st.Get(ctx, "old"); !errors.Is(err, spec.ErrSessionNotFound) {
		t.Fatalf("expected old evicted, got %v", err)
	}
	if st.Len() != 1 {
		t.Fatalf("expected 1 session left, got %d", st.Len())
	}
}

func TestStore_DeleteAndCanceledContext(t *testing.T) {
	t.Parallel()

	st := NewStore(StoreConfig{})
	_ = st.Put(t.Context(), newSession("s1", time.Now()))
	if err := st.Delete(t.Context(), "s1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if st.Len() != 0 {
		t.Fatalf("expected empty store")
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := st.Put(ctx, newSession("s2", time.Now())); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLocks_SerializesSameID(t *testing.T) {
	t.Parallel()

	l := NewLocks()
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup

	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(t.Context(), "s1")
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			defer unlock()

			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("expected at most one holder, saw %d", maxInside.Load())
	}
	if n := entries(l); n != 0 {
		t.Fatalf("expected lock entries released, got %d", n)
	}
}

func TestLocks_DistinctIDsDoNotBlock(t *testing.T) {
	t.Parallel()

	l := NewLocks()
	unlock1, err := l.Lock(t.Context(), "a")
	if err != nil {
		t.Fatalf("Lock a: %v", err)
	}
	defer unlock1()

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	unlock2, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("expected b to be free while a is held: %v", err)
	}
	unlock2()

	if _, err := l.Lock(ctx, "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected a to be busy, got %v", err)
	}
}

func entries(l *Locks) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.m)
}

func TestLocks_WaitHonorsContext(t *testing.T) {
	t.Parallel()

	l := NewLocks()
	unlock, err := l.Lock(t.Context(), "s1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "s1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}

	unlock()
	unlock() // idempotent
	if n := entries(l); n != 0 {
		t.Fatalf("expected no lock entries, got %d", n)
	}
}
