package session

import (
	"context"
	"sync"

	"github.com/flexigpt/moviedialog-go/spec"
)

// Locks serializes work per session id. Distinct ids never contend.
type Locks struct {
	mu sync.Mutex
	m  map[spec.SessionID]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func NewLocks() *Locks {
	return &Locks{m: map[spec.SessionID]*lockEntry{}}
}

// Lock blocks until id is free or ctx is done. The returned unlock is safe to call more than once.
func (l *Locks) Lock(ctx context.Context, id spec.SessionID) (unlock func(), err error) {
	l.mu.Lock()
	e := l.m[id]
	if e == nil {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(id, e)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.release(id, e)
		})
	}, nil
}

func (l *Locks) release(id spec.SessionID, e *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 && l.m[id] == e {
		delete(l.m, id)
	}
}
