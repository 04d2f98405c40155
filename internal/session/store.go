package session

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flexigpt/moviedialog-go/spec"
)

type StoreConfig struct {
	// MaxSessions bounds the store; the least recently used session is dropped first.
	MaxSessions int
}

// Store is the in-memory spec.SessionStore. It hands out clones, so the
// orchestrator's copy is the only one mutated during a turn.
type Store struct {
	mu sync.Mutex

	maxSessions int

	lru *list.List                       // front=MRU
	m   map[spec.SessionID]*list.Element // id -> element(Value=*item)
}

type item struct {
	s spec.Session
}

const defaultMaxSessions = 4096

func NewStore(cfg StoreConfig) *Store {
	maxS := cfg.MaxSessions
	if maxS <= 0 {
		maxS = defaultMaxSessions
	}
	return &Store{
		maxSessions: maxS,
		lru:         list.New(),
		m:           map[spec.SessionID]*list.Element{},
	}
}

func (st *Store) Get(ctx context.Context, id spec.SessionID) (spec.Session, error) {
	if err := ctx.Err(); err != nil {
		return spec.Session{}, err
	}
	if strings.TrimSpace(string(id)) == "" {
		return spec.Session{}, spec.ErrSessionNotFound
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	e := st.m[id]
	if e == nil {
		return spec.Session{}, spec.ErrSessionNotFound
	}
	st.lru.MoveToFront(e)
	it, _ := e.Value.(*item)
	return it.s.Clone(), nil
}

func (st *Store) Put(ctx context.Context, s spec.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(s.ID)) == "" {
		return spec.ErrInvalidArgument
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if e := st.m[s.ID]; e != nil {
		e.Value = &item{s: s.Clone()}
		st.lru.MoveToFront(e)
		return nil
	}
	st.m[s.ID] = st.lru.PushFront(&item{s: s.Clone()})
	st.evictOverLimitLocked()
	return nil
}

func (st *Store) Delete(ctx context.Context, id spec.SessionID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if e := st.m[id]; e != nil {
		st.deleteElemLocked(e)
	}
	return nil
}

// Sweep removes every session whose LastActive is before idleBefore.
func (st *Store) Sweep(ctx context.Context, idleBefore time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for e := st.lru.Back(); e != nil; {
		prev := e.Prev()
		it, ok := e.Value.(*item)
		if !ok || it == nil || it.s.LastActive.Before(idleBefore) {
			st.deleteElemLocked(e)
			removed++
		}
		e = prev
	}
	return removed, nil
}

func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lru.Len()
}

func (st *Store) evictOverLimitLocked() {
	if st.maxSessions <= 0 {
		return
	}
	for st.lru.Len() > st.maxSessions {
		e := st.lru.Back()
		if e == nil {
			return
		}
		st.deleteElemLocked(e)
	}
}

func (st *Store) deleteElemLocked(e *list.Element) {
	if it, _ := e.Value.(*item); it != nil {
		delete(st.m, it.s.ID)
	}
	st.lru.Remove(e)
}
