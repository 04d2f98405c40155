// Package badgerstore persists dialogue sessions in BadgerDB so that they
// survive host restarts. It implements spec.SessionStore and spec.Sweeper.
package badgerstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/spec"
)

const sessionKeyPrefix = "session:"

type Store struct {
	db     *badger.DB
	ownsDB bool
	ttl    time.Duration
	log    *zap.Logger
	closed atomic.Bool

	// afterScan runs between the sweep scan and its deletes.
	afterScan func()
}

type Option func(*Store) error

// WithTTL makes Badger expire sessions that were not written for ttl. Explicit
// sweeps remain the primary eviction path; the TTL bounds what a host that
// never sweeps leaves behind.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) error {
		if ttl < 0 {
			return fmt.Errorf("%w: negative ttl", spec.ErrInvalidArgument)
		}
		s.ttl = ttl
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Store) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", spec.ErrInvalidArgument)
		}
		s.log = l
		return nil
	}
}

// Open opens a Badger database in dir. An empty dir opens an in-memory database.
func Open(dir string, opts ...Option) (*Store, error) {
	dir = strings.TrimSpace(dir)
	bopts := badger.DefaultOptions(dir)
	if dir == "" {
		bopts = bopts.WithInMemory(true)
	}
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open session store: %w", err)
	}
	s, err := New(db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// New wraps an open database. Close does not close db.
func New(db *badger.DB, opts ...Option) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil badger db", spec.ErrInvalidArgument)
	}
	s := &Store{db: db, log: zap.NewNop()}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func key(id spec.SessionID) []byte { return []byte(sessionKeyPrefix + string(id)) }

func (s *Store) Get(ctx context.Context, id spec.SessionID) (spec.Session, error) {
	if err := s.check(ctx); err != nil {
		return spec.Session{}, err
	}
	var sess spec.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return spec.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("get session: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &sess)
		})
	})
	if err != nil {
		return spec.Session{}, s.mapErr(err)
	}
	return sess, nil
}

func (s *Store) Put(ctx context.Context, sess spec.Session) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	if strings.TrimSpace(string(sess.ID)) == "" {
		return fmt.Errorf("%w: session id is required", spec.ErrInvalidArgument)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(key(sess.ID), data)
		if s.ttl > 0 {
			e = e.WithTTL(s.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return s.mapErr(fmt.Errorf("set session: %w", err))
	}
	return nil
}

// Delete is idempotent.
func (s *Store) Delete(ctx context.Context, id spec.SessionID) error {
	if err := s.check(ctx); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(key(id)); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete session: %w", err)
		}
		return nil
	})
	return s.mapErr(err)
}

// sweepChunk bounds the keys deleted per transaction.
const sweepChunk = 256

// Sweep deletes every session whose LastActive is before idleBefore. Keys
// found idle by the scan are re-read inside the deleting transaction, so a
// session written after the scan is kept.
func (s *Store) Sweep(ctx context.Context, idleBefore time.Time) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}

	var idle [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(sessionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if s.idle(it.Item(), idleBefore) {
				idle = append(idle, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, s.mapErr(fmt.Errorf("scan sessions: %w", err))
	}
	if s.afterScan != nil {
		s.afterScan()
	}

	total := 0
	for len(idle) > 0 {
		n := min(sweepChunk, len(idle))
		deleted, err := s.deleteIdle(ctx, idle[:n], idleBefore)
		total += deleted
		if err != nil {
			return total, err
		}
		idle = idle[n:]
	}
	return total, nil
}

// deleteIdle deletes the keys that are still idle. A write conflict with a
// concurrent Put retries the chunk with fresh reads.
func (s *Store) deleteIdle(ctx context.Context, keys [][]byte, idleBefore time.Time) (int, error) {
	const maxConflicts = 3
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		deleted := 0
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, k := range keys {
				item, err := txn.Get(k)
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if !s.idle(item, idleBefore) {
					continue
				}
				if err := txn.Delete(k); err != nil {
					return err
				}
				deleted++
			}
			return nil
		})
		switch {
		case err == nil:
			return deleted, nil
		case errors.Is(err, badger.ErrConflict) && attempt < maxConflicts:
			continue
		default:
			return 0, s.mapErr(fmt.Errorf("delete idle sessions: %w", err))
		}
	}
}

// idle reports whether the stored session was last active before idleBefore.
// Undecodable entries cannot be resumed and count as idle.
func (s *Store) idle(item *badger.Item, idleBefore time.Time) bool {
	var head struct {
		LastActive time.Time `json:"lastActive"`
	}
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &head)
	})
	if err != nil {
		s.log.Warn("undecodable session entry", zap.ByteString("key", item.Key()), zap.Error(err))
		return true
	}
	return head.LastActive.Before(idleBefore)
}

// Count returns the number of stored sessions.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(sessionKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, s.mapErr(err)
}

// Len is Count without a context, for gauges. Errors count as zero.
func (s *Store) Len() int {
	n, err := s.Count(context.Background())
	if err != nil {
		return 0
	}
	return n
}

// Close closes the database if Open created it. It is idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed.Load() {
		return spec.ErrStoreClosed
	}
	return nil
}

func (s *Store) mapErr(err error) error {
	if errors.Is(err, badger.ErrDBClosed) {
		return fmt.Errorf("%w: %w", spec.ErrStoreClosed, err)
	}
	return err
}
