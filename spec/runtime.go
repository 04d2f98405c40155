package spec

import (
	"context"
	"time"
)

// Retriever is the movie catalogue backend.
// Query must reject an empty Constraints with ErrInvalidConstraints.
type Retriever interface {
	Query(ctx context.Context, constraints Constraints) ([]Candidate, error)
}

// ExcludingRetriever is optionally implemented by a Retriever that can leave
// movies out of a query itself, so that any result limit applies after the
// exclusion.
type ExcludingRetriever interface {
	QueryExcluding(ctx context.Context, constraints Constraints, exclude []string) ([]Candidate, error)
}

// MovieDescriber is optionally implemented by a Retriever to answer
// questions about a recommended movie.
type MovieDescriber interface {
	Describe(ctx context.Context, movieID string, slots []SlotName) (map[SlotName]string, error)
}

// SessionStore persists sessions between turns.
// Get returns ErrSessionNotFound for unknown ids.
type SessionStore interface {
	Get(ctx context.Context, id SessionID) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, id SessionID) error
}

// Sweeper is optionally implemented by a SessionStore to evict idle sessions.
type Sweeper interface {
	Sweep(ctx context.Context, idleBefore time.Time) (int, error)
}

// Runtime is the interface that tools bind to.
// Implementations (like package moviedialog Runtime) own session state.
type Runtime interface {
	HandleTurn(ctx context.Context, act DialogueAct) (SystemAct, error)
	// Snapshot returns ErrSessionNotFound once a session is closed or evicted.
	Snapshot(ctx context.Context, id SessionID) (Session, error)
}
