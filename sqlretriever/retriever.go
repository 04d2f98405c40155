// Package sqlretriever is a movie catalogue backed by SQLite (modernc.org/sqlite,
// no cgo). It implements spec.Retriever and spec.MovieDescriber.
package sqlretriever

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/flexigpt/moviedialog-go/internal/seed"
	"github.com/flexigpt/moviedialog-go/spec"
)

const (
	defaultLimit = 100

	// keywordSlot also matches movie titles.
	keywordSlot spec.SlotName = "keyword"
)

const schema = `
CREATE TABLE IF NOT EXISTS movies (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	rating REAL NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS movie_attrs (
	movie_id TEXT NOT NULL REFERENCES movies(id) ON DELETE CASCADE,
	slot TEXT NOT NULL,
	value TEXT NOT NULL COLLATE NOCASE,
	PRIMARY KEY (movie_id, slot, value)
);
CREATE INDEX IF NOT EXISTS idx_movie_attrs_slot_value ON movie_attrs(slot, value);
`

type Retriever struct {
	db    *sql.DB
	limit int
	log   *zap.Logger
}

type Option func(*Retriever) error

// WithLimit caps the number of candidates a query returns.
func WithLimit(n int) Option {
	return func(r *Retriever) error {
		if n <= 0 {
			return fmt.Errorf("%w: limit must be positive, got %d", spec.ErrInvalidArgument, n)
		}
		r.limit = n
		return nil
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", spec.ErrInvalidArgument)
		}
		r.log = l
		return nil
	}
}

// Open opens (creating if needed) the SQLite catalogue at dsn and applies the schema.
func Open(ctx context.Context, dsn string, opts ...Option) (*Retriever, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("%w: empty dsn", spec.ErrInvalidArgument)
	}
	if !strings.HasPrefix(dsn, "file:") && dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create catalogue directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalogue: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY and keeps
	// :memory: databases coherent.
	db.SetMaxOpenConns(1)

	r, err := New(ctx, db, opts...)
	if err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

// New uses an already opened database. The schema is created if missing.
func New(ctx context.Context, db *sql.DB, opts ...Option) (*Retriever, error) {
	if db == nil {
		return nil, fmt.Errorf("%w: nil db", spec.ErrInvalidArgument)
	}
	r := &Retriever{db: db, limit: defaultLimit, log: zap.NewNop()}
	for _, o := range opts {
		if o == nil {
			continue
		}
		if err := o(r); err != nil {
			return nil, err
		}
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply catalogue schema: %w", err)
	}
	return r, nil
}

func (r *Retriever) Close() error { return r.db.Close() }

// Query returns the movies matching every constraint, best rated first, at
// most the configured limit. Values match case-insensitively; a keyword also
// matches a title substring.
func (r *Retriever) Query(ctx context.Context, cons spec.Constraints) ([]spec.Candidate, error) {
	return r.QueryExcluding(ctx, cons, nil)
}

// QueryExcluding is Query without the movies in exclude. The limit counts
// only movies that are not excluded.
func (r *Retriever) QueryExcluding(ctx context.Context, cons spec.Constraints, exclude []string) ([]spec.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(cons) == 0 {
		return nil, spec.ErrInvalidConstraints
	}

	q, args := buildQuery(cons, exclude, r.limit)
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalogue: %w", err)
	}
	defer rows.Close()

	var out []spec.Candidate
	for rows.Next() {
		var c spec.Candidate
		if err := rows.Scan(&c.MovieID, &c.Score); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read candidates: %w", err)
	}
	r.log.Debug("catalogue query", zap.Int("constraints", len(cons)), zap.Int("candidates", len(out)))
	return out, nil
}

func buildQuery(cons spec.Constraints, exclude []string, limit int) (string, []any) {
	// Sorted for stable SQL text and args.
	slots := make([]spec.SlotName, 0, len(cons))
	for s := range cons {
		slots = append(slots, s)
	}
	slices.Sort(slots)

	var b strings.Builder
	b.WriteString("SELECT m.id, m.rating FROM movies m WHERE 1=1")
	args := make([]any, 0, 3*len(slots)+len(exclude)+1)
	for _, s := range slots {
		v := strings.TrimSpace(cons[s])
		exists := " AND (EXISTS (SELECT 1 FROM movie_attrs a WHERE a.movie_id = m.id AND a.slot = ? AND a.value = ?)"
		b.WriteString(exists)
		args = append(args, string(s), v)
		if s == keywordSlot {
			b.WriteString(" OR m.title LIKE ? ESCAPE '\\'")
			args = append(args, "%"+escapeLike(v)+"%")
		}
		b.WriteString(")")
	}
	if len(exclude) > 0 {
		b.WriteString(" AND m.id NOT IN (?")
		b.WriteString(strings.Repeat(", ?", len(exclude)-1))
		b.WriteString(")")
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	b.WriteString(" ORDER BY m.rating DESC, m.id ASC LIMIT ?")
	args = append(args, limit)
	return b.String(), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// Describe returns the requested attributes of one movie plus its title. Multiple values are
// joined with ", ". Unknown movies yield spec.ErrMovieNotFound.
func (r *Retriever) Describe(ctx context.Context, movieID string, slots []spec.SlotName) (map[spec.SlotName]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	movieID = strings.TrimSpace(movieID)

	var title string
	err := r.db.QueryRowContext(ctx, "SELECT title FROM movies WHERE id = ?", movieID).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %q", spec.ErrMovieNotFound, movieID)
	}
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", movieID, err)
	}

	out := map[spec.SlotName]string{"title": title}
	if len(slots) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(slots)), ",")
	args := make([]any, 0, len(slots)+1)
	args = append(args, movieID)
	for _, s := range slots {
		args = append(args, string(s))
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT slot, value FROM movie_attrs WHERE movie_id = ? AND slot IN ("+placeholders+") ORDER BY slot, value",
		args...)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", movieID, err)
	}
	defer rows.Close()

	values := map[spec.SlotName][]string{}
	for rows.Next() {
		var slot, value string
		if err := rows.Scan(&slot, &value); err != nil {
			return nil, fmt.Errorf("scan attribute: %w", err)
		}
		values[spec.SlotName(slot)] = append(values[spec.SlotName(slot)], value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}
	for s, vs := range values {
		out[s] = strings.Join(vs, ", ")
	}
	return out, nil
}

// Import upserts every movie of c in one transaction, replacing their
// attributes. It returns the number of movies written.
func (r *Retriever) Import(ctx context.Context, c seed.Catalog) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert, err := tx.PrepareContext(ctx, `INSERT INTO movies (id, title, rating) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET title = excluded.title, rating = excluded.rating`)
	if err != nil {
		return 0, err
	}
	defer upsert.Close()
	wipe, err := tx.PrepareContext(ctx, "DELETE FROM movie_attrs WHERE movie_id = ?")
	if err != nil {
		return 0, err
	}
	defer wipe.Close()
	attr, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO movie_attrs (movie_id, slot, value) VALUES (?, ?, ?)")
	if err != nil {
		return 0, err
	}
	defer attr.Close()

	for _, m := range c.Movies {
		if _, err := upsert.ExecContext(ctx, m.ID, m.Title, m.Rating); err != nil {
			return 0, fmt.Errorf("import %s: %w", m.ID, err)
		}
		if _, err := wipe.ExecContext(ctx, m.ID); err != nil {
			return 0, fmt.Errorf("import %s: %w", m.ID, err)
		}
		for slot, values := range m.Attributes {
			for _, v := range values {
				if _, err := attr.ExecContext(ctx, m.ID, slot, v); err != nil {
					return 0, fmt.Errorf("import %s.%s: %w", m.ID, slot, err)
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	r.log.Info("catalogue imported", zap.Int("movies", len(c.Movies)), zap.String("digest", c.Digest))
	return len(c.Movies), nil
}

// Count returns the number of movies in the catalogue.
func (r *Retriever) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM movies").Scan(&n); err != nil {
		return 0, fmt.Errorf("count movies: %w", err)
	}
	return n, nil
}
