package integration

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	moviedialog "github.com/flexigpt/moviedialog-go"
	"github.com/flexigpt/moviedialog-go/badgerstore"
	"github.com/flexigpt/moviedialog-go/internal/seed"
	"github.com/flexigpt/moviedialog-go/spec"
	"github.com/flexigpt/moviedialog-go/sqlretriever"
)

const catalogue = `
movies:
  - id: airplane
    title: Airplane!
    rating: 7.7
    attributes: {genre: [comedy], year: ["1980"], actor: [Leslie Nielsen], director: [Jim Abrahams]}
  - id: naked-gun
    title: The Naked Gun
    rating: 7.6
    attributes: {genre: [comedy], year: ["1988"], actor: [Leslie Nielsen], director: [David Zucker]}
  - id: groundhog-day
    title: Groundhog Day
    rating: 8.0
    attributes: {genre: [comedy, romance], year: ["1993"], actor: [Bill Murray], director: [Harold Ramis]}
  - id: ghostbusters
    title: Ghostbusters
    rating: 7.8
    attributes: {genre: [comedy], year: ["1984"], actor: [Bill Murray], director: [Ivan Reitman]}
  - id: alien
    title: Alien
    rating: 8.5
    attributes: {genre: [horror, sci-fi], year: ["1979"], director: [Ridley Scott], keyword: [space]}
`

func openCatalogue(t *testing.T) *sqlretriever.Retriever {
	t.Helper()
	r, err := sqlretriever.Open(t.Context(), filepath.Join(t.TempDir(), "movies.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	c, err := seed.Parse([]byte(catalogue))
	require.NoError(t, err)
	_, err = r.Import(t.Context(), c)
	require.NoError(t, err)
	return r
}

func openSessions(t *testing.T) *badgerstore.Store {
	t.Helper()
	s, err := badgerstore.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newRuntime(t *testing.T, opts ...moviedialog.Option) *moviedialog.Runtime {
	t.Helper()
	cfg := moviedialog.DefaultConfig()
	cfg.RetrievalRetryBackoff = 0
	base := []moviedialog.Option{
		moviedialog.WithConfig(cfg),
		moviedialog.WithRetriever(openCatalogue(t)),
		moviedialog.WithStore(openSessions(t)),
	}
	rt, err := moviedialog.New(append(base, opts...)...)
	require.NoError(t, err)
	return rt
}

func ids(cs []spec.Candidate) []string {
	out := make([]string, 0, len(cs))
	for _, c := range cs {
		out = append(out, c.MovieID)
	}
	return out
}

func newRuntimeWith(t *testing.T, r spec.Retriever, store spec.SessionStore) *moviedialog.Runtime {
	t.Helper()
	cfg := moviedialog.DefaultConfig()
	cfg.RetrievalRetryBackoff = 0
	rt, err := moviedialog.New(moviedialog.WithConfig(cfg), moviedialog.WithRetriever(r), moviedialog.WithStore(store))
	require.NoError(t, err)
	return rt
}
