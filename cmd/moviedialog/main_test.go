package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flexigpt/moviedialog-go/internal/config"
	"github.com/flexigpt/moviedialog-go/internal/seed"
	"github.com/flexigpt/moviedialog-go/spec"
	"github.com/flexigpt/moviedialog-go/sqlretriever"
)

const testCatalogue = `
movies:
  - {id: airplane, title: Airplane!, rating: 7.7, attributes: {genre: [comedy], year: ["1980"]}}
  - {id: naked-gun, title: The Naked Gun, rating: 7.6, attributes: {genre: [comedy], year: ["1988"]}}
`

func testHostConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	c := config.Default()
	c.Catalog.DSN = filepath.Join(t.TempDir(), "movies.db")
	c.Store.Backend = backend
	c.Store.Path = filepath.Join(t.TempDir(), "sessions")

	r, err := sqlretriever.Open(t.Context(), c.Catalog.DSN)
	require.NoError(t, err)
	cat, err := seed.Parse([]byte(testCatalogue))
	require.NoError(t, err)
	_, err = r.Import(t.Context(), cat)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	return c
}

func TestChat_RecommendsAndCloses(t *testing.T) {
	for _, backend := range []string{"memory", "badger"} {
		t.Run(backend, func(t *testing.T) {
			c := testHostConfig(t, backend)
			h, err := buildHost(t.Context(), c, zap.NewNop(), nil)
			require.NoError(t, err)
			defer h.Close()

			in := strings.Join([]string{
				`{"intent":"inform","slots":[{"name":"genre","value":"comedy","confidence":0.9}]}`,
				`# comments and blank lines are skipped`,
				``,
				`{"intent":"dance"}`,
				`{"intent":"confirm"}`,
				`{"intent":"accept"}`,
				`{"intent":"inform","slots":[{"name":"genre","value":"drama","confidence":0.9}]}`,
			}, "\n")

			cmd := &cobra.Command{}
			cmd.SetContext(t.Context())
			var stderr bytes.Buffer
			cmd.SetErr(&stderr)
			var out bytes.Buffer
			require.NoError(t, chat(cmd, h, "chat-1", strings.NewReader(in), &out))

			var acts []spec.SystemAct
			for line := range strings.SplitSeq(strings.TrimSpace(out.String()), "\n") {
				var a spec.SystemAct
				require.NoError(t, json.Unmarshal([]byte(line), &a))
				acts = append(acts, a)
			}
			require.Len(t, acts, 4, "the dialogue stops at closing")
			assert.Equal(t, spec.AgentRequest, acts[0].Intent)
			assert.Equal(t, spec.AgentReprompt, acts[1].Intent)
			assert.Equal(t, spec.AgentInform, acts[2].Intent)
			assert.Equal(t, "airplane", acts[2].Candidates[0].MovieID)
			assert.Equal(t, spec.AgentBye, acts[3].Intent)
			assert.Contains(t, stderr.String(), "parse error")
		})
	}
}

func TestBuildHost_BadCatalogue(t *testing.T) {
	c := config.Default()
	c.Catalog.DSN = " "
	_, err := buildHost(t.Context(), c, zap.NewNop(), nil)
	require.Error(t, err)
}
