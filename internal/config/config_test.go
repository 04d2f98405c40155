package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "moviedialog.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

// Tests in this file use t.Setenv and therefore cannot run in parallel.

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(PathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	p := writeFile(t, `
dialogue:
  slot_priority_order: [genre, year, "actor|director"]
  confirmation_confidence_threshold: 0.7
  top_k_recommendations: 5
  session_ttl: 10m
store:
  backend: badger
  path: /tmp/sessions
log:
  level: debug
`)
	t.Setenv("MOVIEDIALOG_DIALOGUE__TOP_K_RECOMMENDATIONS", "2")
	t.Setenv("MOVIEDIALOG_DIALOGUE__RETRIEVAL_RETRY_BACKOFF", "250ms")
	t.Setenv("MOVIEDIALOG_SERVER__ADDR", ":9090")

	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, []string{"genre", "year", "actor|director"}, cfg.Dialogue.SlotPriorityOrder)
	assert.InDelta(t, 0.7, cfg.Dialogue.ConfirmationConfidenceThreshold, 1e-9)
	assert.Equal(t, 2, cfg.Dialogue.TopKRecommendations, "env overrides the file")
	assert.Equal(t, 10*time.Minute, cfg.Dialogue.SessionTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.Dialogue.RetrievalRetryBackoff)
	assert.Equal(t, "badger", cfg.Store.Backend)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, Default().Retrieval, cfg.Retrieval)

	o, err := cfg.Dialogue.Ontology()
	require.NoError(t, err)
	assert.Equal(t, o.Rank("actor"), o.Rank("director"))
}

func TestLoad_PriorityOrderFromEnvList(t *testing.T) {
	t.Setenv(PathEnvVar, "")
	t.Setenv("MOVIEDIALOG_DIALOGUE__SLOT_PRIORITY_ORDER", "genre, keyword")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"genre", "keyword"}, cfg.Dialogue.SlotPriorityOrder)
}

func TestLoad_PathFromEnv(t *testing.T) {
	p := writeFile(t, "log:\n  format: console\n")
	t.Setenv(PathEnvVar, p)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"threshold above one", "dialogue:\n  confirmation_confidence_threshold: 1.5\n"},
		{"zero top k", "dialogue:\n  top_k_recommendations: 0\n"},
		{"unknown store", "store:\n  backend: redis\n"},
		{"bad log level", "log:\n  level: chatty\n"},
		{"duplicate slot", "dialogue:\n  slot_priority_order: [genre, genre]\n"},
		{"reserved slot", "dialogue:\n  slot_priority_order: [genre, movie_id]\n"},
		{"min filled above slot count", "dialogue:\n  slot_priority_order: [genre]\n  min_filled_slots_for_query: 2\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(PathEnvVar, "")
			_, err := Load(writeFile(t, tc.yaml))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestDefaultDialogue_IsValid(t *testing.T) {
	require.NoError(t, DefaultDialogue().Validate())
	require.NoError(t, Default().Validate())
}
