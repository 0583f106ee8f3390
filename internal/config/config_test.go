package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, EngineReference, cfg.Fit.Engine)
	assert.Equal(t, uint64(123), cfg.Synthesis.Seed)
	assert.Len(t, cfg.Synthesis.Concentrations, 18)
	assert.Equal(t, 50, cfg.Synthesis.Plates)
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edna.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: ":9000"
db_path: /tmp/a.db
log:
  level: debug
fit:
  engine: external
  command: Rscript fit.R
synthesis:
  seed: 7
  plates: 10
`), 0o644))

	t.Setenv("DB_PATH", "/tmp/b.db")
	t.Setenv("PORT", "9100")
	t.Setenv("ARTIFACT_DRIVER", "memory")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Port)
	assert.Equal(t, "/tmp/b.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, EngineExternal, cfg.Fit.Engine)
	assert.Equal(t, "Rscript fit.R", cfg.Fit.Command)
	assert.Equal(t, "memory", cfg.Artifacts.Driver)
	assert.Equal(t, uint64(7), cfg.Synthesis.Seed)
	assert.Equal(t, 10, cfg.Synthesis.Plates)
	// fields absent from the file keep their defaults
	assert.Equal(t, 3, cfg.Synthesis.Replicates)
}

func TestLoadRejectsBadSettings(t *testing.T) {
	t.Setenv("FIT_ENGINE", "external")
	_, err := Load("")
	assert.ErrorContains(t, err, "FIT_COMMAND")

	t.Setenv("FIT_ENGINE", "laplace")
	_, err = Load("")
	assert.ErrorContains(t, err, "unknown fit engine")

	t.Setenv("FIT_ENGINE", "")
	t.Setenv("ARTIFACT_DRIVER", "s3")
	_, err = Load("")
	assert.ErrorContains(t, err, "bucket")

	t.Setenv("ARTIFACT_DRIVER", "")
	t.Setenv("RESIDUAL_PARALLELISM", "many")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
