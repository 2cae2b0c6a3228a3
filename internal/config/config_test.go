package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Orchestrator.RetryBudget)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency)
	assert.Equal(t, 500, cfg.Preview.DefaultLimit)
	assert.Equal(t, 2*time.Minute, cfg.GetStageTimeout())
	assert.Equal(t, time.Minute, cfg.GetSchedulerTick())
	assert.Equal(t, 2*time.Minute, cfg.GetComputeTimeout())
	assert.Equal(t, 100, cfg.Orchestrator.AnswerRows)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wrenflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
orchestrator:
  retry_budget: 5
  stage_timeout: 30s
scheduler:
  tick: 15s
  concurrency: 8
`), 0o644))
	t.Setenv("PORT", "9090")
	t.Setenv("SCHEDULER_CONCURRENCY", "2")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Orchestrator.RetryBudget)
	assert.Equal(t, 30*time.Second, cfg.GetStageTimeout())
	assert.Equal(t, 15*time.Second, cfg.GetSchedulerTick())
	assert.Equal(t, 2, cfg.Scheduler.Concurrency)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "http://localhost:5555", cfg.Engine.BaseURL)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  tick: soon\n"), 0o644))
	_, err := Load(path)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("preview:\n  default_limit: 0\n"), 0o644))
	_, err = Load(path)
	require.Error(t, err)
}
