package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAppliesEveryDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "data/wal.log", cfg.Store.WALPath)
	assert.Equal(t, "data/snapshot.json", cfg.Store.SnapshotPath)
	assert.Equal(t, 64*1024, cfg.Store.BufferSize)
	assert.Equal(t, 1, cfg.Dispatch.MaxJobs)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, 0, cfg.API.InputLimit, "unset input_limit means unlimited, not defaulted to a magic number")
	assert.Equal(t, 0, cfg.Collector.DoneLifetimeSeconds, "unset done_lifetime means finished jobs are reaped immediately")
	assert.Equal(t, 100, cfg.Collector.RecycledPriority)
}

func TestLoadParsesYAMLAndAppliesDefaultsForZeroFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
store:
  wal_path: custom/wal.log
dispatch:
  max_jobs: 8
metrics:
  enabled: true
  port: 1234
api:
  input_limit: 100
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom/wal.log", cfg.Store.WALPath)
	assert.Equal(t, "data/snapshot.json", cfg.Store.SnapshotPath, "an unset field must still be defaulted")
	assert.Equal(t, 8, cfg.Dispatch.MaxJobs)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 1234, cfg.Metrics.Port)
	assert.Equal(t, 100, cfg.API.InputLimit)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestDurationHelpers(t *testing.T) {
	cfg := Default()
	cfg.Store.FlushIntervalMs = 250
	cfg.Dispatch.MaxJobsSleepMs = 50
	cfg.Collector.RunningSweepSeconds = 2
	cfg.Collector.ControlSweepSeconds = 7
	cfg.Collector.DelayWindowSeconds = 15
	cfg.Collector.DoneLifetimeSeconds = 30

	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval())
	assert.Equal(t, 50*time.Millisecond, cfg.MaxJobsSleep())
	assert.Equal(t, 2*time.Second, cfg.RunningSweepInterval())
	assert.Equal(t, 7*time.Second, cfg.ControlSweepInterval())
	assert.Equal(t, 15*time.Second, cfg.DelayWindow())
	assert.Equal(t, 30*time.Second, cfg.DoneLifetime())
}
