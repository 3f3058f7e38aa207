package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, defaultWSPort, cfg.WSPort)
	assert.Equal(t, defaultMaxProcessesPerWorkspace, cfg.MaxProcessesPerWorkspace)
	assert.Equal(t, defaultHealthCheckIntervalS, cfg.HealthCheckIntervalS)
}

func TestLoad_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/wptl-data
ws_port: 8765
max_processes_per_workspace: 8
metrics_interval_ms: 500
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/wptl-data", cfg.DataDir)
	assert.Equal(t, 8765, cfg.WSPort)
	assert.Equal(t, 8, cfg.MaxProcessesPerWorkspace)
	assert.Equal(t, 500, cfg.MetricsIntervalMS)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WEZTERM_PARALLEL_DATA_DIR", "/tmp/env-data")
	t.Setenv("WEZTERM_PARALLEL_LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env-data", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_ClampsBelowMinimums(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
health_check_interval_s: 1
metrics_interval_ms: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, minHealthCheckIntervalS, cfg.HealthCheckIntervalS)
	assert.Equal(t, minMetricsIntervalMS, cfg.MetricsIntervalMS)
}

func TestLoad_RejectsInvalidWSPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`ws_port: 70000`), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
