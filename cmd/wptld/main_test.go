package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T, dataDir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "data_dir: " + dataDir + "\nsocket: " + filepath.Join(dataDir, "daemon.sock") + "\nws_port: 19999\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
	return path
}

func TestDryRunExitsZeroOnValidConfig(t *testing.T) {
	cfgPath := writeTestConfig(t, t.TempDir())
	code := run([]string{"--config", cfgPath, "--dry-run"})
	assert.Equal(t, exitOK, code)
}

func TestUnknownFlagExitsUsage(t *testing.T) {
	code := run([]string{"--not-a-real-flag"})
	assert.Equal(t, exitUsage, code)
}

func TestMissingConfigDirExitsUsage(t *testing.T) {
	code := run([]string{"--config", "/nonexistent/path/config.yaml", "--dry-run"})
	assert.Equal(t, exitUsage, code)
}
