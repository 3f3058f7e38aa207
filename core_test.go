package core

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithoutPersistenceStartsEmpty(t *testing.T) {
	d, err := New(DaemonOptions{})
	require.NoError(t, err)
	assert.Empty(t, d.Registry.List())
	assert.Empty(t, d.Tasks.List())
}

func TestNewPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	opts := DaemonOptions{
		WorkspaceStorePath: filepath.Join(dir, "workspaces.json"),
		TaskStorePath:      filepath.Join(dir, "tasks.json"),
	}

	d1, err := New(opts)
	require.NoError(t, err)
	_, err = d1.Registry.Create("demo", "")
	require.NoError(t, err)

	d2, err := New(opts)
	require.NoError(t, err)
	ws := d2.Registry.List()
	require.Len(t, ws, 1)
	assert.Equal(t, "demo", ws[0].Name)
}

func TestHealthLoopStartStop(t *testing.T) {
	d, err := New(DaemonOptions{})
	require.NoError(t, err)
	d.StartHealthLoop()
	d.StopHealthLoop()
}
