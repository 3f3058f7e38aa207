package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wezterm-parallel/core/internal/alert"
	"github.com/wezterm-parallel/core/internal/process"
	"github.com/wezterm-parallel/core/internal/registry"
	"github.com/wezterm-parallel/core/internal/store"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *registry.Registry) {
	t.Helper()
	st := store.NewWorkspaceStore(filepath.Join(t.TempDir(), "workspaces.json"))
	t.Cleanup(st.Close)
	reg := registry.New(st)
	sup := New(reg, process.NewProbeRegistry(), alert.NewRing(50), nil, nil, 4, time.Hour)
	return sup, reg
}

func TestSpawnRejectsUnknownWorkspace(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	_, err := sup.Spawn(process.Spec{Workspace: "nope", Command: "true"})
	assert.Error(t, err)
}

func TestSpawnRunsAndStops(t *testing.T) {
	sup, reg := newTestSupervisor(t)
	_, err := reg.Create("ws1", "")
	require.NoError(t, err)

	rec, err := sup.Spawn(process.Spec{Workspace: "ws1", Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	assert.Equal(t, process.StatusRunning, rec.Status)
	assert.NotZero(t, rec.PID)

	require.NoError(t, sup.Stop(rec.ID, time.Second))
	time.Sleep(100 * time.Millisecond)

	got, err := sup.Status(rec.ID)
	require.NoError(t, err)
	assert.True(t, got.Status.Terminal())
}

func TestKillDetachesProcessFromWorkspace(t *testing.T) {
	sup, reg := newTestSupervisor(t)
	_, err := reg.Create("ws1", "")
	require.NoError(t, err)

	rec, err := sup.Spawn(process.Spec{Workspace: "ws1", Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	require.NoError(t, sup.Kill(rec.ID))

	require.Eventually(t, func() bool {
		ws, ok := reg.Get("ws1")
		return ok && len(ws.ProcessIDs) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKillFreesQuotaForNextSpawn(t *testing.T) {
	sup, reg := newTestSupervisor(t)
	_, err := reg.Create("ws1", "")
	require.NoError(t, err)
	sup.maxPerWorkspace = 1

	rec, err := sup.Spawn(process.Spec{Workspace: "ws1", Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	require.NoError(t, sup.Kill(rec.ID))

	require.Eventually(t, func() bool {
		_, spawnErr := sup.Spawn(process.Spec{Workspace: "ws1", Command: "sleep", Args: []string{"5"}})
		return spawnErr == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSpawnRespectsQuota(t *testing.T) {
	sup, reg := newTestSupervisor(t)
	_, err := reg.Create("ws1", "")
	require.NoError(t, err)
	sup.maxPerWorkspace = 1

	_, err = sup.Spawn(process.Spec{Workspace: "ws1", Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	_, err = sup.Spawn(process.Spec{Workspace: "ws1", Command: "sleep", Args: []string{"5"}})
	assert.Error(t, err)
}

func TestListFiltersByWorkspace(t *testing.T) {
	sup, reg := newTestSupervisor(t)
	_, _ = reg.Create("ws1", "")
	_, _ = reg.Create("ws2", "")

	_, err := sup.Spawn(process.Spec{Workspace: "ws1", Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)
	_, err = sup.Spawn(process.Spec{Workspace: "ws2", Command: "sleep", Args: []string{"5"}})
	require.NoError(t, err)

	assert.Len(t, sup.List("ws1"), 1)
	assert.Len(t, sup.List(""), 2)
}

func TestComputeBackoffCapsAt30s(t *testing.T) {
	d := computeBackoff(time.Second, 10)
	assert.Equal(t, maxBackoff, d)
}

func TestClassifyExitSuccess(t *testing.T) {
	info := classifyExit(nil)
	assert.Equal(t, 0, info.Code)
}
