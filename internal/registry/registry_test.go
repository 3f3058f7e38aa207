package registry

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wezterm-parallel/core/internal/store"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	st := store.NewWorkspaceStore(filepath.Join(t.TempDir(), "workspaces.json"))
	t.Cleanup(st.Close)
	return New(st)
}

func TestValidName(t *testing.T) {
	assert.True(t, ValidName("my-workspace_1.x"))
	assert.False(t, ValidName(""))
	assert.False(t, ValidName("has space"))
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	w, err := r.Create("proj", "tmpl-default")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, w.Status)

	got, ok := r.Get("proj")
	require.True(t, ok)
	assert.Equal(t, "tmpl-default", got.TemplateID)
}

func TestCreateDuplicateRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("proj", "")
	require.NoError(t, err)
	_, err = r.Create("proj", "")
	assert.Error(t, err)
}

func TestDeleteRefusesWithAttachedProcesses(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("proj", "")
	require.NoError(t, err)
	require.NoError(t, r.AttachProcess("proj", "p1"))

	err = r.Delete("proj")
	assert.Error(t, err)

	require.NoError(t, r.DetachProcess("proj", "p1"))
	assert.NoError(t, r.Delete("proj"))
}

func TestAttachDetachProcess(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create("proj", "")
	require.NoError(t, err)

	require.NoError(t, r.AttachProcess("proj", "p1"))
	require.NoError(t, r.AttachProcess("proj", "p1")) // idempotent
	assert.Equal(t, 1, r.ProcessCount("proj"))

	require.NoError(t, r.DetachProcess("proj", "p1"))
	assert.Equal(t, 0, r.ProcessCount("proj"))
}

func TestListSortedByName(t *testing.T) {
	r := newTestRegistry(t)
	_, _ = r.Create("zeta", "")
	_, _ = r.Create("alpha", "")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "alpha", list[0].Name)
	assert.Equal(t, "zeta", list[1].Name)
}

func TestLoadRestoresFromStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "workspaces.json")

	st := store.NewWorkspaceStore(path)
	r := New(st)
	_, err := r.Create("proj", "tmpl")
	require.NoError(t, err)
	st.Close()

	st2 := store.NewWorkspaceStore(path)
	defer st2.Close()
	r2 := New(st2)
	require.NoError(t, r2.Load())

	got, ok := r2.Get("proj")
	require.True(t, ok)
	assert.Equal(t, "tmpl", got.TemplateID)
}
