package vfs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aethercore/kernel/pkg/eventbus"
	"github.com/aethercore/kernel/pkg/kernelerr"
)

func newTestFS(t *testing.T) *FS {
	t.Helper()
	root := t.TempDir()
	fs, err := New(root, eventbus.New())
	require.NoError(t, err)
	return fs
}

func TestWriteFile_AtomicNoTempLeftover(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.WriteFile("/a/b/c.txt", []byte("hello"), "agent_1"))

	content, size, err := fs.ReadFile("/a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))
	assert.EqualValues(t, 5, size)

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "a", "b"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "c.txt", entries[0].Name())
}

func TestWriteFile_OverwriteReplacesContent(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.WriteFile("/f.txt", []byte("v1"), ""))
	require.NoError(t, fs.WriteFile("/f.txt", []byte("v2"), ""))

	content, _, err := fs.ReadFile("/f.txt")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(content))
}

func TestResolve_PathEscapeDenied(t *testing.T) {
	fs := newTestFS(t)
	_, _, err := fs.ReadFile("../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindPermission, kernelerr.KindOf(err))
}

func TestResolve_SymlinkEscapeDenied(t *testing.T) {
	fs := newTestFS(t)
	outside := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(outside, "secret.txt"), []byte("nope"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(fs.Root(), "escape")))

	_, _, err := fs.ReadFile("/escape/secret.txt")
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindPermission, kernelerr.KindOf(err))
}

func TestReadFile_NotFound(t *testing.T) {
	fs := newTestFS(t)
	_, _, err := fs.ReadFile("/nope.txt")
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindNotFound, kernelerr.KindOf(err))
}

func TestMkdirRmMv(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.Mkdir("/dir", true))
	require.NoError(t, fs.WriteFile("/dir/x.txt", []byte("x"), ""))
	require.NoError(t, fs.Mv("/dir/x.txt", "/dir/y.txt"))

	assert.False(t, fs.Exists("/dir/x.txt"))
	assert.True(t, fs.Exists("/dir/y.txt"))

	require.NoError(t, fs.Rm("/dir", true))
	assert.False(t, fs.Exists("/dir"))
}

func TestLs_DirsFirstThenSortedByName(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.Mkdir("/root/zz", true))
	require.NoError(t, fs.WriteFile("/root/aa.txt", []byte("a"), ""))
	require.NoError(t, fs.Mkdir("/root/bb", true))

	stats, err := fs.Ls("/root")
	require.NoError(t, err)
	require.Len(t, stats, 3)
	assert.True(t, stats[0].IsDir)
	assert.True(t, stats[1].IsDir)
	assert.False(t, stats[2].IsDir)
}

func TestCreateHome_IsIdempotent(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.CreateHome("agent_1"))
	require.NoError(t, fs.CreateHome("agent_1"))

	for _, sub := range homeSubdirs {
		assert.True(t, fs.Exists("/home/agent_1/"+sub))
	}
	assert.True(t, fs.Exists("/home/agent_1/.config/profile.json"))
}

func TestRemoveHome_RefusesNonAgentPath(t *testing.T) {
	fs := newTestFS(t)
	err := fs.RemoveHome("not-an-agent")
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindPermission, kernelerr.KindOf(err))
}

func TestRemoveHome_RemovesAgentHome(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.CreateHome("agent_7"))
	require.NoError(t, fs.RemoveHome("agent_7"))
	assert.False(t, fs.Exists("/home/agent_7"))
}

func TestCreateAndMountSharedMount(t *testing.T) {
	fs := newTestFS(t)
	require.NoError(t, fs.CreateHome("agent_1"))

	mount, err := fs.CreateSharedMount("project-x", 1)
	require.NoError(t, err)
	require.NoError(t, fs.MountShared("agent_1", mount, ""))

	require.NoError(t, fs.WriteFile("/home/agent_1/project-x/notes.txt", []byte("hi"), "agent_1"))
	content, _, err := fs.ReadFile("/shared/project-x/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(content))
}

func TestCreateSharedMount_RejectsBadName(t *testing.T) {
	fs := newTestFS(t)
	_, err := fs.CreateSharedMount("../escape", 1)
	require.Error(t, err)
	assert.Equal(t, kernelerr.KindValidation, kernelerr.KindOf(err))
}
