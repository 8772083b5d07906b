package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/failsafefs/internal/fs"
	"github.com/calvinalkan/failsafefs/pkg/failsafefs"
)

func newTestFS(t *testing.T) *fuseFS {
	t.Helper()
	dir := t.TempDir()
	return newFuseFS(dir, failsafefs.New(fs.NewReal()))
}

func TestChildInodeIsStableAcrossCalls(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t)
	a := fsys.childInode("/foo")
	b := fsys.childInode("/foo")
	require.Equal(t, a, b)

	c := fsys.childInode("/bar")
	require.NotEqual(t, a, c)
}

func TestRootInodeResolvesToSource(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t)
	p, ok := fsys.resolve(fuseops.RootInodeID)
	require.True(t, ok)
	require.Equal(t, "/", p)
	require.Equal(t, fsys.source, fsys.backing(p))
}

func TestBackingJoinsLogicalPathUnderSource(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t)
	got := fsys.backing("/a/b")
	require.Equal(t, filepath.Join(fsys.source, "a", "b"), got)
}

func TestRenameInodeMovesMapping(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t)
	id := fsys.childInode("/old")
	fsys.renameInode("/old", "/new")

	_, ok := fsys.resolve(id)
	require.True(t, ok)

	newID := fsys.childInode("/new")
	require.Equal(t, id, newID)

	_, stillOld := fsys.nodeByPath["/old"]
	require.False(t, stillOld)
}

func TestForgetPathRemovesMapping(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t)
	id := fsys.childInode("/gone")
	fsys.forgetPath("/gone")

	_, ok := fsys.resolve(id)
	require.False(t, ok)
}

func TestDirentTypeMapsFileModes(t *testing.T) {
	t.Parallel()

	require.Equal(t, direntType(os.ModeDir), direntType(os.ModeDir|0o755))
	require.NotEqual(t, direntType(os.ModeDir), direntType(os.ModeSymlink))
	require.NotEqual(t, direntType(0), direntType(os.ModeSymlink))
}

func TestRegisterAndLookupFile(t *testing.T) {
	t.Parallel()

	fsys := newTestFS(t)
	h := fsys.registerFile(failsafefs.Handle(42), "/f")

	f, ok := fsys.lookupFile(h)
	require.True(t, ok)
	require.Equal(t, "/f", f.path)
	require.Equal(t, failsafefs.Handle(42), f.h)
}
