package failsafefs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/failsafefs/internal/container"
	"github.com/calvinalkan/failsafefs/internal/fs"
	"github.com/calvinalkan/failsafefs/internal/scanner"
)

func newFS(t *testing.T) (*FS, string) {
	t.Helper()
	dir := t.TempDir()
	return New(fs.NewReal()), dir
}

func TestOpenWriteReleaseReadBackRoundTrip(t *testing.T) {
	t.Parallel()

	fsys, dir := newFS(t)
	path := filepath.Join(dir, "greeting")

	wh, err := fsys.Open(path, true)
	require.NoError(t, err)

	n, err := fsys.Write(wh, 0, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	size, err := fsys.StatLogicalSize(wh)
	require.NoError(t, err)
	require.EqualValues(t, 5, size)

	require.NoError(t, fsys.Release(wh, container.Metadata{Path: "/greeting"}))

	rh, err := fsys.Open(path, false)
	require.NoError(t, err)

	out := make([]byte, 5)
	n, err = fsys.Read(rh, 0, out)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(out))
	require.NoError(t, fsys.Release(rh, container.Metadata{}))
}

func TestOperationsOnUnopenedHandleFail(t *testing.T) {
	t.Parallel()

	fsys, _ := newFS(t)

	_, err := fsys.Read(Handle(999), 0, make([]byte, 1))
	require.ErrorIs(t, err, ErrNotOpen)

	_, err = fsys.Write(Handle(999), 0, []byte("x"))
	require.ErrorIs(t, err, ErrNotOpen)

	err = fsys.Fsync(Handle(999))
	require.ErrorIs(t, err, ErrNotOpen)

	err = fsys.Release(Handle(999), container.Metadata{})
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestReleaseInvalidatesHandle(t *testing.T) {
	t.Parallel()

	fsys, dir := newFS(t)
	path := filepath.Join(dir, "f")

	h, err := fsys.Open(path, true)
	require.NoError(t, err)
	require.NoError(t, fsys.Release(h, container.Metadata{Path: "/f"}))

	_, err = fsys.Read(h, 0, make([]byte, 1))
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestGetattrDoesNotRequireAnOpenHandle(t *testing.T) {
	t.Parallel()

	fsys, dir := newFS(t)
	path := filepath.Join(dir, "f")

	h, err := fsys.Open(path, true)
	require.NoError(t, err)
	_, err = fsys.Write(h, 0, []byte("abcdefgh"))
	require.NoError(t, err)
	require.NoError(t, fsys.Release(h, container.Metadata{Path: "/f"}))

	size, err := fsys.Getattr(path)
	require.NoError(t, err)
	require.EqualValues(t, 8, size)
}

func TestFsyncFlushesIncompleteTailWithoutClosingSession(t *testing.T) {
	t.Parallel()

	fsys, dir := newFS(t)
	path := filepath.Join(dir, "f")

	h, err := fsys.Open(path, true)
	require.NoError(t, err)
	_, err = fsys.Write(h, 0, []byte("partial"))
	require.NoError(t, err)

	require.NoError(t, fsys.Fsync(h))

	// Session stays open after fsync: a second write still succeeds.
	_, err = fsys.Write(h, 7, []byte(" more"))
	require.NoError(t, err)

	require.NoError(t, fsys.Release(h, container.Metadata{Path: "/f"}))

	rh, err := fsys.Open(path, false)
	require.NoError(t, err)
	out := make([]byte, 12)
	_, err = fsys.Read(rh, 0, out)
	require.NoError(t, err)
	require.Equal(t, "partial more", string(out))
}

func TestScanRecoversClosedFile(t *testing.T) {
	t.Parallel()

	fsys, dir := newFS(t)
	path := filepath.Join(dir, "f")

	h, err := fsys.Open(path, true)
	require.NoError(t, err)
	_, err = fsys.Write(h, 0, []byte("scan me"))
	require.NoError(t, err)
	require.NoError(t, fsys.Release(h, container.Metadata{Path: "/f"}))

	var recs []scanner.Record
	err = fsys.Scan(path, func(rec scanner.Record) error {
		recs = append(recs, rec)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "/f", recs[0].Path)
	require.EqualValues(t, 7, recs[0].LogicalLength)
}
