// Package failsafefs implements the core boundary API (C6): the
// byte-addressed open/read/write/release/fsync/scan operations a FUSE
// front-end or CLI drives, backed by the block-chained container format
// in internal/container.
//
// Concurrency follows the original implementation's single global
// mutex and fd-keyed cache map (failsafefs.cpp's pthread_mutex_t and
// std::map<int64_t,CacheStruct>): every handle-touching operation is
// serialized behind one lock, per spec §5. Getattr-class probes are the
// deliberate exception — they issue a single descriptor read without
// taking the lock.
package failsafefs

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/calvinalkan/failsafefs/internal/container"
	"github.com/calvinalkan/failsafefs/internal/fs"
	"github.com/calvinalkan/failsafefs/internal/scanner"
)

// ErrNotOpen is returned by every per-handle operation given a Handle
// that Open never returned, or one Release has already consumed.
var ErrNotOpen = errors.New("failsafefs: handle is not open")

// Handle identifies one open container file to the caller — the FUSE
// binary's own file-handle table, or a CLI driving the API directly.
type Handle int64

type entry struct {
	f    fs.File
	ch   *container.Handle
	path string
}

// FS is the core FailSafeFS API. The zero value is not usable; use New.
type FS struct {
	root fs.FS

	mu      sync.Mutex
	next    int64
	handles map[int64]*entry
}

// New returns an FS whose files live beneath root.
func New(root fs.FS) *FS {
	return &FS{root: root, handles: make(map[int64]*entry)}
}

// Open opens path and returns a Handle for subsequent Read/Write/Fsync/
// Release calls. forWrite must be computed by the caller from a bitwise
// flag test — flags&(os.O_WRONLY|os.O_RDWR) != 0 — never the logical-AND
// the format's original implementation used by mistake (spec §9): that
// test is true for any nonzero flags, so it cannot tell a read-only open
// carrying other flag bits from a write open.
func (fsys *FS) Open(path string, forWrite bool) (Handle, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	var f fs.File
	var err error
	if forWrite {
		f, err = fsys.root.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	} else {
		f, err = fsys.root.Open(path)
	}
	if err != nil {
		return 0, fmt.Errorf("failsafefs: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failsafefs: stat %s: %w", path, err)
	}

	ch, err := container.Open(f, info.Size(), forWrite)
	if err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("failsafefs: %s: %w", path, err)
	}

	fsys.next++
	id := fsys.next
	fsys.handles[id] = &entry{f: f, ch: ch, path: path}
	return Handle(id), nil
}

func (fsys *FS) lookup(h Handle) (*entry, error) {
	e, ok := fsys.handles[int64(h)]
	if !ok {
		return nil, ErrNotOpen
	}
	return e, nil
}

// Read serves a read through h's container handle.
func (fsys *FS) Read(h Handle, offset int64, buf []byte) (int, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	e, err := fsys.lookup(h)
	if err != nil {
		return 0, err
	}
	return e.ch.Read(offset, buf)
}

// Write serves a write through h's container handle. h must have been
// opened with forWrite true.
func (fsys *FS) Write(h Handle, offset int64, data []byte) (int, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	e, err := fsys.lookup(h)
	if err != nil {
		return 0, err
	}
	return e.ch.Write(offset, data)
}

// StatLogicalSize reports h's current logical length: what the next
// close-for-write's description would record if nothing more is
// written.
func (fsys *FS) StatLogicalSize(h Handle) (int64, error) {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	e, err := fsys.lookup(h)
	if err != nil {
		return 0, err
	}
	return e.ch.LogicalSize(), nil
}

// Fsync flushes h's pending incomplete tail block to the underlying
// file and syncs it, without ending the write session (no description
// is written — that only happens on Release).
func (fsys *FS) Fsync(h Handle) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	e, err := fsys.lookup(h)
	if err != nil {
		return err
	}
	if err := e.ch.Flush(); err != nil {
		return err
	}
	return e.f.Sync()
}

// Release closes h: if the session wrote anything, a terminating
// description block is appended (container.Close); a write session
// that never wrote any data leaves the underlying file untouched (spec
// §8 scenario 1). h is invalid for further use after Release returns,
// whether or not it returns an error.
func (fsys *FS) Release(h Handle, meta container.Metadata) error {
	fsys.mu.Lock()
	defer fsys.mu.Unlock()

	e, err := fsys.lookup(h)
	if err != nil {
		return err
	}
	delete(fsys.handles, int64(h))

	closeErr := e.ch.Close(meta)
	syncErr := e.f.Close()
	if closeErr != nil {
		return fmt.Errorf("failsafefs: closing %s: %w", e.path, closeErr)
	}
	if syncErr != nil {
		return fmt.Errorf("failsafefs: closing %s: %w", e.path, syncErr)
	}
	return nil
}

// Getattr reports path's logical size the way a stat(2) probe should:
// without serializing behind the handle-table mutex (spec §5), reading
// only the trailing description block. It does not require path to
// already be open.
func (fsys *FS) Getattr(path string) (int64, error) {
	f, err := fsys.root.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failsafefs: open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failsafefs: stat %s: %w", path, err)
	}

	ch, err := container.Open(f, info.Size(), false)
	if err != nil {
		return 0, fmt.Errorf("failsafefs: %s: %w", path, err)
	}
	return ch.LogicalSize(), nil
}

// Scan sweeps path, opened read-only beneath the filesystem's root, for
// recoverable description blocks (C5).
func (fsys *FS) Scan(path string, fn scanner.RecordFunc) error {
	f, err := fsys.root.Open(path)
	if err != nil {
		return fmt.Errorf("failsafefs: open %s: %w", path, err)
	}
	defer f.Close()

	return scanner.Scan(f, fn)
}
