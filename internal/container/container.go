// Package container implements the FailSafeFS container file handle: the
// translation between byte-addressed reads/writes and the underlying
// chain of fixed-size blocks, and the close-time description writer that
// terminates a write session.
package container

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/calvinalkan/failsafefs/internal/fsblock"
)

// File is the minimal random-access surface a Handle needs from the
// underlying byte stream. [os.File] and any [github.com/calvinalkan/failsafefs/internal/fs.File]
// satisfy it.
type File interface {
	io.ReaderAt
	io.WriterAt
}

// Errors a Handle's methods can return.
var (
	// ErrNotOpenForWrite is returned by Write when the handle was opened
	// read-only. Close on a read-only handle writes nothing and returns nil.
	ErrNotOpenForWrite = errors.New("container: handle not open for write")

	// ErrTruncateUnsupported is returned by Truncate. The format has no
	// separate truncate protocol (spec §9): shrinking or growing a
	// container out from under its trailing description block would
	// strand that description at the wrong offset. Callers that need
	// truncate semantics must close the container and start a new one.
	ErrTruncateUnsupported = errors.New("container: truncate is not supported on an open container file")

	// ErrCorruptContainer is returned by Open when the underlying file's
	// size is not a whole number of blocks.
	ErrCorruptContainer = errors.New("container: size is not a multiple of the block size")
)

// Handle is an open container file. It mirrors the C3/C4 components: the
// read/write translation plus the per-open caches (desc_cache,
// last_block_cache, last_written_cache, at most one incomplete tail) that
// let sequential access avoid re-reading blocks it just produced.
//
// A Handle is not safe for concurrent use; the boundary layer serializes
// all access to a given handle (and, per spec, to the whole handle table)
// with a single process-wide lock.
type Handle struct {
	f        File
	forWrite bool

	// diskDataBlocks is the number of data blocks that existed on disk
	// when this handle was opened (i.e. before anything this session
	// writes). Blocks at or beyond this index did not exist on open and
	// must be produced fresh rather than read back for an overlay.
	diskDataBlocks int64

	// revision is the tag this session stamps onto every data block it
	// produces: 1 for a brand new file, or the reused value of the
	// description that existed when the file was opened (spec §3).
	revision int64

	// baseRevision is that same pre-open description's revision, 0 if
	// none existed. The closing description's own revision is
	// baseRevision+1 — not revision+1, since a brand new file's first
	// session already tags its blocks with revision 1 while its closing
	// description must also read 1, not 2.
	baseRevision int64

	logicalLen int64

	hasLastBlock bool
	lastBlock    fsblock.DataBlock

	hasLastWritten bool
	lastWritten    fsblock.DataHeader

	hasIncomplete bool
	incomplete    fsblock.DataBlock
}

// Open opens a container file whose underlying byte stream is f and
// whose current size is size. forWrite marks a write session; callers
// must compute it from a bitwise flag test
// (flags&(os.O_WRONLY|os.O_RDWR) != 0), never the logical-AND the format's
// original implementation used by mistake (spec §9).
func Open(f File, size int64, forWrite bool) (*Handle, error) {
	h := &Handle{f: f, forWrite: forWrite}

	// A file shorter than one block cannot hold a complete block of any
	// kind; treat it the same as a brand new, empty container (spec §4.3,
	// §6) rather than rejecting it as corrupt.
	if size < fsblock.BlockSize {
		h.revision = 1
		h.baseRevision = 0
		return h, nil
	}

	if size%fsblock.BlockSize != 0 {
		return nil, fmt.Errorf("%w: size %d", ErrCorruptContainer, size)
	}

	descOffset := size - fsblock.BlockSize
	buf := make([]byte, fsblock.BlockSize)
	if _, err := f.ReadAt(buf, descOffset); err != nil {
		return nil, fmt.Errorf("container: reading description block: %w", err)
	}

	h.diskDataBlocks = descOffset / fsblock.BlockSize

	if forWrite {
		// A write session only needs the revision and logical length to
		// start overlaying the existing chain, and must succeed even if
		// the trailing description doesn't pass its consistency check:
		// per spec §6, bad signature/version/hash is read's failure mode
		// and a bad description is stat_logical_size's, never open's. The
		// original implementation's write path never validates the
		// description it overlays either.
		raw := fsblock.DecodeHeaderUnchecked(buf)
		h.revision = raw.Revision
		h.baseRevision = raw.Revision
		h.logicalLen = raw.Offset
		return h, nil
	}

	desc, err := fsblock.DecodeDesc(buf)
	if err != nil {
		return nil, fmt.Errorf("container: description block: %w", err)
	}

	h.revision = desc.Revision
	h.baseRevision = desc.Revision
	h.logicalLen = desc.Offset

	return h, nil
}

// LogicalSize returns the file's current logical length: the length the
// next close-for-write's description will record if nothing more is
// written, or the length the container was opened with for a read-only
// handle.
func (h *Handle) LogicalSize() int64 {
	return h.logicalLen
}

// Revision returns the write session's revision tag: the value every
// data block produced by this handle carries. For a reopened file the
// next close-for-write stamps one more than this on the new description;
// for a brand new file both are 1.
func (h *Handle) Revision() int64 {
	return h.revision
}

// Truncate always fails. See [ErrTruncateUnsupported].
func (h *Handle) Truncate(int64) error {
	return ErrTruncateUnsupported
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
