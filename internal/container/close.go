package container

import (
	"fmt"

	"github.com/calvinalkan/failsafefs/internal/chain"
	"github.com/calvinalkan/failsafefs/internal/fsblock"
)

// Metadata carries the path/ownership/mode fields a close-for-write
// stamps onto the terminating description block. The boundary layer
// gathers these from the underlying filesystem (stat of the real file,
// the FUSE path) and hands them to Close.
type Metadata struct {
	UID         int64
	GID         int64
	Permissions int64
	Path        string
}

// Close implements the close-time descriptor writer (C4): it flushes any
// pending incomplete tail, then appends a fresh description block right
// after the last data block, carrying Revision = old_revision + 1.
//
// A write session that never wrote any data produces no description at
// all — the underlying file is left exactly as empty as it started (spec
// §8 scenario 1). Closing a read-only handle is a no-op.
func (h *Handle) Close(meta Metadata) error {
	if !h.forWrite {
		return nil
	}

	if err := h.flushIncomplete(); err != nil {
		return err
	}

	if !h.hasLastWritten {
		return nil
	}

	descHdr := chain.NextDesc(chain.FromDataHeader(h.lastWritten), h.baseRevision+1, now())
	descHdr.UID = meta.UID
	descHdr.GID = meta.GID
	descHdr.Permissions = meta.Permissions
	descHdr.LastPath = meta.Path

	buf := fsblock.EncodeDesc(descHdr)
	offset := (h.lastWritten.BlockCounter + 1) * fsblock.BlockSize
	if _, err := h.f.WriteAt(buf[:], offset); err != nil {
		return fmt.Errorf("container: writing description block: %w", err)
	}

	h.logicalLen = descHdr.Offset

	return nil
}
