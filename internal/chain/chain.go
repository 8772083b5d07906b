// Package chain builds the next block header of a hash-linked FailSafeFS
// chain from the previous block's decoded header, the way the container
// handle needs it on every write and on close.
package chain

import (
	"crypto/rand"

	"github.com/calvinalkan/failsafefs/internal/fsblock"
)

// Prev holds the state the assembler needs from the previous block in a
// chain. It is either a real predecessor's decoded header or the Root
// sentinel for block_counter 0.
type Prev struct {
	HasPrev      bool
	CurrentHash  [64]byte
	BlockCounter int64
	SizeInBlock  int64
	DateFirst    float64
	RandomID     [32]byte
	Revision     int64
}

// Root is the sentinel "no predecessor" value passed when building the
// first data block (block_counter 0) of a fresh chain.
var Root = Prev{}

// FromDataHeader turns a decoded data block header into the Prev value
// the assembler needs to build the next block in its chain.
func FromDataHeader(h fsblock.DataHeader) Prev {
	return Prev{
		HasPrev:      true,
		CurrentHash:  h.CurrentHash,
		BlockCounter: h.BlockCounter,
		SizeInBlock:  h.SizeInBlock,
		DateFirst:    h.DateFirst,
		RandomID:     h.RandomID,
		Revision:     h.Revision,
	}
}

// NextData produces the header for a fresh data block at blockCounter,
// holding payloadSize bytes starting at byteOffset in the logical file,
// tagged with revision, given prev (the chain's previous block, or Root
// for block_counter 0). now is the creation timestamp (date_current) the
// caller stamps on the new block.
func NextData(prev Prev, payloadSize, blockCounter, byteOffset, revision int64, now float64) fsblock.DataHeader {
	h := fsblock.DataHeader{
		BlockCounter: blockCounter,
		Offset:       byteOffset,
		SizeInBlock:  payloadSize,
		DateCurrent:  now,
		Revision:     revision,
	}

	if blockCounter == 0 || !prev.HasPrev {
		h.DateFirst = now
		h.RandomID = freshRandomID()
		// LastHash and CurrentHash stay zero.
		return h
	}

	h.DateFirst = prev.DateFirst
	h.RandomID = prev.RandomID
	h.LastHash = prev.CurrentHash
	return h
}

// Extend produces the header for a block that already exists on disk (or
// in a handle's cache) and is being overlaid with more payload in place:
// its chain identity (block_counter, offset, random_id, date_first,
// last_hash) and revision are unchanged, only the size and creation
// timestamp move forward. Rewriting an existing block must never mint a
// new random_id — doing so would break the chain-identity guarantee a
// forensic scan relies on to group a file's revisions together.
func Extend(existing fsblock.DataHeader, newSizeInBlock int64, now float64) fsblock.DataHeader {
	h := existing
	h.SizeInBlock = newSizeInBlock
	h.DateCurrent = now
	return h
}

// NextDesc produces the header for the description block that terminates
// a chain whose last data block is described by prev. revision is the
// value the caller has already computed for this closing description —
// the session's base revision (the revision of the description that
// existed when the file was opened, or 0 for a brand new file) plus one.
// It is passed explicitly rather than derived from prev.Revision: the
// first-ever write session tags its data blocks with revision 1 (spec
// §3), but the description that closes that same session must itself
// carry revision 1, not 2, so the two can't be related by a flat +1.
// now is the description's own creation timestamp.
func NextDesc(prev Prev, revision int64, now float64) fsblock.DescHeader {
	return fsblock.DescHeader{
		BlockCounter: prev.BlockCounter + 1,
		Offset:       prev.BlockCounter*fsblock.DataSize + prev.SizeInBlock,
		DateCurrent:  now,
		DateFirst:    prev.DateFirst,
		LastHash:     prev.CurrentHash,
		Revision:     revision,
		RandomID:     prev.RandomID,
	}
}

func freshRandomID() [32]byte {
	var id [32]byte
	_, _ = rand.Read(id[:]) // best-effort; a short read leaves trailing zero bytes, still unique enough in practice
	return id
}
