package container

import (
	"fmt"

	"github.com/calvinalkan/failsafefs/internal/chain"
	"github.com/calvinalkan/failsafefs/internal/fsblock"
)

// Write implements the write contract of spec §4.3. It walks data in
// DataSize-sized segments, overlaying onto any block that already exists
// (on disk or in a cache) and chaining a fresh block off the previous one
// when it doesn't.
//
// Overlaying an existing block preserves that block's chain identity
// (random_id, date_first, last_hash): only a block with no prior content
// anywhere gets a newly minted random_id. This is a deliberate correction
// of the source implementation, which regenerates random_id for any
// write landing in block_counter 0 regardless of whether that block
// already existed — a reopen-and-append session would otherwise produce
// a second, unrelated chain identity and break revision recovery (spec
// §8, "Chain identity" and the "Revision survival" scenario).
func (h *Handle) Write(offset int64, data []byte) (int, error) {
	if !h.forWrite {
		return 0, ErrNotOpenForWrite
	}
	if len(data) == 0 {
		return 0, nil
	}

	pos := offset
	remain := data

	for len(remain) > 0 {
		blockCounter := pos / fsblock.DataSize
		inBlockOff := int(pos % fsblock.DataSize)

		transfer := fsblock.DataSize - inBlockOff
		if transfer > len(remain) {
			transfer = len(remain)
		}
		chunk := remain[:transfer]

		existing, hasExisting, err := h.readBlock(blockCounter)
		if err != nil {
			return int(pos - offset), err
		}

		var hdr fsblock.DataHeader
		var payload [fsblock.DataSize]byte

		if hasExisting {
			payload = existing.Payload
			copy(payload[inBlockOff:inBlockOff+transfer], chunk)

			newSize := existing.SizeInBlock
			if grown := int64(inBlockOff + transfer); grown > newSize {
				newSize = grown
			}
			hdr = chain.Extend(existing.DataHeader, newSize, now())
		} else {
			copy(payload[inBlockOff:inBlockOff+transfer], chunk)
			prev := h.chainPrev(blockCounter)
			hdr = chain.NextData(prev, int64(inBlockOff+transfer), blockCounter, blockCounter*fsblock.DataSize, h.revision, now())
		}

		if err := h.writeBlock(blockCounter, hdr, payload); err != nil {
			return int(pos - offset), err
		}

		pos += int64(transfer)
		remain = remain[transfer:]
	}

	if end := offset + int64(len(data)); end > h.logicalLen {
		h.logicalLen = end
	}

	return len(data), nil
}

// chainPrev resolves the header of blockCounter-1 — the block the new
// block at blockCounter must chain off of — from whichever cache holds
// it, falling back to disk. blockCounter 0 has no predecessor; chain.Root
// is returned and chain.NextData's own block_counter==0 rule takes over.
func (h *Handle) chainPrev(blockCounter int64) chain.Prev {
	if blockCounter == 0 {
		return chain.Root
	}

	want := blockCounter - 1
	switch {
	case h.hasIncomplete && h.incomplete.BlockCounter == want:
		return chain.FromDataHeader(h.incomplete.DataHeader)
	case h.hasLastWritten && h.lastWritten.BlockCounter == want:
		return chain.FromDataHeader(h.lastWritten)
	case h.hasLastBlock && h.lastBlock.BlockCounter == want:
		return chain.FromDataHeader(h.lastBlock.DataHeader)
	}

	raw := make([]byte, fsblock.BlockSize)
	if _, err := h.f.ReadAt(raw, want*fsblock.BlockSize); err == nil {
		if blk, err := fsblock.DecodeData(raw); err == nil {
			return chain.FromDataHeader(blk.DataHeader)
		}
	}

	return chain.Root
}

// writeBlock mirrors the original's writeBlock/flushBlock split: a full
// (DataSize-byte) block is hashed and written through immediately; a
// partial block becomes the single in-memory incomplete tail instead,
// deferring its disk write until it is superseded or the handle is
// flushed/closed.
func (h *Handle) writeBlock(blockCounter int64, hdr fsblock.DataHeader, payload [fsblock.DataSize]byte) error {
	if h.hasIncomplete && h.incomplete.BlockCounter != blockCounter {
		if err := h.flushIncomplete(); err != nil {
			return err
		}
	}

	buf := fsblock.EncodeData(hdr, payload[:])
	decoded, err := fsblock.DecodeData(buf[:])
	if err != nil {
		// EncodeData always produces a block that decodes cleanly; a
		// failure here means the codec itself is broken.
		return fmt.Errorf("container: internal: just-encoded block failed to decode: %w", err)
	}

	if hdr.SizeInBlock == fsblock.DataSize {
		if _, err := h.f.WriteAt(buf[:], blockCounter*fsblock.BlockSize); err != nil {
			return fmt.Errorf("container: writing block %d: %w", blockCounter, err)
		}
		h.lastWritten = decoded.DataHeader
		h.hasLastWritten = true
		h.lastBlock = decoded
		h.hasLastBlock = true
		h.hasIncomplete = false
		return nil
	}

	h.incomplete = decoded
	h.hasIncomplete = true
	return nil
}

// flushIncomplete writes the cached incomplete tail (if any) through to
// disk, the way flushBlock does in the source implementation.
func (h *Handle) flushIncomplete() error {
	if !h.hasIncomplete {
		return nil
	}

	buf := fsblock.EncodeData(h.incomplete.DataHeader, h.incomplete.Payload[:])
	if _, err := h.f.WriteAt(buf[:], h.incomplete.BlockCounter*fsblock.BlockSize); err != nil {
		return fmt.Errorf("container: flushing block %d: %w", h.incomplete.BlockCounter, err)
	}

	decoded, err := fsblock.DecodeData(buf[:])
	if err != nil {
		return fmt.Errorf("container: internal: just-encoded block failed to decode: %w", err)
	}

	h.lastWritten = decoded.DataHeader
	h.hasLastWritten = true
	h.lastBlock = decoded
	h.hasLastBlock = true
	h.hasIncomplete = false

	return nil
}

// Flush writes any pending incomplete tail block through to disk without
// writing a description. Used by fsync, which must make data durable
// without ending the write session.
func (h *Handle) Flush() error {
	if !h.forWrite {
		return nil
	}
	return h.flushIncomplete()
}
