package container

import (
	"fmt"

	"github.com/calvinalkan/failsafefs/internal/fsblock"
)

// Read implements the read contract of spec §4.3: it clamps to the
// logical length, zero-fills any portion of buf beyond what a block
// actually holds, and serves from the incomplete-tail or last-block cache
// before going to disk.
func (h *Handle) Read(offset int64, buf []byte) (int, error) {
	for i := range buf {
		buf[i] = 0
	}

	if offset < 0 || offset >= h.logicalLen || len(buf) == 0 {
		return 0, nil
	}

	effective := len(buf)
	if remain := h.logicalLen - offset; int64(effective) > remain {
		effective = int(remain)
	}

	pos := offset
	written := 0
	for written < effective {
		blockCounter := pos / fsblock.DataSize
		inBlockOff := int(pos % fsblock.DataSize)
		transfer := fsblock.DataSize - inBlockOff
		if remain := effective - written; transfer > remain {
			transfer = remain
		}

		blk, ok, err := h.readBlock(blockCounter)
		if err != nil {
			return written, err
		}

		if ok {
			avail := int(blk.SizeInBlock) - inBlockOff
			if avail > transfer {
				avail = transfer
			}
			if avail > 0 {
				copy(buf[written:written+avail], blk.Payload[inBlockOff:inBlockOff+avail])
			}
		}

		written += transfer
		pos += int64(transfer)
	}

	return written, nil
}

// readBlock resolves blockCounter to its decoded contents, consulting the
// incomplete tail and last-block caches before falling back to disk, the
// way the original readBlock helper does (failsafefs.cpp).
func (h *Handle) readBlock(blockCounter int64) (fsblock.DataBlock, bool, error) {
	if h.hasIncomplete && h.incomplete.BlockCounter == blockCounter {
		return h.incomplete, true, nil
	}
	if h.hasLastBlock && h.lastBlock.BlockCounter == blockCounter {
		return h.lastBlock, true, nil
	}
	if blockCounter >= h.diskDataBlocks {
		return fsblock.DataBlock{}, false, nil
	}

	raw := make([]byte, fsblock.BlockSize)
	if _, err := h.f.ReadAt(raw, blockCounter*fsblock.BlockSize); err != nil {
		return fsblock.DataBlock{}, false, fmt.Errorf("container: reading block %d: %w", blockCounter, err)
	}

	blk, err := fsblock.DecodeData(raw)
	if err != nil {
		return fsblock.DataBlock{}, false, fmt.Errorf("container: block %d: %w", blockCounter, err)
	}

	h.lastBlock = blk
	h.hasLastBlock = true

	return blk, true, nil
}
