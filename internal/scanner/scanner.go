// Package scanner implements the forensic scanner (C5): a sliding-window
// sweep over a raw byte stream that recognizes description-block
// signatures, validates them, and recovers one record per intact file
// revision it finds — independent of the directory structure the blocks
// were originally written under.
package scanner

import (
	"errors"
	"io"

	"github.com/calvinalkan/failsafefs/internal/fsblock"
)

// Record is one recovered description block: everything needed to name
// and re-extract a file revision from the raw stream.
type Record struct {
	// ByteOffset is the device offset of the data immediately preceding
	// the description block: the signature's own absolute offset minus
	// one block.
	ByteOffset int64

	// BlockCounter is the 1-based count of data blocks that preceded this
	// description in its chain. Combined with ByteOffset it locates the
	// chain's first data block: the description always sits immediately
	// after the last data block, so the chain started at
	// ByteOffset - (BlockCounter-1)*fsblock.BlockSize.
	BlockCounter int64

	// LogicalLength is the file's logical length at the time this
	// description was written (fsblock.DescHeader.Offset).
	LogicalLength int64

	// Revision is the write session this description closed.
	Revision int64

	// RandomID groups every description recovered from the same chain:
	// two records with equal RandomID are revisions of the same file.
	RandomID [32]byte

	// Path is the last known path stamped on the description, possibly
	// truncated (see fsblock.DescHeader.PartialPath).
	Path string

	// Partial mirrors fsblock.DescHeader.PartialPath.
	Partial bool
}

const (
	slotSize  = fsblock.BlockSize
	readSize  = 2 * fsblock.BlockSize
	bufSize   = 3 * fsblock.BlockSize
	sigLen    = 8 // len(fsblock.DescSignature)
	searchOff = slotSize + 1 - sigLen
	searchLen = slotSize - 1 + sigLen
)

// RecordFunc is called once per valid record the scan discovers, in the
// order it appears in the stream. Returning a non-nil error stops the
// scan and is propagated out of Scan.
type RecordFunc func(Record) error

// Scan sweeps r from its current position to EOF, calling fn for every
// syntactically and cryptographically valid description block it finds.
// The scan tolerates arbitrary byte alignment: a description need not
// start on a 4096-byte boundary of r.
//
// The sliding window mirrors the original scanner: three block-sized
// slots are kept in memory so that a signature match found anywhere in
// the second slot still has a full trailing block available to decode,
// even one discovered in the slot's last byte.
func Scan(r io.Reader, fn RecordFunc) error {
	buf := make([]byte, bufSize)
	var readPos int64
	held := 0 // stream bytes already in the second slot after the slide

	for {
		copy(buf[0:2*slotSize], buf[slotSize:bufSize])

		n, readErr := io.ReadFull(r, buf[slotSize+held:bufSize])
		n += held
		if n == 0 {
			if readErr != nil && !errors.Is(readErr, io.EOF) {
				return readErr
			}
			return nil
		}
		if n < readSize {
			for i := slotSize + n; i < bufSize; i++ {
				buf[i] = 0
			}
		}

		if err := searchWindow(buf, readPos, fn); err != nil {
			return err
		}

		readPos += slotSize
		held = max(n-slotSize, 0)

		if readErr != nil && !errors.Is(readErr, io.EOF) && !errors.Is(readErr, io.ErrUnexpectedEOF) {
			return readErr
		}
	}
}

// searchWindow checks every candidate start position in buf's search
// zone and emits a record for each one that decodes to a consistent
// description block. readPos is the device offset the second slot
// (buf[slotSize:2*slotSize]) was read from.
func searchWindow(buf []byte, readPos int64, fn RecordFunc) error {
	for i := 0; i < searchLen; i++ {
		p := searchOff + i
		if p+fsblock.BlockSize > bufSize {
			continue
		}
		if !fsblock.IsDescriptionCandidate(buf, p) {
			continue
		}

		desc, err := fsblock.DecodeDesc(buf[p : p+fsblock.BlockSize])
		if err != nil {
			continue
		}

		sigAbs := readPos + int64(p) - int64(slotSize)
		rec := Record{
			ByteOffset:    sigAbs - fsblock.BlockSize,
			BlockCounter:  desc.BlockCounter,
			LogicalLength: desc.Offset,
			Revision:      desc.Revision,
			RandomID:      desc.RandomID,
			Path:          desc.LastPath,
			Partial:       desc.PartialPath,
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
