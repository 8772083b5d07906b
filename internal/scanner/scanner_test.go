package scanner

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/failsafefs/internal/fsblock"
)

func descBlock(t *testing.T, h fsblock.DescHeader) []byte {
	t.Helper()
	buf := fsblock.EncodeDesc(h)
	return buf[:]
}

// buildStream lays filler bytes and description blocks at arbitrary
// offsets into one []byte, returning it plus the offsets each block
// ended up at (for assertion).
func buildStream(t *testing.T, totalLen int, blocks map[int][]byte) []byte {
	t.Helper()
	stream := bytes.Repeat([]byte{0x55}, totalLen)
	for off, blk := range blocks {
		require.LessOrEqual(t, off+len(blk), totalLen)
		copy(stream[off:], blk)
	}
	return stream
}

func collect(t *testing.T, stream []byte) []Record {
	t.Helper()
	var recs []Record
	err := Scan(bytes.NewReader(stream), func(r Record) error {
		recs = append(recs, r)
		return nil
	})
	require.NoError(t, err)
	return recs
}

func TestScanFindsBlockAtAlignedOffset(t *testing.T) {
	t.Parallel()

	h := fsblock.DescHeader{BlockCounter: 1, Offset: 5, Revision: 1, LastPath: "/a"}
	blk := descBlock(t, h)
	descOffset := 4096
	stream := buildStream(t, 16384, map[int][]byte{descOffset: blk})

	recs := collect(t, stream)
	require.Len(t, recs, 1)
	require.EqualValues(t, descOffset-fsblock.BlockSize, recs[0].ByteOffset)
	require.EqualValues(t, 5, recs[0].LogicalLength)
	require.EqualValues(t, 1, recs[0].Revision)
	require.Equal(t, "/a", recs[0].Path)
}

func TestScanFindsBlockAtArbitraryAlignment(t *testing.T) {
	t.Parallel()

	h := fsblock.DescHeader{BlockCounter: 2, Offset: 9000, Revision: 3, LastPath: "/misaligned"}
	blk := descBlock(t, h)
	descOffset := 10013 // not a multiple of 4096
	stream := buildStream(t, 32768, map[int][]byte{descOffset: blk})

	recs := collect(t, stream)
	require.Len(t, recs, 1)
	require.EqualValues(t, descOffset-fsblock.BlockSize, recs[0].ByteOffset)
	require.EqualValues(t, 9000, recs[0].LogicalLength)
	require.EqualValues(t, 3, recs[0].Revision)
	require.Equal(t, "/misaligned", recs[0].Path)
}

func TestScanSkipsCorruptedBlock(t *testing.T) {
	t.Parallel()

	h := fsblock.DescHeader{BlockCounter: 1, Offset: 5, Revision: 1, LastPath: "/a"}
	blk := descBlock(t, h)
	blk[4095] ^= 0xFF // flip a byte inside the hash domain
	stream := buildStream(t, 16384, map[int][]byte{4096: blk})

	recs := collect(t, stream)
	require.Empty(t, recs)
}

func TestScanFindsMultipleRevisionsOfSameChain(t *testing.T) {
	t.Parallel()

	randomID := [32]byte{0xAA, 0xBB}
	h1 := fsblock.DescHeader{BlockCounter: 1, Offset: 5, Revision: 1, RandomID: randomID, LastPath: "/f"}
	h2 := fsblock.DescHeader{BlockCounter: 1, Offset: 11, Revision: 2, RandomID: randomID, LastPath: "/f"}

	stream := buildStream(t, 65536, map[int][]byte{
		4096:  descBlock(t, h1),
		40960: descBlock(t, h2),
	})

	recs := collect(t, stream)
	require.Len(t, recs, 2)
	require.Equal(t, randomID, recs[0].RandomID)
	require.Equal(t, randomID, recs[1].RandomID)
	require.EqualValues(t, 1, recs[0].Revision)
	require.EqualValues(t, 2, recs[1].Revision)
}

func TestScanFindsBlockNearEndOfStream(t *testing.T) {
	t.Parallel()

	h := fsblock.DescHeader{BlockCounter: 0, Offset: 1, Revision: 1, LastPath: "/tail"}
	blk := descBlock(t, h)
	totalLen := 12288 + len(blk)
	stream := buildStream(t, totalLen, map[int][]byte{totalLen - len(blk): blk})

	recs := collect(t, stream)
	require.Len(t, recs, 1)
	require.Equal(t, "/tail", recs[0].Path)
}

func TestScanEmptyStreamYieldsNoRecords(t *testing.T) {
	t.Parallel()

	recs := collect(t, nil)
	require.Empty(t, recs)
}

func TestScanShortStreamYieldsNoRecords(t *testing.T) {
	t.Parallel()

	recs := collect(t, []byte{'F', 'A', 'I', 'L', 'D', 'E', 'S', 'C'})
	require.Empty(t, recs)
}

func TestScanPropagatesCallbackError(t *testing.T) {
	t.Parallel()

	h := fsblock.DescHeader{BlockCounter: 1, Offset: 5, Revision: 1, LastPath: "/a"}
	stream := buildStream(t, 16384, map[int][]byte{4096: descBlock(t, h)})

	sentinel := errors.New("stop")
	err := Scan(bytes.NewReader(stream), func(Record) error {
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)
}

func TestScanTruncatesPartialPathConsistentlyWithEncoder(t *testing.T) {
	t.Parallel()

	longPath := "/" + string(bytes.Repeat([]byte{'x'}, 5000))
	h := fsblock.DescHeader{BlockCounter: 1, Offset: 5, Revision: 1, LastPath: longPath}
	stream := buildStream(t, 16384, map[int][]byte{4096: descBlock(t, h)})

	recs := collect(t, stream)
	require.Len(t, recs, 1)
	require.True(t, recs[0].Partial)
	require.Less(t, len(recs[0].Path), len(longPath))
}
