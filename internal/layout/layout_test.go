package layout

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSuperBlockRoundTrip(t *testing.T) {
	sb := SuperBlock{
		TotalBlocks:   8192,
		NumInodes:     200,
		NumDataBlocks: 6000,
		NumLogBlocks:  64,
		LogStart:      2,
		InodeStart:    66,
		BitmapStart:   80,
		DataStart:     100,
	}
	got := DecodeSuperBlock(sb.Encode())
	require.Equal(t, sb, got)
}

func TestLogHeaderRoundTrip(t *testing.T) {
	var h LogHeader
	h.NumBlocks = 3
	h.BlockNo[0] = 10
	h.BlockNo[1] = 11
	h.BlockNo[2] = 12
	got := DecodeLogHeader(h.Encode())
	require.Equal(t, h, got)
}

func TestBitBlockMapping(t *testing.T) {
	off, byteIdx, bitIdx := BitBlock(0)
	require.Equal(t, uint64(0), off)
	require.Equal(t, 0, byteIdx)
	require.Equal(t, 0, bitIdx)

	off, byteIdx, bitIdx = BitBlock(BlockSize*8 + 9)
	require.Equal(t, uint64(1), off)
	require.Equal(t, 1, byteIdx)
	require.Equal(t, 1, bitIdx)
}

func TestSetBitTestBit(t *testing.T) {
	var b [BlockSize]byte
	require.False(t, TestBit(b, 3, 2))
	SetBit(&b, 3, 2, true)
	require.True(t, TestBit(b, 3, 2))
	SetBit(&b, 3, 2, false)
	require.False(t, TestBit(b, 3, 2))
}
