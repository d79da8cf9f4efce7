// Package layout encodes and decodes the on-disk structures in
// SPEC_FULL.md §6: the SuperBlock, the LogHeader, and the data-region
// bitmap's bit-to-block mapping. Every record is little-endian and lives
// in one 512-byte BlockSize block.
package layout

import (
	"encoding/binary"

	"github.com/iansmith/rarmogo/internal/kerr"
)

// BlockSize is the fixed block-device unit, SPEC_FULL.md §6.
const BlockSize = 512

// LogMaxSize is the largest number of block numbers a LogHeader can
// list: (BlockSize - 8) / 8, per SPEC_FULL.md §6.
const LogMaxSize = (BlockSize - 8) / 8

// Fixed block numbers, spec.md §6: "Block 0 is boot/MBR. Block 1 is the
// SuperBlock."
const (
	BootBlock    = 0
	SuperBlockNo = 1
)

// SuperBlock is the on-disk layout header, spec.md §3.
type SuperBlock struct {
	TotalBlocks   uint64
	NumInodes     uint64
	NumDataBlocks uint64
	NumLogBlocks  uint64
	LogStart      uint64
	InodeStart    uint64
	BitmapStart   uint64
	DataStart     uint64
}

// Encode writes sb into a fresh BlockSize-byte block.
func (sb SuperBlock) Encode() [BlockSize]byte {
	var b [BlockSize]byte
	fields := []uint64{
		sb.TotalBlocks, sb.NumInodes, sb.NumDataBlocks, sb.NumLogBlocks,
		sb.LogStart, sb.InodeStart, sb.BitmapStart, sb.DataStart,
	}
	for i, f := range fields {
		binary.LittleEndian.PutUint64(b[i*8:], f)
	}
	return b
}

// DecodeSuperBlock reads a SuperBlock back out of a raw block.
func DecodeSuperBlock(b [BlockSize]byte) SuperBlock {
	u := func(i int) uint64 { return binary.LittleEndian.Uint64(b[i*8:]) }
	return SuperBlock{
		TotalBlocks:   u(0),
		NumInodes:     u(1),
		NumDataBlocks: u(2),
		NumLogBlocks:  u(3),
		LogStart:      u(4),
		InodeStart:    u(5),
		BitmapStart:   u(6),
		DataStart:     u(7),
	}
}

// LogHeader is the on-disk write-ahead log header, spec.md §3/§6: `{n,
// block_no[n]}`, n == 0 in quiescent state.
type LogHeader struct {
	NumBlocks uint64
	BlockNo   [LogMaxSize]uint64
}

// Encode writes h into a fresh BlockSize-byte block.
func (h LogHeader) Encode() [BlockSize]byte {
	var b [BlockSize]byte
	binary.LittleEndian.PutUint64(b[0:], h.NumBlocks)
	for i := 0; i < LogMaxSize; i++ {
		binary.LittleEndian.PutUint64(b[8+i*8:], h.BlockNo[i])
	}
	return b
}

// DecodeLogHeader reads a LogHeader back out of a raw block.
func DecodeLogHeader(b [BlockSize]byte) LogHeader {
	var h LogHeader
	h.NumBlocks = binary.LittleEndian.Uint64(b[0:])
	for i := 0; i < LogMaxSize; i++ {
		h.BlockNo[i] = binary.LittleEndian.Uint64(b[8+i*8:])
	}
	return h
}

// BitBlock returns which bitmap block and bit index within that block's
// byte array holds the free/allocated flag for data block relIdx (an
// index relative to the start of the data region), per spec.md §6's "bit
// i within byte j maps to block j*8+i".
func BitBlock(relIdx uint64) (blockOffset uint64, byteIdx, bitIdx int) {
	bitsPerBlock := uint64(BlockSize * 8)
	blockOffset = relIdx / bitsPerBlock
	withinBlock := relIdx % bitsPerBlock
	byteIdx = int(withinBlock / 8)
	bitIdx = int(withinBlock % 8)
	return
}

// TestBit reports whether bit bitIdx of byte byteIdx in a bitmap block
// is set.
func TestBit(block [BlockSize]byte, byteIdx, bitIdx int) bool {
	return block[byteIdx]&(1<<uint(bitIdx)) != 0
}

// SetBit sets or clears bit bitIdx of byte byteIdx in place.
func SetBit(block *[BlockSize]byte, byteIdx, bitIdx int, v bool) {
	if byteIdx < 0 || byteIdx >= BlockSize {
		kerr.Panic("layout: bitmap byte index %d out of range", byteIdx)
	}
	mask := byte(1 << uint(bitIdx))
	if v {
		block[byteIdx] |= mask
	} else {
		block[byteIdx] &^= mask
	}
}
