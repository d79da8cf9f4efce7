// Package fsalloc implements DataAllocator (SPEC_FULL.md §4.9): a
// bitmap-backed allocator over the block device's data region, logged
// via an OpContext so alloc/free are atomic with the rest of an op.
package fsalloc

import (
	"github.com/iansmith/rarmogo/internal/block"
	"github.com/iansmith/rarmogo/internal/kerr"
	"github.com/iansmith/rarmogo/internal/layout"
)

// LogContext is the narrow capability Alloc/Free need to make their
// bitmap write atomic with the rest of an op; *wal.OpContext implements
// it via its MarkDirty method, same as block.LogContext.
type LogContext interface {
	MarkDirty(buf *block.Buffer)
}

// Allocator is DataAllocator: a free/allocated bit per data block,
// starting at bitmapStart and covering numDataBlocks blocks starting at
// dataStart.
type Allocator struct {
	cache       *block.Cache
	bitmapStart uint32
	dataStart   uint32
	numBlocks   uint64
}

// New creates an Allocator over numDataBlocks blocks of the data region
// beginning at dataStart, whose bitmap begins at bitmapStart.
func New(cache *block.Cache, bitmapStart, dataStart uint32, numDataBlocks uint64) *Allocator {
	return &Allocator{cache: cache, bitmapStart: bitmapStart, dataStart: dataStart, numBlocks: numDataBlocks}
}

// Alloc scans the bitmap for the first clear bit, sets it, zeroes the
// corresponding data block, and returns its block number. ctx == nil
// makes the bitmap write write-through; a non-nil ctx logs it instead.
func (a *Allocator) Alloc(ctx LogContext) uint32 {
	for rel := uint64(0); rel < a.numBlocks; rel++ {
		blockOff, byteIdx, bitIdx := layout.BitBlock(rel)
		bmBuf := a.cache.Acquire(a.bitmapStart + uint32(blockOff))
		if !layout.TestBit(*bmBuf.Data(), byteIdx, bitIdx) {
			layout.SetBit(bmBuf.Data(), byteIdx, bitIdx, true)
			a.cache.Sync(toLogContext(ctx), bmBuf)
			a.cache.Release(bmBuf)

			blockNo := a.dataStart + uint32(rel)
			a.zero(ctx, blockNo)
			return blockNo
		}
		a.cache.Release(bmBuf)
	}
	kerr.Panic("fsalloc: data region exhausted (%d blocks)", a.numBlocks)
	return 0
}

// Free clears the bit for blockNo. Freeing an already-free block panics.
func (a *Allocator) Free(ctx LogContext, blockNo uint32) {
	rel := uint64(blockNo - a.dataStart)
	blockOff, byteIdx, bitIdx := layout.BitBlock(rel)
	bmBuf := a.cache.Acquire(a.bitmapStart + uint32(blockOff))
	defer a.cache.Release(bmBuf)

	if !layout.TestBit(*bmBuf.Data(), byteIdx, bitIdx) {
		kerr.Panic("fsalloc: double free of block %d", blockNo)
	}
	layout.SetBit(bmBuf.Data(), byteIdx, bitIdx, false)
	a.cache.Sync(toLogContext(ctx), bmBuf)
}

func (a *Allocator) zero(ctx LogContext, blockNo uint32) {
	buf := a.cache.Acquire(blockNo)
	*buf.Data() = [layout.BlockSize]byte{}
	a.cache.Sync(toLogContext(ctx), buf)
	a.cache.Release(buf)
}

// toLogContext adapts a possibly-nil fsalloc.LogContext to the
// block.LogContext interface value block.Cache.Sync expects, so a nil
// ctx here still reaches Sync as a nil interface (write-through).
func toLogContext(ctx LogContext) block.LogContext {
	if ctx == nil {
		return nil
	}
	return ctx
}
