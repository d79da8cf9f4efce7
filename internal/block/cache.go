package block

import (
	"sync"

	"github.com/iansmith/rarmogo/internal/kerr"
	"github.com/iansmith/rarmogo/internal/layout"
)

// flag bits for Buffer, spec.md §3.
type flag uint8

const (
	flagValid flag = 1 << iota
	flagDirty
	flagPinned
)

// Buffer is one block-cache slot, spec.md §3: {block_no, flags, data,
// sleeplock, LRU link, ref_count}.
type Buffer struct {
	blockNo uint32
	data    [layout.BlockSize]byte

	mu       sync.Mutex // guards flags/refCount; not the sleeplock
	flags    flag
	refCount int

	sleeplock sync.Mutex // exclusive hold while a caller is using the data

	lruPrev, lruNext *Buffer // intrusive LRU link, owned by Cache
}

// BlockNo is the block number this buffer caches.
func (b *Buffer) BlockNo() uint32 { return b.blockNo }

// Data exposes the cached bytes for in-place read/write while the caller
// holds the buffer exclusively (between Acquire and Release).
func (b *Buffer) Data() *[layout.BlockSize]byte { return &b.data }

func (b *Buffer) dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags&flagDirty != 0
}

func (b *Buffer) setDirty() {
	b.mu.Lock()
	b.flags |= flagDirty
	b.mu.Unlock()
}

func (b *Buffer) clearDirty() {
	b.mu.Lock()
	b.flags &^= flagDirty
	b.mu.Unlock()
}

// ClearDirty clears the DIRTY flag, making the buffer evictable again
// once its caller has confirmed the block is durably installed at its
// home location. Used by internal/wal's checkpoint, the logged-write
// counterpart to the ctx == nil branch of Sync clearing it immediately.
func (b *Buffer) ClearDirty() { b.clearDirty() }

func (b *Buffer) pinned() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags&flagPinned != 0
}

// Pin/Unpin mark a buffer PINNED, SPEC_FULL.md §4.7's "PINNED ⇒ not
// evictable".
func (b *Buffer) Pin() {
	b.mu.Lock()
	b.flags |= flagPinned
	b.mu.Unlock()
}

func (b *Buffer) Unpin() {
	b.mu.Lock()
	b.flags &^= flagPinned
	b.mu.Unlock()
}

// LogContext is the narrow capability Sync needs from a write-ahead-log
// op context: mark a block as logged rather than written through.
// internal/wal.OpContext implements this; block never imports wal, so
// the dependency runs the other way (wal depends on block).
type LogContext interface {
	MarkDirty(buf *Buffer)
}

// Cache is BlockCache, spec.md §4.7.
type Cache struct {
	dev       Device
	threshold int

	mu    sync.Mutex
	slots map[uint32]*Buffer
	cap   int

	lruHead, lruTail *Buffer // lruHead = most recently released
}

// NewCache creates a Cache over dev with room for cap slots, keeping at
// least threshold most-recently-released blocks pinned against eviction
// (spec.md §4.7).
func NewCache(dev Device, cap, threshold int) *Cache {
	if threshold > cap {
		threshold = cap
	}
	return &Cache{dev: dev, threshold: threshold, cap: cap, slots: make(map[uint32]*Buffer, cap)}
}

// Acquire returns a valid, exclusive handle to blockNo, reading from disk
// on miss. Concurrent Acquire on the same blockNo coalesce into a single
// disk read; late callers wait on the winning buffer's sleeplock.
func (c *Cache) Acquire(blockNo uint32) *Buffer {
	c.mu.Lock()
	if buf, ok := c.slots[blockNo]; ok {
		buf.mu.Lock()
		buf.refCount++
		buf.mu.Unlock()
		c.unlinkLRU(buf)
		c.mu.Unlock()
		buf.sleeplock.Lock()
		return buf
	}

	buf := c.allocSlotLocked(blockNo)
	buf.refCount = 1
	c.slots[blockNo] = buf
	buf.sleeplock.Lock() // held until this acquire's caller releases
	c.mu.Unlock()

	c.dev.Read(blockNo, &buf.data)
	buf.mu.Lock()
	buf.flags |= flagValid
	buf.mu.Unlock()
	return buf
}

// allocSlotLocked returns a fresh Buffer for blockNo, evicting the
// least-recently-released, non-pinned, non-dirty slot if the cache is at
// capacity. Caller holds c.mu.
func (c *Cache) allocSlotLocked(blockNo uint32) *Buffer {
	if len(c.slots) < c.cap {
		return &Buffer{blockNo: blockNo}
	}

	// The threshold most-recently-released entries (the head of the LRU
	// chain) stay pinned against eviction per spec.md §4.7; only entries
	// past that are candidates, oldest first.
	protected := make(map[*Buffer]bool, c.threshold)
	n := 0
	for cand := c.lruHead; cand != nil && n < c.threshold; cand = cand.lruNext {
		protected[cand] = true
		n++
	}
	for cand := c.lruTail; cand != nil; cand = cand.lruPrev {
		if protected[cand] {
			continue
		}
		cand.mu.Lock()
		evictable := cand.refCount == 0 && cand.flags&flagPinned == 0 && cand.flags&flagDirty == 0
		cand.mu.Unlock()
		if evictable {
			c.unlinkLRU(cand)
			delete(c.slots, cand.blockNo)
			cand.blockNo = blockNo
			cand.flags = 0
			return cand
		}
	}
	kerr.Panic("block: cache exhausted, no evictable slot for block %d", blockNo)
	return nil
}

// Release drops the caller's exclusive hold. If this was the last
// reference the buffer becomes eviction-eligible and moves to the front
// of the LRU chain.
func (c *Cache) Release(buf *Buffer) {
	buf.sleeplock.Unlock()

	c.mu.Lock()
	buf.mu.Lock()
	buf.refCount--
	last := buf.refCount == 0
	buf.mu.Unlock()
	if last {
		c.linkFrontLRU(buf)
	}
	c.mu.Unlock()
}

func (c *Cache) unlinkLRU(buf *Buffer) {
	if buf.lruPrev != nil {
		buf.lruPrev.lruNext = buf.lruNext
	} else if c.lruHead == buf {
		c.lruHead = buf.lruNext
	}
	if buf.lruNext != nil {
		buf.lruNext.lruPrev = buf.lruPrev
	} else if c.lruTail == buf {
		c.lruTail = buf.lruPrev
	}
	buf.lruPrev, buf.lruNext = nil, nil
}

func (c *Cache) linkFrontLRU(buf *Buffer) {
	buf.lruPrev = nil
	buf.lruNext = c.lruHead
	if c.lruHead != nil {
		c.lruHead.lruPrev = buf
	}
	c.lruHead = buf
	if c.lruTail == nil {
		c.lruTail = buf
	}
}

// Sync implements spec.md §4.7: with ctx == nil, write the buffer
// through to the device now; otherwise mark it logged under ctx, whose
// owning OpContext defers the write to end_op.
func (c *Cache) Sync(ctx LogContext, buf *Buffer) {
	if ctx == nil {
		buf.setDirty()
		c.dev.Write(buf.blockNo, &buf.data)
		buf.clearDirty()
		return
	}
	buf.setDirty()
	ctx.MarkDirty(buf)
}

// WriteThrough is Sync(nil, buf), used by callers with no open op.
func (c *Cache) WriteThrough(buf *Buffer) { c.Sync(nil, buf) }
