// Package wal implements Log/OpGroup (SPEC_FULL.md §4.8): a write-ahead
// log over a fixed on-disk region, group-commit across concurrently open
// OpContexts, and crash replay at boot.
//
// Grounded on spec.md §4.8's begin_op/sync/end_op protocol; the checkpoint
// steps (copy to log, write header, copy to home, clear header, broadcast)
// are spec.md's own five-step list.
package wal

import (
	"sync"
	"sync/atomic"

	"github.com/iansmith/rarmogo/internal/block"
	"github.com/iansmith/rarmogo/internal/kerr"
	"github.com/iansmith/rarmogo/internal/layout"
)

// Log is the write-ahead log over blocks [start, start+numBlocks) of dev,
// the first of which holds the LogHeader.
type Log struct {
	dev    block.Device
	cache  *block.Cache
	start  uint32 // first block of the log area (the header block)
	nBlock uint32 // total blocks in the log area, header included
	opMax  int

	nextTicket uint64

	mu          sync.Mutex
	cond        *sync.Cond
	committing  bool
	outstanding int            // ops currently between BeginOp and EndOp
	logged      []uint32       // distinct blocks synced by the current group, in order
	loggedSet   map[uint32]int // blockNo -> index into logged, for absorption
}

// Open constructs a Log over the numBlocks-block region starting at
// startBlock (including the header block) and, if the header shows a
// pending commit, replays it (spec.md §4.8 "Crash recovery (boot)").
func Open(dev block.Device, cache *block.Cache, startBlock, numBlocks uint32, opMax int) *Log {
	l := &Log{
		dev:       dev,
		cache:     cache,
		start:     startBlock,
		nBlock:    numBlocks,
		opMax:     opMax,
		loggedSet: make(map[uint32]int),
	}
	l.cond = sync.NewCond(&l.mu)
	l.recover()
	return l
}

func (l *Log) readHeader() layout.LogHeader {
	var raw [layout.BlockSize]byte
	l.dev.Read(l.start, &raw)
	return layout.DecodeLogHeader(raw)
}

func (l *Log) writeHeader(h layout.LogHeader) {
	raw := h.Encode()
	l.dev.Write(l.start, &raw)
}

// recover replays a header left over from a crash mid-commit: steps 3-4
// of the checkpoint are idempotent, spec.md §4.8.
func (l *Log) recover() {
	h := l.readHeader()
	if h.NumBlocks == 0 {
		return
	}
	l.installToHome(h)
	l.writeHeader(layout.LogHeader{})
}

// installToHome copies the logged blocks from the log area to their home
// locations (checkpoint step 3).
func (l *Log) installToHome(h layout.LogHeader) {
	var buf [layout.BlockSize]byte
	for i := uint64(0); i < h.NumBlocks; i++ {
		l.dev.Read(l.start+1+uint32(i), &buf)
		l.dev.Write(uint32(h.BlockNo[i]), &buf)
	}
}

// OpContext is a handle for one begin_op..end_op section, spec.md §3:
// {ts, local_block_list}. Create one via Log.Begin.
type OpContext struct {
	log    *Log
	ts     uint64
	local  map[uint32]bool
}

// Begin reserves a slot in the current commit group, blocking if the log
// has no room left until the current group checkpoints (spec.md §4.8,
// resolving the source's open question per SPEC_FULL.md §9).
func (l *Log) Begin() *OpContext {
	l.mu.Lock()
	for l.committing || uint32(len(l.logged)) >= l.nBlock-1 {
		l.cond.Wait()
	}
	l.outstanding++
	l.mu.Unlock()

	return &OpContext{log: l, ts: atomic.AddUint64(&l.nextTicket, 1), local: make(map[uint32]bool)}
}

// MarkDirty implements block.LogContext: logs buf under this context,
// absorbing repeats of the same block into one log entry (spec.md §4.8
// "Absorption"), and enforces OpContext's OP_MAX_NUM_BLOCKS cap.
func (ctx *OpContext) MarkDirty(buf *block.Buffer) {
	l := ctx.log
	blockNo := buf.BlockNo()

	if !ctx.local[blockNo] {
		if len(ctx.local) >= l.opMax {
			kerr.Panic("wal: op %d exceeded OP_MAX_NUM_BLOCKS (%d)", ctx.ts, l.opMax)
		}
		ctx.local[blockNo] = true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loggedSet[blockNo]; ok {
		return // already counted in this group's log entry
	}
	if uint32(len(l.logged)) >= l.nBlock-1 {
		kerr.Panic("wal: log capacity exceeded (max %d blocks)", l.nBlock-1)
	}
	l.loggedSet[blockNo] = len(l.logged)
	l.logged = append(l.logged, blockNo)
}

// End implements spec.md §4.8's end_op: waits until every context
// currently in the group has called End; the last caller performs the
// checkpoint.
func (ctx *OpContext) End() {
	l := ctx.log
	l.mu.Lock()
	l.outstanding--
	if l.outstanding > 0 {
		for l.outstanding > 0 && !l.committing {
			l.cond.Wait()
		}
		l.mu.Unlock()
		return
	}

	l.committing = true
	blocks := append([]uint32(nil), l.logged...)
	l.mu.Unlock()

	l.checkpoint(blocks)

	l.mu.Lock()
	l.logged = nil
	l.loggedSet = make(map[uint32]int)
	l.committing = false
	l.cond.Broadcast()
	l.mu.Unlock()
}

// checkpoint runs the five-step commit spec.md §4.8 lists (the fifth,
// the broadcast, happens in End once this returns).
func (l *Log) checkpoint(blocks []uint32) {
	if len(blocks) == 0 {
		return
	}

	var h layout.LogHeader
	h.NumBlocks = uint64(len(blocks))
	for i, blockNo := range blocks {
		buf := l.cache.Acquire(blockNo)
		raw := *buf.Data()
		l.dev.Write(l.start+1+uint32(i), &raw)
		l.cache.Release(buf)
		h.BlockNo[i] = uint64(blockNo)
	}

	l.writeHeader(h)
	l.installToHome(h)
	l.writeHeader(layout.LogHeader{})

	// Every block named by this checkpoint is now durably at its home
	// location: clear DIRTY so allocSlotLocked can evict it again. Left
	// set, a block synced under an OpContext would stay pinned in the
	// cache forever even after a successful commit (spec.md §4.7).
	for _, blockNo := range blocks {
		buf := l.cache.Acquire(blockNo)
		buf.ClearDirty()
		l.cache.Release(buf)
	}
}
