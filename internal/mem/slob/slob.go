// Package slob implements ObjectAlloc, the per-CPU small-object allocator
// built on top of PageAlloc (SPEC_FULL.md §4.2, data model in §3). The
// design and the signed-16-bit free-run encoding are the Linux SLOB
// allocator's, ported via original_source/src/cores/slob.rs (a Rust SLOB
// built "based on the Linux kernel's", mm/slob.c) into the teacher
// kernel's plain, panic-on-corruption style.
package slob

import (
	"sync"

	"github.com/iansmith/rarmogo/internal/kerr"
	"github.com/iansmith/rarmogo/internal/mem/page"
)

// UnitSize is the width of one free-run word: a signed 16-bit integer,
// wide enough to index every unit of a 4 KiB page (see SPEC_FULL.md
// design notes on SlobUnit sizing).
const UnitSize = 2

const unitsPerPage = page.Size / UnitSize

// size-class breakpoints, SPEC_FULL.md §4.2.
const (
	breakSmall  = 64
	breakMedium = 256
)

type class int

const (
	classSmall class = iota
	classMedium
	classLarge
	numClasses
)

func classify(size int) class {
	switch {
	case size <= breakSmall:
		return classSmall
	case size <= breakMedium:
		return classMedium
	default:
		return classLarge
	}
}

// needUnits returns how many units (including the one-unit header that
// stores the block's own size for kfree) a size-byte request consumes.
func needUnits(size int) int16 {
	if size%UnitSize == 0 {
		return int16(size/UnitSize) + 1
	}
	return int16(size/UnitSize) + 2
}

// unitsToSize is needUnits's inverse: the usable byte count a block of
// units units (header included) can serve.
func unitsToSize(units int16) int {
	return int(units-1) * UnitSize
}

const noOffset = int16(-1)

// slobPage is one page-sized arena carved into free runs. freeHead/
// maxFreeHint mirror SPEC_FULL.md's SlobPage fields exactly; next/prev
// are this page's link in its size class's free-page list.
type slobPage struct {
	units       []int16
	freeUnits   int16
	freeHead    int16 // unit offset of the first free run, or noOffset
	maxFreeHint int16 // upper bound on the largest free run, or noOffset if unknown
	next, prev  *slobPage
	addr        page.Addr
	cpu         int
	cls         class
}

func (p *slobPage) end() int16 { return int16(len(p.units)) }

func (p *slobPage) runSize(off int16) int16 {
	v := p.units[off]
	if v > 0 {
		return v
	}
	return 1
}

func (p *slobPage) runNext(off int16) int16 {
	v := p.units[off]
	if v < 0 {
		return -v
	}
	return p.units[off+1]
}

func (p *slobPage) setRun(off, size, next int16) {
	if size > 1 {
		p.units[off] = size
		p.units[off+1] = next
	} else {
		p.units[off] = -next
	}
}

// newSlobPage formats a freshly allocated physical page as one giant
// free run spanning the whole unit array.
func newSlobPage(addr page.Addr, cpu int, cls class) *slobPage {
	p := &slobPage{
		units:       make([]int16, unitsPerPage),
		freeHead:    0,
		maxFreeHint: int16(unitsPerPage),
		addr:        addr,
		cpu:         cpu,
		cls:         cls,
	}
	p.freeUnits = int16(unitsPerPage)
	p.setRun(0, int16(unitsPerPage), p.end())
	return p
}

// tryAlloc reserves a run of exactly totalUnits units such that the data
// pointer (one unit past the run's header) falls on an alignUnits
// boundary. It returns the run's start offset and whether it succeeded.
func (p *slobPage) tryAlloc(totalUnits, alignUnits int16) (int16, bool) {
	if p.freeUnits < totalUnits {
		return 0, false
	}
	if p.maxFreeHint != noOffset && p.maxFreeHint < totalUnits {
		return 0, false
	}

	prev := noOffset
	cur := p.freeHead
	for {
		avail := p.runSize(cur)
		delta := int16(0)
		if alignUnits > 1 {
			dataStart := cur + 1
			rem := dataStart % alignUnits
			if rem != 0 {
				delta = alignUnits - rem
			}
		}

		if avail >= totalUnits+delta {
			next := p.runNext(cur)
			if delta > 0 {
				// Carve off [cur, cur+delta) as its own free run ahead
				// of the now-aligned allocation.
				p.setRun(cur, delta, cur+delta)
				if prev == noOffset {
					p.freeHead = cur
				} else {
					p.setRun(prev, p.runSize(prev), cur)
				}
				prev = cur
				cur = cur + delta
				avail -= delta
			}

			if avail == totalUnits {
				if prev == noOffset {
					p.freeHead = next
				} else {
					p.setRun(prev, p.runSize(prev), next)
				}
			} else {
				tail := cur + totalUnits
				p.setRun(tail, avail-totalUnits, next)
				if prev == noOffset {
					p.freeHead = tail
				} else {
					p.setRun(prev, p.runSize(prev), tail)
				}
			}

			p.freeUnits -= totalUnits
			p.maxFreeHint = noOffset // conservative: a larger run may remain, but we no longer know where
			return cur, true
		}

		if cur == p.end() {
			return 0, false
		}
		next := p.runNext(cur)
		prev = cur
		cur = next
		if cur == p.end() {
			return 0, false
		}
	}
}

// free returns the totalUnits-unit run starting at off to the page's
// free-run chain, merging with physically adjacent free neighbours.
func (p *slobPage) free(off, totalUnits int16) {
	// Rebuild adjacency by walking the free chain to find the run
	// immediately before and after [off, off+totalUnits).
	end := off + totalUnits

	prev := noOffset
	cur := p.freeHead
	for cur != p.end() && cur < off {
		prev = cur
		cur = p.runNext(cur)
	}
	// cur is now the first free run at or after `end` (or page end).

	mergedStart, mergedSize := off, totalUnits
	next := cur
	if cur == end {
		// Adjacent to the following free run: absorb it.
		mergedSize += p.runSize(cur)
		next = p.runNext(cur)
	}
	if prev != noOffset && prev+p.runSize(prev) == off {
		// Adjacent to the preceding free run: absorb backwards too.
		mergedStart = prev
		mergedSize += p.runSize(prev)
		p.setRun(mergedStart, mergedSize, next)
	} else {
		p.setRun(mergedStart, mergedSize, next)
		if prev == noOffset {
			p.freeHead = mergedStart
		} else {
			p.setRun(prev, p.runSize(prev), mergedStart)
		}
	}

	p.freeUnits += totalUnits
	if p.maxFreeHint != noOffset && mergedSize > p.maxFreeHint {
		p.maxFreeHint = mergedSize
	}
}

func (p *slobPage) full() bool  { return p.freeUnits == int16(unitsPerPage) }
func (p *slobPage) empty() bool { return p.freeUnits == 0 }

// Ptr identifies a live allocation: the page it lives in and the unit
// offset of its data (one unit past the size header kfree reads).
type Ptr struct {
	page   *slobPage
	offset int16
}

type classList struct {
	mu   sync.Mutex
	head *slobPage
}

func (l *classList) pushFront(p *slobPage) {
	p.prev = nil
	p.next = l.head
	if l.head != nil {
		l.head.prev = p
	}
	l.head = p
}

func (l *classList) detach(p *slobPage) {
	if p.prev != nil {
		p.prev.next = p.next
	} else if l.head == p {
		l.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	}
	p.prev, p.next = nil, nil
}

func (l *classList) moveToFront(p *slobPage) {
	if l.head == p {
		return
	}
	l.detach(p)
	l.pushFront(p)
}

// Allocator is ObjectAlloc: NumCPU independent sets of three size-class
// free-page lists, each backed by PageAlloc.
type Allocator struct {
	pages   *page.Allocator
	numCPU  int
	classes [][numClasses]classList // [cpu][class]
	live    map[*slobPage]struct{}  // pages this allocator owns, for tests
	liveMu  sync.Mutex
}

// New creates an ObjectAlloc drawing pages from pages, with one set of
// size-class lists per CPU.
func New(pages *page.Allocator, numCPU int) *Allocator {
	a := &Allocator{
		pages:   pages,
		numCPU:  numCPU,
		classes: make([][numClasses]classList, numCPU),
		live:    make(map[*slobPage]struct{}),
	}
	return a
}

// Kmalloc returns a handle to at least size bytes, aligned so that the
// data pointer (one unit past the size header) lands on an align
// boundary. size must be
// smaller than a page (minus header overhead) or kerr.ErrTooLarge is
// returned; Kmalloc never blocks, surfacing kerr.ErrOutOfMemory instead.
func (a *Allocator) Kmalloc(cpu, size, align int) (Ptr, error) {
	if size <= 0 {
		size = 1
	}
	if size >= unitsPerPage*UnitSize-2*UnitSize {
		return Ptr{}, kerr.ErrTooLarge
	}
	alignUnits := int16(1)
	if align > UnitSize {
		alignUnits = int16((align + UnitSize - 1) / UnitSize)
	}
	units := needUnits(size)

	list := &a.classes[cpu%a.numCPU][classify(size)]
	list.mu.Lock()
	defer list.mu.Unlock()

	for p := list.head; p != nil; p = p.next {
		if off, ok := p.tryAlloc(units, alignUnits); ok {
			p.units[off] = units
			a.afterAlloc(list, p)
			return Ptr{page: p, offset: off + 1}, nil
		}
	}

	// No page in this class had room: pull a fresh page from PageAlloc.
	addr, err := a.pages.Alloc(1)
	if err != nil {
		return Ptr{}, err
	}
	np := newSlobPage(addr, cpu%a.numCPU, classify(size))
	off, ok := np.tryAlloc(units, alignUnits)
	if !ok {
		kerr.Panic("slob: fresh page cannot satisfy %d units", units)
	}
	np.units[off] = units
	list.pushFront(np)
	a.liveMu.Lock()
	a.live[np] = struct{}{}
	a.liveMu.Unlock()

	return Ptr{page: np, offset: off + 1}, nil
}

func (a *Allocator) afterAlloc(list *classList, p *slobPage) {
	if p.empty() {
		list.detach(p)
		return
	}
	if list.head != p && p.freeUnits > list.head.freeUnits {
		list.moveToFront(p)
	}
}

// Kfree releases a handle previously returned by Kmalloc. Freeing an
// unknown pointer is undefined, per SPEC_FULL.md §4.2.
func (a *Allocator) Kfree(ptr Ptr) {
	p := ptr.page
	headerOff := ptr.offset - 1
	total := p.units[headerOff]

	list := &a.classes[p.cpu][p.cls]
	list.mu.Lock()
	defer list.mu.Unlock()

	if p.empty() {
		// A fully-consumed page was detached from the class list;
		// re-attach it now that it has free space again.
		list.pushFront(p)
	}

	p.free(headerOff, total)

	if p.full() {
		list.detach(p)
		a.pages.Free(p.addr, 1)
		a.liveMu.Lock()
		delete(a.live, p)
		a.liveMu.Unlock()
	}
}
