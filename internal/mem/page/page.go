// Package page implements the PageAlloc buddy allocator described in
// SPEC_FULL.md §4.1: a binary buddy allocator over a contiguous range of
// page-sized blocks. It is grounded on the buddy allocator in
// achilleasa/gopher-os's kernel/mem/physical, adapted from a bitmap
// overlaid onto raw physical memory (gopher-os has no allocator of its
// own yet at that point in boot) to ordinary Go maps/slices, since this
// tree runs hosted under the Go runtime rather than bootstrapping one.
package page

import (
	"fmt"
	"sync"

	"github.com/iansmith/rarmogo/internal/kerr"
)

// Size is the fixed page size the whole kernel core assumes.
const Size = 4096

// Order is a buddy allocation order: order n covers a run of 2^n pages.
type Order uint8

// Addr is a physical page address, expressed as a page index into the
// managed arena. Real hardware would use a byte address; indices avoid
// dragging a base address through every call site and division.
type Addr uint32

// Allocator is PageAlloc: a buddy allocator over [0, pageCount) page
// indices. Every exported method is safe to call from any CPU; they all
// serialize on mu exactly as SPEC_FULL.md requires.
type Allocator struct {
	mu sync.Mutex

	pageCount uint32
	maxOrder  Order

	// free[order] is the set of block-start page indices currently free
	// at that order. Membership in this set doubles as the "this block's
	// buddy bit is clear" bitmap SPEC_FULL.md describes: a block is free
	// at order k iff its start index is a key of free[k].
	free []map[uint32]struct{}
}

// New creates an Allocator managing pageCount contiguous pages starting
// at page index 0. The highest serviceable order is the largest K such
// that 2^K <= pageCount.
func New(pageCount uint32) *Allocator {
	if pageCount == 0 {
		kerr.Panic("page.New: zero-size arena")
	}

	maxOrder := Order(0)
	for (uint32(1) << (maxOrder + 1)) <= pageCount {
		maxOrder++
	}

	a := &Allocator{
		pageCount: pageCount,
		maxOrder:  maxOrder,
		free:      make([]map[uint32]struct{}, maxOrder+1),
	}
	for i := range a.free {
		a.free[i] = make(map[uint32]struct{})
	}

	// Carve the arena into the largest blocks it admits, left to right,
	// the same eager top-down seeding gopher-os performs when it walks
	// the multiboot memory map.
	var start uint32
	for order := maxOrder; ; {
		blockSize := uint32(1) << order
		for start+blockSize <= pageCount {
			a.free[order][start] = struct{}{}
			start += blockSize
		}
		if order == 0 {
			break
		}
		order--
	}
	return a
}

// MaxOrder reports the highest order this allocator can ever serve.
func (a *Allocator) MaxOrder() Order { return a.maxOrder }

// Alloc returns a run of n pages, rounded up to the next power of two,
// as the page index of its start. It fails with kerr.ErrOutOfMemory if
// no order can satisfy the request.
func (a *Allocator) Alloc(n uint32) (Addr, error) {
	order := orderFor(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	if order > a.maxOrder {
		return 0, kerr.ErrOutOfMemory
	}

	found := a.findOrSplit(order)
	if found == nil {
		return 0, kerr.ErrOutOfMemory
	}

	start := *found
	delete(a.free[order], start)
	return Addr(start), nil
}

// findOrSplit returns the start index of a free block at the requested
// order, splitting the first available higher-order block if needed.
// The returned block is removed from a.free[order] by the caller.
func (a *Allocator) findOrSplit(order Order) *uint32 {
	if len(a.free[order]) > 0 {
		for start := range a.free[order] {
			s := start
			return &s
		}
	}
	if order == a.maxOrder {
		return nil
	}
	parent := a.findOrSplit(order + 1)
	if parent == nil {
		return nil
	}
	delete(a.free[order+1], *parent)

	// Split: the lower half stays at `order`, the upper buddy goes back
	// onto the order-below free set so it can be handed out or merged.
	half := uint32(1) << order
	buddy := *parent + half
	a.free[order][buddy] = struct{}{}

	start := *parent
	return &start
}

// Free returns a previously allocated run of n pages starting at addr.
// Calling it with a mismatched n is undefined, per SPEC_FULL.md §4.1;
// calling it twice on the same run panics (policy violation).
func (a *Allocator) Free(addr Addr, n uint32) {
	order := orderFor(n)

	a.mu.Lock()
	defer a.mu.Unlock()

	start := uint32(addr)
	if a.isFreeLocked(start, order) {
		kerr.Panic("page.Free: double free of page %d at order %d", start, order)
	}

	for {
		a.free[order][start] = struct{}{}
		if order == a.maxOrder {
			return
		}
		buddy := start ^ (uint32(1) << order)
		if _, buddyFree := a.free[order][buddy]; !buddyFree {
			return
		}
		// Eagerly merge: both buddies free at this order, promote.
		delete(a.free[order], start)
		delete(a.free[order], buddy)
		if buddy < start {
			start = buddy
		}
		order++
	}
}

// isFreeLocked reports whether the run at start lies inside a block that
// is free at order or any higher order (a freed run may have merged).
func (a *Allocator) isFreeLocked(start uint32, order Order) bool {
	for o := order; o <= a.maxOrder; o++ {
		base := start &^ (uint32(1)<<o - 1)
		if _, ok := a.free[o][base]; ok {
			return true
		}
	}
	return false
}

// orderFor returns the smallest order whose block size (in pages) is >= n.
func orderFor(n uint32) Order {
	if n == 0 {
		n = 1
	}
	order := Order(0)
	for (uint32(1) << order) < n {
		order++
	}
	return order
}

func (a Addr) String() string { return fmt.Sprintf("page#%d", uint32(a)) }
