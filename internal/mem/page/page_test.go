package page

import (
	"testing"

	"github.com/iansmith/rarmogo/internal/kerr"
	"github.com/stretchr/testify/require"
)

func TestAllocSplitsHigherOrder(t *testing.T) {
	a := New(16) // maxOrder = 4 (one block of 16)
	require.Equal(t, Order(4), a.MaxOrder())

	p0, err := a.Alloc(1)
	require.NoError(t, err)
	require.Equal(t, Addr(0), p0)

	// The 16-page block should have been split all the way down; the
	// next single-page alloc must not reuse p0.
	p1, err := a.Alloc(1)
	require.NoError(t, err)
	require.NotEqual(t, p0, p1)
}

func TestFreeMergesBuddies(t *testing.T) {
	a := New(2)
	p0, err := a.Alloc(1)
	require.NoError(t, err)
	p1, err := a.Alloc(1)
	require.NoError(t, err)

	// both halves of the only order-1 block are now allocated
	_, err = a.Alloc(1)
	require.ErrorIs(t, err, kerr.ErrOutOfMemory)

	a.Free(p0, 1)
	a.Free(p1, 1)

	// after merging, a run of 2 should be allocatable again
	_, err = a.Alloc(2)
	require.NoError(t, err)
}

func TestAllocRoundsToPowerOfTwo(t *testing.T) {
	a := New(8)
	addr, err := a.Alloc(3)
	require.NoError(t, err)
	require.Equal(t, Addr(0), addr)
	// order for n=3 is order 2 (4 pages); the remaining 4 pages should
	// still be allocatable as one block.
	_, err = a.Alloc(4)
	require.NoError(t, err)
}

func TestOutOfMemory(t *testing.T) {
	a := New(4)
	_, err := a.Alloc(8)
	require.ErrorIs(t, err, kerr.ErrOutOfMemory)
}

func TestDoubleFreePanics(t *testing.T) {
	a := New(4)
	p, err := a.Alloc(1)
	require.NoError(t, err)
	a.Free(p, 1)
	require.Panics(t, func() { a.Free(p, 1) })
}

func TestNoOverlappingRuns(t *testing.T) {
	a := New(64)
	seen := make(map[Addr]bool)
	for i := 0; i < 10; i++ {
		addr, err := a.Alloc(4)
		require.NoError(t, err)
		require.False(t, seen[addr], "overlapping run returned")
		for p := uint32(addr); p < uint32(addr)+4; p++ {
			seen[Addr(p)] = true
		}
	}
}
