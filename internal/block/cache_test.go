package block

import (
	"testing"

	"github.com/iansmith/rarmogo/internal/layout"
	"github.com/stretchr/testify/require"
)

func TestAcquireReadsThroughOnMiss(t *testing.T) {
	dev := NewMemDevice(16)
	var seed [layout.BlockSize]byte
	seed[0] = 0xAB
	dev.Write(3, &seed)

	c := NewCache(dev, 8, 4)
	buf := c.Acquire(3)
	require.Equal(t, byte(0xAB), buf.Data()[0])
	c.Release(buf)
}

func TestAcquireCachesOnSecondCall(t *testing.T) {
	cd := &CountingDevice{Device: NewMemDevice(16)}
	c := NewCache(cd, 8, 4)

	buf1 := c.Acquire(1)
	c.Release(buf1)
	buf2 := c.Acquire(1)
	c.Release(buf2)

	require.Equal(t, 1, cd.Reads)
}

func TestWriteThroughPersists(t *testing.T) {
	dev := NewMemDevice(4)
	c := NewCache(dev, 4, 2)

	buf := c.Acquire(0)
	buf.Data()[0] = 0x42
	c.WriteThrough(buf)
	c.Release(buf)

	var out [layout.BlockSize]byte
	dev.Read(0, &out)
	require.Equal(t, byte(0x42), out[0])
}

func TestEvictionRespectsThreshold(t *testing.T) {
	dev := NewMemDevice(100)
	c := NewCache(dev, 4, 2) // only 2 of 4 slots are ever evictable

	for i := uint32(0); i < 4; i++ {
		buf := c.Acquire(i)
		c.Release(buf)
	}
	// All 4 slots are full and none pinned/dirty; acquiring a 5th block
	// must evict one of the two oldest (blocks 0 or 1), never 2 or 3.
	buf := c.Acquire(4)
	c.Release(buf)

	require.Len(t, c.slots, 4)
	_, stillCached2 := c.slots[2]
	_, stillCached3 := c.slots[3]
	require.True(t, stillCached2)
	require.True(t, stillCached3)
}

func TestPinnedBufferNeverEvicted(t *testing.T) {
	dev := NewMemDevice(100)
	c := NewCache(dev, 2, 0)

	buf0 := c.Acquire(0)
	buf0.Pin()
	c.Release(buf0)

	buf1 := c.Acquire(1)
	c.Release(buf1)

	buf2 := c.Acquire(2)
	c.Release(buf2)

	_, stillCached := c.slots[0]
	require.True(t, stillCached, "pinned block must not be evicted")
}
