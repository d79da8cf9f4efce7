// Package block implements BlockCache (SPEC_FULL.md §4.7): a fixed-slot
// cache over a Device with pinning, LRU eviction, and sleeplock-guarded
// exclusive acquisition. Device itself is the one virtual call SPEC_FULL.md
// §9 names outside the clock handler; the real EMMC register protocol is
// out of scope (spec.md §1) and lives behind this interface only.
package block

import "github.com/iansmith/rarmogo/internal/layout"

// Device is the inbound BlockDevice dependency, spec.md §6: both calls
// may block; I/O errors are not recoverable in this kernel (the disk is
// assumed reliable) so implementations panic rather than return an error.
type Device interface {
	Read(blockNo uint32, dst *[layout.BlockSize]byte)
	Write(blockNo uint32, src *[layout.BlockSize]byte)
}

// MemDevice is an in-memory Device backing tests and cmd/kernel's
// simulated boot; it never fails.
type MemDevice struct {
	blocks [][layout.BlockSize]byte
}

// NewMemDevice creates a zeroed MemDevice with the given block count.
func NewMemDevice(numBlocks uint32) *MemDevice {
	return &MemDevice{blocks: make([][layout.BlockSize]byte, numBlocks)}
}

func (d *MemDevice) Read(blockNo uint32, dst *[layout.BlockSize]byte) {
	*dst = d.blocks[blockNo]
}

func (d *MemDevice) Write(blockNo uint32, src *[layout.BlockSize]byte) {
	d.blocks[blockNo] = *src
}

// CountingDevice wraps a Device and tallies calls in Reads and Writes,
// for tests that assert on how often the cache touches the device.
type CountingDevice struct {
	Device
	Reads, Writes int
}

func (d *CountingDevice) Read(blockNo uint32, dst *[layout.BlockSize]byte) {
	d.Reads++
	d.Device.Read(blockNo, dst)
}

func (d *CountingDevice) Write(blockNo uint32, src *[layout.BlockSize]byte) {
	d.Writes++
	d.Device.Write(blockNo, src)
}
