// Package kconfig holds the machine-sizing knobs the teacher kernel bakes
// in as compile-time constants (NCPU, page count, block count, ...). This
// tree runs hosted rather than bootstrapping real hardware, so those
// numbers become ordinary runtime configuration instead, sized per test
// or per cmd/kernel invocation.
package kconfig

// Config sizes one simulated machine.
type Config struct {
	// NumCPU is the number of scheduler CPUs (spec: 4 on real hardware).
	NumCPU int
	// PageCount is the number of 4 KiB pages PageAlloc manages.
	PageCount uint32
	// BlockCount is the total number of 512-byte blocks on the
	// simulated block device, including boot, superblock, log, inode,
	// bitmap and data regions.
	BlockCount uint32
	// LogBlocks is the number of blocks reserved for the write-ahead
	// log, including its header block.
	LogBlocks uint32
	// OpMaxNumBlocks bounds how many distinct blocks one OpContext may
	// sync before end_op.
	OpMaxNumBlocks int
	// EvictionThreshold is the minimum number of most-recently-released
	// blocks BlockCache keeps pinned against eviction.
	EvictionThreshold int
}

// Default returns a small machine sized for tests and local runs: 4
// CPUs, matching the hardware target in spec.md §1.
func Default() Config {
	return Config{
		NumCPU:            4,
		PageCount:         4096,
		BlockCount:        8192,
		LogBlocks:         64,
		OpMaxNumBlocks:    10,
		EvictionThreshold: 30,
	}
}
