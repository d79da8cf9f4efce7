package wal

import (
	"testing"

	"github.com/iansmith/rarmogo/internal/block"
	"github.com/iansmith/rarmogo/internal/layout"
	"github.com/stretchr/testify/require"
)

const (
	logStart  = 10
	logBlocks = 8 // header + 7 usable slots
)

func newTestLog(t *testing.T) *walHarness {
	t.Helper()
	dev := block.NewMemDevice(64)
	cache := block.NewCache(dev, 16, 4)
	l := Open(dev, cache, logStart, logBlocks, 5)
	return &walHarness{dev: dev, cache: cache, log: l}
}

type walHarness struct {
	dev   *block.MemDevice
	cache *block.Cache
	log   *Log
}

func TestSyncAbsorbsRepeatedWrites(t *testing.T) {
	h := newTestLog(t)
	ctx := h.log.Begin()

	buf := h.cache.Acquire(20)
	buf.Data()[0] = 1
	h.cache.Sync(ctx, buf)
	h.cache.Release(buf)

	buf = h.cache.Acquire(20)
	buf.Data()[0] = 2
	h.cache.Sync(ctx, buf)
	h.cache.Release(buf)

	require.Len(t, h.log.logged, 1)
	ctx.End()

	var out [layout.BlockSize]byte
	h.dev.Read(20, &out)
	require.Equal(t, byte(2), out[0])
}

func TestEndOpClearsHeaderAfterCommit(t *testing.T) {
	h := newTestLog(t)
	ctx := h.log.Begin()
	buf := h.cache.Acquire(21)
	buf.Data()[0] = 9
	h.cache.Sync(ctx, buf)
	h.cache.Release(buf)
	ctx.End()

	var raw [layout.BlockSize]byte
	h.dev.Read(logStart, &raw)
	require.Zero(t, layout.DecodeLogHeader(raw).NumBlocks)
}

func TestCrashReplayInstallsBlocks(t *testing.T) {
	dev := block.NewMemDevice(64)
	cache := block.NewCache(dev, 16, 4)

	var h layout.LogHeader
	h.NumBlocks = 1
	h.BlockNo[0] = 30
	raw := h.Encode()
	dev.Write(logStart, &raw)

	var staged [layout.BlockSize]byte
	staged[0] = 0x77
	dev.Write(logStart+1, &staged)

	Open(dev, cache, logStart, logBlocks, 5) // replays on construction

	var out [layout.BlockSize]byte
	dev.Read(30, &out)
	require.Equal(t, byte(0x77), out[0])

	dev.Read(logStart, &out)
	require.Zero(t, layout.DecodeLogHeader(out).NumBlocks)
}

func TestOpMaxNumBlocksPanics(t *testing.T) {
	h := newTestLog(t)
	ctx := h.log.Begin()
	defer ctx.End()

	require.Panics(t, func() {
		for i := uint32(0); i < 10; i++ {
			buf := h.cache.Acquire(40 + i)
			h.cache.Sync(ctx, buf)
			h.cache.Release(buf)
		}
	})
}
