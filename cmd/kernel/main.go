// Command kernel boots a simulated rarmogo machine: it wires every
// subsystem together in the same early_init/rest_init order SPEC_FULL.md
// §9 calls for, then runs the scheduler-fairness demonstration scenario
// from spec.md §8 (20 processes spinning on report(id)).
//
// The teacher kernel's own main (src/kernel.go) is a bare-metal
// KernelMain called from boot.s; this tree runs hosted under a live Go
// runtime instead of bootstrapping one, so Boot here assembles
// ordinary Go values rather than touching MMIO registers.
package main

import (
	"sync"
	"time"

	"github.com/iansmith/rarmogo/internal/block"
	"github.com/iansmith/rarmogo/internal/console"
	"github.com/iansmith/rarmogo/internal/fsalloc"
	"github.com/iansmith/rarmogo/internal/ipc"
	"github.com/iansmith/rarmogo/internal/kconfig"
	"github.com/iansmith/rarmogo/internal/kinit"
	"github.com/iansmith/rarmogo/internal/ksyscall"
	"github.com/iansmith/rarmogo/internal/layout"
	"github.com/iansmith/rarmogo/internal/mem/page"
	"github.com/iansmith/rarmogo/internal/mem/slob"
	"github.com/iansmith/rarmogo/internal/proc"
	"github.com/iansmith/rarmogo/internal/sched"
	"github.com/iansmith/rarmogo/internal/wal"
)

// Machine is the assembled set of singletons SPEC_FULL.md §9 calls out:
// "the scheduler, the PID pool, the three SLOB class heads, the buddy
// bitmap, the IPC table, and the block cache are all process-wide
// singletons with init-order dependencies." Bundled into one struct
// rather than package-level globals, so cmd/kernel and tests can each
// boot their own machine.
type Machine struct {
	Cfg     kconfig.Config
	Pages   *page.Allocator
	Objects *slob.Allocator
	Procs   *proc.Manager
	IPC     *ipc.Table
	Device  block.Device
	Cache   *block.Cache
	Log     *wal.Log
	Data    *fsalloc.Allocator
	Syscall *ksyscall.Table
}

// Boot assembles a Machine, running early_init then rest_init.
func Boot(cfg kconfig.Config) *Machine {
	m := &Machine{Cfg: cfg}

	kinit.RegisterEarly(func() {
		m.Pages = page.New(cfg.PageCount)
		m.Objects = slob.New(m.Pages, cfg.NumCPU)
		m.Procs = proc.NewManager(cfg.NumCPU)
		m.startPreemptionTimers()
		console.Printf("early_init: %d CPUs, %d pages", cfg.NumCPU, cfg.PageCount)
	})

	kinit.RegisterRest(func() {
		m.IPC = ipc.NewTable(m.Pages, 64)

		m.Device = block.NewMemDevice(cfg.BlockCount)
		m.Cache = block.NewCache(m.Device, 256, cfg.EvictionThreshold)

		sb := layout.SuperBlock{
			TotalBlocks:   uint64(cfg.BlockCount),
			NumLogBlocks:  uint64(cfg.LogBlocks),
			LogStart:      2,
			BitmapStart:   2 + uint64(cfg.LogBlocks),
			DataStart:     2 + uint64(cfg.LogBlocks) + 8,
			NumDataBlocks: uint64(cfg.BlockCount) - (2 + uint64(cfg.LogBlocks) + 8),
		}
		sb.NumInodes = 0
		raw := sb.Encode()
		m.Device.Write(layout.SuperBlockNo, &raw)

		m.Log = wal.Open(m.Device, m.Cache, uint32(sb.LogStart), uint32(sb.NumLogBlocks), cfg.OpMaxNumBlocks)
		m.Data = fsalloc.New(m.Cache, uint32(sb.BitmapStart), uint32(sb.DataStart), sb.NumDataBlocks)

		console.Printf("rest_init: log at block %d (%d blocks), data region %d blocks",
			sb.LogStart, sb.NumLogBlocks, sb.NumDataBlocks)
	})

	kinit.RunEarly()
	kinit.RunRest()
	return m
}

// startPreemptionTimers launches one per-CPU ticker goroutine calling
// TimerTick roughly every sched.TimerPeriodMicros, the driver spec.md
// §4.3's "a per-CPU timer re-arms every ~10ms and calls yield()" calls
// for. TimerTick itself only raises a cooperative preemption flag: per
// SPEC_FULL.md §9's explicit-suspension model, nothing can force a
// goroutine that never checks in to stop running, so every process's own
// loop must call proc.Process.CheckPreempt to actually yield.
func (m *Machine) startPreemptionTimers() {
	s := m.Procs.Scheduler()
	period := time.Duration(sched.TimerPeriodMicros) * time.Microsecond
	for i := 0; i < m.Cfg.NumCPU; i++ {
		cpu := s.CPU(i)
		go func() {
			t := time.NewTicker(period)
			defer t.Stop()
			for range t.C {
				s.TimerTick(cpu)
			}
		}()
	}
}

// FairnessDemo runs spec.md §8 scenario 4: 20 processes spinning and
// calling report(id); it returns each process's observed call count
// over the given wall-clock window.
func (m *Machine) FairnessDemo(numProcs int, window time.Duration) map[int64]int {
	var mu sync.Mutex
	counts := make(map[int64]int)
	m.Syscall = ksyscall.NewReportTable(func(id int64) {
		mu.Lock()
		counts[id]++
		mu.Unlock()
	})

	root := m.Procs.Root()
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < numProcs; i++ {
		id := int64(i)
		p := m.Procs.Create(root)
		wg.Add(1)
		m.Procs.Start(p, func(arg interface{}) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					m.Syscall.Invoke(ksyscall.ReportNo, []int64{id})
					p.CheckPreempt()
				}
			}
		}, nil)
	}

	time.Sleep(window)
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	out := make(map[int64]int, len(counts))
	for k, v := range counts {
		out[k] = v
	}
	return out
}

func main() {
	m := Boot(kconfig.Default())
	console.Printf("rarmogo boot complete")
	counts := m.FairnessDemo(20, 50*time.Millisecond)
	for id := int64(0); id < 20; id++ {
		console.Printf("process %d: %d reports", id, counts[id])
	}
}
