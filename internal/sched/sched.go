// Package sched implements the Scheduler core described in SPEC_FULL.md
// §4.3: a single runqueue ordered by (vruntime, PID), CFS-style fairness
// weights, and a fixed set of per-CPU dispatch loops.
//
// The teacher kernel's own scheduler (src/mazboot/golang/main/
// scheduler_bootstrap.go) bootstraps the *host* Go runtime's scheduler
// (g0/m0/P) so goroutines can run on bare metal; it never implements a
// process scheduler of its own; original_source/src/kernel/sched.rs is
// an unimplemented skeleton (todo!("thisproc"), todo!("activate")). This
// package follows the design note in SPEC_FULL.md §9 explicitly meant
// for languages without a bare context switch: each Process owns a
// goroutine parked on a one-shot channel, and "dispatching" a process is
// nothing more than unparking its goroutine while every other
// Process's goroutine stays blocked. Exactly one goroutine per CPU is
// ever unblocked at a time, so this reproduces the single-current-
// process-per-CPU invariant without a single line of assembly.
package sched

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iansmith/rarmogo/internal/kerr"
)

// nowMicros is the wall clock accrue and the preemption timer measure
// elapsed runtime against.
func nowMicros() int64 { return time.Now().UnixNano() / 1000 }

// State is a Process's scheduling state, SPEC_FULL.md §3/§4.3.
type State int

const (
	Unused State = iota
	Runnable
	Running
	Sleeping
	Zombie
)

// niceWeight is the fixed 40-entry CFS nice table; nice 0 carries weight
// 1024 and each step is the classic ~1.25x CFS ratio, per SPEC_FULL.md
// §4.3's "weight[20] = 1024" convention (index 20 is nice 0).
var niceWeight = [40]uint64{
	/* -20 */ 88761, 71755, 56483, 46273, 36291,
	29154, 23254, 18705, 14949, 11916,
	9548, 7620, 6100, 4904, 3906,
	3121, 2501, 1991, 1586, 1277,
	/* 0 */ 1024, 820, 655, 526, 423,
	335, 272, 215, 172, 137,
	110, 87, 70, 56, 45,
	36, 29, 23, 18, 15,
}

const (
	// DefaultNice is the default SchInfo.Nice, shifted to the table's 0..39
	// index space (real nice 0).
	DefaultNice = 20
	// MinGranularityMicros suppresses a preemption whose vruntime lead
	// over the current process is smaller than this.
	MinGranularityMicros = 1000
	// TimerPeriodMicros is the per-CPU preemption timer period.
	TimerPeriodMicros = 10_000
)

// SchInfo is the scheduling half of a Process, SPEC_FULL.md §3.
type SchInfo struct {
	Vruntime  uint64 // microseconds, already weighted
	Nice      int    // 0..39, default DefaultNice
	StartTime int64  // wall-clock micros at last dispatch
}

func (s *SchInfo) weight() uint64 {
	n := s.Nice
	if n < 0 {
		n = 0
	}
	if n > 39 {
		n = 39
	}
	return niceWeight[n]
}

// accrue advances Vruntime by the wall-clock duration (in microseconds)
// the owning process just ran, scaled by weight[nice0]/weight[nice].
func (s *SchInfo) accrue(ranMicros uint64) {
	s.Vruntime += ranMicros * niceWeight[DefaultNice] / s.weight()
}

// Dispatchable is the subset of proc.Process the scheduler needs,
// expressed as an interface so this package never imports proc and the
// dependency runs the other way (proc imports sched).
type Dispatchable interface {
	PID() uint64
	State() State
	setState(State)
	schInfo() *SchInfo
	// wake is called by the scheduler exactly once per dispatch, from
	// inside the scheduler's own goroutine, after the lock has been
	// released; the Process's own parked goroutine resumes here.
	wake()
	// park blocks the calling goroutine (the process currently
	// executing) until the scheduler dispatches it again.
	park()
	killed() bool
	// setCPU records which CPU dispatched this process most recently,
	// so the process's own goroutine can later call Sched/Yield on its
	// own behalf without a separate per-CPU driver goroutine.
	setCPU(*CPU)
}

// Scheduler owns the single global runqueue and lock SPEC_FULL.md §4.3
// mandates: one lock guards the runqueue and every state transition.
type Scheduler struct {
	mu          sync.Mutex
	runnable    []Dispatchable
	cpus        []*CPU
	minVruntime uint64
}

// CPU is one of the fixed set of per-CPU dispatch contexts.
type CPU struct {
	ID      int
	current Dispatchable
	idle    Dispatchable

	// preempt is set by TimerTick and cleared by CheckPreempt: the
	// cooperative hand-off a goroutine-parking scheduler needs in place
	// of a real interrupt (SPEC_FULL.md §9 "all suspension is explicit").
	preempt int32
}

// New creates a Scheduler for numCPU CPUs, each with its own idle
// process (SPEC_FULL.md §4.4: "one per CPU, PID 0, never enters the
// runqueue").
func New(numCPU int, idles []Dispatchable) *Scheduler {
	if len(idles) != numCPU {
		kerr.Panic("sched.New: need exactly one idle process per CPU")
	}
	s := &Scheduler{cpus: make([]*CPU, numCPU)}
	for i := range s.cpus {
		s.cpus[i] = &CPU{ID: i, idle: idles[i], current: idles[i]}
	}
	return s
}

// CPU returns the i'th per-CPU context.
func (s *Scheduler) CPU(i int) *CPU { return s.cpus[i] }

// Current returns the process currently running on cpu.
func (c *CPU) Current() Dispatchable { return c.current }

// recomputeMinVruntimeLocked is the minimum over the runqueue head and
// every CPU's current non-idle process, SPEC_FULL.md §4.3.
func (s *Scheduler) recomputeMinVruntimeLocked() {
	min := ^uint64(0)
	have := false
	if len(s.runnable) > 0 {
		min = s.runnable[0].schInfo().Vruntime
		have = true
	}
	for _, cpu := range s.cpus {
		if cpu.current != nil && cpu.current != cpu.idle {
			v := cpu.current.schInfo().Vruntime
			if !have || v < min {
				min, have = v, true
			}
		}
	}
	if have {
		s.minVruntime = min
	}
}

func (s *Scheduler) sortRunqueueLocked() {
	sort.Slice(s.runnable, func(i, j int) bool {
		a, b := s.runnable[i].schInfo(), s.runnable[j].schInfo()
		if a.Vruntime != b.Vruntime {
			return a.Vruntime < b.Vruntime
		}
		return s.runnable[i].PID() < s.runnable[j].PID()
	})
}

// Enqueue adds p to the runqueue as Runnable, seeding a brand-new
// arrival's vruntime to minVruntime to avoid starvation bursts.
func (s *Scheduler) Enqueue(p Dispatchable, seedVruntime bool) {
	s.mu.Lock()
	s.enqueueLocked(p, seedVruntime)
	woken := s.kickIdleCPUsLocked()
	s.mu.Unlock()
	for _, w := range woken {
		w.wake()
	}
}

func (s *Scheduler) enqueueLocked(p Dispatchable, seedVruntime bool) {
	if seedVruntime && p.schInfo().Vruntime < s.minVruntime {
		p.schInfo().Vruntime = s.minVruntime
	}
	p.setState(Runnable)
	s.runnable = append(s.runnable, p)
	s.sortRunqueueLocked()
}

// Activate brings a Sleeping or Unused process to Runnable and enqueues
// it. It is a no-op on Running/Runnable and silently refuses Zombie,
// per SPEC_FULL.md §4.3.
func (s *Scheduler) Activate(p Dispatchable) {
	s.mu.Lock()
	var woken []Dispatchable
	switch p.State() {
	case Sleeping, Unused:
		s.enqueueLocked(p, true)
		woken = s.kickIdleCPUsLocked()
	}
	s.mu.Unlock()
	for _, w := range woken {
		w.wake()
	}
}

// kickIdleCPUsLocked hands freshly runnable work to any CPU currently
// parked on its idle process, since nothing else would notice that CPU
// has become idle and poke it again (see SPEC_FULL.md §9 "Coroutines/
// cooperative flow": all suspension is explicit, so a CPU only resumes
// dispatching when something hands it work).
func (s *Scheduler) kickIdleCPUsLocked() []Dispatchable {
	var woken []Dispatchable
	for _, cpu := range s.cpus {
		if cpu.current == cpu.idle && len(s.runnable) > 0 {
			woken = append(woken, s.dispatchLocked(cpu))
		}
	}
	return woken
}

// dispatchLocked picks the minimum-vruntime runnable process (or cpu's
// idle process if none is runnable), makes it cpu.current, and returns
// it. Caller must hold s.mu and release it before calling wake().
func (s *Scheduler) dispatchLocked(cpu *CPU) Dispatchable {
	s.recomputeMinVruntimeLocked()
	if len(s.runnable) == 0 {
		cpu.current = cpu.idle
		cpu.idle.setCPU(cpu)
		return cpu.idle
	}
	next := s.runnable[0]
	s.runnable = s.runnable[1:]
	next.setState(Running)
	next.schInfo().StartTime = nowMicros()
	next.setCPU(cpu)
	cpu.current = next
	return next
}

// Yield re-enqueues the calling process as Runnable and dispatches the
// minimum, then parks the caller until it is dispatched again.
func (s *Scheduler) Yield(cpu *CPU, self Dispatchable) {
	s.Sched(cpu, self, Runnable)
}

// Sched sets self's state to newState (Runnable, Sleeping or Zombie)
// and dispatches the next process, per SPEC_FULL.md §4.3. If self was
// killed and newState is not Zombie, this is a no-op: the killed
// process keeps running until it reaches an exit point.
func (s *Scheduler) Sched(cpu *CPU, self Dispatchable, newState State) {
	if newState != Zombie && self.killed() {
		return
	}

	s.mu.Lock()
	// Credit self for the wall-clock time it actually held the CPU since
	// its last dispatch, weighted by nice (SPEC_FULL.md §4.3's CFS
	// accrual); this is what keeps the runqueue ordered by fairness
	// rather than plain FIFO.
	if elapsed := nowMicros() - self.schInfo().StartTime; elapsed > 0 {
		self.schInfo().accrue(uint64(elapsed))
	}
	if newState == Runnable {
		s.enqueueLocked(self, false)
	} else {
		self.setState(newState)
	}
	next := s.dispatchLocked(cpu)
	woken := s.kickIdleCPUsLocked()
	s.mu.Unlock()

	// next may be self, re-dispatched at once; its wake token is what lets
	// the park below return.
	next.wake()
	for _, w := range woken {
		w.wake()
	}
	if newState != Zombie {
		self.park()
	}
	// Zombie: self's goroutine returns here and terminates; the kernel
	// stack is reclaimed later by the reaper in wait(), not here.
}

// TimerTick is the per-CPU preemption timer: it fires roughly every
// TimerPeriodMicros and, unless the scheduler lock is currently held (in
// which case this tick is skipped), decides whether cpu's current process
// has outrun the runqueue's fairness granularity. Per SPEC_FULL.md §9
// ("all suspension is explicit"), nothing here can force a goroutine that
// never checks in to stop running, so TimerTick only raises a flag; the
// running process's own goroutine must call CheckPreempt at a safe point
// to actually yield.
func (s *Scheduler) TimerTick(cpu *CPU) {
	if !s.mu.TryLock() {
		return // scheduler lock held elsewhere; skip this tick
	}
	self := cpu.current
	suppress := self == nil || self == cpu.idle
	if !suppress {
		v := self.schInfo().Vruntime
		if v > s.minVruntime && v-s.minVruntime < MinGranularityMicros {
			suppress = true
		}
	}
	s.mu.Unlock()

	if !suppress {
		atomic.StoreInt32(&cpu.preempt, 1)
	}
}

// CheckPreempt is the cooperative check-in point a running process's own
// goroutine must call periodically to honor a pending TimerTick request;
// it is a no-op if TimerTick has not flagged cpu since the last check.
func (s *Scheduler) CheckPreempt(cpu *CPU, self Dispatchable) {
	if atomic.CompareAndSwapInt32(&cpu.preempt, 1, 0) {
		s.Yield(cpu, self)
	}
}

// IsZombie acquires the scheduler lock briefly to observe p's state,
// matching SPEC_FULL.md §4.3's rule that all outside state observation
// does so.
func (s *Scheduler) IsZombie(p Dispatchable) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return p.State() == Zombie
}

// MinVruntime reports the current scheduler-wide minimum, mostly useful
// for tests asserting invariant 3 in SPEC_FULL.md §8.
func (s *Scheduler) MinVruntime() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.minVruntime
}
