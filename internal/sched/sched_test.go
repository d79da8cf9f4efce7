package sched

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeProcess is a minimal Dispatchable for testing the scheduler in
// isolation, without pulling in internal/proc.
type fakeProcess struct {
	pid uint64

	mu    sync.Mutex
	state State
	info  SchInfo
	cpu   *CPU
	kill  bool

	turn chan struct{}
}

func newFakeProcess(pid uint64) *fakeProcess {
	return &fakeProcess{pid: pid, info: SchInfo{Nice: DefaultNice}, turn: make(chan struct{}, 1)}
}

func (p *fakeProcess) PID() uint64       { return p.pid }
func (p *fakeProcess) State() State      { p.mu.Lock(); defer p.mu.Unlock(); return p.state }
func (p *fakeProcess) setState(s State)  { p.mu.Lock(); p.state = s; p.mu.Unlock() }
func (p *fakeProcess) schInfo() *SchInfo { return &p.info }
func (p *fakeProcess) killed() bool      { p.mu.Lock(); defer p.mu.Unlock(); return p.kill }
func (p *fakeProcess) setCPU(c *CPU)     { p.mu.Lock(); p.cpu = c; p.mu.Unlock() }
func (p *fakeProcess) wake() {
	select {
	case p.turn <- struct{}{}:
	default:
	}
}
func (p *fakeProcess) park() { <-p.turn }

func TestAccrueWeightsByNice(t *testing.T) {
	heavy := &SchInfo{Nice: 0} // real nice -20, heaviest weight
	normal := &SchInfo{Nice: DefaultNice}
	heavy.accrue(10_000)
	normal.accrue(10_000)
	require.Less(t, heavy.Vruntime, normal.Vruntime)
}

func TestSchedAccruesWallClockSinceDispatch(t *testing.T) {
	idle := newFakeProcess(0)
	s := New(1, []Dispatchable{idle})
	cpu := s.CPU(0)

	p := newFakeProcess(1)
	s.Enqueue(p, true) // dispatches p onto cpu, since cpu was idle
	require.Equal(t, p.State(), Running)

	time.Sleep(5 * time.Millisecond)
	s.Sched(cpu, p, Zombie)

	require.Greater(t, p.schInfo().Vruntime, uint64(0))
}

func TestTimerTickRequestsPreemptionPastGranularity(t *testing.T) {
	idle := newFakeProcess(0)
	s := New(1, []Dispatchable{idle})
	cpu := s.CPU(0)

	p := newFakeProcess(1)
	s.Enqueue(p, true)
	p.schInfo().Vruntime = s.MinVruntime() + 2*MinGranularityMicros

	s.TimerTick(cpu)
	require.Equal(t, int32(1), cpu.preempt)
}

func TestTimerTickSuppressesWithinGranularity(t *testing.T) {
	idle := newFakeProcess(0)
	s := New(1, []Dispatchable{idle})
	cpu := s.CPU(0)

	p := newFakeProcess(1)
	s.Enqueue(p, true)
	p.schInfo().Vruntime = s.MinVruntime() + MinGranularityMicros/2

	s.TimerTick(cpu)
	require.Equal(t, int32(0), cpu.preempt)
}

func TestCheckPreemptYieldsToNextRunnable(t *testing.T) {
	idle := newFakeProcess(0)
	s := New(1, []Dispatchable{idle})
	cpu := s.CPU(0)

	p1 := newFakeProcess(1)
	s.Enqueue(p1, true)

	p2 := newFakeProcess(2)
	s.Enqueue(p2, true) // p1 already runs on the only CPU, so p2 just queues

	cpu.preempt = 1

	done := make(chan struct{})
	go func() {
		s.CheckPreempt(cpu, p1)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return p2.State() == Running
	}, time.Second, time.Millisecond)
	require.Equal(t, Runnable, p1.State())

	p1.wake() // let p1's goroutine return from park() so the test can exit cleanly
	<-done
}
