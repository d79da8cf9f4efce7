// Package proc implements ProcessMgr (SPEC_FULL.md §4.4): process
// creation, PID allocation, the parent/child tree and exit/wait
// reaping, on top of the sched package's runqueue.
//
// Grounded on original_source/src/kernel/proc.rs (pid, killed,
// exit_code, state, children/ptnode sibling links, parent, kernel_stack,
// user_context, kernel_context) and src/common/tree.rs's non-owning
// cyclic sibling-ring idiom described in SPEC_FULL.md §9.
package proc

import (
	"fmt"
	"sync"

	"github.com/iansmith/rarmogo/internal/kerr"
	"github.com/iansmith/rarmogo/internal/ksync"
	"github.com/iansmith/rarmogo/internal/sched"
)

// GuardWord is the 16-byte guard pattern every non-idle process's kernel
// stack must carry (0x55 repeated), SPEC_FULL.md §3/§8 invariant 3.
const GuardWord = 0x55

// guardSize matches the "16-byte guard pattern" in SPEC_FULL.md's data
// model for Process.
const guardSize = 16

// Process is the kernel's per-task descriptor, SPEC_FULL.md §3.
type Process struct {
	mu sync.Mutex // guards only this process's own non-tree, non-sched fields

	pid      uint64
	idle     bool
	killedFl bool
	exitCode int
	state    sched.State
	info     sched.SchInfo

	stackGuard [guardSize]byte

	// tree
	parent     *Process
	firstChild *Process // ring entry
	sibNext    *Process // ring, non-owning
	sibPrev    *Process
	childExit  *ksync.Semaphore

	turn chan struct{}    // one-shot dispatch signal; see sched.Dispatchable
	done chan struct{}    // closed when the process's goroutine has returned
	cpu  *sched.CPU       // CPU that most recently dispatched this process
	s    *sched.Scheduler // scheduler this process is dispatched by; set once at creation
}

// Sleep implements ksync.Sleeper: give up the CPU until woken.
func (p *Process) Sleep() { p.s.Sched(p.CPU(), p, sched.Sleeping) }

// Wake implements ksync.Sleeper: become Runnable again.
func (p *Process) Wake() { p.s.Activate(p) }

// CheckPreempt cooperatively yields the CPU if the scheduler's per-CPU
// timer has requested preemption since this process was last dispatched
// (SPEC_FULL.md §4.3); callers loop on this the way user code checks in
// at syscall boundaries on real hardware.
func (p *Process) CheckPreempt() { p.s.CheckPreempt(p.CPU(), p) }

func newProcess(pid uint64, idle bool) *Process {
	p := &Process{
		pid:       pid,
		idle:      idle,
		state:     sched.Unused,
		childExit: ksync.NewSemaphore(0),
		turn:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	p.info.Nice = sched.DefaultNice
	if !idle {
		for i := range p.stackGuard {
			p.stackGuard[i] = GuardWord
		}
	}
	return p
}

// checkGuard panics if the kernel-stack guard bytes have been damaged,
// SPEC_FULL.md §4.3's "Running-state guard bits... must be intact".
func (p *Process) checkGuard() {
	if p.idle {
		return
	}
	for _, b := range p.stackGuard {
		if b != GuardWord {
			kerr.Panic("proc: stack guard damaged on pid %d", p.pid)
		}
	}
}

// PID implements sched.Dispatchable.
func (p *Process) PID() uint64 { return p.pid }

// State implements sched.Dispatchable.
func (p *Process) State() sched.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Process) setState(s sched.State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *Process) schInfo() *sched.SchInfo { return &p.info }

// SetNice sets the CFS nice value (0..39, default sched.DefaultNice) used
// to weight this process's vruntime accrual, SPEC_FULL.md §4.3. Callers
// should set it before Start: the scheduler reads Nice without its own
// lock, the same way it reads every other SchInfo field.
func (p *Process) SetNice(nice int) {
	p.mu.Lock()
	p.info.Nice = nice
	p.mu.Unlock()
}

func (p *Process) setCPU(c *sched.CPU) {
	p.mu.Lock()
	p.cpu = c
	p.mu.Unlock()
}

// CPU returns the CPU that most recently dispatched p.
func (p *Process) CPU() *sched.CPU {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cpu
}

func (p *Process) killed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killedFl
}

// Kill sets the advisory killed flag, SPEC_FULL.md §5 "Cancellation".
func (p *Process) Kill() {
	p.mu.Lock()
	p.killedFl = true
	p.mu.Unlock()
}

func (p *Process) wake() {
	p.checkGuard()
	select {
	case p.turn <- struct{}{}:
	default:
	}
}

func (p *Process) park() {
	<-p.turn
}

// ExitCode returns the exit code a zombie process left behind.
func (p *Process) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *Process) String() string { return fmt.Sprintf("proc#%d", p.pid) }

// Manager is ProcessMgr: PID pool, process tree, scheduler wiring.
type Manager struct {
	sched *sched.Scheduler

	pidMu  sync.Mutex
	nextPI uint64
	live   map[uint64]*Process

	treeMu sync.Mutex
	root   *Process
}

// NewManager creates a Manager with numCPU idle processes (PID 0) and a
// root process every exited process's children are reparented to.
func NewManager(numCPU int) *Manager {
	m := &Manager{live: make(map[uint64]*Process), nextPI: 1}

	idles := make([]sched.Dispatchable, numCPU)
	idleProcs := make([]*Process, numCPU)
	for i := range idles {
		ip := newProcess(0, true)
		idleProcs[i] = ip
		idles[i] = ip
	}

	m.sched = sched.New(numCPU, idles)
	for _, ip := range idleProcs {
		ip.s = m.sched
	}

	root := newProcess(1, false)
	root.s = m.sched
	m.live[1] = root
	m.nextPI = 2
	m.root = root
	return m
}

// Scheduler exposes the underlying scheduler for callers that need to
// run a CPU's dispatch loop directly (tests, the boot sequence).
func (m *Manager) Scheduler() *sched.Scheduler { return m.sched }

// Root returns the reparenting target for orphaned children.
func (m *Manager) Root() *Process { return m.root }

func (m *Manager) allocPID() uint64 {
	m.pidMu.Lock()
	defer m.pidMu.Unlock()
	pid := m.nextPI
	m.nextPI++
	return pid
}

func (m *Manager) freePID(pid uint64) {
	m.pidMu.Lock()
	delete(m.live, pid)
	m.pidMu.Unlock()
}

// Create allocates a new Process attached as a child of creator (or
// unattached if creator is nil), SPEC_FULL.md §4.4.
func (m *Manager) Create(creator *Process) *Process {
	pid := m.allocPID()
	if pid == 0 {
		kerr.Panic("proc.Create: PID 0 is reserved for idle processes")
	}
	p := newProcess(pid, false)
	p.s = m.sched

	m.pidMu.Lock()
	m.live[pid] = p
	m.pidMu.Unlock()

	if creator != nil {
		m.attachChild(creator, p)
	}
	return p
}

// attachChild splices child into parent's sibling ring under the tree
// lock, SPEC_FULL.md §9's cyclic, non-owning sibling idiom.
func (m *Manager) attachChild(parent, child *Process) {
	m.treeMu.Lock()
	defer m.treeMu.Unlock()

	child.parent = parent
	if parent.firstChild == nil {
		child.sibNext = child
		child.sibPrev = child
		parent.firstChild = child
		return
	}
	head := parent.firstChild
	tail := head.sibPrev
	tail.sibNext = child
	child.sibPrev = tail
	child.sibNext = head
	head.sibPrev = child
}

// detachChild removes child from its parent's sibling ring.
func (m *Manager) detachChild(parent, child *Process) {
	if child.sibNext == child {
		parent.firstChild = nil
	} else {
		child.sibPrev.sibNext = child.sibNext
		child.sibNext.sibPrev = child.sibPrev
		if parent.firstChild == child {
			parent.firstChild = child.sibNext
		}
	}
	child.sibNext, child.sibPrev = nil, nil
}

// Start transitions p to Runnable with an entry point that begins
// running the first time it is dispatched, SPEC_FULL.md §4.4. Starting
// the PID-0 idle process panics.
func (m *Manager) Start(p *Process, entry func(arg interface{}), arg interface{}) {
	if p.pid == 0 {
		kerr.Panic("proc.Start: cannot start the idle process")
	}
	go func() {
		p.park() // wait for the scheduler's first dispatch
		entry(arg)
		m.Exit(p, 0)
		close(p.done)
	}()
	m.sched.Enqueue(p, true)
}

// Exit implements the exit protocol in SPEC_FULL.md §4.4: reparent all
// children to root, post the parent's child_exit semaphore, transition
// to Zombie and dispatch away. It returns once p is a Zombie and its CPU
// has gone to the next process; p is never dispatched again.
func (m *Manager) Exit(p *Process, code int) {
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()

	m.treeMu.Lock()

	// Transfer children to root, splicing the whole ring in one move.
	if p.firstChild != nil {
		child := p.firstChild
		for {
			child.parent = m.root
			child = child.sibNext
			if child == p.firstChild {
				break
			}
		}
		m.spliceRingToRoot(p.firstChild)
		p.firstChild = nil

		// Any child that was already a zombie needs root's wait to
		// learn about it.
		m.notifyRootOfZombieDescendants(p)
	}

	parent := p.parent
	m.treeMu.Unlock()

	if parent != nil {
		parent.childExit.Post()
	}

	cpu := m.currentCPUFor(p)
	m.sched.Sched(cpu, p, sched.Zombie)
}

// spliceRingToRoot merges the ring starting at head into root's
// children ring.
func (m *Manager) spliceRingToRoot(head *Process) {
	if m.root.firstChild == nil {
		m.root.firstChild = head
		return
	}
	rootHead := m.root.firstChild
	rootTail := rootHead.sibPrev
	headTail := head.sibPrev

	rootTail.sibNext = head
	head.sibPrev = rootTail
	headTail.sibNext = rootHead
	rootHead.sibPrev = headTail
}

func (m *Manager) notifyRootOfZombieDescendants(p *Process) {
	if m.root.firstChild == nil {
		return
	}
	start := m.root.firstChild
	c := start
	for {
		if c.parent == m.root && m.sched.IsZombie(c) {
			m.root.childExit.Post()
		}
		c = c.sibNext
		if c == start {
			break
		}
	}
}

// currentCPUFor returns the CPU that most recently dispatched p; it must
// be set (every Runnable/Running process was dispatched at least once
// before its own code can call Exit).
func (m *Manager) currentCPUFor(p *Process) *sched.CPU {
	c := p.CPU()
	if c == nil {
		kerr.Panic("proc: process %d has no assigned CPU", p.pid)
	}
	return c
}

// Wait implements the reaper in SPEC_FULL.md §4.4: return a reaped
// zombie child's (pid, code), or none if p has no children.
func (m *Manager) Wait(p *Process) (pid uint64, code int, ok bool) {
	m.treeMu.Lock()
	if p.firstChild == nil {
		m.treeMu.Unlock()
		return 0, 0, false
	}
	m.treeMu.Unlock()

	for {
		p.childExit.GetOrWait(p)

		m.treeMu.Lock()
		if p.firstChild == nil {
			m.treeMu.Unlock()
			return 0, 0, false
		}
		c := p.firstChild
		for {
			if m.sched.IsZombie(c) {
				m.detachChild(p, c)
				m.treeMu.Unlock()
				pid, code = c.pid, c.ExitCode()
				m.freePID(pid)
				return pid, code, true
			}
			c = c.sibNext
			if c == p.firstChild {
				break
			}
		}
		m.treeMu.Unlock()
		// Woken but nothing to reap yet (spurious post racing another
		// waiter); loop back and wait again.
	}
}
