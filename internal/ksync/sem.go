// Package ksync implements the Semaphore/CondVar wait-queue primitive
// (SPEC_FULL.md §4.5), the building block IPC-MQ and ProcessMgr's
// child_exit sleep on.
//
// Grounded on original_source/src/common/sem.rs's {lock, value,
// sleep_list} shape; the wake discipline (LIFO, "post sets woken_flag
// then activates") is SPEC_FULL.md §4.5 verbatim. Rather than invent a
// second, semaphore-private blocking primitive, a Semaphore parks
// callers on the Scheduler itself (SPEC_FULL.md §5: "Semaphore::
// get_or_wait" is one of the scheduler's own suspension points), via the
// narrow Sleeper interface below.
package ksync

import "sync"

// Sleeper is the capability a caller of GetOrWait must provide: the
// ability to give up its CPU (Sleep) and to be placed back on the
// runqueue by another process (Wake). proc.Process implements this by
// calling sched.Scheduler.Sched/Activate on itself.
type Sleeper interface {
	Sleep()
	Wake()
}

// waiter is one parked caller of GetOrWait.
type waiter struct {
	sleeper Sleeper
	woken   bool
}

// Semaphore is a counting semaphore whose waiters wake LIFO (last
// inserted, first woken), SPEC_FULL.md §4.5.
type Semaphore struct {
	mu      sync.Mutex
	value   int64
	waiters []*waiter
}

// NewSemaphore creates a Semaphore with the given initial value.
func NewSemaphore(initial int64) *Semaphore {
	return &Semaphore{value: initial}
}

// TryGet decrements the value and returns true if it was > 0.
func (s *Semaphore) TryGet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.value > 0 {
		s.value--
		return true
	}
	return false
}

// TryGetAll atomically takes all currently available units, returning
// how many were taken (possibly zero).
func (s *Semaphore) TryGetAll() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.value
	s.value = 0
	return n
}

// GetOrWait blocks self until a unit is posted to it. It returns false
// if self never actually blocked because it was already killed when it
// tried to sleep (SPEC_FULL.md §4.3's "scheduler refuses to sleep" a
// killed process): self.Sleep() returns immediately in that case, so
// GetOrWait finds itself still queued and treats that as cancellation.
func (s *Semaphore) GetOrWait(self Sleeper) bool {
	s.mu.Lock()
	if s.value > 0 {
		s.value--
		s.mu.Unlock()
		return true
	}
	w := &waiter{sleeper: self}
	// LIFO: push to the front so the most recently parked waiter is
	// the first one Post() wakes.
	s.waiters = append([]*waiter{w}, s.waiters...)
	s.mu.Unlock()

	self.Sleep()

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, cand := range s.waiters {
		if cand == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			return false // never posted: killed before actually sleeping
		}
	}
	return w.woken
}

// Post increments the value; if waiters are queued, it instead wakes
// the most recently inserted one directly (SPEC_FULL.md §4.5: "post...
// sets woken_flag=true then... activate").
func (s *Semaphore) Post() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w.woken = true
		s.mu.Unlock()
		w.sleeper.Wake()
		return
	}
	s.value++
	s.mu.Unlock()
}

// Value reports the current count, for tests only.
func (s *Semaphore) Value() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value
}
