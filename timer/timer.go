// Package timer implements the monotonic tick counter and the
// deadline-sorted sleep list. Draining the list on each tick plays the
// role of the timer interrupt handler.
package timer

import (
	"container/list"
	"sync"

	"rvkernel/sched"
)

// Timer owns the tick counter and the deadline-ordered sleep list.
type Timer struct {
	mu      sync.Mutex
	ticks   uint64
	sleeper *list.List // of *waiter, ordered ascending by deadline
	s       *sched.Scheduler
}

type waiter struct {
	deadline uint64
	cond     *sched.Cond
}

// New creates a timer bound to s; s.RequestPreempt is called on every Tick
// to model the timer interrupt also driving scheduler preemption.
func New(s *sched.Scheduler) *Timer {
	return &Timer{sleeper: list.New(), s: s}
}

// Now returns the current tick count.
func (t *Timer) Now() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ticks
}

// Tick advances the clock by one, wakes every sleeper whose deadline has
// passed, and requests scheduler preemption -- the timer interrupt's two
// jobs.
func (t *Timer) Tick() {
	t.mu.Lock()
	t.ticks++
	now := t.ticks
	var woke []*sched.Cond
	for e := t.sleeper.Front(); e != nil; {
		w := e.Value.(*waiter)
		if w.deadline > now {
			break
		}
		next := e.Next()
		t.sleeper.Remove(e)
		woke = append(woke, w.cond)
		e = next
	}
	t.mu.Unlock()

	for _, c := range woke {
		c.Broadcast(t.s)
	}
	t.s.RequestPreempt()
}

// SleepTicks suspends the calling thread for at least n ticks. n == 0
// returns immediately without yielding.
func (t *Timer) SleepTicks(n uint64) {
	if n == 0 {
		return
	}
	cond := sched.NewCond("sleep")
	t.mu.Lock()
	deadline := t.ticks + n
	t.insertSortedLocked(&waiter{deadline: deadline, cond: cond})
	t.mu.Unlock()

	for {
		if t.Now() >= deadline {
			return
		}
		cond.Wait(t.s)
	}
}

func (t *Timer) insertSortedLocked(w *waiter) {
	for e := t.sleeper.Front(); e != nil; e = e.Next() {
		if e.Value.(*waiter).deadline > w.deadline {
			t.sleeper.InsertBefore(w, e)
			return
		}
	}
	t.sleeper.PushBack(w)
}

// PendingSleepers returns the number of threads still queued to wake.
func (t *Timer) PendingSleepers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sleeper.Len()
}
