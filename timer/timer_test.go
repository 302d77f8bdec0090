package timer

import (
	"testing"
	"time"

	"rvkernel/sched"
)

func runUntil(t *testing.T, s *sched.Scheduler, done chan struct{}) {
	t.Helper()
	go s.Run()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer test timed out")
	}
}

func TestSleepWakesAtDeadline(t *testing.T) {
	s := sched.New()
	tm := New(s)
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)
	var wokeAt uint64

	s.Spawn("main", func() {
		// tick until the sleeper is done, not a fixed count: a fixed burst
		// could finish before SleepTicks has registered its deadline.
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
					tm.Tick()
				}
			}
		}()
		tm.SleepTicks(5)
		wokeAt = tm.Now()
		close(done)
	})

	runUntil(t, s, done)
	if wokeAt < 5 {
		t.Fatalf("woke at tick %d, want >= 5", wokeAt)
	}
}

func TestSleepOrdersMultipleWaiters(t *testing.T) {
	s := sched.New()
	tm := New(s)
	done := make(chan struct{})
	var order []int
	orderCh := make(chan int, 2)

	s.Spawn("main", func() {
		s.Spawn("short", func() {
			tm.SleepTicks(2)
			orderCh <- 2
			s.Exit()
		})
		s.Spawn("long", func() {
			tm.SleepTicks(8)
			orderCh <- 8
			s.Exit()
		})
		s.Yield()
		s.Yield()

		go func() {
			for i := 0; i < 10; i++ {
				tm.Tick()
			}
		}()

		s.Join(0)
		s.Join(0)
		order = append(order, <-orderCh, <-orderCh)
		close(done)
	})

	runUntil(t, s, done)
	if len(order) != 2 || order[0] != 2 || order[1] != 8 {
		t.Fatalf("expected shorter sleep to finish first, got %v", order)
	}
}

func TestSleepZeroDoesNotBlock(t *testing.T) {
	s := sched.New()
	tm := New(s)
	done := make(chan struct{})

	s.Spawn("main", func() {
		tm.SleepTicks(0)
		close(done)
	})

	runUntil(t, s, done)
}
