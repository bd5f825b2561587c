// Package timer provides the wake-up service used for connect timeouts,
// acknowledgment retries and liveness sweeps.
package timer

import (
	"sort"
	"sync"
	"time"
)

// Timer is a scheduled callback that can be cancelled
type Timer interface {
	// Stop cancels the timer. It returns false if the timer already fired or was stopped.
	Stop() bool
}

// Service schedules callbacks after a delay
type Service interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// System is the Service backed by the runtime timers
type System struct{}

func (System) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Fake is a manually driven Service. Time only moves when Advance is called,
// and due callbacks run on the caller's goroutine in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	owner    *Fake
	deadline time.Time
	seq      int
	f        func()
	stopped  bool
	fired    bool
}

// NewFake returns a fake service whose clock starts at start
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	t := &fakeTimer{owner: f, deadline: f.now.Add(d), seq: f.seq, f: fn}
	f.timers = append(f.timers, t)
	return t
}

// Now returns the fake clock
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Pending counts timers that are armed and not yet due
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// Advance moves the clock forward by d and runs every callback that became due,
// including timers armed by those callbacks within the window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.nextDue(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		next.fired = true
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		f.mu.Unlock()
		next.f()
	}
}

func (f *Fake) nextDue(target time.Time) *fakeTimer {
	live := f.timers[:0]
	for _, t := range f.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	f.timers = live
	sort.Slice(f.timers, func(i, j int) bool {
		if f.timers[i].deadline.Equal(f.timers[j].deadline) {
			return f.timers[i].seq < f.timers[j].seq
		}
		return f.timers[i].deadline.Before(f.timers[j].deadline)
	})
	if len(f.timers) == 0 || f.timers[0].deadline.After(target) {
		return nil
	}
	return f.timers[0]
}

func (t *fakeTimer) Stop() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}
