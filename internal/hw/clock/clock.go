// Package clock abstracts the monotonic time source and the blocking delays
// used by the input debouncers and the step generator.
package clock

import (
	"sync"
	"time"
)

// spinBelow is the delay under which System.Sleep busy-waits instead of
// handing the thread to the scheduler (step pulse widths are a few µs).
const spinBelow = 100 * time.Microsecond

// Clock provides the current time and blocking sleeps.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// System is the wall clock. time.Now carries a monotonic reading, so
// durations computed from it are immune to wall-clock jumps.
type System struct{}

func (System) Now() time.Time { return time.Now() }

func (System) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	if d < spinBelow {
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
		}
		return
	}
	time.Sleep(d)
}

// Fake is a manually driven clock for tests. Sleep advances the clock
// instead of blocking.
type Fake struct {
	mu    sync.Mutex
	now   time.Time
	slept time.Duration
}

// NewFake returns a fake clock starting at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.slept += d
	f.mu.Unlock()
}

// Advance moves the clock forward without counting it as sleep.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Slept returns the total duration passed to Sleep.
func (f *Fake) Slept() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.slept
}
