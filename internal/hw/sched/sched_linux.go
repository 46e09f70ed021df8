//go:build linux && !tinygo

// Package sched pins the control-loop goroutine to its own OS thread and,
// optionally, to one CPU with a raised priority so step timing jitters less.
package sched

import (
	"fmt"
	"runtime"

	"github.com/cjeanneret/SlidePilot/internal/debug"
	"golang.org/x/sys/unix"
)

// Tune locks the calling goroutine to its thread, binds the thread to cpu
// (-1 = any) and sets its nice value (0 = unchanged). It must be called
// from the goroutine that runs the control loop. The returned error is
// informational: the thread stays locked either way.
func Tune(cpu, nice int) error {
	runtime.LockOSThread()
	tid := unix.Gettid()

	if cpu >= 0 {
		var set unix.CPUSet
		set.Zero()
		set.Set(cpu)
		if err := unix.SchedSetaffinity(tid, &set); err != nil {
			return fmt.Errorf("bind thread %d to cpu %d: %w", tid, cpu, err)
		}
		debug.Verbose("Control loop thread %d bound to CPU %d", tid, cpu)
	}
	if nice != 0 {
		if err := unix.Setpriority(unix.PRIO_PROCESS, tid, nice); err != nil {
			return fmt.Errorf("set nice %d on thread %d: %w", nice, tid, err)
		}
		debug.Verbose("Control loop thread %d nice %d", tid, nice)
	}
	return nil
}
