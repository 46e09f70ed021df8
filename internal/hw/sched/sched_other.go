//go:build !linux || tinygo

package sched

// Tune is a no-op outside Linux.
func Tune(cpu, nice int) error {
	return nil
}
