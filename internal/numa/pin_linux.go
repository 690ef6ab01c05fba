//go:build linux

package numa

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// PinCurrentThread restricts the calling OS thread to the given cores.
// The caller is expected to have locked the goroutine to its thread first.
func PinCurrentThread(cores []int) error {
	if len(cores) == 0 {
		return nil
	}
	var set unix.CPUSet
	for _, c := range cores {
		set.Set(c)
	}
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("sched_setaffinity: %w", err)
	}
	return nil
}
