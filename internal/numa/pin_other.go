//go:build !linux

package numa

// PinCurrentThread is a no-op on platforms without sched_setaffinity.
// Placement hints degrade gracefully; correctness never depends on pinning.
func PinCurrentThread(cores []int) error {
	return nil
}
