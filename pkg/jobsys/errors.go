package jobsys

import (
	"errors"
	"fmt"

	"github.com/me/gofib/internal/fiber"
	"github.com/me/gofib/internal/graph"
)

// Sentinel errors. All failures are values returned to the caller of the
// operation that detected them; nothing propagates unchecked across the
// worker loop.
var (
	// ErrCycleDetected: a submission's dependency edges would close a cycle.
	// The whole submission is rejected; the graph is unchanged.
	ErrCycleDetected = graph.ErrCycle

	// ErrPoolExhausted: the fiber pool cannot grow the requested stack class.
	ErrPoolExhausted = fiber.ErrExhausted

	// ErrShuttingDown: Submit was called after Shutdown began.
	ErrShuttingDown = errors.New("scheduler shutting down")

	// ErrCancelled is the result of a job removed before it ever ran.
	ErrCancelled = errors.New("job cancelled")

	// ErrDeadlockSuspected: a mutex ownership chain loops back to the
	// caller. Reported, never auto-resolved.
	ErrDeadlockSuspected = errors.New("deadlock suspected")

	// ErrUnknownDependency: a submitted dependency id was never issued.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// PanicError captures a panic raised by a job body. It lands in the job's
// result slot and reaches whoever waits on the handle; the worker loop is
// unaffected.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}
