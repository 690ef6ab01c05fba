package jobsys

import (
	"context"
	"fmt"

	"github.com/me/gofib/internal/fiber"
)

// Handle is a job's completion handle. Wait and Poll may be called from any
// goroutine; from inside another job prefer Context.Wait, which suspends
// the calling fiber instead of blocking its worker thread.
type Handle struct {
	s  *Scheduler
	j  *job
	id JobID
}

// ID returns the job's generation-checked id, usable as a dependency for
// later submissions.
func (h *Handle) ID() JobID { return h.id }

// State returns the job's current lifecycle state.
func (h *Handle) State() State { return h.j.current() }

// Poll reports the result without blocking. ok is false while the job has
// not reached a terminal state.
func (h *Handle) Poll() (result any, err error, ok bool) {
	select {
	case <-h.j.done:
		return h.j.result, h.j.err, true
	default:
		return nil, nil, false
	}
}

// Wait blocks the calling goroutine until the job completes or ctx is
// cancelled. Do not call from inside a job body; use Context.Wait there.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.j.done:
		return h.j.result, h.j.err
	case <-ctx.Done():
		return nil, fmt.Errorf("wait %s: %w", h.id, ctx.Err())
	}
}

// Stats returns the job's timeline. Fully populated only after completion.
func (h *Handle) Stats() Stats {
	st := h.j.stats
	st.Priority = h.j.prio
	st.Yields = h.j.yields.Load()
	return st
}

// Context is the in-fiber API handed to every job body. It identifies the
// calling job and carries the fiber-aware suspension operations. Valid only
// for the duration of the body invocation.
type Context struct {
	s *Scheduler
	w *worker
	j *job
}

// ID returns the calling job's id.
func (jc *Context) ID() JobID { return jc.j.id }

// Name returns the calling job's submission name.
func (jc *Context) Name() string { return jc.j.name }

// Worker returns the id of the worker currently hosting the fiber.
func (jc *Context) Worker() int { return jc.j.fib.Worker() }

// Scheduler returns the owning scheduler, for submitting child jobs.
func (jc *Context) Scheduler() *Scheduler { return jc.s }

// Yield suspends the calling fiber and puts its job back in line, letting
// the worker run other ready work. This is the cooperative cancellation
// point: during a non-drain shutdown it returns ErrShuttingDown so the job
// can unwind early.
func (jc *Context) Yield() error {
	jc.j.yields.Add(1)
	jc.j.fib.Yield(fiber.Requeued)

	if jc.s.phase.Load() != phaseRunning && !jc.s.drain.Load() {
		return ErrShuttingDown
	}
	return nil
}

// Wait suspends the calling fiber until h completes, then returns its
// result. The hosting worker keeps executing other ready fibers in the
// meantime; the OS thread never sleeps on this.
func (jc *Context) Wait(h *Handle) (any, error) {
	if h.j == jc.j {
		return nil, fmt.Errorf("%w: %s waits on itself", ErrDeadlockSuspected, jc.j.id)
	}

	h.j.wmu.Lock()
	select {
	case <-h.j.done:
		h.j.wmu.Unlock()
		return h.j.result, h.j.err
	default:
	}
	h.j.waiters = append(h.j.waiters, jc.j)
	h.j.wmu.Unlock()

	jc.j.yields.Add(1)
	jc.j.fib.Yield(fiber.Parked)
	return h.j.result, h.j.err
}
