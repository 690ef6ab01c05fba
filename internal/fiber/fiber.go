// Package fiber provides the cooperative execution contexts jobs run on, and
// a recycling pool that hands them out in stack size classes.
//
// A fiber is a long-lived goroutine parked on a rendezvous channel. Resume
// hands control to the fiber and blocks the caller until the fiber either
// completes its bound function or yields; Yield hands control back without
// finishing. Exactly one side runs at a time, which is what makes the pair an
// execution-context switch. The Go runtime owns register state and stack
// growth, so stack classes act as admission classes with per-class caps
// rather than literal guard-paged regions.
package fiber

import (
	"sync/atomic"
)

// State describes where a fiber is in its lifecycle.
type State int32

const (
	// StateFree means the fiber sits in the pool, unbound.
	StateFree State = iota
	// StateReady means the fiber is bound to work and waiting to run.
	StateReady
	// StateRunning means the fiber currently has control on a worker.
	StateRunning
	// StateSuspended means the fiber yielded and is parked off-queue.
	StateSuspended
	// StateDead means the fiber's goroutine has exited.
	StateDead
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateSuspended:
		return "SUSPENDED"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Signal is what a fiber reports back to the resuming worker.
type Signal int

const (
	// Completed: the bound function returned; the fiber can be released.
	Completed Signal = iota
	// Parked: the fiber suspended itself onto an external waiter list and
	// comes back only through an explicit wake.
	Parked
	// Requeued: the fiber suspended and wants to go back in line for
	// another turn.
	Requeued
)

// Fiber is one cooperative execution context.
//
// Resume is called only by the worker currently hosting the fiber; Yield is
// called only from inside the bound function. A fiber is bound to at most one
// unit of work at a time and is never shared between workers concurrently.
type Fiber struct {
	id    uint64
	class Class
	state atomic.Int32

	resume chan struct{}
	yield  chan Signal

	fn func()

	// worker hosting the fiber; valid only while Running or Suspended.
	worker atomic.Int32
}

func newFiber(id uint64, class Class) *Fiber {
	f := &Fiber{
		id:     id,
		class:  class,
		resume: make(chan struct{}),
		yield:  make(chan Signal),
	}
	f.worker.Store(-1)
	go f.loop()
	return f
}

// loop is the fiber goroutine body: wait for a resume, run the bound
// function, report completion, repeat until the pool closes the channel.
func (f *Fiber) loop() {
	for range f.resume {
		f.fn()
		f.fn = nil
		f.yield <- Completed
	}
	f.state.Store(int32(StateDead))
}

// ID returns the fiber's pool-unique identifier.
func (f *Fiber) ID() uint64 { return f.id }

// Class returns the fiber's stack class.
func (f *Fiber) Class() Class { return f.class }

// State returns the current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

// Worker returns the hosting worker id, or -1 when unbound.
func (f *Fiber) Worker() int { return int(f.worker.Load()) }

// SetWorker records the hosting worker id.
func (f *Fiber) SetWorker(w int) { f.worker.Store(int32(w)) }

// Bind attaches a function to a free fiber and marks it Ready.
// The function runs on the fiber's goroutine at the next Resume.
func (f *Fiber) Bind(fn func()) {
	f.fn = fn
	f.state.Store(int32(StateReady))
}

// Resume transfers control to the fiber and blocks until it completes or
// suspends. Worker-side half of the context switch.
func (f *Fiber) Resume() Signal {
	f.state.Store(int32(StateRunning))
	f.resume <- struct{}{}
	return <-f.yield
}

// Yield suspends the fiber and transfers control back to the resuming
// worker, reporting sig (Parked or Requeued). It returns when some worker
// resumes the fiber again. Must only be called from inside the bound
// function.
//
// The rescheduling intent travels in the signal value: the yield channel is
// unbuffered, so the old worker has received the signal before the fiber
// can continue, and no field is shared between the two sides after the
// switch.
func (f *Fiber) Yield(sig Signal) {
	f.state.Store(int32(StateSuspended))
	f.yield <- sig
	<-f.resume
	f.state.Store(int32(StateRunning))
}
