// Package jobsys is a fiber-based work-stealing job scheduler: a fixed pool
// of OS worker threads, each running a cooperative fiber loop, fed by
// per-worker work-stealing deques and ordered by an acyclic dependency
// graph. Jobs are short-lived closures; when one blocks on a fiber-aware
// primitive the hosting worker keeps running other ready work instead of
// sleeping.
package jobsys

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/gofib/internal/fiber"
)

// JobID is a generation-checked handle into the scheduler's job arena. A
// stale handle (slot recycled) is detected by generation mismatch, never by
// chasing a dangling pointer.
type JobID struct {
	Index uint32
	Gen   uint32
}

// Valid reports whether the id was ever issued by a scheduler.
func (id JobID) Valid() bool { return id.Gen != 0 }

func (id JobID) String() string {
	return fmt.Sprintf("job(%d:%d)", id.Index, id.Gen)
}

// key packs the id for the dependency graph and mutex ownership words.
func (id JobID) key() uint64 {
	return uint64(id.Gen)<<32 | uint64(id.Index)
}

func keyToID(key uint64) JobID {
	return JobID{Index: uint32(key), Gen: uint32(key >> 32)}
}

// Priority orders placement preferences. It never preempts running work.
type Priority uint8

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityDeferred
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityDeferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// ParsePriority maps a config string to a Priority (defaulting to normal).
func ParsePriority(s string) Priority {
	switch s {
	case "critical":
		return PriorityCritical
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	case "deferred":
		return PriorityDeferred
	default:
		return PriorityNormal
	}
}

// AffinityKind selects how strongly a job is tied to a location.
type AffinityKind uint8

const (
	// AffinityAny lets the scheduler place the job freely (zero value).
	AffinityAny AffinityKind = iota
	// AffinityWorker pins the job to one worker's queue.
	AffinityWorker
	// AffinityNode prefers workers on one NUMA node.
	AffinityNode
)

// Affinity is a placement hint carried on a job.
type Affinity struct {
	Kind   AffinityKind
	Worker int
	Node   int
}

// State is a job's lifecycle state.
type State int32

const (
	// StateUnresolved: submitted, waiting on dependencies.
	StateUnresolved State = iota
	// StateReady: all dependencies satisfied, queued on a deque.
	StateReady
	// StateRunning: bound to a fiber and executing (or suspended mid-run).
	StateRunning
	// StateCompleted: finished without error.
	StateCompleted
	// StateFailed: finished with an error or captured panic.
	StateFailed
	// StateCancelled: removed before it ever ran.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "UNRESOLVED"
	case StateReady:
		return "READY"
	case StateRunning:
		return "RUNNING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	case StateCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Fn is a job body. It runs on a pool fiber; jc exposes the fiber-aware
// operations (Yield, Wait). The returned value lands in the job's result
// slot and is delivered through the completion handle.
type Fn func(jc *Context) (any, error)

// Options carries submission metadata. The zero value is a freely placed
// job on the small stack class with no dependencies.
type Options struct {
	Name     string
	Priority Priority
	Deps     []JobID
	Affinity Affinity
	Stack    fiber.Class
}

// Stats records a job's timeline for the profiler and diagnostics.
type Stats struct {
	Created   time.Time `json:"created"`
	Scheduled time.Time `json:"scheduled"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
	Worker    int       `json:"worker"`
	Priority  Priority  `json:"priority"`
	Yields    uint32    `json:"yields"`
	Stolen    bool      `json:"stolen"`
}

// job is one arena slot's payload. Owned by the scheduler until terminal;
// result ownership then transfers to whoever holds the completion handle.
type job struct {
	id       JobID
	name     string
	fn       Fn
	prio     Priority
	affinity Affinity
	stack    fiber.Class

	state atomic.Int32
	bound atomic.Bool // a fiber was ever attached; guards the cancel sweep

	// finalized flips once when terminal bookkeeping runs, so a completion
	// and a cancellation sweep can never both close done or release the
	// arena slot.
	finalized atomic.Bool

	fib *fiber.Fiber // owned by the hosting worker while bound

	// result slot; written before done is closed.
	result any
	err    error
	done   chan struct{}

	// fibers (jobs) parked on this job's completion.
	wmu     sync.Mutex
	waiters []*job

	// mutex this job is currently parked on; deadlock chain walks read it.
	waitingOn atomic.Pointer[Mutex]

	stats  Stats
	yields atomic.Uint32
}

func (j *job) setState(s State)        { j.state.Store(int32(s)) }
func (j *job) cas(from, to State) bool { return j.state.CompareAndSwap(int32(from), int32(to)) }
func (j *job) current() State          { return State(j.state.Load()) }

// arena is the slab of job slots with generation counters. A released slot
// bumps its generation so stale JobIDs are recognized.
type arena struct {
	mu    sync.Mutex
	slots []arenaSlot
	free  []uint32
}

type arenaSlot struct {
	gen uint32
	j   *job
}

func (a *arena) alloc(j *job) JobID {
	a.mu.Lock()
	defer a.mu.Unlock()

	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, arenaSlot{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	if s.gen == 0 {
		s.gen = 1
	}
	s.j = j
	return JobID{Index: idx, Gen: s.gen}
}

func (a *arena) get(id JobID) *job {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !id.Valid() || int(id.Index) >= len(a.slots) {
		return nil
	}
	s := a.slots[id.Index]
	if s.gen != id.Gen {
		return nil
	}
	return s.j
}

func (a *arena) getByKey(key uint64) *job { return a.get(keyToID(key)) }

// known reports whether the index was ever allocated, regardless of
// generation. Used to distinguish "completed and recycled" from "made up".
func (a *arena) known(id JobID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return id.Valid() && int(id.Index) < len(a.slots)
}

func (a *arena) release(id JobID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(id.Index) >= len(a.slots) {
		return
	}
	s := &a.slots[id.Index]
	if s.gen != id.Gen {
		return
	}
	s.j = nil
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	a.free = append(a.free, id.Index)
}

// live snapshots every occupied slot. Used by the shutdown sweep.
func (a *arena) live() []*job {
	a.mu.Lock()
	defer a.mu.Unlock()

	jobs := make([]*job, 0, len(a.slots))
	for _, s := range a.slots {
		if s.j != nil {
			jobs = append(jobs, s.j)
		}
	}
	return jobs
}
