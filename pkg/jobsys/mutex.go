package jobsys

import (
	"sync"
	"sync/atomic"

	"github.com/me/gofib/internal/fiber"
)

// Mutex is a fiber-aware mutual exclusion lock. A contended Lock parks the
// calling fiber on a FIFO waiter list and yields; the hosting worker keeps
// running other ready work. The OS thread never sleeps here.
//
// Not reentrant: locking a mutex the calling job already owns is reported
// as ErrDeadlockSuspected.
type Mutex struct {
	name string

	// owner holds the owning job's packed id, 0 when unlocked. The single
	// CAS on this word is the uncontended fast path.
	owner atomic.Uint64

	mu      sync.Mutex // guards waiters only
	waiters []*job

	acquisitions atomic.Uint64
	contentions  atomic.Uint64
}

// NewMutex creates a Mutex. The name is for diagnostics and deadlock
// reports only.
func NewMutex(name string) *Mutex {
	return &Mutex{name: name}
}

// Name returns the diagnostic name.
func (m *Mutex) Name() string { return m.name }

// Owner returns the id of the owning job, or the zero JobID when unlocked.
func (m *Mutex) Owner() JobID {
	key := m.owner.Load()
	if key == 0 {
		return JobID{}
	}
	return keyToID(key)
}

// MutexStats counts lock traffic.
type MutexStats struct {
	Acquisitions uint64 `json:"acquisitions"`
	Contentions  uint64 `json:"contentions"`
	Waiters      int    `json:"waiters"`
}

// Stats snapshots the counters.
func (m *Mutex) Stats() MutexStats {
	m.mu.Lock()
	n := len(m.waiters)
	m.mu.Unlock()
	return MutexStats{
		Acquisitions: m.acquisitions.Load(),
		Contentions:  m.contentions.Load(),
		Waiters:      n,
	}
}

// TryLock attempts the fast path only.
func (m *Mutex) TryLock(jc *Context) bool {
	if m.owner.CompareAndSwap(0, jc.j.id.key()) {
		m.acquisitions.Add(1)
		return true
	}
	return false
}

// Lock acquires the mutex, suspending the calling fiber while it is held
// elsewhere. Returns ErrDeadlockSuspected when the ownership chain loops
// back to the caller; the lock is not acquired in that case.
func (m *Mutex) Lock(jc *Context) error {
	key := jc.j.id.key()
	for {
		if m.owner.CompareAndSwap(0, key) {
			m.acquisitions.Add(1)
			return nil
		}

		if err := jc.s.detectMutexCycle(jc.j, m); err != nil {
			return err
		}
		m.contentions.Add(1)

		// Register under the waiter lock, re-trying the CAS there so an
		// unlock racing ahead of registration cannot strand the fiber.
		m.mu.Lock()
		if m.owner.CompareAndSwap(0, key) {
			m.mu.Unlock()
			m.acquisitions.Add(1)
			return nil
		}
		jc.j.waitingOn.Store(m)
		m.waiters = append(m.waiters, jc.j)
		m.mu.Unlock()

		jc.j.yields.Add(1)
		jc.j.fib.Yield(fiber.Parked)
		jc.j.waitingOn.Store(nil)
		// Woken by an unlock; loop to contend again.
	}
}

// Unlock releases the mutex and re-readies the first waiter, pushing its
// fiber back onto a deque.
func (m *Mutex) Unlock(jc *Context) {
	m.mu.Lock()
	var next *job
	if len(m.waiters) > 0 {
		next = m.waiters[0]
		m.waiters = m.waiters[1:]
	}
	m.owner.Store(0)
	m.mu.Unlock()

	if next != nil {
		jc.s.reready(next, jc.w)
	}
}
