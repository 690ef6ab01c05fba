package jobsys

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/me/gofib/internal/fiber"
)

// Semaphore is a fiber-aware counting semaphore. Acquire parks the calling
// fiber when no permits remain; Release hands a freed permit to the first
// waiter in FIFO order.
type Semaphore struct {
	permits atomic.Int64

	mu      sync.Mutex
	waiters []*job
}

// NewSemaphore creates a semaphore with n initial permits.
func NewSemaphore(n int64) (*Semaphore, error) {
	if n < 0 {
		return nil, fmt.Errorf("semaphore permits must be non-negative, got %d", n)
	}
	s := &Semaphore{}
	s.permits.Store(n)
	return s, nil
}

// Available returns the current permit count.
func (s *Semaphore) Available() int64 { return s.permits.Load() }

// TryAcquire takes a permit without suspending. Returns false when none are
// available.
func (s *Semaphore) TryAcquire() bool {
	for {
		n := s.permits.Load()
		if n <= 0 {
			return false
		}
		if s.permits.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

// Acquire takes a permit, suspending the calling fiber until one frees up.
func (s *Semaphore) Acquire(jc *Context) {
	for {
		if s.TryAcquire() {
			return
		}

		// Register under the waiter lock, re-checking inside so a release
		// racing ahead of registration cannot strand the fiber.
		s.mu.Lock()
		if s.TryAcquire() {
			s.mu.Unlock()
			return
		}
		s.waiters = append(s.waiters, jc.j)
		s.mu.Unlock()

		jc.j.yields.Add(1)
		jc.j.fib.Yield(fiber.Parked)
		// Woken by a release; loop to contend for the permit again.
	}
}

// Release returns a permit and re-readies the first waiter, if any.
func (s *Semaphore) Release(jc *Context) {
	s.mu.Lock()
	s.permits.Add(1)
	var next *job
	if len(s.waiters) > 0 {
		next = s.waiters[0]
		s.waiters = s.waiters[1:]
	}
	s.mu.Unlock()

	if next != nil {
		jc.s.reready(next, jc.w)
	}
}
