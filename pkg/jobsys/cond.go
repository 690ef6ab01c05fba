package jobsys

import (
	"sync"

	"github.com/me/gofib/internal/fiber"
)

// Cond is a fiber-aware condition variable bound to a Mutex. Wait atomically
// releases the mutex and parks the calling fiber; Signal and Broadcast move
// parked fibers back onto the ready queues.
type Cond struct {
	m *Mutex

	mu      sync.Mutex
	waiters []*job
}

// NewCond creates a condition variable over m.
func NewCond(m *Mutex) *Cond {
	return &Cond{m: m}
}

// Wait releases the mutex, suspends the calling fiber until a Signal or
// Broadcast, then reacquires the mutex before returning. As with any
// condition variable, callers must re-check their predicate in a loop.
func (c *Cond) Wait(jc *Context) error {
	c.mu.Lock()
	c.waiters = append(c.waiters, jc.j)
	c.mu.Unlock()

	c.m.Unlock(jc)

	jc.j.yields.Add(1)
	jc.j.fib.Yield(fiber.Parked)

	return c.m.Lock(jc)
}

// Signal wakes one waiting fiber, if any.
func (c *Cond) Signal(jc *Context) {
	c.mu.Lock()
	var next *job
	if len(c.waiters) > 0 {
		next = c.waiters[0]
		c.waiters = c.waiters[1:]
	}
	c.mu.Unlock()

	if next != nil {
		jc.s.reready(next, jc.w)
	}
}

// Broadcast wakes every waiting fiber.
func (c *Cond) Broadcast(jc *Context) {
	c.mu.Lock()
	pending := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, j := range pending {
		jc.s.reready(j, jc.w)
	}
}
