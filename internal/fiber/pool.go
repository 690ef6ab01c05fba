package fiber

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Class selects the nominal stack size a job wants. Classes are fixed
// power-of-two sizes; a fiber acquired under one class is only ever reused
// for that class.
type Class int

const (
	// ClassSmall suits leaf jobs with shallow call depth (16KB nominal).
	ClassSmall Class = iota
	// ClassMedium is the default class (64KB nominal).
	ClassMedium
	// ClassLarge suits deep recursion or heavy stack use (256KB nominal).
	ClassLarge

	numClasses
)

// Bytes returns the nominal stack size for the class.
func (c Class) Bytes() int {
	switch c {
	case ClassSmall:
		return 16 << 10
	case ClassMedium:
		return 64 << 10
	case ClassLarge:
		return 256 << 10
	default:
		return 0
	}
}

func (c Class) String() string {
	switch c {
	case ClassSmall:
		return "small"
	case ClassMedium:
		return "medium"
	case ClassLarge:
		return "large"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// ErrExhausted is returned by Acquire when a class is at its high-water mark
// and growth is disabled.
var ErrExhausted = errors.New("fiber pool exhausted")

// Config controls pool sizing.
type Config struct {
	// Limits caps the number of live fibers per class. Zero means the
	// DefaultLimit applies.
	Limits map[Class]int
	// Grow allows allocating past a class limit instead of failing Acquire.
	Grow bool
}

// DefaultLimit is the per-class cap applied when Config.Limits has no entry.
const DefaultLimit = 256

// DefaultConfig returns sensible defaults: capped classes, growth disabled.
func DefaultConfig() Config {
	return Config{Grow: false}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Live map[Class]int `json:"live"`
	Free map[Class]int `json:"free"`
}

// Pool allocates, recycles, and destroys fibers in size classes.
//
// Free-list mutation is guarded by a short-held mutex; acquisition and
// release are off the hot execution path (once bound, a fiber switches
// without touching the pool).
type Pool struct {
	mu     sync.Mutex
	cfg    Config
	free   [numClasses][]*Fiber
	live   [numClasses]int
	nextID uint64
	closed bool
	logger *slog.Logger
}

// NewPool creates an empty pool. Fibers are created lazily on first Acquire
// of each class.
func NewPool(cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		cfg:    cfg,
		logger: logger.With("component", "fiber-pool"),
	}
}

func (p *Pool) limit(c Class) int {
	if n, ok := p.cfg.Limits[c]; ok && n > 0 {
		return n
	}
	return DefaultLimit
}

// Acquire hands out a free fiber of the given class, allocating one if the
// class has headroom. Returns ErrExhausted when the class is at its
// high-water mark and growth is disabled.
func (p *Pool) Acquire(c Class) (*Fiber, error) {
	if c < 0 || c >= numClasses {
		return nil, fmt.Errorf("invalid stack class %d", int(c))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, errors.New("fiber pool closed")
	}

	if n := len(p.free[c]); n > 0 {
		f := p.free[c][n-1]
		p.free[c] = p.free[c][:n-1]
		return f, nil
	}

	if p.live[c] >= p.limit(c) && !p.cfg.Grow {
		return nil, fmt.Errorf("%w: class %s at limit %d", ErrExhausted, c, p.limit(c))
	}

	p.nextID++
	p.live[c]++
	f := newFiber(p.nextID, c)
	p.logger.Debug("fiber allocated", "fiber_id", f.id, "class", c, "live", p.live[c])
	return f, nil
}

// Release resets a fiber to Free and returns it to its class free list.
// The caller must not touch the fiber afterwards.
func (p *Pool) Release(f *Fiber) {
	f.state.Store(int32(StateFree))
	f.worker.Store(-1)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		p.destroy(f)
		return
	}
	p.free[f.class] = append(p.free[f.class], f)
}

// Stats snapshots per-class occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Live: make(map[Class]int), Free: make(map[Class]int)}
	for c := Class(0); c < numClasses; c++ {
		if p.live[c] > 0 {
			s.Live[c] = p.live[c]
			s.Free[c] = len(p.free[c])
		}
	}
	return s
}

// Close destroys all free fibers and marks the pool closed. Fibers still
// bound to running work are destroyed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for c := Class(0); c < numClasses; c++ {
		for _, f := range p.free[c] {
			p.destroy(f)
		}
		p.free[c] = nil
	}
}

// destroy terminates the fiber goroutine. Only valid for unbound fibers
// parked at the top of their loop. Caller holds p.mu.
func (p *Pool) destroy(f *Fiber) {
	close(f.resume)
	p.live[f.class]--
}
