// Package trace collects scheduler profiling events. A Recorder buffers and
// aggregates events in memory; a Store persists finished profiling sessions
// to SQLite for later analysis.
package trace

import (
	"sync"
	"time"

	"github.com/me/gofib/pkg/jobsys"
)

// DefaultCapacity bounds the Recorder's event buffer when none is given.
const DefaultCapacity = 65536

// Recorder buffers scheduler events up to a fixed capacity and keeps
// running aggregates. Pass Observe as the scheduler's observer; it is safe
// for concurrent use and never blocks on I/O, so it is cheap enough to
// leave attached in production.
type Recorder struct {
	mu      sync.Mutex
	events  []jobsys.Event
	cap     int
	dropped uint64
	started time.Time

	counts    map[jobsys.EventKind]uint64
	durations map[jobsys.EventKind]time.Duration
}

// NewRecorder creates a Recorder buffering at most capacity events.
// capacity <= 0 selects DefaultCapacity.
func NewRecorder(capacity int) *Recorder {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Recorder{
		cap:       capacity,
		started:   time.Now(),
		counts:    make(map[jobsys.EventKind]uint64),
		durations: make(map[jobsys.EventKind]time.Duration),
	}
}

// Observe records one event. Events past capacity are counted but not kept.
func (r *Recorder) Observe(e jobsys.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counts[e.Kind]++
	r.durations[e.Kind] += e.Duration
	if len(r.events) < r.cap {
		r.events = append(r.events, e)
	} else {
		r.dropped++
	}
}

// Summary is an aggregate view of a recording.
type Summary struct {
	Started   time.Time                `json:"started"`
	Buffered  int                      `json:"buffered"`
	Dropped   uint64                   `json:"dropped"`
	Counts    map[string]uint64        `json:"counts"`
	Durations map[string]time.Duration `json:"durations"`
}

// Summary snapshots the aggregates.
func (r *Recorder) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Summary{
		Started:   r.started,
		Buffered:  len(r.events),
		Dropped:   r.dropped,
		Counts:    make(map[string]uint64, len(r.counts)),
		Durations: make(map[string]time.Duration, len(r.durations)),
	}
	for k, v := range r.counts {
		s.Counts[k.String()] = v
	}
	for k, v := range r.durations {
		s.Durations[k.String()] = v
	}
	return s
}

// Count returns the number of observed events of one kind.
func (r *Recorder) Count(kind jobsys.EventKind) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

// Drain returns the buffered events and resets the buffer. Aggregates are
// kept; only the event backlog is cleared.
func (r *Recorder) Drain() []jobsys.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.events
	r.events = nil
	return out
}
