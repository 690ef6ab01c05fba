package jobsys

import "time"

// EventKind tags a profiler event.
type EventKind uint8

const (
	KindJobStart EventKind = iota
	KindJobEnd
	KindSteal
	KindFiberSwitch
	KindWorkerPark
	KindDeadlock
)

func (k EventKind) String() string {
	switch k {
	case KindJobStart:
		return "job_start"
	case KindJobEnd:
		return "job_end"
	case KindSteal:
		return "steal"
	case KindFiberSwitch:
		return "fiber_switch"
	case KindWorkerPark:
		return "worker_park"
	case KindDeadlock:
		return "deadlock"
	default:
		return "unknown"
	}
}

// Event is one profiler observation. A plain tagged struct delivered through
// a function callback; observers are read-only and must never call back into
// the scheduler.
type Event struct {
	Kind     EventKind
	Job      JobID
	Worker   int
	Victim   int // KindSteal: the worker stolen from
	Priority Priority
	When     time.Time
	Duration time.Duration // KindJobEnd: execution span; KindFiberSwitch: run span
}

// Observer receives profiler events. It runs inline on the worker's hot
// path, so implementations should hand off quickly.
type Observer func(Event)

func (s *Scheduler) emit(ev Event) {
	if s.observer == nil {
		return
	}
	if ev.When.IsZero() {
		ev.When = time.Now()
	}
	s.observer(ev)
}
