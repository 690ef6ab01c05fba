package jobsys

import (
	"math/rand"
	"runtime"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/gofib/internal/deque"
	"github.com/me/gofib/internal/fiber"
	"github.com/me/gofib/internal/numa"
)

// worker is one OS thread running a cooperative fiber scheduler: execute
// ready work until it completes or suspends, steal when the local queue is
// dry, park when the whole system is idle.
type worker struct {
	id int
	s  *Scheduler
	dq *deque.Deque[job]

	// inbox receives cross-worker deliveries; only the owner may push to
	// the deque bottom. Off the hot path, so a short-held mutex suffices.
	inboxMu sync.Mutex
	inbox   []*job

	wake   chan struct{}
	parked atomic.Bool
	rng    *rand.Rand

	executed  atomic.Uint64
	stealsWon atomic.Uint64
	parks     atomic.Uint64
}

func newWorker(id int, s *Scheduler) *worker {
	return &worker{
		id:   id,
		s:    s,
		dq:   deque.New[job](),
		wake: make(chan struct{}, 1),
		rng:  rand.New(rand.NewSource(int64(id)*0x9e3779b9 + 1)),
	}
}

// load approximates the worker's queued work for placement decisions.
func (w *worker) load() int {
	w.inboxMu.Lock()
	n := len(w.inbox)
	w.inboxMu.Unlock()
	return w.dq.Len() + n
}

func (w *worker) pushInbox(j *job) {
	w.inboxMu.Lock()
	w.inbox = append(w.inbox, j)
	w.inboxMu.Unlock()
	w.signal()
}

func (w *worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// wakeAnyExcept pokes one parked worker other than from, so freshly pushed
// deque work can be stolen.
func (s *Scheduler) wakeAnyExcept(from *worker) {
	for _, w := range s.workers {
		if w == from {
			continue
		}
		if w.parked.Load() {
			w.signal()
			return
		}
	}
}

func (w *worker) loop() {
	defer w.s.wg.Done()

	// One fiber scheduler per OS thread. Fibers themselves migrate between
	// threads only through explicit steals.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if w.s.cfg.PinWorkers {
		node := w.s.topo.PreferredNode(w.id)
		if err := numa.PinCurrentThread(w.s.topo.CoreList(node)); err != nil {
			w.s.logger.Warn("worker pin failed", "worker", w.id, "node", node, "error", err)
		}
	}

	for {
		if j, ok := w.next(); ok {
			w.run(j)
			continue
		}

		// Publish parked, then re-scan: a producer that pushed after our
		// scan will observe the flag and signal the wake channel.
		w.parked.Store(true)
		if j, ok := w.next(); ok {
			w.parked.Store(false)
			w.run(j)
			continue
		}

		w.parks.Add(1)
		w.s.emit(Event{Kind: KindWorkerPark, Worker: w.id})
		select {
		case <-w.wake:
			w.parked.Store(false)
		case <-w.s.stop:
			w.parked.Store(false)
			return
		}
	}
}

// next finds the next ready item: own deque bottom first (LIFO), then the
// inbox, then a bounded number of random-victim steals (FIFO from the
// victim's top).
func (w *worker) next() (*job, bool) {
	if j, ok := w.dq.PopBottom(); ok {
		return j, true
	}

	w.inboxMu.Lock()
	if len(w.inbox) > 0 {
		pending := w.inbox
		w.inbox = nil
		w.inboxMu.Unlock()
		// Push lowest priority first so the LIFO bottom pops critical work
		// ahead of deferred work.
		sort.SliceStable(pending, func(a, b int) bool {
			return pending[a].prio > pending[b].prio
		})
		for _, j := range pending {
			w.dq.PushBottom(j)
		}
		if w.dq.Len() > 1 {
			w.s.wakeAnyExcept(w)
		}
		if j, ok := w.dq.PopBottom(); ok {
			return j, true
		}
	} else {
		w.inboxMu.Unlock()
	}

	if len(w.s.workers) > 1 {
		for attempt := 0; attempt < w.s.cfg.StealAttempts; attempt++ {
			victim := w.s.workers[w.rng.Intn(len(w.s.workers))]
			if victim == w {
				continue
			}
			if j, ok := victim.dq.Steal(); ok {
				j.stats.Stolen = true
				w.stealsWon.Add(1)
				w.s.steals.Add(1)
				w.s.emit(Event{Kind: KindSteal, Job: j.id, Worker: w.id, Victim: victim.id})
				return j, true
			}
		}
	}
	return nil, false
}

// run executes or resumes one job on its fiber.
func (w *worker) run(j *job) {
	if !j.cas(StateReady, StateRunning) {
		// Lost to the cancellation sweep; the husk was already finalized.
		return
	}

	if j.fib == nil {
		if !w.bind(j) {
			return
		}
	} else {
		j.fib.SetWorker(w.id)
	}

	start := time.Now()
	sig := j.fib.Resume()
	span := time.Since(start)

	switch sig {
	case fiber.Completed:
		f := j.fib
		j.fib = nil
		w.s.pool.Release(f)
		w.executed.Add(1)
		w.s.complete(j, w, span)
	case fiber.Requeued:
		// Cooperative yield: go back in line rather than park.
		w.s.emit(Event{Kind: KindFiberSwitch, Job: j.id, Worker: w.id, Priority: j.prio, Duration: span})
		j.setState(StateReady)
		w.dq.PushBottom(j)
		w.s.wakeAnyExcept(w)
	case fiber.Parked:
		// The fiber sits on a primitive's waiter list and comes back
		// through reready. The signal value carried the intent, so nothing
		// of j may be written here: the fiber can already be running on
		// another worker.
		w.s.emit(Event{Kind: KindFiberSwitch, Job: j.id, Worker: w.id, Priority: j.prio, Duration: span})
	}
}

// bind acquires a fiber for a fresh job and attaches the body. On pool
// exhaustion the job goes back in line briefly instead of being dropped.
func (w *worker) bind(j *job) bool {
	f, err := w.s.pool.Acquire(j.stack)
	if err != nil {
		// Backpressure: revert to Ready, requeue, and let other items (which
		// may release fibers) run first.
		j.setState(StateReady)
		w.pushInbox(j)
		time.Sleep(50 * time.Microsecond)
		return false
	}

	jc := &Context{s: w.s, w: w, j: j}
	j.fib = f
	j.bound.Store(true)
	f.SetWorker(w.id)
	f.Bind(func() { j.runBody(jc) })

	j.stats.Started = time.Now()
	j.stats.Worker = w.id
	w.s.running.Add(1)
	w.s.emit(Event{Kind: KindJobStart, Job: j.id, Worker: w.id, Priority: j.prio})
	return true
}

// runBody executes the job closure with panic capture. A panic becomes a
// *PanicError in the result slot; the worker loop never sees it.
func (j *job) runBody(jc *Context) {
	defer func() {
		if r := recover(); r != nil {
			j.result = nil
			j.err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	j.result, j.err = j.fn(jc)
}
