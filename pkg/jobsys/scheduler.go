package jobsys

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/gofib/internal/fiber"
	"github.com/me/gofib/internal/graph"
	"github.com/me/gofib/internal/numa"
)

// scheduler phases.
const (
	phaseRunning int32 = iota
	phaseShuttingDown
	phaseStopped
)

// Scheduler is the global orchestrator: it owns the job arena, the
// dependency graph, the fiber pool, and the worker threads. Construct one
// per embedding application; nothing in the package requires the process
// default.
type Scheduler struct {
	cfg      Config
	logger   *slog.Logger
	pool     *fiber.Pool
	deps     *graph.Graph
	topo     numa.Topology
	observer Observer

	arena   arena
	workers []*worker

	phase    atomic.Int32
	drain    atomic.Bool  // shutdown mode, meaningful once phase >= shuttingDown
	inflight atomic.Int64 // jobs not yet terminal
	running  atomic.Int64 // jobs bound to a fiber and not yet terminal

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	cancelled atomic.Uint64
	steals    atomic.Uint64

	rr   atomic.Uint32
	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures optional Scheduler dependencies.
type Option func(*Scheduler)

// WithTopology sets the NUMA topology provider consulted for placement.
func WithTopology(t numa.Topology) Option {
	return func(s *Scheduler) { s.topo = t }
}

// WithObserver registers the profiler callback.
func WithObserver(fn Observer) Option {
	return func(s *Scheduler) { s.observer = fn }
}

// New creates a Scheduler and starts its worker threads.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:    cfg,
		logger: logger.With("component", "jobsys"),
		deps:   graph.New(),
		topo:   numa.SingleNode{},
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pool = fiber.NewPool(cfg.Pool, logger)

	s.workers = make([]*worker, cfg.Workers)
	for i := range s.workers {
		s.workers[i] = newWorker(i, s)
	}
	s.wg.Add(len(s.workers))
	for _, w := range s.workers {
		go w.loop()
	}

	s.logger.Info("scheduler started",
		"workers", cfg.Workers,
		"steal_attempts", cfg.StealAttempts,
		"numa_nodes", s.topo.Nodes())
	return s
}

var (
	defaultOnce  sync.Once
	defaultSched *Scheduler
)

// Default returns a lazily constructed process-wide Scheduler. Convenience
// only; library code should accept a *Scheduler instead.
func Default() *Scheduler {
	defaultOnce.Do(func() {
		defaultSched = New(DefaultConfig(), slog.Default())
	})
	return defaultSched
}

// Submit registers a job with its dependency edges and schedules it once
// every dependency has completed. The submission is atomic: if any edge
// would close a cycle the whole submission is rejected with
// ErrCycleDetected and no graph mutation remains.
//
// A dependency id that was issued but already recycled counts as satisfied
// (the job it named reached a terminal state); an id that was never issued
// fails with ErrUnknownDependency.
func (s *Scheduler) Submit(fn Fn, opts Options) (*Handle, error) {
	if s.phase.Load() != phaseRunning {
		return nil, ErrShuttingDown
	}
	if fn == nil {
		return nil, fmt.Errorf("nil job function")
	}

	j := &job{
		name:     opts.Name,
		fn:       fn,
		prio:     opts.Priority,
		affinity: opts.Affinity,
		stack:    opts.Stack,
		done:     make(chan struct{}),
	}
	j.stats.Created = time.Now()

	depKeys := make([]uint64, 0, len(opts.Deps))
	for _, dep := range opts.Deps {
		if !s.arena.known(dep) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDependency, dep)
		}
		depKeys = append(depKeys, dep.key())
	}

	j.setState(StateUnresolved)
	j.id = s.arena.alloc(j)

	pending, err := s.deps.Register(j.id.key(), depKeys, graph.Hard)
	if err != nil {
		s.arena.release(j.id)
		return nil, err
	}

	s.inflight.Add(1)
	s.submitted.Add(1)

	// The job became visible to the non-drain shutdown sweep at alloc, so
	// publication must win or lose the state CAS, never both: a blind store
	// here could resurrect a job the sweep already cancelled and finalized.
	if pending == 0 && j.cas(StateUnresolved, StateReady) {
		j.stats.Scheduled = time.Now()
		s.dispatch(j, nil)
	}
	return &Handle{s: s, j: j, id: j.id}, nil
}

// SubmitN fans fn out over n index jobs plus a join job depending on all of
// them, and returns the join handle. The join completes only after every
// index job has.
func (s *Scheduler) SubmitN(n int, fn func(jc *Context, i int) error, opts Options) (*Handle, error) {
	if n <= 0 {
		return nil, fmt.Errorf("SubmitN: n must be positive, got %d", n)
	}

	ids := make([]JobID, 0, n)
	for i := 0; i < n; i++ {
		i := i
		part := opts
		part.Deps = nil
		if opts.Name != "" {
			part.Name = fmt.Sprintf("%s[%d]", opts.Name, i)
		}
		h, err := s.Submit(func(jc *Context) (any, error) {
			return nil, fn(jc, i)
		}, part)
		if err != nil {
			return nil, fmt.Errorf("SubmitN part %d: %w", i, err)
		}
		ids = append(ids, h.ID())
	}

	join := opts
	join.Deps = append(append([]JobID(nil), opts.Deps...), ids...)
	if opts.Name != "" {
		join.Name = opts.Name + "/join"
	}
	return s.Submit(func(jc *Context) (any, error) { return nil, nil }, join)
}

// dispatch places a ready job. from is the worker whose completion or
// unlock produced the job, nil for external submissions.
//
// Placement order: explicit worker affinity, NUMA-node preference, the
// producing worker's own deque (LIFO locality for child work), then
// least-loaded with a round-robin tiebreak. Low and deferred jobs give up
// the producer-local shortcut so they cannot cut ahead of a busy worker's
// backlog; inbox draining additionally orders queued work by priority.
func (s *Scheduler) dispatch(j *job, from *worker) {
	switch j.affinity.Kind {
	case AffinityWorker:
		if w := s.workerAt(j.affinity.Worker); w != nil {
			s.deliver(j, w, from)
			return
		}
	case AffinityNode:
		if w := s.leastLoadedOnNode(j.affinity.Node); w != nil {
			s.deliver(j, w, from)
			return
		}
	}

	if from != nil && j.prio < PriorityLow {
		from.dq.PushBottom(j)
		s.wakeAnyExcept(from)
		return
	}
	s.deliver(j, s.leastLoaded(), from)
}

// deliver hands a job to a specific worker. Only the owner may touch its
// deque bottom, so cross-worker delivery goes through the inbox.
func (s *Scheduler) deliver(j *job, target, from *worker) {
	if from == target {
		target.dq.PushBottom(j)
		s.wakeAnyExcept(target)
		return
	}
	target.pushInbox(j)
}

func (s *Scheduler) workerAt(i int) *worker {
	if i < 0 || i >= len(s.workers) {
		return nil
	}
	return s.workers[i]
}

func (s *Scheduler) leastLoaded() *worker {
	best := s.workers[int(s.rr.Add(1))%len(s.workers)]
	bestLen := best.load()
	for _, w := range s.workers {
		if l := w.load(); l < bestLen {
			best, bestLen = w, l
		}
	}
	return best
}

func (s *Scheduler) leastLoadedOnNode(node int) *worker {
	var best *worker
	bestLen := 0
	for _, w := range s.workers {
		if s.topo.PreferredNode(w.id) != node {
			continue
		}
		if l := w.load(); best == nil || l < bestLen {
			best, bestLen = w, l
		}
	}
	if best == nil {
		// Unknown node: degrade to a plain placement hint miss.
		return s.leastLoaded()
	}
	return best
}

// readyJob publishes a job whose unresolved count just hit zero. The graph
// guarantees each id is returned exactly once, so the CAS below can only
// lose to a cancellation.
func (s *Scheduler) readyJob(key uint64, from *worker) {
	j := s.arena.getByKey(key)
	if j == nil {
		return
	}
	if !j.cas(StateUnresolved, StateReady) {
		return
	}
	j.stats.Scheduled = time.Now()
	s.dispatch(j, from)
}

// reready republishes a suspended fiber's job after a wake-up (completion
// waiter, mutex handoff, cond signal).
func (s *Scheduler) reready(j *job, from *worker) {
	j.setState(StateReady)
	s.dispatch(j, from)
}

// complete runs the completion path on the worker that finished the job:
// result slot is already written. It notifies completion waiters, resolves
// dependents, recycles the arena slot, and accounts for drain.
func (s *Scheduler) complete(j *job, w *worker, span time.Duration) {
	if !j.finalized.CompareAndSwap(false, true) {
		return
	}
	j.stats.Finished = time.Now()

	terminal := StateCompleted
	if j.err != nil {
		terminal = StateFailed
		s.failed.Add(1)
	} else {
		s.completed.Add(1)
	}
	j.setState(terminal)
	close(j.done)

	j.wmu.Lock()
	waiters := j.waiters
	j.waiters = nil
	j.wmu.Unlock()
	for _, waiter := range waiters {
		s.reready(waiter, w)
	}

	for _, key := range s.deps.Complete(j.id.key()) {
		s.readyJob(key, w)
	}

	s.arena.release(j.id)
	s.running.Add(-1)
	s.inflight.Add(-1)

	s.emit(Event{Kind: KindJobEnd, Job: j.id, Worker: w.id, Priority: j.prio, Duration: span})
	if j.err != nil {
		s.logger.Debug("job failed", "job", j.id, "name", j.name, "error", j.err)
	}
}

// Shutdown stops the scheduler. With drain=true it blocks until every
// submitted job reaches a terminal state. With drain=false it cancels jobs
// that never started (Unresolved or Ready, never Running) and waits only
// for in-flight fibers to finish naturally. Either way no job is abandoned
// mid-fiber.
func (s *Scheduler) Shutdown(ctx context.Context, drain bool) error {
	if !s.phase.CompareAndSwap(phaseRunning, phaseShuttingDown) {
		return ErrShuttingDown
	}
	s.drain.Store(drain)
	s.logger.Info("scheduler shutting down", "drain", drain)

	if !drain {
		s.cancelPending()
	}

	quiet := func() bool {
		if drain {
			return s.inflight.Load() == 0
		}
		return s.running.Load() == 0
	}

	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for !quiet() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown wait: %w", ctx.Err())
		case <-tick.C:
		}
	}

	close(s.stop)
	s.wg.Wait()
	s.pool.Close()
	s.phase.Store(phaseStopped)

	s.logger.Info("scheduler stopped",
		"submitted", s.submitted.Load(),
		"completed", s.completed.Load(),
		"failed", s.failed.Load(),
		"cancelled", s.cancelled.Load(),
		"steals", s.steals.Load())
	return nil
}

// cancelPending sweeps every job that never bound a fiber into CANCELLED,
// then finalizes them. A job already popped by a worker wins or loses the
// state CAS, never both: workers skip jobs whose Ready->Running CAS fails.
func (s *Scheduler) cancelPending() {
	var doomed []*job
	for _, j := range s.arena.live() {
		if j.bound.Load() {
			continue // has a fiber: logically running, never cancelled
		}
		if j.cas(StateUnresolved, StateCancelled) || j.cas(StateReady, StateCancelled) {
			doomed = append(doomed, j)
		}
	}
	for _, j := range doomed {
		s.finalizeCancelled(j)
	}
}

func (s *Scheduler) finalizeCancelled(j *job) {
	if !j.finalized.CompareAndSwap(false, true) {
		return
	}
	j.err = ErrCancelled
	j.stats.Finished = time.Now()
	close(j.done)

	j.wmu.Lock()
	waiters := j.waiters
	j.waiters = nil
	j.wmu.Unlock()
	for _, waiter := range waiters {
		s.reready(waiter, nil)
	}

	for _, key := range s.deps.Complete(j.id.key()) {
		// Dependents were swept in the same pass; the CAS inside readyJob
		// keeps any survivor from slipping through.
		s.readyJob(key, nil)
	}

	s.arena.release(j.id)
	s.cancelled.Add(1)
	s.inflight.Add(-1)
}

// WorkerStats is a per-worker snapshot.
type WorkerStats struct {
	Worker   int    `json:"worker"`
	QueueLen int    `json:"queue_len"`
	Executed uint64 `json:"executed"`
	Steals   uint64 `json:"steals"`
	Parks    uint64 `json:"parks"`
}

// Snapshot is a point-in-time view of scheduler counters.
type Snapshot struct {
	Submitted uint64        `json:"submitted"`
	Completed uint64        `json:"completed"`
	Failed    uint64        `json:"failed"`
	Cancelled uint64        `json:"cancelled"`
	Steals    uint64        `json:"steals"`
	Inflight  int64         `json:"inflight"`
	Workers   []WorkerStats `json:"workers"`
	Pool      fiber.Stats   `json:"pool"`
}

// Stats snapshots the scheduler counters. The snapshot is approximate:
// queue lengths race with the workers reading them.
func (s *Scheduler) Stats() Snapshot {
	snap := Snapshot{
		Submitted: s.submitted.Load(),
		Completed: s.completed.Load(),
		Failed:    s.failed.Load(),
		Cancelled: s.cancelled.Load(),
		Steals:    s.steals.Load(),
		Inflight:  s.inflight.Load(),
		Pool:      s.pool.Stats(),
	}
	for _, w := range s.workers {
		snap.Workers = append(snap.Workers, WorkerStats{
			Worker:   w.id,
			QueueLen: w.load(),
			Executed: w.executed.Load(),
			Steals:   w.stealsWon.Load(),
			Parks:    w.parks.Load(),
		})
	}
	return snap
}

// detectMutexCycle walks the ownership chain starting at the mutex j wants:
// owner of m, the mutex that owner is parked on, its owner, and so on. If
// the chain reaches j the wait-for relationship is cyclic.
func (s *Scheduler) detectMutexCycle(j *job, m *Mutex) error {
	const maxDepth = 32
	cur := m
	for depth := 0; depth < maxDepth; depth++ {
		ownerKey := cur.owner.Load()
		if ownerKey == 0 {
			return nil
		}
		if ownerKey == j.id.key() {
			s.emit(Event{Kind: KindDeadlock, Job: j.id, Worker: j.stats.Worker})
			return fmt.Errorf("%w: mutex %q ownership chain loops back to %s",
				ErrDeadlockSuspected, m.name, j.id)
		}
		owner := s.arena.getByKey(ownerKey)
		if owner == nil {
			return nil
		}
		next := owner.waitingOn.Load()
		if next == nil {
			return nil
		}
		cur = next
	}
	return nil
}
