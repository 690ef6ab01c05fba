package jobsys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/gofib/internal/fiber"
)

func newTestScheduler(t *testing.T, workers int, opts ...Option) *Scheduler {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = workers
	return newTestSchedulerCfg(t, cfg, opts...)
}

func newTestSchedulerCfg(t *testing.T, cfg Config, opts ...Option) *Scheduler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := New(cfg, logger, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx, true) // no-op if the test already shut down
	})
	return s
}

func waitResult(t *testing.T, h *Handle) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return h.Wait(ctx)
}

func TestSubmitAndWait(t *testing.T) {
	s := newTestScheduler(t, 2)

	h, err := s.Submit(func(jc *Context) (any, error) {
		return 42, nil
	}, Options{Name: "answer"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, err := waitResult(t, h)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != 42 {
		t.Errorf("result = %v, want 42", got)
	}
	if st := h.State(); st != StateCompleted {
		t.Errorf("State() = %v, want %v", st, StateCompleted)
	}
}

func TestExactlyOnce(t *testing.T) {
	for _, workers := range []int{1, 2, 4, 8} {
		t.Run(fmt.Sprintf("workers_%d", workers), func(t *testing.T) {
			s := newTestScheduler(t, workers)

			const n = 2000
			var ran atomic.Int64
			for i := 0; i < n; i++ {
				if _, err := s.Submit(func(jc *Context) (any, error) {
					ran.Add(1)
					return nil, nil
				}, Options{}); err != nil {
					t.Fatalf("Submit() error = %v", err)
				}
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := s.Shutdown(ctx, true); err != nil {
				t.Fatalf("Shutdown() error = %v", err)
			}

			if got := ran.Load(); got != n {
				t.Errorf("executed %d jobs, want %d", got, n)
			}
			snap := s.Stats()
			if snap.Completed != n {
				t.Errorf("Completed = %d, want %d", snap.Completed, n)
			}
		})
	}
}

func TestDependencyOrdering(t *testing.T) {
	s := newTestScheduler(t, 4)

	var aDone, bDone atomic.Bool
	ha, err := s.Submit(func(jc *Context) (any, error) {
		time.Sleep(time.Millisecond)
		aDone.Store(true)
		return nil, nil
	}, Options{Name: "a"})
	if err != nil {
		t.Fatalf("Submit(a) error = %v", err)
	}
	hb, err := s.Submit(func(jc *Context) (any, error) {
		bDone.Store(true)
		return nil, nil
	}, Options{Name: "b"})
	if err != nil {
		t.Fatalf("Submit(b) error = %v", err)
	}

	hc, err := s.Submit(func(jc *Context) (any, error) {
		if !aDone.Load() || !bDone.Load() {
			return nil, errors.New("ran before dependencies completed")
		}
		return nil, nil
	}, Options{Name: "c", Deps: []JobID{ha.ID(), hb.ID()}})
	if err != nil {
		t.Fatalf("Submit(c) error = %v", err)
	}

	if _, err := waitResult(t, hc); err != nil {
		t.Fatalf("dependent job: %v", err)
	}
}

func TestDependencyChain(t *testing.T) {
	s := newTestScheduler(t, 4)

	const depth = 50
	var order []int
	var mu sync.Mutex

	var prev JobID
	var last *Handle
	for i := 0; i < depth; i++ {
		i := i
		opts := Options{Name: fmt.Sprintf("link-%d", i)}
		if i > 0 {
			opts.Deps = []JobID{prev}
		}
		h, err := s.Submit(func(jc *Context) (any, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil, nil
		}, opts)
		if err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
		prev = h.ID()
		last = h
	}

	if _, err := waitResult(t, last); err != nil {
		t.Fatalf("chain tail: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != depth {
		t.Fatalf("ran %d links, want %d", len(order), depth)
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("order[%d] = %d, chain ran out of order: %v", i, v, order)
		}
	}
}

func TestRecycledDependencySatisfied(t *testing.T) {
	s := newTestScheduler(t, 2)

	h1, err := s.Submit(func(jc *Context) (any, error) { return nil, nil }, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := waitResult(t, h1); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	// The slot behind h1 has been recycled; its id must count as satisfied.
	h2, err := s.Submit(func(jc *Context) (any, error) { return "ok", nil },
		Options{Deps: []JobID{h1.ID()}})
	if err != nil {
		t.Fatalf("Submit() with recycled dep error = %v", err)
	}
	got, err := waitResult(t, h2)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %v, want ok", got)
	}
}

func TestUnknownDependencyRejected(t *testing.T) {
	s := newTestScheduler(t, 1)

	bogus := JobID{Index: 1 << 20, Gen: 7}
	_, err := s.Submit(func(jc *Context) (any, error) { return nil, nil },
		Options{Deps: []JobID{bogus}})
	if !errors.Is(err, ErrUnknownDependency) {
		t.Fatalf("Submit() error = %v, want ErrUnknownDependency", err)
	}
}

func TestManyNoOpJobs(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}
	s := newTestScheduler(t, 4)

	const n = 50000
	var ran atomic.Int64
	for i := 0; i < n; i++ {
		if _, err := s.Submit(func(jc *Context) (any, error) {
			ran.Add(1)
			return nil, nil
		}, Options{}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := ran.Load(); got != n {
		t.Errorf("executed %d jobs, want %d", got, n)
	}
}

func TestJobError(t *testing.T) {
	s := newTestScheduler(t, 1)

	boom := errors.New("boom")
	h, err := s.Submit(func(jc *Context) (any, error) { return nil, boom }, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	_, err = waitResult(t, h)
	if !errors.Is(err, boom) {
		t.Fatalf("Wait() error = %v, want boom", err)
	}
	if st := h.State(); st != StateFailed {
		t.Errorf("State() = %v, want %v", st, StateFailed)
	}
}

func TestPanicCaptured(t *testing.T) {
	s := newTestScheduler(t, 2)

	h, err := s.Submit(func(jc *Context) (any, error) {
		panic("job went sideways")
	}, Options{Name: "panicky"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	_, err = waitResult(t, h)
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Wait() error = %v, want *PanicError", err)
	}
	if pe.Value != "job went sideways" {
		t.Errorf("panic value = %v", pe.Value)
	}
	if len(pe.Stack) == 0 {
		t.Error("panic stack not captured")
	}

	// A panic in one job must not poison the workers.
	h2, err := s.Submit(func(jc *Context) (any, error) { return "still alive", nil }, Options{})
	if err != nil {
		t.Fatalf("Submit() after panic error = %v", err)
	}
	if got, err := waitResult(t, h2); err != nil || got != "still alive" {
		t.Fatalf("job after panic = %v, %v", got, err)
	}
}

func TestHandlePoll(t *testing.T) {
	s := newTestScheduler(t, 1)

	gate := make(chan struct{})
	h, err := s.Submit(func(jc *Context) (any, error) {
		<-gate
		return 7, nil
	}, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	if _, _, ok := h.Poll(); ok {
		t.Fatal("Poll() reported completion while the job is gated")
	}
	close(gate)

	if _, err := waitResult(t, h); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	got, err, ok := h.Poll()
	if !ok || err != nil || got != 7 {
		t.Errorf("Poll() = %v, %v, %v; want 7, nil, true", got, err, ok)
	}
}

func TestContextYield(t *testing.T) {
	s := newTestScheduler(t, 2)

	h, err := s.Submit(func(jc *Context) (any, error) {
		for i := 0; i < 3; i++ {
			if err := jc.Yield(); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := waitResult(t, h); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if y := h.Stats().Yields; y != 3 {
		t.Errorf("Yields = %d, want 3", y)
	}
}

func TestContextWaitChild(t *testing.T) {
	s := newTestScheduler(t, 1) // single worker: wait must not block the thread

	h, err := s.Submit(func(jc *Context) (any, error) {
		child, err := jc.Scheduler().Submit(func(jc *Context) (any, error) {
			return 10, nil
		}, Options{Name: "child"})
		if err != nil {
			return nil, err
		}
		v, err := jc.Wait(child)
		if err != nil {
			return nil, err
		}
		return v.(int) * 2, nil
	}, Options{Name: "parent"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	got, err := waitResult(t, h)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != 20 {
		t.Errorf("result = %v, want 20", got)
	}
}

func TestContextWaitSelf(t *testing.T) {
	s := newTestScheduler(t, 2)

	hch := make(chan *Handle, 1)
	h, err := s.Submit(func(jc *Context) (any, error) {
		self := <-hch
		_, err := jc.Wait(self)
		return nil, err
	}, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	hch <- h

	_, err = waitResult(t, h)
	if !errors.Is(err, ErrDeadlockSuspected) {
		t.Fatalf("self-wait error = %v, want ErrDeadlockSuspected", err)
	}
}

func TestSubmitN(t *testing.T) {
	s := newTestScheduler(t, 4)

	var ran atomic.Int64
	h, err := s.SubmitN(8, func(jc *Context, i int) error {
		ran.Add(1)
		return nil
	}, Options{Name: "fanout"})
	if err != nil {
		t.Fatalf("SubmitN() error = %v", err)
	}

	if _, err := waitResult(t, h); err != nil {
		t.Fatalf("join Wait() error = %v", err)
	}
	if got := ran.Load(); got != 8 {
		t.Errorf("ran %d parts, want 8", got)
	}
}

func TestSubmitNInvalid(t *testing.T) {
	s := newTestScheduler(t, 1)
	if _, err := s.SubmitN(0, func(jc *Context, i int) error { return nil }, Options{}); err == nil {
		t.Fatal("SubmitN(0) did not fail")
	}
}

func TestShutdownDrain(t *testing.T) {
	s := newTestScheduler(t, 2)

	var ran atomic.Int64
	for i := 0; i < 100; i++ {
		if _, err := s.Submit(func(jc *Context) (any, error) {
			ran.Add(1)
			return nil, nil
		}, Options{}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := ran.Load(); got != 100 {
		t.Errorf("drain left %d jobs unexecuted", 100-got)
	}

	if _, err := s.Submit(func(jc *Context) (any, error) { return nil, nil }, Options{}); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("Submit() after shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestShutdownNoDrainCancelsPending(t *testing.T) {
	s := newTestScheduler(t, 1)

	gate := make(chan struct{})
	blocker, err := s.Submit(func(jc *Context) (any, error) {
		<-gate
		return nil, nil
	}, Options{Name: "blocker"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	// Give the single worker time to bind the blocker so the sweep skips it.
	time.Sleep(20 * time.Millisecond)

	pending := make([]*Handle, 0, 50)
	for i := 0; i < 50; i++ {
		h, err := s.Submit(func(jc *Context) (any, error) { return nil, nil }, Options{})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		pending = append(pending, h)
	}

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done <- s.Shutdown(ctx, false)
	}()

	time.Sleep(20 * time.Millisecond) // let the sweep run before unblocking
	close(gate)
	if err := <-done; err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if _, err := waitResult(t, blocker); err != nil {
		t.Errorf("in-flight job was not allowed to finish: %v", err)
	}
	for _, h := range pending {
		_, err := waitResult(t, h)
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("pending job error = %v, want ErrCancelled", err)
		}
		if st := h.State(); st != StateCancelled {
			t.Fatalf("pending job state = %v, want %v", st, StateCancelled)
		}
	}

	snap := s.Stats()
	if snap.Submitted != snap.Completed+snap.Failed+snap.Cancelled {
		t.Errorf("accounting broken: submitted=%d completed=%d failed=%d cancelled=%d",
			snap.Submitted, snap.Completed, snap.Failed, snap.Cancelled)
	}
}

func TestAffinityWorker(t *testing.T) {
	s := newTestScheduler(t, 4)
	time.Sleep(10 * time.Millisecond) // let the idle workers park

	h, err := s.Submit(func(jc *Context) (any, error) {
		return jc.Worker(), nil
	}, Options{Affinity: Affinity{Kind: AffinityWorker, Worker: 2}})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	got, err := waitResult(t, h)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if got != 2 {
		t.Errorf("job ran on worker %v, want 2", got)
	}
}

func TestPoolBackpressure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.Pool = fiber.Config{Limits: map[fiber.Class]int{
		fiber.ClassSmall:  1,
		fiber.ClassMedium: 1,
		fiber.ClassLarge:  1,
	}}
	s := newTestSchedulerCfg(t, cfg)

	// Two workers, one fiber: binds serialize through pool backpressure but
	// every job still runs.
	var ran atomic.Int64
	for i := 0; i < 10; i++ {
		if _, err := s.Submit(func(jc *Context) (any, error) {
			if err := jc.Yield(); err != nil {
				return nil, err
			}
			ran.Add(1)
			return nil, nil
		}, Options{Stack: fiber.ClassSmall}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := ran.Load(); got != 10 {
		t.Errorf("executed %d jobs, want 10", got)
	}
}

func TestObserverEvents(t *testing.T) {
	var mu sync.Mutex
	var got []Event
	obs := func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}

	s := newTestScheduler(t, 2, WithObserver(obs))
	h, err := s.Submit(func(jc *Context) (any, error) { return nil, nil }, Options{})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := waitResult(t, h); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	var sawStart, sawEnd bool
	for _, e := range got {
		if e.Job != h.ID() {
			continue
		}
		switch e.Kind {
		case KindJobStart:
			sawStart = true
		case KindJobEnd:
			sawEnd = true
		}
		if e.When.IsZero() {
			t.Error("event timestamp not filled")
		}
	}
	if !sawStart || !sawEnd {
		t.Errorf("missing lifecycle events: start=%v end=%v", sawStart, sawEnd)
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := newTestScheduler(t, 3)

	var ran atomic.Int64
	for i := 0; i < 200; i++ {
		if _, err := s.Submit(func(jc *Context) (any, error) {
			ran.Add(1)
			return nil, nil
		}, Options{}); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx, true); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	snap := s.Stats()
	if snap.Submitted != 200 || snap.Completed != 200 {
		t.Errorf("snapshot submitted=%d completed=%d, want 200/200", snap.Submitted, snap.Completed)
	}
	if len(snap.Workers) != 3 {
		t.Fatalf("worker stats for %d workers, want 3", len(snap.Workers))
	}
	var executed uint64
	for _, ws := range snap.Workers {
		executed += ws.Executed
	}
	if executed != 200 {
		t.Errorf("per-worker executed sums to %d, want 200", executed)
	}
}

func TestSubmitNilFn(t *testing.T) {
	s := newTestScheduler(t, 1)
	if _, err := s.Submit(nil, Options{}); err == nil {
		t.Fatal("Submit(nil) did not fail")
	}
}

func TestShutdownNoDrainConcurrentSubmit(t *testing.T) {
	s := newTestScheduler(t, 4)

	// Submissions racing the cancellation sweep must resolve to exactly one
	// of published or swept. A job finalized by both sides panics closing
	// its done channel twice.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if _, err := s.Submit(func(jc *Context) (any, error) { return nil, nil }, Options{}); err != nil {
					return
				}
			}
		}()
	}

	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx, false); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	wg.Wait()

	snap := s.Stats()
	if terminal := snap.Completed + snap.Failed + snap.Cancelled; terminal > snap.Submitted {
		t.Errorf("more terminal jobs than submissions: terminal=%d submitted=%d", terminal, snap.Submitted)
	}
}

func TestPriorityOrdersQueuedWork(t *testing.T) {
	s := newTestScheduler(t, 1)

	gate := make(chan struct{})
	blocker, err := s.Submit(func(jc *Context) (any, error) {
		<-gate
		return nil, nil
	}, Options{Name: "blocker"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	time.Sleep(20 * time.Millisecond) // let the single worker bind the blocker

	var mu sync.Mutex
	var order []string
	submit := func(name string, prio Priority) *Handle {
		t.Helper()
		h, err := s.Submit(func(jc *Context) (any, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil, nil
		}, Options{Name: name, Priority: prio})
		if err != nil {
			t.Fatalf("Submit(%s) error = %v", name, err)
		}
		return h
	}

	// Queued behind the blocker in worst-case arrival order: the urgent job
	// shows up last and must still run first.
	handles := []*Handle{
		submit("deferred-a", PriorityDeferred),
		submit("deferred-b", PriorityDeferred),
		submit("critical", PriorityCritical),
	}
	close(gate)

	if _, err := waitResult(t, blocker); err != nil {
		t.Fatalf("blocker Wait() error = %v", err)
	}
	for _, h := range handles {
		if _, err := waitResult(t, h); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 {
		t.Fatalf("ran %d jobs, want 3: %v", len(order), order)
	}
	if order[0] != "critical" {
		t.Errorf("execution order = %v, want critical first", order)
	}
	if got := handles[2].Stats().Priority; got != PriorityCritical {
		t.Errorf("Stats().Priority = %v, want %v", got, PriorityCritical)
	}
}
