package graph

import (
	"errors"
	"testing"
)

// register is a helper for nodes with Hard edges.
func register(t *testing.T, g *Graph, id uint64, deps ...uint64) int {
	t.Helper()
	pending, err := g.Register(id, deps, Hard)
	if err != nil {
		t.Fatalf("Register(%d, %v): %v", id, deps, err)
	}
	return pending
}

func TestRegisterAndComplete(t *testing.T) {
	g := New()
	register(t, g, 1)
	register(t, g, 2)
	if pending := register(t, g, 3, 1, 2); pending != 2 {
		t.Fatalf("pending = %d, want 2", pending)
	}

	if ready := g.Complete(1); ready != nil {
		t.Fatalf("Complete(1) ready = %v, want none", ready)
	}
	if got := g.Pending(3); got != 1 {
		t.Fatalf("Pending(3) = %d, want 1", got)
	}

	ready := g.Complete(2)
	if len(ready) != 1 || ready[0] != 3 {
		t.Fatalf("Complete(2) ready = %v, want [3]", ready)
	}

	// 3 becomes ready exactly once.
	if ready := g.Complete(2); ready != nil {
		t.Fatalf("second Complete(2) ready = %v, want none", ready)
	}
}

func TestRegisterAbsentDependencySatisfied(t *testing.T) {
	g := New()
	// 99 was never registered (or already completed): treated as satisfied.
	if pending := register(t, g, 1, 99); pending != 0 {
		t.Fatalf("pending = %d, want 0", pending)
	}
}

func TestAddEdgeCycleRejectedAndUnchanged(t *testing.T) {
	g := New()
	register(t, g, 1)
	register(t, g, 2)

	if err := g.AddEdge(1, 2, Hard); err != nil {
		t.Fatalf("AddEdge(1,2): %v", err)
	}

	err := g.AddEdge(2, 1, Hard)
	if !errors.Is(err, ErrCycle) {
		t.Fatalf("AddEdge(2,1) err = %v, want ErrCycle", err)
	}
	var ce *CycleError
	if !errors.As(err, &ce) || len(ce.Path) < 2 {
		t.Fatalf("cycle error path = %+v, want the offending ids", err)
	}

	// Graph state identical to before the failed call.
	if got := g.Pending(2); got != 0 {
		t.Errorf("Pending(2) = %d, want 0 after rejected edge", got)
	}
	if got := g.Pending(1); got != 1 {
		t.Errorf("Pending(1) = %d, want 1", got)
	}
	if ready := g.Complete(2); len(ready) != 1 || ready[0] != 1 {
		t.Errorf("Complete(2) ready = %v, want [1]", ready)
	}
}

func TestRegisterSelfDependency(t *testing.T) {
	g := New()
	if _, err := g.Register(7, []uint64{7}, Hard); !errors.Is(err, ErrCycle) {
		t.Fatalf("self-dependency err = %v, want ErrCycle", err)
	}
	if g.Contains(7) {
		t.Error("rejected registration must not leave a node behind")
	}
}

func TestRegisterTransitiveCycleRejected(t *testing.T) {
	g := New()
	register(t, g, 1)
	register(t, g, 2, 1)
	register(t, g, 3, 2)

	// 1 -> 3 would close 1 -> 3 -> 2 -> 1.
	if err := g.AddEdge(1, 3, Hard); !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
	if cycle := g.DetectCycle(); cycle != nil {
		t.Fatalf("DetectCycle after rejection = %v, want nil", cycle)
	}
}

func TestBatchesLevels(t *testing.T) {
	g := New()
	// Diamond: 1 -> {2,3} -> 4.
	register(t, g, 1)
	register(t, g, 2, 1)
	register(t, g, 3, 1)
	register(t, g, 4, 2, 3)

	batches, err := g.Batches()
	if err != nil {
		t.Fatalf("Batches: %v", err)
	}
	want := [][]uint64{{1}, {2, 3}, {4}}
	if len(batches) != len(want) {
		t.Fatalf("batches = %v, want %v", batches, want)
	}
	for i := range want {
		if len(batches[i]) != len(want[i]) {
			t.Fatalf("batch %d = %v, want %v", i, batches[i], want[i])
		}
		for j := range want[i] {
			if batches[i][j] != want[i][j] {
				t.Errorf("batch %d = %v, want %v", i, batches[i], want[i])
			}
		}
	}
}

func TestDetectCycleCleanGraph(t *testing.T) {
	g := New()
	register(t, g, 1)
	register(t, g, 2, 1)

	// Edge insertion rejects cycles, so a live graph is always acyclic and
	// the full-graph sweep must agree.
	if cycle := g.DetectCycle(); cycle != nil {
		t.Fatalf("DetectCycle = %v, want nil", cycle)
	}
	// Run twice: traversal marks must have been cleared.
	if cycle := g.DetectCycle(); cycle != nil {
		t.Fatalf("second DetectCycle = %v, want nil", cycle)
	}
}

func TestCompleteUnknownIsNoop(t *testing.T) {
	g := New()
	if ready := g.Complete(42); ready != nil {
		t.Fatalf("Complete(unknown) = %v, want nil", ready)
	}
}

func TestRemoveDoesNotNotify(t *testing.T) {
	g := New()
	register(t, g, 1)
	register(t, g, 2, 1)

	g.Remove(1)
	if g.Pending(2) != 1 {
		t.Errorf("Pending(2) = %d, want 1 (Remove must not decrement)", g.Pending(2))
	}
}
