// Package graph maintains the directed acyclic dependency graph over job
// identifiers. Structural mutation takes a writer lock; the per-node
// unresolved counters consulted on the hot completion path are atomics.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrCycle is the sentinel wrapped by every cycle rejection.
var ErrCycle = errors.New("dependency cycle detected")

// CycleError carries the offending id path for diagnostics.
type CycleError struct {
	Path []uint64
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Path))
	for i, id := range e.Path {
		parts[i] = strconv.FormatUint(id, 10)
	}
	return fmt.Sprintf("%s: %s", ErrCycle.Error(), strings.Join(parts, " -> "))
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// EdgeKind tags why a dependency edge exists. The scheduler only orders by
// Hard edges today; the tag is carried for diagnostics and future policies.
type EdgeKind int

const (
	// Hard: dependent must not start before the dependency completes.
	Hard EdgeKind = iota
	// Output: dependent consumes the dependency's result.
	Output
	// Resource: ordering forced by a shared resource, not data flow.
	Resource
)

func (k EdgeKind) String() string {
	switch k {
	case Hard:
		return "hard"
	case Output:
		return "output"
	case Resource:
		return "resource"
	default:
		return "unknown"
	}
}

type edge struct {
	to   uint64
	kind EdgeKind
}

type node struct {
	id         uint64
	deps       []edge   // ids this node depends on
	dependents []uint64 // ids that depend on this node
	pending    atomic.Int64

	// traversal marks; only touched under the writer lock and always
	// cleared before it is released.
	visited bool
	onStack bool
}

// Graph tracks live (not yet completed) jobs and the edges between them.
// Completed jobs are removed, so "dependency absent" means "already
// satisfied".
type Graph struct {
	mu    sync.RWMutex
	nodes map[uint64]*node
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[uint64]*node)}
}

// Len returns the number of live nodes.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Contains reports whether id is live.
func (g *Graph) Contains(id uint64) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok
}

// Pending returns the unresolved dependency count for id, or 0 if absent.
func (g *Graph) Pending(id uint64) int {
	g.mu.RLock()
	n, ok := g.nodes[id]
	g.mu.RUnlock()
	if !ok {
		return 0
	}
	return int(n.pending.Load())
}

// Register inserts a new node with edges to every listed dependency that is
// still live, as a single atomic operation: if any edge would close a cycle
// the graph is left untouched and a *CycleError is returned. Dependencies
// that are not live are treated as already satisfied. Returns the number of
// unresolved dependencies recorded.
func (g *Graph) Register(id uint64, deps []uint64, kind EdgeKind) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[id]; ok {
		return 0, fmt.Errorf("job %d already registered", id)
	}

	live := make([]uint64, 0, len(deps))
	for _, dep := range deps {
		if dep == id {
			return 0, &CycleError{Path: []uint64{id, id}}
		}
		if _, ok := g.nodes[dep]; ok {
			live = append(live, dep)
		}
	}

	// Reject before mutating. A fresh node has no dependents yet, so a path
	// from a dependency back to it can only exist if the caller reused an id;
	// the check also guards AddEdge-style misuse.
	for _, dep := range live {
		if path := g.findPath(dep, id); path != nil {
			return 0, &CycleError{Path: append([]uint64{id}, path...)}
		}
	}

	n := &node{id: id}
	for _, dep := range live {
		n.deps = append(n.deps, edge{to: dep, kind: kind})
		g.nodes[dep].dependents = append(g.nodes[dep].dependents, id)
	}
	n.pending.Store(int64(len(live)))
	g.nodes[id] = n
	return len(live), nil
}

// AddEdge records that dependent must wait for dependency. Both nodes must
// be live. Returns a *CycleError (graph unchanged) if the edge would close a
// cycle, and increments the dependent's unresolved count otherwise.
func (g *Graph) AddEdge(dependent, dependency uint64, kind EdgeKind) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	dn, ok := g.nodes[dependent]
	if !ok {
		return fmt.Errorf("unknown dependent %d", dependent)
	}
	pn, ok := g.nodes[dependency]
	if !ok {
		return fmt.Errorf("unknown dependency %d", dependency)
	}
	if dependent == dependency {
		return &CycleError{Path: []uint64{dependent, dependent}}
	}

	if path := g.findPath(dependency, dependent); path != nil {
		return &CycleError{Path: append([]uint64{dependent}, path...)}
	}

	dn.deps = append(dn.deps, edge{to: dependency, kind: kind})
	pn.dependents = append(pn.dependents, dependent)
	dn.pending.Add(1)
	return nil
}

// Complete removes id and decrements each dependent's unresolved count,
// returning the dependents that reached zero. Each id can be returned at
// most once across the graph's lifetime, which is what makes the
// ready-publication exactly-once.
func (g *Graph) Complete(id uint64) []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return nil
	}
	delete(g.nodes, id)

	var ready []uint64
	for _, dep := range n.dependents {
		dn, ok := g.nodes[dep]
		if !ok {
			continue
		}
		if dn.pending.Add(-1) == 0 {
			ready = append(ready, dep)
		}
	}
	return ready
}

// Remove drops id without notifying dependents. Used when a submission is
// rolled back or a job is cancelled without cascading.
func (g *Graph) Remove(id uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
}

// findPath runs an iterative DFS from src along depends-on edges and returns
// the path src..dst if one exists. Caller holds the writer lock.
func (g *Graph) findPath(src, dst uint64) []uint64 {
	type frame struct {
		id   uint64
		next int
	}
	visited := make(map[uint64]bool)
	stack := []frame{{id: src}}
	visited[src] = true

	if src == dst {
		return []uint64{src}
	}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		n := g.nodes[top.id]
		if n == nil || top.next >= len(n.deps) {
			stack = stack[:len(stack)-1]
			continue
		}
		child := n.deps[top.next].to
		top.next++
		if visited[child] {
			continue
		}
		visited[child] = true
		stack = append(stack, frame{id: child})
		if child == dst {
			path := make([]uint64, len(stack))
			for i, f := range stack {
				path[i] = f.id
			}
			return path
		}
	}
	return nil
}

// Batches groups the live nodes into topological levels: level k holds
// exactly the nodes whose dependencies all sit in levels < k (Kahn's
// algorithm). Diagnostic/offline use; never on the submission hot path.
func (g *Graph) Batches() ([][]uint64, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indeg := make(map[uint64]int, len(g.nodes))
	for id, n := range g.nodes {
		indeg[id] = len(n.deps)
	}

	var level []uint64
	for id, d := range indeg {
		if d == 0 {
			level = append(level, id)
		}
	}

	var batches [][]uint64
	placed := 0
	for len(level) > 0 {
		sort.Slice(level, func(i, j int) bool { return level[i] < level[j] })
		batches = append(batches, level)
		placed += len(level)

		var next []uint64
		for _, id := range level {
			for _, dep := range g.nodes[id].dependents {
				indeg[dep]--
				if indeg[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		level = next
	}

	if placed != len(g.nodes) {
		var stuck []uint64
		for id, d := range indeg {
			if d > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Slice(stuck, func(i, j int) bool { return stuck[i] < stuck[j] })
		return nil, &CycleError{Path: stuck}
	}
	return batches, nil
}

// DetectCycle runs a full-graph DFS with a recursion-stack marker and
// returns one offending cycle as an id path, or nil. Traversal marks are
// cleared before returning.
func (g *Graph) DetectCycle() []uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	defer func() {
		for _, n := range g.nodes {
			n.visited = false
			n.onStack = false
		}
	}()

	ids := make([]uint64, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var path []uint64
	var walk func(id uint64) []uint64
	walk = func(id uint64) []uint64 {
		n := g.nodes[id]
		n.visited = true
		n.onStack = true
		path = append(path, id)

		for _, e := range n.deps {
			child, ok := g.nodes[e.to]
			if !ok {
				continue
			}
			if child.onStack {
				// Close the loop: slice the path from the first occurrence.
				for i, pid := range path {
					if pid == e.to {
						return append(append([]uint64(nil), path[i:]...), e.to)
					}
				}
			}
			if !child.visited {
				if cycle := walk(e.to); cycle != nil {
					return cycle
				}
			}
		}

		n.onStack = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range ids {
		if !g.nodes[id].visited {
			if cycle := walk(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}
