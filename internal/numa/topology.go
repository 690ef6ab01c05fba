// Package numa describes the CPU topology the scheduler uses for placement
// hints. Topology is advisory only: every answer is a hint, never required
// for correctness.
package numa

import (
	"fmt"
	"runtime"
)

// Topology supplies placement hints for workers.
type Topology interface {
	// Nodes returns the number of NUMA nodes (always >= 1).
	Nodes() int
	// PreferredNode returns the node a worker should favor.
	PreferredNode(worker int) int
	// CoreList returns the CPU cores belonging to a node.
	CoreList(node int) []int
}

// SingleNode is the fallback topology: one node owning every core.
type SingleNode struct{}

func (SingleNode) Nodes() int            { return 1 }
func (SingleNode) PreferredNode(int) int { return 0 }
func (SingleNode) CoreList(node int) []int {
	if node != 0 {
		return nil
	}
	cores := make([]int, runtime.NumCPU())
	for i := range cores {
		cores[i] = i
	}
	return cores
}

// Static is a fixed topology described by explicit per-node core lists.
// Workers are spread across nodes round-robin.
type Static struct {
	nodes [][]int
}

// NewStatic builds a Static topology. Every node needs at least one core.
func NewStatic(nodes [][]int) (*Static, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("topology needs at least one node")
	}
	for i, cores := range nodes {
		if len(cores) == 0 {
			return nil, fmt.Errorf("node %d has no cores", i)
		}
	}
	return &Static{nodes: nodes}, nil
}

func (s *Static) Nodes() int { return len(s.nodes) }

func (s *Static) PreferredNode(worker int) int {
	if worker < 0 {
		return 0
	}
	return worker % len(s.nodes)
}

func (s *Static) CoreList(node int) []int {
	if node < 0 || node >= len(s.nodes) {
		return nil
	}
	return s.nodes[node]
}
