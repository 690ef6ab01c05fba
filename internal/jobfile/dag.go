package jobfile

import (
	"fmt"
	"sort"
	"strings"
)

// Order computes the submission order for a job file using Kahn's
// algorithm. Returns the job ids in a valid topological order, or an error
// naming the jobs involved if the dependency edges form a cycle.
//
// Ties are broken alphabetically so the order is deterministic.
func Order(f *File) ([]string, error) {
	forward := make(map[string][]string, len(f.Jobs))
	inDegree := make(map[string]int, len(f.Jobs))

	for _, j := range f.Jobs {
		inDegree[j.ID] = 0
	}
	for _, j := range f.Jobs {
		for _, dep := range j.Deps {
			forward[dep] = append(forward[dep], j.ID)
			inDegree[j.ID]++
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)

		successors := forward[node]
		sort.Strings(successors)
		for _, succ := range successors {
			inDegree[succ]--
			if inDegree[succ] == 0 {
				queue = append(queue, succ)
			}
		}
		sort.Strings(queue)
	}

	if len(order) != len(f.Jobs) {
		var cycleNodes []string
		for id, deg := range inDegree {
			if deg > 0 {
				cycleNodes = append(cycleNodes, id)
			}
		}
		sort.Strings(cycleNodes)
		return nil, fmt.Errorf("job file contains a cycle involving jobs: %s",
			strings.Join(cycleNodes, ", "))
	}
	return order, nil
}
