package plan

import "fmt"

// ExecutionOrder returns the step indices in dependency order using Kahn's
// algorithm. Ties keep the order the planner emitted, so a plan without
// dependencies is returned unchanged.
func ExecutionOrder(steps []Step) ([]int, error) {
	n := len(steps)
	index := make(map[string]int, n)
	for i := range steps {
		index[steps[i].ID] = i
	}

	inDegree := make([]int, n)
	adj := make([][]int, n)
	for i := range steps {
		for _, dep := range steps[i].Envelope.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, fmt.Errorf("step %s depends on %q: %w", steps[i].ID, dep, ErrDAGInvalidRef)
			}
			if j == i {
				return nil, fmt.Errorf("step %s depends on itself: %w", steps[i].ID, ErrDAGCycle)
			}
			adj[j] = append(adj[j], i)
			inDegree[i]++
		}
	}

	order := make([]int, 0, n)
	queue := make([]int, 0, n)
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, next := range adj[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != n {
		return nil, ErrDAGCycle
	}
	return order, nil
}
