package services

import (
	"fmt"
	"sort"

	"regtech-pipeline/internal/models"
)

// sanitizeDependencies keeps only edges between known task ids. The
// model occasionally invents task numbers; dropping them keeps the graph
// well-formed without failing the plan.
func sanitizeDependencies(deps map[string][]string, taskIDs []string) map[string][]string {
	known := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		known[id] = true
	}

	sanitized := map[string][]string{}
	for task, prereqs := range deps {
		if !known[task] {
			continue
		}
		var kept []string
		for _, p := range prereqs {
			if known[p] && p != task {
				kept = append(kept, p)
			}
		}
		if len(kept) > 0 {
			sort.Strings(kept)
			sanitized[task] = kept
		}
	}
	return sanitized
}

func sanitizeParallelGroups(groups [][]string, taskIDs []string) [][]string {
	known := make(map[string]bool, len(taskIDs))
	for _, id := range taskIDs {
		known[id] = true
	}

	var sanitized [][]string
	for _, group := range groups {
		var kept []string
		for _, id := range group {
			if known[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) > 1 {
			sanitized = append(sanitized, kept)
		}
	}
	return sanitized
}

// detectCycle runs Kahn's algorithm over the dependency relation. A
// cycle means the plan is not executable, which is an integrity fault.
func detectCycle(taskIDs []string, deps map[string][]string) error {
	indegree := make(map[string]int, len(taskIDs))
	successors := map[string][]string{}
	for _, id := range taskIDs {
		indegree[id] = 0
	}
	for task, prereqs := range deps {
		for _, p := range prereqs {
			indegree[task]++
			successors[p] = append(successors[p], task)
		}
	}

	var queue []string
	for _, id := range taskIDs {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range successors[current] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(taskIDs) {
		return models.NewIntegrityError("PLAN_CYCLE",
			fmt.Sprintf("dependency cycle detected: %d of %d tasks unreachable", len(taskIDs)-visited, len(taskIDs)))
	}
	return nil
}

// criticalPath returns the longest chain through the dependency DAG in
// execution order. Ties break toward the smaller task id so the result
// is deterministic. Call only after detectCycle passed.
func criticalPath(taskIDs []string, deps map[string][]string) []string {
	if len(taskIDs) == 0 {
		return nil
	}

	// Topological order via repeated minimum-id selection.
	indegree := make(map[string]int, len(taskIDs))
	successors := map[string][]string{}
	for _, id := range taskIDs {
		indegree[id] = 0
	}
	for task, prereqs := range deps {
		for _, p := range prereqs {
			indegree[task]++
			successors[p] = append(successors[p], task)
		}
	}

	var order []string
	ready := map[string]bool{}
	for _, id := range taskIDs {
		if indegree[id] == 0 {
			ready[id] = true
		}
	}
	for len(order) < len(taskIDs) {
		var pick string
		for _, id := range taskIDs {
			if ready[id] {
				pick = id
				break
			}
		}
		if pick == "" {
			break
		}
		delete(ready, pick)
		order = append(order, pick)
		for _, next := range successors[pick] {
			indegree[next]--
			if indegree[next] == 0 {
				ready[next] = true
			}
		}
	}

	// Longest path by chain length; predecessor links rebuild the path.
	length := map[string]int{}
	prev := map[string]string{}
	for _, id := range order {
		length[id] = 1
	}
	for _, id := range order {
		for _, p := range deps[id] {
			if length[p]+1 > length[id] {
				length[id] = length[p] + 1
				prev[id] = p
			}
		}
	}

	best := order[0]
	for _, id := range order {
		if length[id] > length[best] {
			best = id
		}
	}

	var path []string
	for current := best; current != ""; current = prev[current] {
		path = append([]string{current}, path...)
		if _, ok := prev[current]; !ok {
			break
		}
	}
	return path
}
