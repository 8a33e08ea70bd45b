package scheduler

import (
	"log"
	"sort"
)

// GroupResult is the output of parallel grouping: a sequence of groups whose
// members can run concurrently, plus the critical path through the graph.
type GroupResult struct {
	Groups       [][]string // Task IDs per group, dependency-ordered
	CriticalPath []string   // Longest dependency chain, root first
	Warnings     []string   // Non-fatal degradations (e.g. a forced final group)
	Forced       []string   // Tasks forced into the final group by a cycle
}

// ParallelGroups layers tasks into dependency-ordered groups. Each group
// contains only tasks whose dependencies are satisfied by earlier groups;
// within a group, tasks sort by descending priority.
//
// If no task can be layered but tasks remain, the remainder contains a cycle.
// The remainder is forced into one final group and a warning is recorded.
// This keeps partitioning terminating on malformed plans at the price of
// ignoring the ordering inside the cyclic remainder.
func ParallelGroups(tasks []*Task) GroupResult {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	var result GroupResult
	completed := make(map[string]bool, len(tasks))
	remaining := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		remaining[t.ID] = true
	}

	for len(remaining) > 0 {
		var group []string
		for id := range remaining {
			ready := true
			for _, dep := range byID[id].DependsOn {
				// Dependencies outside the task set cannot complete; treat
				// them as satisfied so one bad edge does not wedge the layer.
				if _, known := byID[dep]; known && !completed[dep] {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, id)
			}
		}

		if len(group) == 0 {
			// Cycle: nothing became ready. Force the remainder into a final
			// group so grouping terminates.
			for id := range remaining {
				group = append(group, id)
			}
			sortGroup(group, byID)
			result.Groups = append(result.Groups, group)
			result.Forced = append(result.Forced, group...)
			warning := "dependency cycle detected: remaining tasks forced into a single final group"
			result.Warnings = append(result.Warnings, warning)
			log.Printf("WARNING: %s (%d tasks)", warning, len(group))
			break
		}

		sortGroup(group, byID)
		result.Groups = append(result.Groups, group)
		for _, id := range group {
			completed[id] = true
			delete(remaining, id)
		}
	}

	result.CriticalPath = criticalPath(tasks, byID)
	return result
}

// sortGroup orders a group by descending priority, then by ID for stability.
func sortGroup(group []string, byID map[string]*Task) {
	sort.Slice(group, func(i, j int) bool {
		a, b := byID[group[i]], byID[group[j]]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
}

// criticalPath returns the longest dependency chain via memoized longest-path
// search. Assumes cycles never reach this stage; visiting guards make the
// search terminate anyway if they do, treating the cyclic edge as depth zero.
func criticalPath(tasks []*Task, byID map[string]*Task) []string {
	memo := make(map[string][]string, len(tasks))
	visiting := make(map[string]bool)

	var longestTo func(id string) []string
	longestTo = func(id string) []string {
		if path, ok := memo[id]; ok {
			return path
		}
		if visiting[id] {
			return nil
		}
		visiting[id] = true
		defer delete(visiting, id)

		var best []string
		for _, dep := range byID[id].DependsOn {
			if _, known := byID[dep]; !known {
				continue
			}
			if path := longestTo(dep); len(path) > len(best) {
				best = path
			}
		}

		path := make([]string, 0, len(best)+1)
		path = append(path, best...)
		path = append(path, id)
		memo[id] = path
		return path
	}

	var best []string
	for _, t := range tasks {
		if path := longestTo(t.ID); len(path) > len(best) {
			best = path
		}
	}
	return best
}
