package scheduler

import "fmt"

// Partition splits an implementation plan into tasks according to the given
// strategy. The returned task list is self-consistent: every ID in a task's
// DependsOn set refers to a task in the same list. Dependencies on IDs the
// strategy did not materialize are an error, not silently dropped.
func Partition(plan *Plan, strategy PartitionStrategy) ([]*Task, error) {
	if plan == nil {
		return nil, fmt.Errorf("nil plan")
	}

	var tasks []*Task

	switch strategy {
	case ByPhase:
		for _, p := range plan.Phases {
			tasks = append(tasks, &Task{
				ID:        p.ID,
				Name:      p.Name,
				Group:     p.ID,
				DependsOn: append([]string(nil), p.DependsOn...),
				Files:     filesForPhase(plan, p),
				Priority:  p.Priority,
				Status:    TaskPending,
			})
		}
	case ByFeature:
		for _, f := range plan.Features {
			tasks = append(tasks, &Task{
				ID:          f.ID,
				Name:        f.Name,
				Group:       f.ID,
				Description: f.Description,
				DependsOn:   append([]string(nil), f.DependsOn...),
				Files:       append([]string(nil), f.Files...),
				Priority:    f.Priority,
				Status:      TaskPending,
			})
		}
	case ByComponent:
		for _, c := range plan.Components {
			tasks = append(tasks, &Task{
				ID:        c.ID,
				Name:      c.Name,
				Group:     c.ID,
				DependsOn: append([]string(nil), c.DependsOn...),
				Files:     append([]string(nil), c.Files...),
				Priority:  c.Priority,
				Status:    TaskPending,
			})
		}
	default:
		return nil, fmt.Errorf("unknown partition strategy %q", strategy)
	}

	// Fall back one level of granularity when the plan has nothing at the
	// requested level, matching how plans without phases are handled upstream.
	if len(tasks) == 0 && strategy == ByPhase {
		return Partition(plan, ByFeature)
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("plan produced no tasks for strategy %q", strategy)
	}

	// Self-consistency: every dependency must name a task in the output set.
	ids := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if ids[t.ID] {
			return nil, fmt.Errorf("duplicate task ID %q in plan", t.ID)
		}
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return nil, fmt.Errorf("task %q depends on %q, which is not in the partitioned set", t.ID, dep)
			}
		}
	}

	return tasks, nil
}

// filesForPhase collects the files of every feature listed in the phase.
func filesForPhase(plan *Plan, p Phase) []string {
	byID := make(map[string]Feature, len(plan.Features))
	for _, f := range plan.Features {
		byID[f.ID] = f
	}

	var files []string
	seen := make(map[string]bool)
	for _, fid := range p.Features {
		f, ok := byID[fid]
		if !ok {
			continue
		}
		for _, path := range f.Files {
			if !seen[path] {
				seen[path] = true
				files = append(files, path)
			}
		}
	}
	return files
}
