package scheduler

import (
	"reflect"
	"sort"
	"testing"
)

func TestParallelGroupsDiamond(t *testing.T) {
	tasks := []*Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"A"}},
		{ID: "D", DependsOn: []string{"B", "C"}},
	}

	result := ParallelGroups(tasks)

	want := [][]string{{"A"}, {"B", "C"}, {"D"}}
	if !reflect.DeepEqual(result.Groups, want) {
		t.Errorf("Groups = %v, want %v", result.Groups, want)
	}
	if len(result.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", result.Warnings)
	}
	if len(result.CriticalPath) != 3 {
		t.Errorf("CriticalPath = %v, want length 3 (A->B|C->D)", result.CriticalPath)
	}
}

func TestParallelGroupsPriorityOrder(t *testing.T) {
	tasks := []*Task{
		{ID: "low", Priority: 1},
		{ID: "high", Priority: 10},
		{ID: "mid", Priority: 5},
	}

	result := ParallelGroups(tasks)

	want := [][]string{{"high", "mid", "low"}}
	if !reflect.DeepEqual(result.Groups, want) {
		t.Errorf("Groups = %v, want %v", result.Groups, want)
	}
}

// TestParallelGroupsCycle verifies grouping terminates on a cyclic plan,
// forcing the cyclic remainder into one final group with a warning.
func TestParallelGroupsCycle(t *testing.T) {
	tasks := []*Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"C"}},
		{ID: "C", DependsOn: []string{"B"}},
	}

	result := ParallelGroups(tasks)

	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v, want exactly one cycle warning", result.Warnings)
	}
	if len(result.Groups) != 2 {
		t.Fatalf("Groups = %v, want 2 groups (A, then forced B+C)", result.Groups)
	}

	// Every task must appear in some group.
	seen := make(map[string]bool)
	for _, group := range result.Groups {
		for _, id := range group {
			seen[id] = true
		}
	}
	for _, task := range tasks {
		if !seen[task.ID] {
			t.Errorf("task %q missing from groups", task.ID)
		}
	}

	sort.Strings(result.Forced)
	if !reflect.DeepEqual(result.Forced, []string{"B", "C"}) {
		t.Errorf("Forced = %v, want [B C]", result.Forced)
	}
}

func TestParallelGroupsIndependentFeatures(t *testing.T) {
	tasks := []*Task{
		{ID: "feat-1"},
		{ID: "feat-2"},
		{ID: "feat-3"},
	}

	result := ParallelGroups(tasks)

	if len(result.Groups) != 1 || len(result.Groups[0]) != 3 {
		t.Errorf("Groups = %v, want one group of 3", result.Groups)
	}
	if len(result.CriticalPath) != 1 {
		t.Errorf("CriticalPath = %v, want length 1", result.CriticalPath)
	}
}

func TestCriticalPathLongestChain(t *testing.T) {
	// Chain A->B->C plus a short branch A->X.
	tasks := []*Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "X", DependsOn: []string{"A"}},
	}

	result := ParallelGroups(tasks)

	want := []string{"A", "B", "C"}
	if !reflect.DeepEqual(result.CriticalPath, want) {
		t.Errorf("CriticalPath = %v, want %v", result.CriticalPath, want)
	}
}

func TestParallelGroupsEmpty(t *testing.T) {
	result := ParallelGroups(nil)
	if len(result.Groups) != 0 || len(result.CriticalPath) != 0 {
		t.Errorf("empty input produced %+v", result)
	}
}
