package scheduler

import "time"

// TaskStatus represents the current state of a build task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for assignment
	TaskAssigned                    // Bound to a sandbox, waiting to run
	TaskBuilding                    // Currently executing in its sandbox
	TaskVerifying                   // Artifact submitted to the verification swarm
	TaskMerged                      // Approved and integrated into the main sandbox
	TaskFailed                      // Execution or verification failed
)

// String returns a human-readable status name.
func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskAssigned:
		return "assigned"
	case TaskBuilding:
		return "building"
	case TaskVerifying:
		return "verifying"
	case TaskMerged:
		return "merged"
	case TaskFailed:
		return "failed"
	}
	return "unknown"
}

// Task represents one independently buildable unit of the implementation plan.
// Tasks are created by the partitioner and mutated by the build loop; they are
// never deleted, so a finished build retains its full task history.
type Task struct {
	ID          string     // Unique identifier
	Name        string     // Human-readable name
	Group       string     // Phase/feature/component this task was cut from
	Description string     // What the task should build
	DependsOn   []string   // Task IDs that must be merged before this task builds
	Files       []string   // File paths this task is expected to write
	Priority    int        // Higher runs earlier within a parallel group
	SandboxID   string     // Assigned sandbox, empty until assignment
	Status      TaskStatus
	Score       float64    // Verification score, populated after verifying
	Error       error      // Failure reason if Status == TaskFailed
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Terminal reports whether the task has reached a final status.
func (t *Task) Terminal() bool {
	return t.Status == TaskMerged || t.Status == TaskFailed
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Files != nil {
		cp.Files = append([]string(nil), task.Files...)
	}
	return &cp
}
