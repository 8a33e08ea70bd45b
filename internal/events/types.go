package events

import (
	"time"
)

// Event is the base interface for all progress events.
type Event interface {
	EventType() string
	BuildID() string
}

// Topic constants
const (
	TopicBuild   = "build"
	TopicTask    = "task"
	TopicSandbox = "sandbox"
	TopicMerge   = "merge"
)

// Event type constants. Names match what the downstream HTTP/SSE layer
// relays to users.
const (
	EventTypeStarted          = "started"
	EventTypeTasksPartitioned = "tasksPartitioned"
	EventTypeSandboxCreated   = "sandboxCreated"
	EventTypeTasksAssigned    = "tasksAssigned"
	EventTypeTaskStarted      = "taskStarted"
	EventTypeTaskCompleted    = "taskCompleted"
	EventTypeTaskFailed       = "taskFailed"
	EventTypeMergeQueued      = "mergeQueued"
	EventTypeMergeApproved    = "mergeApproved"
	EventTypeMergeRejected    = "mergeRejected"
	EventTypeSandboxCompleted = "sandboxCompleted"
	EventTypeSandboxFailed    = "sandboxFailed"
	EventTypeBudgetExceeded   = "budgetExceeded"
	EventTypeCompleted        = "completed"
	EventTypeFailed           = "failed"
)

// StartedEvent is published when an orchestration begins.
type StartedEvent struct {
	Build     string
	Intent    string
	Timestamp time.Time
}

func (e StartedEvent) EventType() string { return EventTypeStarted }
func (e StartedEvent) BuildID() string   { return e.Build }

// TasksPartitionedEvent is published after the plan is cut into tasks.
type TasksPartitionedEvent struct {
	Build     string
	TaskCount int
	Groups    int
	Strategy  string
	Warnings  []string
	Timestamp time.Time
}

func (e TasksPartitionedEvent) EventType() string { return EventTypeTasksPartitioned }
func (e TasksPartitionedEvent) BuildID() string   { return e.Build }

// SandboxCreatedEvent is published per created sandbox.
type SandboxCreatedEvent struct {
	Build     string
	SandboxID string
	Role      string // "main" or "build"
	Endpoint  string
	Timestamp time.Time
}

func (e SandboxCreatedEvent) EventType() string { return EventTypeSandboxCreated }
func (e SandboxCreatedEvent) BuildID() string   { return e.Build }

// TasksAssignedEvent is published once assignment is decided.
type TasksAssignedEvent struct {
	Build       string
	Assignments map[string][]string // SandboxID -> task IDs
	Tournament  bool
	Timestamp   time.Time
}

func (e TasksAssignedEvent) EventType() string { return EventTypeTasksAssigned }
func (e TasksAssignedEvent) BuildID() string   { return e.Build }

// TaskStartedEvent is published when a sandbox begins a task.
type TaskStartedEvent struct {
	Build     string
	SandboxID string
	TaskID    string
	TaskName  string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) BuildID() string   { return e.Build }

// TaskCompletedEvent is published when a task passes verification.
type TaskCompletedEvent struct {
	Build     string
	SandboxID string
	TaskID    string
	Score     float64
	CostUSD   float64
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) BuildID() string   { return e.Build }

// TaskFailedEvent is published when a task fails execution or verification.
type TaskFailedEvent struct {
	Build     string
	SandboxID string
	TaskID    string
	Err       error
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) BuildID() string   { return e.Build }

// MergeQueuedEvent is published when a verified task enters the merge queue.
type MergeQueuedEvent struct {
	Build     string
	ItemID    string
	TaskID    string
	SandboxID string
	Score     float64
	Timestamp time.Time
}

func (e MergeQueuedEvent) EventType() string { return EventTypeMergeQueued }
func (e MergeQueuedEvent) BuildID() string   { return e.Build }

// MergeApprovedEvent is published when an item clears the score gate and is
// merged into the main sandbox.
type MergeApprovedEvent struct {
	Build     string
	ItemID    string
	TaskID    string
	Score     float64
	Timestamp time.Time
}

func (e MergeApprovedEvent) EventType() string { return EventTypeMergeApproved }
func (e MergeApprovedEvent) BuildID() string   { return e.Build }

// MergeRejectedEvent is published when an item scores below the gate.
type MergeRejectedEvent struct {
	Build     string
	ItemID    string
	TaskID    string
	Score     float64
	Timestamp time.Time
}

func (e MergeRejectedEvent) EventType() string { return EventTypeMergeRejected }
func (e MergeRejectedEvent) BuildID() string   { return e.Build }

// SandboxCompletedEvent is published when a build sandbox finishes its task
// stream.
type SandboxCompletedEvent struct {
	Build     string
	SandboxID string
	CostUSD   float64
	Timestamp time.Time
}

func (e SandboxCompletedEvent) EventType() string { return EventTypeSandboxCompleted }
func (e SandboxCompletedEvent) BuildID() string   { return e.Build }

// SandboxFailedEvent is published when a build sandbox fails.
type SandboxFailedEvent struct {
	Build     string
	SandboxID string
	Reason    string
	Timestamp time.Time
}

func (e SandboxFailedEvent) EventType() string { return EventTypeSandboxFailed }
func (e SandboxFailedEvent) BuildID() string   { return e.Build }

// BudgetExceededEvent is published once when accumulated cost crosses the
// configured limit; no further tasks are dispatched after it.
type BudgetExceededEvent struct {
	Build     string
	CostUSD   float64
	LimitUSD  float64
	Timestamp time.Time
}

func (e BudgetExceededEvent) EventType() string { return EventTypeBudgetExceeded }
func (e BudgetExceededEvent) BuildID() string   { return e.Build }

// CompletedEvent is published when the whole orchestration succeeds.
type CompletedEvent struct {
	Build     string
	URL       string
	CostUSD   float64
	Duration  time.Duration
	Score     float64
	Timestamp time.Time
}

func (e CompletedEvent) EventType() string { return EventTypeCompleted }
func (e CompletedEvent) BuildID() string   { return e.Build }

// FailedEvent is published when the orchestration fails at any stage.
type FailedEvent struct {
	Build     string
	Stage     string
	Errs      []string
	CostUSD   float64
	Timestamp time.Time
}

func (e FailedEvent) EventType() string { return EventTypeFailed }
func (e FailedEvent) BuildID() string   { return e.Build }
