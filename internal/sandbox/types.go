package sandbox

import "time"

// Role distinguishes the single persistent preview sandbox from the
// ephemeral build sandboxes.
type Role int

const (
	RoleMain  Role = iota // Persistent, receives merges only, never builds
	RoleBuild             // Ephemeral, executes and verifies tasks
)

// String returns the role name.
func (r Role) String() string {
	if r == RoleMain {
		return "main"
	}
	return "build"
}

// Status represents a sandbox's lifecycle state.
type Status int

const (
	StatusCreating Status = iota
	StatusRunning
	StatusBuilding
	StatusVerifying
	StatusMerging
	StatusCompleted
	StatusFailed
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusCreating:
		return "creating"
	case StatusRunning:
		return "running"
	case StatusBuilding:
		return "building"
	case StatusVerifying:
		return "verifying"
	case StatusMerging:
		return "merging"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Sandbox is a running or historical execution environment.
type Sandbox struct {
	ID            string    // Unique identifier (e.g. "build-3f2a-build-0")
	Role          Role
	Endpoint      string    // Reachable URL of the running environment
	Tasks         []string  // Assigned task IDs, always empty for the main sandbox
	Status        Status
	CostUSD       float64   // Accumulated execution cost
	StartedAt     time.Time
	EndedAt       time.Time
	FailureReason string    // Populated when Status == StatusFailed
}

func cloneSandbox(sb *Sandbox) *Sandbox {
	if sb == nil {
		return nil
	}
	cp := *sb
	if sb.Tasks != nil {
		cp.Tasks = append([]string(nil), sb.Tasks...)
	}
	return &cp
}
