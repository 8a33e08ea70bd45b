package scheduler

// Plan is the implementation plan the orchestrator receives from the planning
// layer. Phases, features, and components carry their own dependency edges;
// the partition strategy decides which level becomes the task granularity.
type Plan struct {
	Phases     []Phase     `json:"phases,omitempty"`
	Features   []Feature   `json:"features,omitempty"`
	Components []Component `json:"components,omitempty"`
}

// Phase is a coarse stage of the build (e.g. "scaffolding", "auth", "polish").
type Phase struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Features  []string `json:"features,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Priority  int      `json:"priority,omitempty"`
}

// Feature is one user-facing capability.
type Feature struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Files       []string `json:"files,omitempty"`
	DependsOn   []string `json:"dependsOn,omitempty"`
	Priority    int      `json:"priority,omitempty"`
}

// Component is a code-level unit (a service, a page, a shared module).
type Component struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Files     []string `json:"files,omitempty"`
	DependsOn []string `json:"dependsOn,omitempty"`
	Priority  int      `json:"priority,omitempty"`
}

// PartitionStrategy selects the grouping granularity for partitioning.
// It changes only how the plan is cut into tasks, never dependency semantics.
type PartitionStrategy string

const (
	ByPhase     PartitionStrategy = "by-phase"
	ByFeature   PartitionStrategy = "by-feature"
	ByComponent PartitionStrategy = "by-component"
)
