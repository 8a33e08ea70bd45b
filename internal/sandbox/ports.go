package sandbox

import "context"

// CreateConfig describes the sandbox to create.
type CreateConfig struct {
	SandboxID   string            // Requested identifier
	Intent      string            // The user's build intent
	IsMain      bool              // Main preview sandbox vs ephemeral build sandbox
	Credentials map[string]string // API keys and secrets injected into the environment
}

// Created is the runtime's answer to a creation request.
type Created struct {
	ID          string
	EndpointURL string
}

// TaskPayload is the unit of work handed to a sandbox runtime.
type TaskPayload struct {
	TaskID      string
	Name        string
	Description string
	Files       []string // Files the task is expected to write
}

// ExecResult is the outcome of executing one task inside a sandbox.
// Runtime failures are opaque strings; the orchestrator does not interpret
// them beyond success/failure.
type ExecResult struct {
	Success     bool
	Error       string
	CostUSD     float64
	ArtifactRef string // Reference handed to the verification swarm
}

// Runtime is the port to the external sandbox provider.
type Runtime interface {
	CreateSandbox(ctx context.Context, cfg CreateConfig) (Created, error)
	ExecuteTask(ctx context.Context, sandboxID string, payload TaskPayload) (ExecResult, error)
	// MergeInto integrates the given files from a build sandbox into the main
	// sandbox. This is the only write path into the main sandbox.
	MergeInto(ctx context.Context, mainID, fromID string, files []string) error
	Terminate(ctx context.Context, sandboxID string) error
}

// Issue is a blocking reason reported by the verification swarm. The
// orchestrator surfaces issues but never interprets them.
type Issue struct {
	Severity    string `json:"severity"`
	Description string `json:"description"`
}

// Verification is the scoring oracle's verdict on a unit of produced code.
type Verification struct {
	Score    float64 `json:"score"` // 0-100
	Passed   bool    `json:"passed"`
	Blockers []Issue `json:"blockers,omitempty"`
}

// Verifier is the port to the verification swarm.
type Verifier interface {
	Verify(ctx context.Context, artifactRef string) (Verification, error)
}

// Deployer is the port to the deployment target. Invoked once, at the very
// end, on the main sandbox only.
type Deployer interface {
	Deploy(ctx context.Context, sandboxURL, environment string) (url string, err error)
}
