package config

// BuildConfig is the top-level configuration for a build run.
type BuildConfig struct {
	// MaxParallelSandboxes caps the number of concurrent build sandboxes.
	MaxParallelSandboxes int `json:"maxParallelSandboxes"`

	// TaskPartitionStrategy selects how a plan is cut into tasks:
	// "by-phase", "by-feature", or "by-component".
	TaskPartitionStrategy string `json:"taskPartitionStrategy"`

	// TournamentMode runs every task in multiple competing sandboxes and
	// merges only the winner's output.
	TournamentMode        bool `json:"tournamentMode"`
	TournamentCompetitors int  `json:"tournamentCompetitors"`

	// BudgetLimitUSD aborts the build once the summed sandbox cost crosses
	// it. Zero means unlimited.
	BudgetLimitUSD float64 `json:"budgetLimitUsd"`

	// TimeoutHours aborts the build after this wall-clock duration. Zero
	// means no timeout.
	TimeoutHours float64 `json:"timeoutHours"`

	// RespawnOnFailure replaces a failed build sandbox once, handing the
	// replacement the failed sandbox's remaining tasks.
	RespawnOnFailure bool `json:"respawnOnFailure"`

	// VerificationThreshold is the minimum score a task's output needs to
	// enter the main sandbox.
	VerificationThreshold float64 `json:"verificationThreshold"`

	// DiscoveryPollSeconds is how often build loops poll the shared context
	// for new discoveries.
	DiscoveryPollSeconds int `json:"discoveryPollSeconds"`

	// ContextTTLHours is how long a persisted shared context survives before
	// cleanup.
	ContextTTLHours int `json:"contextTtlHours"`
}
