package config

const (
	// DefaultMaxParallel is the build sandbox count used when nothing is
	// configured. HardMaxParallel is the absolute cap regardless of config.
	DefaultMaxParallel = 5
	HardMaxParallel    = 20

	DefaultVerificationThreshold = 85.0
	DefaultTournamentCompetitors = 2
	DefaultDiscoveryPollSeconds  = 5
	DefaultContextTTLHours       = 24
)

// DefaultConfig returns the default build configuration.
func DefaultConfig() *BuildConfig {
	return &BuildConfig{
		MaxParallelSandboxes:  DefaultMaxParallel,
		TaskPartitionStrategy: "by-feature",
		TournamentCompetitors: DefaultTournamentCompetitors,
		RespawnOnFailure:      true,
		VerificationThreshold: DefaultVerificationThreshold,
		DiscoveryPollSeconds:  DefaultDiscoveryPollSeconds,
		ContextTTLHours:       DefaultContextTTLHours,
	}
}

// Normalize clamps out-of-range values back into their supported ranges.
func (c *BuildConfig) Normalize() {
	if c.MaxParallelSandboxes <= 0 {
		c.MaxParallelSandboxes = DefaultMaxParallel
	}
	if c.MaxParallelSandboxes > HardMaxParallel {
		c.MaxParallelSandboxes = HardMaxParallel
	}
	if c.TournamentCompetitors <= 0 {
		c.TournamentCompetitors = DefaultTournamentCompetitors
	}
	if c.VerificationThreshold <= 0 {
		c.VerificationThreshold = DefaultVerificationThreshold
	}
	if c.DiscoveryPollSeconds <= 0 {
		c.DiscoveryPollSeconds = DefaultDiscoveryPollSeconds
	}
	if c.ContextTTLHours <= 0 {
		c.ContextTTLHours = DefaultContextTTLHours
	}
}
