package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxParallelSandboxes != DefaultMaxParallel {
		t.Errorf("MaxParallelSandboxes = %d, want %d", cfg.MaxParallelSandboxes, DefaultMaxParallel)
	}
	if cfg.TaskPartitionStrategy != "by-feature" {
		t.Errorf("TaskPartitionStrategy = %q, want by-feature", cfg.TaskPartitionStrategy)
	}
	if cfg.VerificationThreshold != DefaultVerificationThreshold {
		t.Errorf("VerificationThreshold = %v, want %v", cfg.VerificationThreshold, DefaultVerificationThreshold)
	}
	if !cfg.RespawnOnFailure {
		t.Error("RespawnOnFailure should default to true")
	}
}

func TestLoadMissingFilesNotErrors(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("Load with missing files: %v", err)
	}
	if cfg.MaxParallelSandboxes != DefaultMaxParallel {
		t.Errorf("MaxParallelSandboxes = %d, want default", cfg.MaxParallelSandboxes)
	}
}

func TestLoadMalformedJSON(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", "{not json")

	if _, err := Load(path, ""); err == nil {
		t.Fatal("Load should fail on malformed JSON")
	}
}

func TestLoadProjectOverridesGlobal(t *testing.T) {
	dir := t.TempDir()
	global := writeConfig(t, dir, "global.json", `{
		"maxParallelSandboxes": 3,
		"taskPartitionStrategy": "by-phase",
		"budgetLimitUsd": 50
	}`)
	project := writeConfig(t, dir, "project.json", `{
		"maxParallelSandboxes": 8
	}`)

	cfg, err := Load(global, project)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MaxParallelSandboxes != 8 {
		t.Errorf("MaxParallelSandboxes = %d, want project value 8", cfg.MaxParallelSandboxes)
	}
	// Fields absent from the project file keep the global values.
	if cfg.TaskPartitionStrategy != "by-phase" {
		t.Errorf("TaskPartitionStrategy = %q, want by-phase from global", cfg.TaskPartitionStrategy)
	}
	if cfg.BudgetLimitUSD != 50 {
		t.Errorf("BudgetLimitUSD = %v, want 50 from global", cfg.BudgetLimitUSD)
	}
}

func TestNormalizeClamps(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{name: "zero gets default", in: 0, want: DefaultMaxParallel},
		{name: "negative gets default", in: -2, want: DefaultMaxParallel},
		{name: "in range unchanged", in: 12, want: 12},
		{name: "above hard cap clamped", in: 50, want: HardMaxParallel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxParallelSandboxes = tt.in
			cfg.Normalize()
			if cfg.MaxParallelSandboxes != tt.want {
				t.Errorf("MaxParallelSandboxes = %d, want %d", cfg.MaxParallelSandboxes, tt.want)
			}
		})
	}
}

func TestLoadClampsConfiguredValues(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "config.json", `{"maxParallelSandboxes": 100, "verificationThreshold": -1}`)

	cfg, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxParallelSandboxes != HardMaxParallel {
		t.Errorf("MaxParallelSandboxes = %d, want clamped to %d", cfg.MaxParallelSandboxes, HardMaxParallel)
	}
	if cfg.VerificationThreshold != DefaultVerificationThreshold {
		t.Errorf("VerificationThreshold = %v, want default", cfg.VerificationThreshold)
	}
}
