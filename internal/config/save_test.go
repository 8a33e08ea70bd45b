package config

import (
	"path/filepath"
	"testing"
)

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.json")

	cfg := DefaultConfig()
	cfg.MaxParallelSandboxes = 7
	cfg.TournamentMode = true
	cfg.BudgetLimitUSD = 25.5

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.MaxParallelSandboxes != 7 {
		t.Errorf("MaxParallelSandboxes = %d, want 7", loaded.MaxParallelSandboxes)
	}
	if !loaded.TournamentMode {
		t.Error("TournamentMode should survive the round trip")
	}
	if loaded.BudgetLimitUSD != 25.5 {
		t.Errorf("BudgetLimitUSD = %v, want 25.5", loaded.BudgetLimitUSD)
	}
}
