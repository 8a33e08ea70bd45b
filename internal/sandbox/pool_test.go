package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
)

// fakeRuntime is a scriptable Runtime for pool tests.
type fakeRuntime struct {
	mu         sync.Mutex
	created    []string
	terminated []string
	failIDs    map[string]bool // SandboxID substrings whose creation fails
}

func (f *fakeRuntime) CreateSandbox(ctx context.Context, cfg CreateConfig) (Created, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for sub := range f.failIDs {
		if strings.Contains(cfg.SandboxID, sub) {
			return Created{}, errors.New("provider rejected sandbox")
		}
	}
	f.created = append(f.created, cfg.SandboxID)
	return Created{
		ID:          cfg.SandboxID,
		EndpointURL: fmt.Sprintf("https://%s.sandbox.test", cfg.SandboxID),
	}, nil
}

func (f *fakeRuntime) ExecuteTask(ctx context.Context, sandboxID string, payload TaskPayload) (ExecResult, error) {
	return ExecResult{Success: true}, nil
}

func (f *fakeRuntime) MergeInto(ctx context.Context, mainID, fromID string, files []string) error {
	return nil
}

func (f *fakeRuntime) Terminate(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, sandboxID)
	return nil
}

func TestPoolCreateMain(t *testing.T) {
	rt := &fakeRuntime{}
	pool := NewPool(rt, PoolConfig{})

	sb, err := pool.CreateMain(context.Background(), "b1", "todo app", nil)
	if err != nil {
		t.Fatalf("CreateMain: %v", err)
	}
	if sb.Role != RoleMain {
		t.Errorf("role = %v, want main", sb.Role)
	}
	if sb.ID != "b1-main" {
		t.Errorf("ID = %q, want b1-main", sb.ID)
	}
	if sb.Endpoint == "" {
		t.Error("main sandbox has no endpoint")
	}

	// A second main is rejected.
	if _, err := pool.CreateMain(context.Background(), "b1", "todo app", nil); err == nil {
		t.Error("second CreateMain succeeded, want error")
	}
}

// gatedRuntime holds CreateSandbox in flight until released.
type gatedRuntime struct {
	fakeRuntime
	entered chan string
	release chan struct{}
}

func (g *gatedRuntime) CreateSandbox(ctx context.Context, cfg CreateConfig) (Created, error) {
	g.entered <- cfg.SandboxID
	<-g.release
	return g.fakeRuntime.CreateSandbox(ctx, cfg)
}

// A CreateMain issued while another is still inside the runtime call must be
// rejected, not spawn a second main.
func TestPoolCreateMainConcurrent(t *testing.T) {
	rt := &gatedRuntime{entered: make(chan string, 1), release: make(chan struct{})}
	pool := NewPool(rt, PoolConfig{})

	done := make(chan error, 1)
	go func() {
		_, err := pool.CreateMain(context.Background(), "b1", "todo app", nil)
		done <- err
	}()
	<-rt.entered

	if _, err := pool.CreateMain(context.Background(), "b1", "todo app", nil); err == nil {
		t.Error("CreateMain succeeded while another was in flight")
	}

	close(rt.release)
	if err := <-done; err != nil {
		t.Fatalf("first CreateMain: %v", err)
	}
	if main := pool.Main(); main == nil || main.ID != "b1-main" {
		t.Errorf("main = %+v, want b1-main", main)
	}
}

// A failed creation releases the slot so the caller can retry.
func TestPoolCreateMainRetryAfterFailure(t *testing.T) {
	rt := &fakeRuntime{failIDs: map[string]bool{"main": true}}
	pool := NewPool(rt, PoolConfig{})

	if _, err := pool.CreateMain(context.Background(), "b1", "todo app", nil); err == nil {
		t.Fatal("CreateMain succeeded with a failing runtime")
	}
	rt.failIDs = nil
	if _, err := pool.CreateMain(context.Background(), "b1", "todo app", nil); err != nil {
		t.Fatalf("CreateMain after runtime recovery: %v", err)
	}
}

func TestPoolBuildCount(t *testing.T) {
	tests := []struct {
		name      string
		cfg       PoolConfig
		taskCount int
		want      int
	}{
		{"fewer tasks than max", PoolConfig{MaxParallel: 5}, 3, 3},
		{"more tasks than max", PoolConfig{MaxParallel: 5}, 12, 5},
		{"default max", PoolConfig{}, 99, DefaultMaxParallel},
		{"hard cap", PoolConfig{MaxParallel: 50}, 99, HardMaxParallel},
		{"tournament fixed count", PoolConfig{Tournament: true, Competitors: 3}, 10, 3},
		{"tournament default competitors", PoolConfig{Tournament: true}, 10, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewPool(&fakeRuntime{}, tt.cfg)
			if got := pool.BuildCount(tt.taskCount); got != tt.want {
				t.Errorf("BuildCount(%d) = %d, want %d", tt.taskCount, got, tt.want)
			}
		})
	}
}

func TestPoolSpawnBuildToleratesPartialFailure(t *testing.T) {
	rt := &fakeRuntime{failIDs: map[string]bool{"build-1": true}}
	pool := NewPool(rt, PoolConfig{MaxParallel: 3})

	sandboxes, err := pool.SpawnBuild(context.Background(), "b1", "intent", 3, nil)
	if err != nil {
		t.Fatalf("SpawnBuild: %v", err)
	}
	if len(sandboxes) != 2 {
		t.Fatalf("got %d sandboxes, want 2 (one creation failed)", len(sandboxes))
	}
	for _, sb := range sandboxes {
		if sb.Role != RoleBuild {
			t.Errorf("sandbox %q role = %v, want build", sb.ID, sb.Role)
		}
	}
}

func TestPoolSpawnBuildAllFailed(t *testing.T) {
	rt := &fakeRuntime{failIDs: map[string]bool{"build": true}}
	pool := NewPool(rt, PoolConfig{MaxParallel: 2})

	_, err := pool.SpawnBuild(context.Background(), "b1", "intent", 5, nil)
	if err == nil {
		t.Fatal("SpawnBuild succeeded with zero sandboxes created")
	}
}

func TestPoolAssignTasksRejectsMain(t *testing.T) {
	pool := NewPool(&fakeRuntime{}, PoolConfig{})
	main, err := pool.CreateMain(context.Background(), "b1", "intent", nil)
	if err != nil {
		t.Fatalf("CreateMain: %v", err)
	}

	if err := pool.AssignTasks(main.ID, []string{"t1"}); err == nil {
		t.Fatal("AssignTasks on main sandbox succeeded, want rejection")
	}

	// Main sandbox task list stays empty.
	got, _ := pool.Get(main.ID)
	if len(got.Tasks) != 0 {
		t.Errorf("main sandbox tasks = %v, want empty", got.Tasks)
	}
}

func TestPoolRespawnCarriesRemainingTasks(t *testing.T) {
	pool := NewPool(&fakeRuntime{}, PoolConfig{MaxParallel: 1})
	sandboxes, err := pool.SpawnBuild(context.Background(), "b1", "intent", 1, nil)
	if err != nil {
		t.Fatalf("SpawnBuild: %v", err)
	}
	failed := sandboxes[0]
	pool.SetStatus(failed.ID, StatusFailed, "runtime died")

	replacement, err := pool.Respawn(context.Background(), failed.ID, "intent", []string{"t2", "t3"}, nil)
	if err != nil {
		t.Fatalf("Respawn: %v", err)
	}
	if len(replacement.Tasks) != 2 {
		t.Errorf("replacement tasks = %v, want the 2 unmerged tasks", replacement.Tasks)
	}

	// The main sandbox is never a respawn candidate.
	main, _ := pool.CreateMain(context.Background(), "b1", "intent", nil)
	if _, err := pool.Respawn(context.Background(), main.ID, "intent", nil, nil); err == nil {
		t.Error("Respawn of main sandbox succeeded, want rejection")
	}
}

func TestPoolTerminateBuildsSparesMain(t *testing.T) {
	rt := &fakeRuntime{}
	pool := NewPool(rt, PoolConfig{MaxParallel: 2})
	pool.CreateMain(context.Background(), "b1", "intent", nil)
	pool.SpawnBuild(context.Background(), "b1", "intent", 2, nil)

	pool.TerminateBuilds(context.Background())

	for _, id := range rt.terminated {
		if strings.HasSuffix(id, "-main") {
			t.Errorf("main sandbox %q was terminated", id)
		}
	}
	if len(rt.terminated) != 2 {
		t.Errorf("terminated %v, want both build sandboxes", rt.terminated)
	}
}

func TestPoolCostAccounting(t *testing.T) {
	pool := NewPool(&fakeRuntime{}, PoolConfig{MaxParallel: 2})
	sandboxes, _ := pool.SpawnBuild(context.Background(), "b1", "intent", 2, nil)

	pool.AddCost(sandboxes[0].ID, 0.25)
	pool.AddCost(sandboxes[1].ID, 0.50)
	pool.AddCost(sandboxes[0].ID, 0.25)

	if got := pool.TotalCost(); got != 1.0 {
		t.Errorf("TotalCost = %v, want 1.0", got)
	}
}
