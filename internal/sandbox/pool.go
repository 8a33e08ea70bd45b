package sandbox

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	// DefaultMaxParallel is the default build sandbox ceiling.
	DefaultMaxParallel = 5
	// HardMaxParallel is the absolute ceiling regardless of configuration.
	HardMaxParallel = 20
)

// PoolConfig configures the sandbox pool.
type PoolConfig struct {
	MaxParallel int  // Max build sandboxes (default 5, capped at 20)
	Tournament  bool // All competitors build the full plan
	Competitors int  // Competitor count in tournament mode
}

// Pool creates and tracks the sandboxes of one build: exactly one persistent
// main sandbox plus up to MaxParallel ephemeral build sandboxes.
type Pool struct {
	runtime Runtime
	config  PoolConfig

	mu          sync.Mutex
	main        *Sandbox
	mainPending bool // A CreateMain call is in flight
	sandboxes   map[string]*Sandbox
}

// NewPool creates a pool backed by the given runtime.
func NewPool(runtime Runtime, cfg PoolConfig) *Pool {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = DefaultMaxParallel
	}
	if cfg.MaxParallel > HardMaxParallel {
		cfg.MaxParallel = HardMaxParallel
	}
	if cfg.Tournament && cfg.Competitors <= 0 {
		cfg.Competitors = 2
	}

	return &Pool{
		runtime:   runtime,
		config:    cfg,
		sandboxes: make(map[string]*Sandbox),
	}
}

// CreateMain creates the single persistent preview sandbox. It never receives
// task assignments; it only receives merges.
func (p *Pool) CreateMain(ctx context.Context, buildID, intent string, credentials map[string]string) (*Sandbox, error) {
	// Reserve the main slot before the runtime call so a concurrent
	// CreateMain cannot slip past the check while this one is in flight.
	p.mu.Lock()
	if p.main != nil || p.mainPending {
		p.mu.Unlock()
		return nil, fmt.Errorf("main sandbox already exists for this build")
	}
	p.mainPending = true
	p.mu.Unlock()

	created, err := p.runtime.CreateSandbox(ctx, CreateConfig{
		SandboxID:   fmt.Sprintf("%s-main", buildID),
		Intent:      intent,
		IsMain:      true,
		Credentials: credentials,
	})
	if err != nil {
		p.mu.Lock()
		p.mainPending = false
		p.mu.Unlock()
		return nil, fmt.Errorf("creating main sandbox: %w", err)
	}

	sb := &Sandbox{
		ID:        created.ID,
		Role:      RoleMain,
		Endpoint:  created.EndpointURL,
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	p.mu.Lock()
	p.main = sb
	p.mainPending = false
	p.sandboxes[sb.ID] = sb
	p.mu.Unlock()

	return cloneSandbox(sb), nil
}

// BuildCount returns how many build sandboxes a spawn will attempt for the
// given task count: min(MaxParallel, taskCount), or the fixed competitor
// count in tournament mode.
func (p *Pool) BuildCount(taskCount int) int {
	if p.config.Tournament {
		return p.config.Competitors
	}
	if taskCount < p.config.MaxParallel {
		return taskCount
	}
	return p.config.MaxParallel
}

// SpawnBuild creates build sandboxes in parallel. Individual creation
// failures are logged and tolerated; the error is non-nil only when not a
// single sandbox could be created.
func (p *Pool) SpawnBuild(ctx context.Context, buildID, intent string, taskCount int, credentials map[string]string) ([]*Sandbox, error) {
	count := p.BuildCount(taskCount)
	if count <= 0 {
		return nil, fmt.Errorf("no build sandboxes to spawn (task count %d)", taskCount)
	}

	created := make([]*Sandbox, count)
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < count; i++ {
		g.Go(func() error {
			res, err := p.runtime.CreateSandbox(gctx, CreateConfig{
				SandboxID:   fmt.Sprintf("%s-build-%d", buildID, i),
				Intent:      intent,
				IsMain:      false,
				Credentials: credentials,
			})
			if err != nil {
				// Tolerated: the build proceeds with the surviving subset.
				log.Printf("WARNING: failed to create build sandbox %d: %v", i, err)
				return nil
			}
			created[i] = &Sandbox{
				ID:        res.ID,
				Role:      RoleBuild,
				Endpoint:  res.EndpointURL,
				Status:    StatusRunning,
				StartedAt: time.Now(),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var alive []*Sandbox
	p.mu.Lock()
	for _, sb := range created {
		if sb == nil {
			continue
		}
		p.sandboxes[sb.ID] = sb
		alive = append(alive, cloneSandbox(sb))
	}
	p.mu.Unlock()

	if len(alive) == 0 {
		return nil, fmt.Errorf("all %d build sandbox creations failed", count)
	}
	return alive, nil
}

// Respawn creates a replacement build sandbox after a failure, carrying the
// failed sandbox's remaining unmerged tasks.
func (p *Pool) Respawn(ctx context.Context, failedID, intent string, remainingTasks []string, credentials map[string]string) (*Sandbox, error) {
	p.mu.Lock()
	failed, ok := p.sandboxes[failedID]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("sandbox %q not found", failedID)
	}
	if failed.Role == RoleMain {
		return nil, fmt.Errorf("main sandbox is never respawned")
	}

	res, err := p.runtime.CreateSandbox(ctx, CreateConfig{
		SandboxID:   fmt.Sprintf("%s-respawn", failedID),
		Intent:      intent,
		IsMain:      false,
		Credentials: credentials,
	})
	if err != nil {
		return nil, fmt.Errorf("respawning sandbox %q: %w", failedID, err)
	}

	sb := &Sandbox{
		ID:        res.ID,
		Role:      RoleBuild,
		Endpoint:  res.EndpointURL,
		Tasks:     append([]string(nil), remainingTasks...),
		Status:    StatusRunning,
		StartedAt: time.Now(),
	}

	p.mu.Lock()
	p.sandboxes[sb.ID] = sb
	p.mu.Unlock()

	return cloneSandbox(sb), nil
}

// AssignTasks records the task list for a build sandbox. Assigning tasks to
// the main sandbox is rejected: it must always be previewable, so it only
// ever receives merges.
func (p *Pool) AssignTasks(sandboxID string, taskIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return fmt.Errorf("sandbox %q not found", sandboxID)
	}
	if sb.Role == RoleMain {
		return fmt.Errorf("main sandbox %q cannot be assigned build tasks", sandboxID)
	}

	sb.Tasks = append([]string(nil), taskIDs...)
	return nil
}

// SetStatus updates a sandbox's lifecycle status. A failure reason may be
// supplied when moving to StatusFailed.
func (p *Pool) SetStatus(sandboxID string, status Status, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return fmt.Errorf("sandbox %q not found", sandboxID)
	}

	sb.Status = status
	if status == StatusFailed {
		sb.FailureReason = reason
	}
	if status == StatusCompleted || status == StatusFailed {
		sb.EndedAt = time.Now()
	}
	return nil
}

// AddCost accumulates execution cost on a sandbox.
func (p *Pool) AddCost(sandboxID string, usd float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if sb, ok := p.sandboxes[sandboxID]; ok {
		sb.CostUSD += usd
	}
}

// TotalCost returns the cost accumulated across all sandboxes.
func (p *Pool) TotalCost() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var total float64
	for _, sb := range p.sandboxes {
		total += sb.CostUSD
	}
	return total
}

// Main returns the main sandbox, or nil before CreateMain.
func (p *Pool) Main() *Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneSandbox(p.main)
}

// Get returns a sandbox by ID.
func (p *Pool) Get(sandboxID string) (*Sandbox, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	sb, ok := p.sandboxes[sandboxID]
	if !ok {
		return nil, false
	}
	return cloneSandbox(sb), true
}

// BuildSandboxes returns all build sandboxes.
func (p *Pool) BuildSandboxes() []*Sandbox {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Sandbox
	for _, sb := range p.sandboxes {
		if sb.Role == RoleBuild {
			out = append(out, cloneSandbox(sb))
		}
	}
	return out
}

// TerminateBuilds tears down every build sandbox. The main sandbox is left
// running so it can be handed to deployment. Termination failures are logged,
// not propagated: teardown must not mask the build result.
func (p *Pool) TerminateBuilds(ctx context.Context) {
	for _, sb := range p.BuildSandboxes() {
		if err := p.runtime.Terminate(ctx, sb.ID); err != nil {
			log.Printf("WARNING: failed to terminate sandbox %q: %v", sb.ID, err)
		}
	}
}
