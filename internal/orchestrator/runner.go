// Package orchestrator drives a whole build: partition the plan, create the
// sandbox pool, run per-sandbox build loops against the shared context, gate
// everything through the merge queue, and finish with intent verification and
// deployment of the main sandbox.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kriptik-ai/forge/internal/config"
	"github.com/kriptik-ai/forge/internal/events"
	"github.com/kriptik-ai/forge/internal/merge"
	"github.com/kriptik-ai/forge/internal/sandbox"
	"github.com/kriptik-ai/forge/internal/scheduler"
	"github.com/kriptik-ai/forge/internal/sharedctx"
)

// State is the orchestration state machine's current stage.
type State string

const (
	StateIdle               State = "idle"
	StatePartitioning       State = "partitioning"
	StateCreatingSandboxes  State = "creating-sandboxes"
	StateContextInit        State = "context-init"
	StateSpawning           State = "spawning"
	StateAssigning          State = "assigning"
	StateBuilding           State = "building"
	StateMerging            State = "merging"
	StateIntentVerification State = "intent-verification"
	StateDeploying          State = "deploying"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
)

// Result is the structured outcome of one orchestration. Callers branch on
// Success; failures never escape as panics.
type Result struct {
	Success    bool     `json:"success"`
	URL        string   `json:"url,omitempty"`
	DurationMs int64    `json:"durationMs"`
	Duration   string   `json:"duration"`
	CostUSD    float64  `json:"costUsd"`
	Errors     []string `json:"errors,omitempty"`
	Score      float64  `json:"score,omitempty"`
}

// Orchestrator runs at most one build at a time. Construct one per consumer;
// nothing here is process-global.
type Orchestrator struct {
	cfg      *config.BuildConfig
	store    sharedctx.Store
	runtime  sandbox.Runtime
	verifier sandbox.Verifier
	deployer sandbox.Deployer
	bus      *events.EventBus
	breakers *CircuitBreakerRegistry
	retryCfg RetryConfig

	mu      sync.Mutex
	state   State
	running bool
	active  *run
}

// New creates an orchestrator. A nil cfg gets the defaults.
func New(cfg *config.BuildConfig, store sharedctx.Store, runtime sandbox.Runtime, verifier sandbox.Verifier, deployer sandbox.Deployer, bus *events.EventBus) *Orchestrator {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.Normalize()
	return &Orchestrator{
		cfg:      cfg,
		store:    store,
		runtime:  runtime,
		verifier: verifier,
		deployer: deployer,
		bus:      bus,
		breakers: NewCircuitBreakerRegistry(),
		retryCfg: DefaultRetryConfig(),
		state:    StateIdle,
	}
}

// State returns the current stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Cancel stops the active orchestration cooperatively: every build loop
// checks the running flag at its next task boundary and exits.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		o.active.running.Store(false)
	}
}

// run holds per-build state so the orchestrator itself stays reusable.
type run struct {
	cfg      *config.BuildConfig
	bus      *events.EventBus
	buildID  string
	intent   string
	creds    map[string]string
	start    time.Time
	deadline time.Time // zero when no timeout is configured
	running  atomic.Bool

	dag    *scheduler.DAG
	pool   *sandbox.Pool
	shared *sharedctx.Manager
	proc   *merge.Processor

	budgetOnce sync.Once
	mergeMu    sync.Mutex

	errsMu sync.Mutex
	errs   []string
}

func (r *run) addError(err error) {
	r.errsMu.Lock()
	r.errs = append(r.errs, err.Error())
	r.errsMu.Unlock()
}

func (r *run) cost() float64 {
	if r.pool == nil {
		return 0
	}
	return r.pool.TotalCost()
}

// Orchestrate runs one full build. It rejects re-entrant calls; everything
// else is reported through the Result, never an error.
func (o *Orchestrator) Orchestrate(ctx context.Context, intent string, plan *scheduler.Plan, credentials map[string]string) (*Result, error) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, errors.New("an orchestration is already running on this instance")
	}
	r := &run{
		cfg:     o.cfg,
		bus:     o.bus,
		buildID: uuid.NewString(),
		intent:  intent,
		creds:   credentials,
		start:   time.Now(),
	}
	r.running.Store(true)
	o.running = true
	o.active = r
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.active = nil
		o.mu.Unlock()
	}()

	return o.execute(ctx, r, plan), nil
}

func (o *Orchestrator) execute(ctx context.Context, r *run, plan *scheduler.Plan) *Result {
	if r.cfg.TimeoutHours > 0 {
		r.deadline = r.start.Add(time.Duration(r.cfg.TimeoutHours * float64(time.Hour)))
	}
	o.bus.Publish(events.TopicBuild, events.StartedEvent{
		Build:     r.buildID,
		Intent:    r.intent,
		Timestamp: time.Now(),
	})

	// Cleanup runs no matter where the build stops: ephemeral sandboxes are
	// torn down and the context store entry is deleted.
	defer func() {
		if r.pool != nil {
			r.pool.TerminateBuilds(context.Background())
		}
		if r.shared != nil {
			if err := r.shared.Cleanup(context.Background()); err != nil {
				log.Printf("context store cleanup for build %s: %v", r.buildID, err)
			}
		}
	}()

	// Partitioning.
	o.setState(StatePartitioning)
	tasks, err := scheduler.Partition(plan, scheduler.PartitionStrategy(r.cfg.TaskPartitionStrategy))
	if err != nil {
		return o.fail(r, StatePartitioning, err)
	}
	groups := scheduler.ParallelGroups(tasks)
	pruneForcedDeps(tasks, groups.Forced)
	dag, err := scheduler.NewDAGFromTasks(tasks)
	if err != nil {
		return o.fail(r, StatePartitioning, err)
	}
	r.dag = dag
	o.bus.Publish(events.TopicBuild, events.TasksPartitionedEvent{
		Build:     r.buildID,
		TaskCount: len(tasks),
		Groups:    len(groups.Groups),
		Strategy:  r.cfg.TaskPartitionStrategy,
		Warnings:  groups.Warnings,
		Timestamp: time.Now(),
	})

	// Main sandbox.
	o.setState(StateCreatingSandboxes)
	r.pool = sandbox.NewPool(o.runtime, sandbox.PoolConfig{
		MaxParallel: r.cfg.MaxParallelSandboxes,
		Tournament:  r.cfg.TournamentMode,
		Competitors: r.cfg.TournamentCompetitors,
	})
	main, err := r.pool.CreateMain(ctx, r.buildID, r.intent, r.creds)
	if err != nil {
		return o.fail(r, StateCreatingSandboxes, err)
	}
	o.publishSandboxCreated(r, main)

	// Shared context.
	o.setState(StateContextInit)
	shared, err := sharedctx.NewManager(ctx, o.store, r.buildID, r.intent, time.Duration(r.cfg.ContextTTLHours)*time.Hour)
	if err != nil {
		return o.fail(r, StateContextInit, err)
	}
	r.shared = shared
	r.proc = merge.NewProcessor(shared, o.runtime, o.bus, main.ID, r.cfg.VerificationThreshold)

	// Build sandboxes. Creation failures are tolerated per sandbox; only an
	// empty pool is fatal.
	o.setState(StateSpawning)
	builds, err := r.pool.SpawnBuild(ctx, r.buildID, r.intent, len(tasks), r.creds)
	if err != nil {
		return o.fail(r, StateSpawning, err)
	}
	for _, sb := range builds {
		o.publishSandboxCreated(r, sb)
	}

	// Assignment is one-shot; no rebalancing mid-build.
	o.setState(StateAssigning)
	ordered := flattenGroups(groups.Groups)
	var assignments map[string][]string
	if r.cfg.TournamentMode {
		assignments = tournamentAssign(ordered, builds)
	} else {
		assignments = roundRobin(ordered, builds)
	}
	for sbID, ids := range assignments {
		if err := r.pool.AssignTasks(sbID, ids); err != nil {
			return o.fail(r, StateAssigning, err)
		}
		if !r.cfg.TournamentMode {
			for _, id := range ids {
				if err := r.dag.Assign(id, sbID); err != nil {
					return o.fail(r, StateAssigning, err)
				}
			}
		}
	}
	o.bus.Publish(events.TopicBuild, events.TasksAssignedEvent{
		Build:       r.buildID,
		Assignments: assignments,
		Tournament:  r.cfg.TournamentMode,
		Timestamp:   time.Now(),
	})

	// Building.
	o.setState(StateBuilding)
	if r.cfg.TournamentMode {
		err = o.runTournament(ctx, r, assignments, ordered)
	} else {
		err = o.runParallel(ctx, r, assignments)
	}
	if err != nil {
		return o.fail(r, StateBuilding, err)
	}

	// Final merge drain; in normal mode items merge incrementally and this
	// pass is usually a no-op.
	o.setState(StateMerging)
	if err := r.drainMerges(ctx); err != nil {
		return o.fail(r, StateMerging, err)
	}

	// Intent satisfaction: global correctness supersedes per-task success.
	o.setState(StateIntentVerification)
	verdict, err := verifyWithRetry(ctx, o.verifier, o.breakers.Get("verifier"), o.retryCfg, main.Endpoint)
	if err != nil {
		return o.fail(r, StateIntentVerification, fmt.Errorf("intent verification: %w", err))
	}
	if !verdict.Passed || verdict.Score < r.cfg.VerificationThreshold {
		err := fmt.Errorf("intent not satisfied: score %.0f, threshold %.0f (%d blockers)",
			verdict.Score, r.cfg.VerificationThreshold, len(verdict.Blockers))
		for _, b := range verdict.Blockers {
			r.addError(fmt.Errorf("blocker [%s]: %s", b.Severity, b.Description))
		}
		res := o.fail(r, StateIntentVerification, err)
		res.Score = verdict.Score
		return res
	}

	// Deployment: once, main sandbox only.
	o.setState(StateDeploying)
	url, err := o.deployer.Deploy(ctx, main.Endpoint, "production")
	if err != nil {
		return o.fail(r, StateDeploying, fmt.Errorf("deploying main sandbox: %w", err))
	}

	o.setState(StateCompleted)
	elapsed := time.Since(r.start)
	o.bus.Publish(events.TopicBuild, events.CompletedEvent{
		Build:     r.buildID,
		URL:       url,
		CostUSD:   r.cost(),
		Duration:  elapsed,
		Score:     verdict.Score,
		Timestamp: time.Now(),
	})
	return &Result{
		Success:    true,
		URL:        url,
		DurationMs: elapsed.Milliseconds(),
		Duration:   formatDuration(elapsed),
		CostUSD:    r.cost(),
		Score:      verdict.Score,
	}
}

// fail finalizes a build at the given stage. Partial cost is still reported.
func (o *Orchestrator) fail(r *run, stage State, err error) *Result {
	r.addError(err)
	log.Printf("build %s failed at %s: %v", r.buildID, stage, err)
	o.setState(StateFailed)

	elapsed := time.Since(r.start)
	r.errsMu.Lock()
	errs := append([]string(nil), r.errs...)
	r.errsMu.Unlock()

	o.bus.Publish(events.TopicBuild, events.FailedEvent{
		Build:     r.buildID,
		Stage:     string(stage),
		Errs:      errs,
		CostUSD:   r.cost(),
		Timestamp: time.Now(),
	})
	return &Result{
		Success:    false,
		DurationMs: elapsed.Milliseconds(),
		Duration:   formatDuration(elapsed),
		CostUSD:    r.cost(),
		Errors:     errs,
	}
}

func (o *Orchestrator) publishSandboxCreated(r *run, sb *sandbox.Sandbox) {
	o.bus.Publish(events.TopicSandbox, events.SandboxCreatedEvent{
		Build:     r.buildID,
		SandboxID: sb.ID,
		Role:      sb.Role.String(),
		Endpoint:  sb.Endpoint,
		Timestamp: time.Now(),
	})
}

// gate is checked at every task boundary: cooperative cancellation, the
// build-wide timeout, and the budget limit.
func (r *run) gate() error {
	if !r.running.Load() {
		return errors.New("orchestration stopped")
	}
	if !r.deadline.IsZero() && time.Now().After(r.deadline) {
		return fmt.Errorf("build timeout of %.1fh exceeded", r.cfg.TimeoutHours)
	}
	if limit := r.cfg.BudgetLimitUSD; limit > 0 {
		if cost := r.cost(); cost >= limit {
			r.budgetOnce.Do(func() {
				r.bus.Publish(events.TopicBuild, events.BudgetExceededEvent{
					Build:     r.buildID,
					CostUSD:   cost,
					LimitUSD:  limit,
					Timestamp: time.Now(),
				})
			})
			return fmt.Errorf("budget limit $%.2f exceeded (spent $%.2f)", limit, cost)
		}
	}
	return nil
}

// drainMerges runs one sequential pass over the pending merge queue and
// reflects newly merged items back into the task graph.
func (r *run) drainMerges(ctx context.Context) error {
	r.mergeMu.Lock()
	defer r.mergeMu.Unlock()

	if _, err := r.proc.ProcessAll(ctx); err != nil {
		return err
	}
	for _, item := range r.shared.MergeItems() {
		if item.Status != sharedctx.MergeMerged {
			continue
		}
		task, ok := r.dag.Get(item.TaskID)
		if !ok || task.Status == scheduler.TaskMerged {
			continue
		}
		if err := r.dag.MarkMerged(item.TaskID, item.Score); err != nil {
			return err
		}
	}
	return nil
}

// pruneForcedDeps clears the dependency edges of tasks a cycle forced into
// the final group. The permissive fallback is deliberate: a cyclic plan
// degrades to unordered execution of the remainder instead of aborting.
func pruneForcedDeps(tasks []*scheduler.Task, forced []string) {
	if len(forced) == 0 {
		return
	}
	forcedSet := make(map[string]bool, len(forced))
	for _, id := range forced {
		forcedSet[id] = true
	}
	for _, t := range tasks {
		if forcedSet[t.ID] && len(t.DependsOn) > 0 {
			log.Printf("WARNING: dropping dependency edges of cyclic task %s: %v", t.ID, t.DependsOn)
			t.DependsOn = nil
		}
	}
}

// flattenGroups yields task IDs in dependency order.
func flattenGroups(groups [][]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// formatDuration renders a duration the way build reports show it.
func formatDuration(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%.1fm", d.Minutes())
	case d < 24*time.Hour:
		return fmt.Sprintf("%.1fh", d.Hours())
	default:
		return fmt.Sprintf("%.1fd", d.Hours()/24)
	}
}
