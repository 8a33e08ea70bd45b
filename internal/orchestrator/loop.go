package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/kriptik-ai/forge/internal/events"
	"github.com/kriptik-ai/forge/internal/sandbox"
	"github.com/kriptik-ai/forge/internal/scheduler"
	"github.com/kriptik-ai/forge/internal/sharedctx"
)

// eligibilityPollInterval is how often a build loop re-checks whether a
// task's dependencies have merged, or a contested file has been released.
const eligibilityPollInterval = 50 * time.Millisecond

// VerificationError is a task failure caused by a below-threshold score
// rather than an execution error. It carries the score.
type VerificationError struct {
	TaskID    string
	Score     float64
	Threshold float64
	Blockers  []sandbox.Issue
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("task %s failed verification: score %.0f below threshold %.0f (%d blockers)",
		e.TaskID, e.Score, e.Threshold, len(e.Blockers))
}

// runParallel runs one build loop per sandbox. Any loop failure (after its
// one respawn attempt) fails the whole build.
func (o *Orchestrator) runParallel(ctx context.Context, r *run, assignments map[string][]string) error {
	g, gctx := errgroup.WithContext(ctx)
	for sbID, taskIDs := range assignments {
		g.Go(func() error {
			return o.runSandbox(gctx, r, sbID, taskIDs)
		})
	}
	return g.Wait()
}

// runSandbox runs a sandbox's loop and, when configured, replaces a failed
// sandbox once, handing the replacement the unmerged remainder.
func (o *Orchestrator) runSandbox(ctx context.Context, r *run, sbID string, taskIDs []string) error {
	err := o.runLoop(ctx, r, sbID, taskIDs)
	if err == nil {
		o.finishSandbox(r, sbID)
		return nil
	}

	o.failSandbox(r, sbID, err)

	if !r.cfg.RespawnOnFailure || ctx.Err() != nil {
		return err
	}
	remaining := remainingTasks(r.dag, taskIDs)
	if len(remaining) == 0 {
		return err
	}

	replacement, rerr := r.pool.Respawn(ctx, sbID, r.intent, remaining, r.creds)
	if rerr != nil {
		log.Printf("respawn for failed sandbox %s: %v", sbID, rerr)
		return err
	}
	o.publishSandboxCreated(r, replacement)
	for _, id := range remaining {
		if aerr := r.dag.Assign(id, replacement.ID); aerr != nil {
			return aerr
		}
	}

	// One attempt only; the replacement's failure is final.
	if err2 := o.runLoop(ctx, r, replacement.ID, remaining); err2 != nil {
		o.failSandbox(r, replacement.ID, err2)
		return err2
	}
	o.finishSandbox(r, replacement.ID)
	return nil
}

func (o *Orchestrator) finishSandbox(r *run, sbID string) {
	if err := r.pool.SetStatus(sbID, sandbox.StatusCompleted, ""); err != nil {
		log.Printf("marking sandbox %s completed: %v", sbID, err)
	}
	var cost float64
	if sb, ok := r.pool.Get(sbID); ok {
		cost = sb.CostUSD
	}
	o.bus.Publish(events.TopicSandbox, events.SandboxCompletedEvent{
		Build:     r.buildID,
		SandboxID: sbID,
		CostUSD:   cost,
		Timestamp: time.Now(),
	})
}

func (o *Orchestrator) failSandbox(r *run, sbID string, cause error) {
	if err := r.pool.SetStatus(sbID, sandbox.StatusFailed, cause.Error()); err != nil {
		log.Printf("marking sandbox %s failed: %v", sbID, err)
	}
	o.bus.Publish(events.TopicSandbox, events.SandboxFailedEvent{
		Build:     r.buildID,
		SandboxID: sbID,
		Reason:    cause.Error(),
		Timestamp: time.Now(),
	})
}

// remainingTasks returns the assigned task IDs that never reached merged,
// preserving order.
func remainingTasks(dag *scheduler.DAG, taskIDs []string) []string {
	var out []string
	for _, id := range taskIDs {
		task, ok := dag.Get(id)
		if !ok || task.Status == scheduler.TaskMerged {
			continue
		}
		out = append(out, id)
	}
	return out
}

// runLoop executes a sandbox's assigned tasks strictly in order. The shared
// context is polled for discoveries continuously in the background at the
// configured interval and again at each task boundary; cancellation,
// timeout, and budget are checked at the boundaries too.
func (o *Orchestrator) runLoop(ctx context.Context, r *run, sbID string, taskIDs []string) error {
	consumer := sharedctx.NewConsumer(r.shared)
	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	go consumer.Run(pollCtx, time.Duration(r.cfg.DiscoveryPollSeconds)*time.Second, nil)

	runtimeCB := o.breakers.Get("runtime")
	verifierCB := o.breakers.Get("verifier")

	for _, taskID := range taskIDs {
		if err := r.gate(); err != nil {
			return err
		}
		consumer.Poll()

		task, ok := r.dag.Get(taskID)
		if !ok {
			return fmt.Errorf("task %q not in graph", taskID)
		}
		if task.Status == scheduler.TaskMerged || consumer.Completed(taskID) {
			// Already built and merged, e.g. before a respawn handed it over.
			continue
		}

		if err := o.waitEligible(ctx, r, taskID); err != nil {
			return fmt.Errorf("task %s: %w", taskID, err)
		}

		if err := o.runTask(ctx, r, sbID, task, runtimeCB, verifierCB); err != nil {
			if merr := r.dag.MarkFailed(taskID, err); merr != nil {
				log.Printf("marking task %s failed: %v", taskID, merr)
			}
			o.bus.Publish(events.TopicTask, events.TaskFailedEvent{
				Build:     r.buildID,
				SandboxID: sbID,
				TaskID:    taskID,
				Err:       err,
				Timestamp: time.Now(),
			})
			if _, berr := r.shared.Broadcast(ctx, sharedctx.Discovery{
				Type:      sharedctx.DiscoveryError,
				SandboxID: sbID,
				Payload:   err.Error(),
				Timestamp: time.Now(),
			}); berr != nil {
				log.Printf("broadcasting task failure: %v", berr)
			}
			return err
		}
	}
	return nil
}

// waitEligible blocks until every dependency of the task has merged. A failed
// dependency fails the wait immediately; the gate keeps the wait from
// outliving a cancelled or over-budget build.
func (o *Orchestrator) waitEligible(ctx context.Context, r *run, taskID string) error {
	ticker := time.NewTicker(eligibilityPollInterval)
	defer ticker.Stop()

	for {
		if err := r.gate(); err != nil {
			return err
		}

		task, ok := r.dag.Get(taskID)
		if !ok {
			return fmt.Errorf("task %q not in graph", taskID)
		}
		ready := true
		for _, depID := range task.DependsOn {
			dep, exists := r.dag.Get(depID)
			if !exists {
				continue
			}
			if dep.Status == scheduler.TaskFailed {
				return fmt.Errorf("dependency %q failed", depID)
			}
			if dep.Status != scheduler.TaskMerged {
				ready = false
			}
		}
		if ready {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runTask drives one task through building, verification, and the merge
// queue. The task's files are claimed for the duration.
func (o *Orchestrator) runTask(ctx context.Context, r *run, sbID string, task *scheduler.Task, runtimeCB, verifierCB *gobreaker.CircuitBreaker) error {
	if err := r.dag.MarkBuilding(task.ID); err != nil {
		return err
	}
	if err := r.pool.SetStatus(sbID, sandbox.StatusBuilding, ""); err != nil {
		log.Printf("sandbox %s status: %v", sbID, err)
	}
	if err := r.shared.MarkInProgress(ctx, task.ID, sbID); err != nil {
		log.Printf("marking task %s in progress: %v", task.ID, err)
	}
	o.bus.Publish(events.TopicTask, events.TaskStartedEvent{
		Build:     r.buildID,
		SandboxID: sbID,
		TaskID:    task.ID,
		TaskName:  task.Name,
		Timestamp: time.Now(),
	})
	started := time.Now()

	claimed, err := o.claimFiles(ctx, r, sbID, task.Files)
	if err != nil {
		return err
	}
	defer func() {
		for _, f := range claimed {
			if rerr := r.shared.ReleaseFile(context.Background(), sbID, f); rerr != nil {
				log.Printf("releasing %s for sandbox %s: %v", f, sbID, rerr)
			}
		}
	}()

	res, err := execWithRetry(ctx, o.runtime, runtimeCB, o.retryCfg, sbID, sandbox.TaskPayload{
		TaskID:      task.ID,
		Name:        task.Name,
		Description: task.Description,
		Files:       task.Files,
	})
	if err != nil {
		return fmt.Errorf("executing task %s: %w", task.ID, err)
	}
	r.pool.AddCost(sbID, res.CostUSD)
	if !res.Success {
		return fmt.Errorf("task %s failed in sandbox %s: %s", task.ID, sbID, res.Error)
	}

	if err := r.dag.MarkVerifying(task.ID); err != nil {
		return err
	}
	if err := r.pool.SetStatus(sbID, sandbox.StatusVerifying, ""); err != nil {
		log.Printf("sandbox %s status: %v", sbID, err)
	}
	verdict, err := verifyWithRetry(ctx, o.verifier, verifierCB, o.retryCfg, res.ArtifactRef)
	if err != nil {
		return fmt.Errorf("verifying task %s: %w", task.ID, err)
	}
	if verdict.Score < r.cfg.VerificationThreshold {
		return &VerificationError{
			TaskID:    task.ID,
			Score:     verdict.Score,
			Threshold: r.cfg.VerificationThreshold,
			Blockers:  verdict.Blockers,
		}
	}

	if err := r.pool.SetStatus(sbID, sandbox.StatusMerging, ""); err != nil {
		log.Printf("sandbox %s status: %v", sbID, err)
	}
	if _, err := r.proc.Add(ctx, sharedctx.MergeItem{
		SandboxID: sbID,
		TaskID:    task.ID,
		Files:     task.Files,
		Score:     verdict.Score,
	}); err != nil {
		return err
	}
	if err := r.drainMerges(ctx); err != nil {
		return err
	}

	if _, err := r.shared.Broadcast(ctx, sharedctx.Discovery{
		Type:      sharedctx.DiscoveryCompletion,
		SandboxID: sbID,
		Payload:   task.ID,
		Timestamp: time.Now(),
	}); err != nil {
		log.Printf("broadcasting completion of task %s: %v", task.ID, err)
	}
	o.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
		Build:     r.buildID,
		SandboxID: sbID,
		TaskID:    task.ID,
		Score:     verdict.Score,
		CostUSD:   res.CostUSD,
		Duration:  time.Since(started),
		Timestamp: time.Now(),
	})
	if err := r.pool.SetStatus(sbID, sandbox.StatusRunning, ""); err != nil {
		log.Printf("sandbox %s status: %v", sbID, err)
	}
	return nil
}

// claimFiles claims each file for the sandbox, waiting out contested claims.
// A lost race is broadcast as a conflict discovery and retried at the next
// poll, so two tasks touching the same path serialize instead of colliding.
// Claims are acquired in sorted path order; two tasks touching overlapping
// files in different orders would otherwise hold-and-wait on each other.
func (o *Orchestrator) claimFiles(ctx context.Context, r *run, sbID string, files []string) ([]string, error) {
	sorted := make([]string, len(files))
	copy(sorted, files)
	sort.Strings(sorted)

	var claimed []string
	release := func() {
		for _, f := range claimed {
			if err := r.shared.ReleaseFile(context.Background(), sbID, f); err != nil {
				log.Printf("releasing %s: %v", f, err)
			}
		}
	}

	ticker := time.NewTicker(eligibilityPollInterval)
	defer ticker.Stop()

	for _, f := range sorted {
		reported := false
		for {
			if err := r.gate(); err != nil {
				release()
				return nil, err
			}
			res, err := r.shared.ClaimFile(ctx, sbID, f)
			if err != nil {
				release()
				return nil, fmt.Errorf("claiming %s: %w", f, err)
			}
			if res.Success {
				claimed = append(claimed, f)
				break
			}
			if !reported {
				reported = true
				if _, berr := r.shared.Broadcast(ctx, sharedctx.Discovery{
					Type:      sharedctx.DiscoveryConflict,
					SandboxID: sbID,
					Payload:   fmt.Sprintf("%s held by %s", f, res.CurrentOwner),
					Timestamp: time.Now(),
				}); berr != nil {
					log.Printf("broadcasting conflict on %s: %v", f, berr)
				}
			}
			select {
			case <-ctx.Done():
				release()
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return claimed, nil
}
