package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kriptik-ai/forge/internal/events"
	"github.com/kriptik-ai/forge/internal/sandbox"
	"github.com/kriptik-ai/forge/internal/sharedctx"
)

// roundRobin distributes dependency-ordered task IDs across the build
// sandboxes. Assignment is one-shot; no rebalancing happens mid-build.
func roundRobin(ordered []string, sandboxes []*sandbox.Sandbox) map[string][]string {
	assignments := make(map[string][]string, len(sandboxes))
	if len(sandboxes) == 0 {
		return assignments
	}
	for i, taskID := range ordered {
		sb := sandboxes[i%len(sandboxes)]
		assignments[sb.ID] = append(assignments[sb.ID], taskID)
	}
	return assignments
}

// tournamentAssign hands the full ordered plan to every competitor.
func tournamentAssign(ordered []string, sandboxes []*sandbox.Sandbox) map[string][]string {
	assignments := make(map[string][]string, len(sandboxes))
	for _, sb := range sandboxes {
		assignments[sb.ID] = append([]string(nil), ordered...)
	}
	return assignments
}

// competitorResult is one tournament competitor's full-plan outcome.
type competitorResult struct {
	sandboxID string
	scores    map[string]float64 // taskID -> verification score
	cost      float64
	err       error
}

func (c competitorResult) meanScore() float64 {
	if len(c.scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range c.scores {
		sum += s
	}
	return sum / float64(len(c.scores))
}

// runTournament runs every competitor through the whole plan independently,
// judges the outputs, and merges only the winner's. Competitor failures are
// tolerated as long as at least one finishes.
func (o *Orchestrator) runTournament(ctx context.Context, r *run, assignments map[string][]string, ordered []string) error {
	results := make([]*competitorResult, 0, len(assignments))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for sbID := range assignments {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := o.runCompetitor(ctx, r, sbID, ordered)
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}()
	}
	wg.Wait()

	winner, err := judgeTournament(results)
	if err != nil {
		return err
	}
	log.Printf("tournament winner: sandbox %s (mean score %.1f, cost $%.2f)",
		winner.sandboxID, winner.meanScore(), winner.cost)

	// Only the winner's output enters the merge queue.
	for _, taskID := range ordered {
		task, ok := r.dag.Get(taskID)
		if !ok {
			return fmt.Errorf("task %q not in graph", taskID)
		}
		if _, err := r.proc.Add(ctx, sharedctx.MergeItem{
			SandboxID: winner.sandboxID,
			TaskID:    taskID,
			Files:     task.Files,
			Score:     winner.scores[taskID],
		}); err != nil {
			return err
		}
	}
	return r.drainMerges(ctx)
}

// judgeTournament picks the surviving competitor with the highest mean score;
// ties go to the cheaper run.
func judgeTournament(results []*competitorResult) (*competitorResult, error) {
	var winner *competitorResult
	var errs []error
	for _, res := range results {
		if res.err != nil {
			errs = append(errs, fmt.Errorf("competitor %s: %w", res.sandboxID, res.err))
			continue
		}
		if winner == nil ||
			res.meanScore() > winner.meanScore() ||
			(res.meanScore() == winner.meanScore() && res.cost < winner.cost) {
			winner = res
		}
	}
	if winner == nil {
		return nil, fmt.Errorf("every tournament competitor failed: %w", errors.Join(errs...))
	}
	return winner, nil
}

// runCompetitor executes the full plan in one competitor sandbox. Tasks run
// strictly in dependency order within the sandbox, so no cross-sandbox gating
// or file claiming applies.
func (o *Orchestrator) runCompetitor(ctx context.Context, r *run, sbID string, ordered []string) *competitorResult {
	res := &competitorResult{
		sandboxID: sbID,
		scores:    make(map[string]float64, len(ordered)),
	}
	runtimeCB := o.breakers.Get("runtime")
	verifierCB := o.breakers.Get("verifier")

	for _, taskID := range ordered {
		if err := r.gate(); err != nil {
			res.err = err
			break
		}

		task, ok := r.dag.Get(taskID)
		if !ok {
			res.err = fmt.Errorf("task %q not in graph", taskID)
			break
		}
		o.bus.Publish(events.TopicTask, events.TaskStartedEvent{
			Build:     r.buildID,
			SandboxID: sbID,
			TaskID:    taskID,
			TaskName:  task.Name,
			Timestamp: time.Now(),
		})
		started := time.Now()

		exec, err := execWithRetry(ctx, o.runtime, runtimeCB, o.retryCfg, sbID, sandbox.TaskPayload{
			TaskID:      task.ID,
			Name:        task.Name,
			Description: task.Description,
			Files:       task.Files,
		})
		if err != nil {
			res.err = fmt.Errorf("executing task %s: %w", taskID, err)
			break
		}
		r.pool.AddCost(sbID, exec.CostUSD)
		res.cost += exec.CostUSD
		if !exec.Success {
			res.err = fmt.Errorf("task %s failed: %s", taskID, exec.Error)
			break
		}

		verdict, err := verifyWithRetry(ctx, o.verifier, verifierCB, o.retryCfg, exec.ArtifactRef)
		if err != nil {
			res.err = fmt.Errorf("verifying task %s: %w", taskID, err)
			break
		}
		if verdict.Score < r.cfg.VerificationThreshold {
			res.err = &VerificationError{
				TaskID:    taskID,
				Score:     verdict.Score,
				Threshold: r.cfg.VerificationThreshold,
				Blockers:  verdict.Blockers,
			}
			break
		}
		res.scores[taskID] = verdict.Score
		o.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
			Build:     r.buildID,
			SandboxID: sbID,
			TaskID:    taskID,
			Score:     verdict.Score,
			CostUSD:   exec.CostUSD,
			Duration:  time.Since(started),
			Timestamp: time.Now(),
		})
	}

	if res.err != nil {
		o.failSandbox(r, sbID, res.err)
	} else {
		o.finishSandbox(r, sbID)
	}
	return res
}
