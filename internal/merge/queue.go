// Package merge gates the integration of build-sandbox output into the main
// sandbox. It is the only write path into the main sandbox: build sandboxes
// never touch it directly, so the preview stays consistent at all times.
package merge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/kriptik-ai/forge/internal/events"
	"github.com/kriptik-ai/forge/internal/sandbox"
	"github.com/kriptik-ai/forge/internal/sharedctx"
)

// DefaultThreshold is the verification score an item needs to be approved.
const DefaultThreshold = 85.0

// Processor walks the shared merge queue and approves or rejects each item
// against the score threshold.
type Processor struct {
	shared    *sharedctx.Manager
	runtime   sandbox.Runtime
	bus       *events.EventBus
	mainID    string
	threshold float64
}

// NewProcessor creates a merge processor for one build.
func NewProcessor(shared *sharedctx.Manager, runtime sandbox.Runtime, bus *events.EventBus, mainID string, threshold float64) *Processor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Processor{
		shared:    shared,
		runtime:   runtime,
		bus:       bus,
		mainID:    mainID,
		threshold: threshold,
	}
}

// Add enqueues one verified unit of work as a pending item.
func (p *Processor) Add(ctx context.Context, item sharedctx.MergeItem) (*sharedctx.MergeItem, error) {
	stored, err := p.shared.EnqueueMerge(ctx, item)
	if err != nil {
		return nil, err
	}

	p.bus.Publish(events.TopicMerge, events.MergeQueuedEvent{
		Build:     p.shared.BuildID(),
		ItemID:    stored.ID,
		TaskID:    stored.TaskID,
		SandboxID: stored.SandboxID,
		Score:     stored.Score,
		Timestamp: time.Now(),
	})
	return stored, nil
}

// Stats summarizes one processing pass.
type Stats struct {
	Approved int
	Rejected int
}

// ProcessAll walks every pending item in queue order. Items at or above the
// threshold are approved, merged into the main sandbox, and marked merged;
// items below are rejected and dropped from the live build (no retry).
func (p *Processor) ProcessAll(ctx context.Context) (Stats, error) {
	var stats Stats
	buildID := p.shared.BuildID()

	for _, item := range p.shared.PendingMerges() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		if err := p.shared.AdvanceMerge(ctx, item.ID, sharedctx.MergeVerifying); err != nil {
			return stats, err
		}

		if item.Score < p.threshold {
			if err := p.shared.AdvanceMerge(ctx, item.ID, sharedctx.MergeRejected); err != nil {
				return stats, err
			}
			stats.Rejected++
			log.Printf("merge item %s (task %s) rejected: score %.0f below threshold %.0f",
				item.ID, item.TaskID, item.Score, p.threshold)
			p.bus.Publish(events.TopicMerge, events.MergeRejectedEvent{
				Build:     buildID,
				ItemID:    item.ID,
				TaskID:    item.TaskID,
				Score:     item.Score,
				Timestamp: time.Now(),
			})
			continue
		}

		if err := p.shared.AdvanceMerge(ctx, item.ID, sharedctx.MergeApproved); err != nil {
			return stats, err
		}

		if err := p.runtime.MergeInto(ctx, p.mainID, item.SandboxID, item.Files); err != nil {
			// The item stays approved-but-unmerged; the failure surfaces to
			// the orchestrator rather than being swallowed as a rejection.
			return stats, fmt.Errorf("merging item %s into main sandbox: %w", item.ID, err)
		}

		if err := p.shared.AdvanceMerge(ctx, item.ID, sharedctx.MergeMerged); err != nil {
			return stats, err
		}
		stats.Approved++
		p.bus.Publish(events.TopicMerge, events.MergeApprovedEvent{
			Build:     buildID,
			ItemID:    item.ID,
			TaskID:    item.TaskID,
			Score:     item.Score,
			Timestamp: time.Now(),
		})
	}

	return stats, nil
}

// MergedTaskIDs returns the task IDs of all merged items.
func (p *Processor) MergedTaskIDs() []string {
	var out []string
	for _, item := range p.shared.MergeItems() {
		if item.Status == sharedctx.MergeMerged {
			out = append(out, item.TaskID)
		}
	}
	return out
}
