package merge

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kriptik-ai/forge/internal/events"
	"github.com/kriptik-ai/forge/internal/sandbox"
	"github.com/kriptik-ai/forge/internal/sharedctx"
)

type mergeCall struct {
	mainID string
	fromID string
	files  []string
}

type fakeRuntime struct {
	merges   []mergeCall
	failFrom string
}

func (f *fakeRuntime) CreateSandbox(ctx context.Context, cfg sandbox.CreateConfig) (sandbox.Created, error) {
	return sandbox.Created{ID: cfg.SandboxID}, nil
}

func (f *fakeRuntime) ExecuteTask(ctx context.Context, sandboxID string, payload sandbox.TaskPayload) (sandbox.ExecResult, error) {
	return sandbox.ExecResult{Success: true}, nil
}

func (f *fakeRuntime) MergeInto(ctx context.Context, mainID, fromID string, files []string) error {
	if fromID == f.failFrom {
		return errors.New("transport closed")
	}
	f.merges = append(f.merges, mergeCall{mainID: mainID, fromID: fromID, files: files})
	return nil
}

func (f *fakeRuntime) Terminate(ctx context.Context, sandboxID string) error { return nil }

func newTestProcessor(t *testing.T, rt sandbox.Runtime, threshold float64) (*Processor, *sharedctx.Manager, <-chan events.Event) {
	t.Helper()
	ctx := context.Background()

	store, err := sharedctx.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	buildID := fmt.Sprintf("build-%s-%d", t.Name(), time.Now().UnixNano())
	mgr, err := sharedctx.NewManager(ctx, store, buildID, "todo app", 0)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)
	ch := bus.Subscribe(events.TopicMerge, 32)

	return NewProcessor(mgr, rt, bus, buildID+"-main", threshold), mgr, ch
}

func TestProcessAllScoreGate(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{}
	p, mgr, _ := newTestProcessor(t, rt, 0)

	scores := []float64{90, 40, 85}
	for i, score := range scores {
		_, err := p.Add(ctx, sharedctx.MergeItem{
			SandboxID: fmt.Sprintf("sb-%d", i),
			TaskID:    fmt.Sprintf("task-%d", i),
			Files:     []string{fmt.Sprintf("src/f%d.go", i)},
			Score:     score,
		})
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
	}

	stats, err := p.ProcessAll(ctx)
	if err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if stats.Approved != 2 || stats.Rejected != 1 {
		t.Fatalf("stats = %+v, want 2 approved, 1 rejected", stats)
	}

	want := []sharedctx.MergeStatus{sharedctx.MergeMerged, sharedctx.MergeRejected, sharedctx.MergeMerged}
	items := mgr.MergeItems()
	if len(items) != len(want) {
		t.Fatalf("got %d items, want %d", len(items), len(want))
	}
	for i, item := range items {
		if item.Status != want[i] {
			t.Errorf("item %d (score %.0f): status = %s, want %s", i, item.Score, item.Status, want[i])
		}
	}

	// The rejected item must never reach the main sandbox.
	if len(rt.merges) != 2 {
		t.Fatalf("got %d merge calls, want 2", len(rt.merges))
	}
	for _, call := range rt.merges {
		if call.fromID == "sb-1" {
			t.Errorf("rejected sandbox sb-1 was merged into main")
		}
	}
}

func TestProcessAllExactThreshold(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{}
	p, mgr, _ := newTestProcessor(t, rt, 85)

	if _, err := p.Add(ctx, sharedctx.MergeItem{SandboxID: "sb-0", TaskID: "t-0", Score: 85}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := p.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}
	if got := mgr.MergeItems()[0].Status; got != sharedctx.MergeMerged {
		t.Fatalf("score at threshold: status = %s, want merged", got)
	}
}

func TestProcessAllEvents(t *testing.T) {
	ctx := context.Background()
	p, _, ch := newTestProcessor(t, &fakeRuntime{}, 0)

	if _, err := p.Add(ctx, sharedctx.MergeItem{SandboxID: "sb-0", TaskID: "t-pass", Score: 95}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := p.Add(ctx, sharedctx.MergeItem{SandboxID: "sb-1", TaskID: "t-fail", Score: 10}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := p.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	var types []string
	for len(types) < 4 {
		select {
		case ev := <-ch:
			types = append(types, ev.EventType())
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	want := []string{
		events.EventTypeMergeQueued,
		events.EventTypeMergeQueued,
		events.EventTypeMergeApproved,
		events.EventTypeMergeRejected,
	}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("event %d = %s, want %s (all: %v)", i, types[i], w, types)
		}
	}
}

func TestProcessAllMergeFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	rt := &fakeRuntime{failFrom: "sb-bad"}
	p, mgr, _ := newTestProcessor(t, rt, 0)

	if _, err := p.Add(ctx, sharedctx.MergeItem{SandboxID: "sb-bad", TaskID: "t-0", Score: 99}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := p.ProcessAll(ctx); err == nil {
		t.Fatal("ProcessAll should fail when the runtime merge fails")
	}
	// The item stays approved, never merged.
	if got := mgr.MergeItems()[0].Status; got != sharedctx.MergeApproved {
		t.Fatalf("status after merge failure = %s, want approved", got)
	}
}

func TestMergedTaskIDs(t *testing.T) {
	ctx := context.Background()
	p, _, _ := newTestProcessor(t, &fakeRuntime{}, 0)

	for i, score := range []float64{90, 50} {
		if _, err := p.Add(ctx, sharedctx.MergeItem{
			SandboxID: fmt.Sprintf("sb-%d", i),
			TaskID:    fmt.Sprintf("t-%d", i),
			Score:     score,
		}); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if _, err := p.ProcessAll(ctx); err != nil {
		t.Fatalf("ProcessAll: %v", err)
	}

	ids := p.MergedTaskIDs()
	if len(ids) != 1 || ids[0] != "t-0" {
		t.Fatalf("MergedTaskIDs = %v, want [t-0]", ids)
	}
}
