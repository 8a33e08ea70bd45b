package sharedctx

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestConsumerRunDeliversNewDiscoveries(t *testing.T) {
	mgr := newTestManager(t, "consumer-run")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := NewConsumer(mgr)

	var mu sync.Mutex
	var seen []Discovery
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx, 10*time.Millisecond, func(d Discovery) {
			mu.Lock()
			seen = append(seen, d)
			mu.Unlock()
		})
	}()

	if _, err := mgr.Broadcast(ctx, Discovery{
		Type:      DiscoveryPattern,
		SandboxID: "sb-1",
		Payload:   "use zod schemas for API input",
	}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if _, err := mgr.Broadcast(ctx, Discovery{
		Type:      DiscoveryCompletion,
		SandboxID: "sb-1",
		Payload:   "auth",
	}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("consumer saw %d discoveries, want 2", n)
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}

	view := consumer.View()
	if !view.CompletedFeatures["auth"] {
		t.Error("completion not folded into the view")
	}
	if len(view.Patterns) != 1 {
		t.Errorf("got %d patterns, want 1", len(view.Patterns))
	}
}

func TestConsumerConcurrentPollsApplyOnce(t *testing.T) {
	mgr := newTestManager(t, "consumer-concurrent")
	ctx := context.Background()

	const n = 40
	for i := 0; i < n; i++ {
		if _, err := mgr.Broadcast(ctx, Discovery{
			Type:      DiscoveryPattern,
			SandboxID: "sb-1",
			Payload:   fmt.Sprintf("pattern %d", i),
		}); err != nil {
			t.Fatalf("Broadcast: %v", err)
		}
	}

	consumer := NewConsumer(mgr)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			consumer.Poll()
		}()
	}
	wg.Wait()

	if got := len(consumer.View().Patterns); got != n {
		t.Errorf("view holds %d patterns after concurrent polls, want %d", got, n)
	}
}

func TestConsumerViewIsACopy(t *testing.T) {
	mgr := newTestManager(t, "consumer-view-copy")
	ctx := context.Background()

	if _, err := mgr.Broadcast(ctx, Discovery{
		Type:      DiscoveryCompletion,
		SandboxID: "sb-1",
		Payload:   "auth",
	}); err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	consumer := NewConsumer(mgr)
	consumer.Poll()

	view := consumer.View()
	view.CompletedFeatures["auth"] = false
	if !consumer.Completed("auth") {
		t.Error("mutating a returned view changed the consumer's state")
	}
}

func TestConsumerRunZeroIntervalDefaults(t *testing.T) {
	mgr := newTestManager(t, "consumer-run-default")
	ctx, cancel := context.WithCancel(context.Background())

	consumer := NewConsumer(mgr)
	done := make(chan struct{})
	go func() {
		defer close(done)
		consumer.Run(ctx, 0, nil)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
