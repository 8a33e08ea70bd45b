package sharedctx

import (
	"context"
	"sync"
	"time"
)

// View is one consumer's local reduction of the discovery stream.
type View struct {
	CompletedFeatures map[string]bool
	Patterns          []string
	Errors            []ErrorRecord
}

// Consumer polls the shared discovery log with its own cursor and applies
// each discovery to its local view exactly once. Delivery is at-least-once
// at the log level; the ID check makes application idempotent. Safe for
// concurrent use, so a background Run can share the consumer with boundary
// polls from a build loop.
type Consumer struct {
	mgr *Manager

	mu      sync.Mutex
	cursor  int64
	applied map[string]bool
	view    View
}

// NewConsumer creates a consumer starting at the head of the log.
func NewConsumer(mgr *Manager) *Consumer {
	return &Consumer{
		mgr:     mgr,
		applied: make(map[string]bool),
		view: View{
			CompletedFeatures: make(map[string]bool),
		},
	}
}

// Poll applies all unseen discoveries and returns the newly applied ones.
func (c *Consumer) Poll() []Discovery {
	c.mu.Lock()
	cursor := c.cursor
	c.mu.Unlock()

	var applied []Discovery
	for _, d := range c.mgr.DiscoveriesAfter(cursor) {
		if c.Apply(d) {
			applied = append(applied, d)
		}
	}
	return applied
}

// Apply folds one discovery into the local view and reports whether it was
// new. Re-applying a discovery with an already-seen ID is a no-op.
func (c *Consumer) Apply(d Discovery) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d.Seq > c.cursor {
		c.cursor = d.Seq
	}
	if c.applied[d.ID] {
		return false
	}
	c.applied[d.ID] = true

	switch d.Type {
	case DiscoveryCompletion:
		c.view.CompletedFeatures[d.Payload] = true
	case DiscoveryPattern:
		c.view.Patterns = append(c.view.Patterns, d.Payload)
	case DiscoveryError:
		c.view.Errors = append(c.view.Errors, ErrorRecord{
			SandboxID: d.SandboxID,
			Message:   d.Payload,
			Timestamp: d.Timestamp,
		})
	case DiscoveryConflict:
		// Conflicts are informational; they carry no view state.
	}
	return true
}

// Completed reports whether a feature's completion has been observed.
func (c *Consumer) Completed(feature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.CompletedFeatures[feature]
}

// View returns a copy of the consumer's current local view.
func (c *Consumer) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := View{
		CompletedFeatures: make(map[string]bool, len(c.view.CompletedFeatures)),
		Patterns:          append([]string(nil), c.view.Patterns...),
		Errors:            append([]ErrorRecord(nil), c.view.Errors...),
	}
	for f, done := range c.view.CompletedFeatures {
		cp.CompletedFeatures[f] = done
	}
	return cp
}

// Run polls on a fixed interval until the context is cancelled, invoking
// handler for every newly applied discovery.
func (c *Consumer) Run(ctx context.Context, interval time.Duration, handler func(Discovery)) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range c.Poll() {
				if handler != nil {
					handler(d)
				}
			}
		}
	}
}
