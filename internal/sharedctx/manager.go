package sharedctx

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClaimResult is the outcome of a file claim attempt. On failure,
// CurrentOwner names the sandbox holding the path.
type ClaimResult struct {
	Success      bool
	CurrentOwner string
}

// Manager mediates every mutation of one build's shared context. All
// mutations persist the whole snapshot, so any participant (or a restarted
// orchestrator) can reload the current state from the store.
type Manager struct {
	store Store

	mu      sync.Mutex
	state   *SharedContext
	applied map[string]bool // Discovery IDs already folded into shared state
}

// NewManager creates a fresh shared context for a build and persists it.
func NewManager(ctx context.Context, store Store, buildID, intent string, ttl time.Duration) (*Manager, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	m := &Manager{
		store:   store,
		state:   newSharedContext(buildID, intent, ttl),
		applied: make(map[string]bool),
	}

	if err := store.SaveSnapshot(ctx, m.state); err != nil {
		return nil, fmt.Errorf("persisting initial shared context: %w", err)
	}
	return m, nil
}

// Resume reloads an existing build's shared context from the store.
func Resume(ctx context.Context, store Store, buildID string) (*Manager, error) {
	state, err := store.LoadSnapshot(ctx, buildID)
	if err != nil {
		return nil, err
	}

	applied := make(map[string]bool, len(state.Discoveries))
	for _, d := range state.Discoveries {
		applied[d.ID] = true
	}

	return &Manager{
		store:   store,
		state:   state,
		applied: applied,
	}, nil
}

// BuildID returns the build this context belongs to.
func (m *Manager) BuildID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.BuildID
}

// Intent returns the build intent this context was initialized with.
func (m *Manager) Intent() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Intent
}

// ClaimFile attempts to take ownership of a file path for a sandbox.
//
// When the store supports atomic conditional claims, those are used directly.
// Otherwise the claim is optimistic: write the owner, persist, then re-read
// the snapshot and treat a mismatch as a lost race, never as dual ownership.
func (m *Manager) ClaimFile(ctx context.Context, sandboxID, path string) (ClaimResult, error) {
	if ac, ok := m.store.(AtomicClaimer); ok {
		return m.claimAtomic(ctx, ac, sandboxID, path)
	}
	return m.claimOptimistic(ctx, sandboxID, path)
}

func (m *Manager) claimAtomic(ctx context.Context, ac AtomicClaimer, sandboxID, path string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, won, err := ac.TryClaim(ctx, m.state.BuildID, path, sandboxID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claiming %q: %w", path, err)
	}
	if !won {
		return ClaimResult{Success: false, CurrentOwner: owner}, nil
	}

	// Mirror the claim into the snapshot so readers of the whole context see
	// ownership without consulting the claims table.
	m.state.FileOwners[path] = sandboxID
	if err := m.store.SaveSnapshot(ctx, m.state); err != nil {
		return ClaimResult{}, fmt.Errorf("persisting claim on %q: %w", path, err)
	}
	return ClaimResult{Success: true, CurrentOwner: sandboxID}, nil
}

func (m *Manager) claimOptimistic(ctx context.Context, sandboxID, path string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if owner, taken := m.state.FileOwners[path]; taken && owner != sandboxID {
		return ClaimResult{Success: false, CurrentOwner: owner}, nil
	}

	m.state.FileOwners[path] = sandboxID
	if err := m.store.SaveSnapshot(ctx, m.state); err != nil {
		return ClaimResult{}, fmt.Errorf("persisting claim on %q: %w", path, err)
	}

	// Re-read after write: if another participant's write landed after ours,
	// the surviving owner differs and we lost the race.
	fresh, err := m.store.LoadSnapshot(ctx, m.state.BuildID)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("re-reading claim on %q: %w", path, err)
	}
	if owner := fresh.FileOwners[path]; owner != sandboxID {
		delete(m.state.FileOwners, path)
		return ClaimResult{Success: false, CurrentOwner: owner}, nil
	}

	return ClaimResult{Success: true, CurrentOwner: sandboxID}, nil
}

// ReleaseFile releases a claim. Only the recorded owner may release.
func (m *Manager) ReleaseFile(ctx context.Context, sandboxID, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, taken := m.state.FileOwners[path]
	if !taken {
		return fmt.Errorf("file %q has no owner", path)
	}
	if owner != sandboxID {
		return fmt.Errorf("file %q is owned by %q, not %q", path, owner, sandboxID)
	}

	if ac, ok := m.store.(AtomicClaimer); ok {
		if _, err := ac.ReleaseClaim(ctx, m.state.BuildID, path, sandboxID); err != nil {
			return fmt.Errorf("releasing %q: %w", path, err)
		}
	}

	delete(m.state.FileOwners, path)
	if err := m.store.SaveSnapshot(ctx, m.state); err != nil {
		return fmt.Errorf("persisting release of %q: %w", path, err)
	}
	return nil
}

// FileOwner returns the current owner of a path, if any.
func (m *Manager) FileOwner(path string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.state.FileOwners[path]
	return owner, ok
}

// Broadcast appends a discovery to the shared log and folds it into the
// aggregate state. The log is bounded: past DiscoveryLogCap entries the
// oldest are evicted. Returns the stored discovery with ID and Seq set.
func (m *Manager) Broadcast(ctx context.Context, d Discovery) (Discovery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = time.Now()
	}
	d.Seq = m.state.NextSeq
	m.state.NextSeq++

	m.state.Discoveries = append(m.state.Discoveries, d)
	if len(m.state.Discoveries) > DiscoveryLogCap {
		m.state.Discoveries = m.state.Discoveries[len(m.state.Discoveries)-DiscoveryLogCap:]
	}

	m.reduce(d)

	if err := m.store.SaveSnapshot(ctx, m.state); err != nil {
		return Discovery{}, fmt.Errorf("persisting discovery: %w", err)
	}
	return d, nil
}

// reduce folds one discovery into the aggregate shared state, exactly once
// per discovery ID.
func (m *Manager) reduce(d Discovery) {
	if m.applied[d.ID] {
		return
	}
	m.applied[d.ID] = true

	switch d.Type {
	case DiscoveryCompletion:
		for _, f := range m.state.CompletedFeatures {
			if f == d.Payload {
				return
			}
		}
		m.state.CompletedFeatures = append(m.state.CompletedFeatures, d.Payload)
		delete(m.state.InProgress, d.Payload)
	case DiscoveryError:
		m.state.Errors = append(m.state.Errors, ErrorRecord{
			SandboxID: d.SandboxID,
			Message:   d.Payload,
			Timestamp: d.Timestamp,
		})
	case DiscoveryPattern:
		m.state.Patterns = append(m.state.Patterns, d.Payload)
	case DiscoveryConflict:
		log.Printf("conflict reported by sandbox %s: %s", d.SandboxID, d.Payload)
	}
}

// DiscoveriesAfter returns log entries with Seq greater than the cursor, in
// order. Evicted entries are gone; consumers that fall more than the log cap
// behind miss them.
func (m *Manager) DiscoveriesAfter(seq int64) []Discovery {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Discovery
	for _, d := range m.state.Discoveries {
		if d.Seq > seq {
			out = append(out, d)
		}
	}
	return out
}

// MarkInProgress records which sandbox is working on a feature.
func (m *Manager) MarkInProgress(ctx context.Context, feature, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.state.InProgress[feature] = sandboxID
	return m.store.SaveSnapshot(ctx, m.state)
}

// CompletedFeatures returns the de-duplicated completed feature set.
func (m *Manager) CompletedFeatures() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.state.CompletedFeatures...)
}

// Errors returns the shared error history.
func (m *Manager) Errors() []ErrorRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ErrorRecord(nil), m.state.Errors...)
}

// EnqueueMerge appends a pending merge item and returns it with its ID set.
func (m *Manager) EnqueueMerge(ctx context.Context, item MergeItem) (*MergeItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	item.Status = MergePending

	stored := item
	m.state.MergeQueue = append(m.state.MergeQueue, &stored)

	if err := m.store.SaveSnapshot(ctx, m.state); err != nil {
		return nil, fmt.Errorf("persisting merge item: %w", err)
	}
	out := stored
	return &out, nil
}

// AdvanceMerge moves a merge item to the next status, enforcing monotonic
// transitions (an item can reach merged only through approved).
func (m *Manager) AdvanceMerge(ctx context.Context, itemID string, next MergeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, item := range m.state.MergeQueue {
		if item.ID != itemID {
			continue
		}
		if err := item.advance(next); err != nil {
			return err
		}
		return m.store.SaveSnapshot(ctx, m.state)
	}
	return fmt.Errorf("merge item %q not found", itemID)
}

// PendingMerges returns copies of all items still awaiting processing.
func (m *Manager) PendingMerges() []*MergeItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*MergeItem
	for _, item := range m.state.MergeQueue {
		if item.Status == MergePending {
			cp := *item
			cp.Files = append([]string(nil), item.Files...)
			out = append(out, &cp)
		}
	}
	return out
}

// MergeItems returns copies of every queue item, in insertion order.
func (m *Manager) MergeItems() []*MergeItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*MergeItem, 0, len(m.state.MergeQueue))
	for _, item := range m.state.MergeQueue {
		cp := *item
		cp.Files = append([]string(nil), item.Files...)
		out = append(out, &cp)
	}
	return out
}

// Cleanup removes the build's persisted context. The in-memory state stays
// readable so a final result can still report from it.
func (m *Manager) Cleanup(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.DeleteSnapshot(ctx, m.state.BuildID)
}
