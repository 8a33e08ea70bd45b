package sharedctx

import (
	"fmt"
	"time"
)

// DefaultTTL is how long a build's shared context survives without cleanup.
const DefaultTTL = 24 * time.Hour

// DiscoveryLogCap bounds the discovery log; oldest entries are evicted past it.
const DiscoveryLogCap = 1000

// DiscoveryType classifies a broadcast event.
type DiscoveryType string

const (
	DiscoveryPattern    DiscoveryType = "pattern"
	DiscoveryError      DiscoveryType = "error"
	DiscoveryConflict   DiscoveryType = "conflict"
	DiscoveryCompletion DiscoveryType = "completion"
)

// Discovery is an immutable broadcast event: a pattern learned, an error hit,
// a conflict observed, or a feature completion. Consumers apply each
// discovery exactly once, keyed by ID.
type Discovery struct {
	ID        string        `json:"id"`
	Seq       int64         `json:"seq"` // Monotonic position in the log
	Type      DiscoveryType `json:"type"`
	SandboxID string        `json:"sandboxId"`
	Payload   string        `json:"payload"` // Feature ID for completions, free-form otherwise
	Timestamp time.Time     `json:"timestamp"`
}

// ErrorRecord is one shared error history entry.
type ErrorRecord struct {
	SandboxID string    `json:"sandboxId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// MergeStatus is the lifecycle of a merge queue item. Transitions are
// monotonic: once an item leaves a status it never returns, and merged is
// reachable only from approved.
type MergeStatus int

const (
	MergePending MergeStatus = iota
	MergeVerifying
	MergeApproved
	MergeRejected
	MergeMerged
)

// String returns the status name.
func (s MergeStatus) String() string {
	switch s {
	case MergePending:
		return "pending"
	case MergeVerifying:
		return "verifying"
	case MergeApproved:
		return "approved"
	case MergeRejected:
		return "rejected"
	case MergeMerged:
		return "merged"
	}
	return "unknown"
}

// allowedMergeTransitions encodes the legal status graph.
var allowedMergeTransitions = map[MergeStatus][]MergeStatus{
	MergePending:   {MergeVerifying},
	MergeVerifying: {MergeApproved, MergeRejected},
	MergeApproved:  {MergeMerged},
}

// CanTransition reports whether moving from s to next is legal.
func (s MergeStatus) CanTransition(next MergeStatus) bool {
	for _, allowed := range allowedMergeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// MergeItem is one verified unit of work awaiting integration into the main
// sandbox.
type MergeItem struct {
	ID        string      `json:"id"`
	SandboxID string      `json:"sandboxId"`
	TaskID    string      `json:"taskId"`
	Files     []string    `json:"files"`
	Score     float64     `json:"score"`
	Status    MergeStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
}

// advance moves the item to the next status, rejecting illegal transitions.
func (m *MergeItem) advance(next MergeStatus) error {
	if !m.Status.CanTransition(next) {
		return fmt.Errorf("merge item %q: illegal transition %s -> %s", m.ID, m.Status, next)
	}
	m.Status = next
	return nil
}

// SharedContext is the single source of truth shared by every sandbox of one
// build. Every mutation goes through the Manager and is persisted as a whole
// snapshot.
type SharedContext struct {
	BuildID           string            `json:"buildId"`
	Intent            string            `json:"intent"`
	CompletedFeatures []string          `json:"completedFeatures"` // De-duplicated
	InProgress        map[string]string `json:"inProgress"`        // Feature -> owning sandbox
	Patterns          []string          `json:"patterns"`
	Errors            []ErrorRecord     `json:"errors"`
	FileOwners        map[string]string `json:"fileOwners"` // Path -> owning sandbox
	MergeQueue        []*MergeItem      `json:"mergeQueue"`
	Discoveries       []Discovery       `json:"discoveries"`
	NextSeq           int64             `json:"nextSeq"`
	CreatedAt         time.Time         `json:"createdAt"`
	ExpiresAt         time.Time         `json:"expiresAt"`
}

func newSharedContext(buildID, intent string, ttl time.Duration) *SharedContext {
	now := time.Now()
	return &SharedContext{
		BuildID:    buildID,
		Intent:     intent,
		InProgress: make(map[string]string),
		FileOwners: make(map[string]string),
		NextSeq:    1,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
}
