package sharedctx

import "context"

// Store persists shared build context as whole snapshots.
//
// The base contract is deliberately weak: SaveSnapshot followed by
// LoadSnapshot is the only guarantee, so the Manager treats claims as
// optimistic and reconciles by re-reading after every write. Stores that can
// do better also implement AtomicClaimer and get used directly.
type Store interface {
	SaveSnapshot(ctx context.Context, sc *SharedContext) error
	LoadSnapshot(ctx context.Context, buildID string) (*SharedContext, error)
	DeleteSnapshot(ctx context.Context, buildID string) error
	Close() error
}

// AtomicClaimer is an optional Store capability: a conditional-insert file
// claim that resolves racing claims to exactly one winner at the store.
type AtomicClaimer interface {
	// TryClaim records sandboxID as owner of path unless an owner exists.
	// It returns the resulting owner and whether the claim was won.
	TryClaim(ctx context.Context, buildID, path, sandboxID string) (owner string, won bool, err error)
	// ReleaseClaim removes the claim if sandboxID is the recorded owner.
	ReleaseClaim(ctx context.Context, buildID, path, sandboxID string) (released bool, err error)
}
