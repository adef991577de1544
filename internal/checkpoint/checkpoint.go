// Package checkpoint tracks the last committed offset per partition. The
// commit is synchronous: a worker blocks on Advance before polling again,
// which bounds the replay window after a crash to one in-flight batch per
// partition.
package checkpoint

import "context"

// None is returned by CurrentOffset when a partition has no checkpoint yet.
const None int64 = -1

// Store is the per-partition checkpoint contract. Each partition is owned by
// exactly one worker, so implementations only need to guarantee monotonicity,
// not cross-writer coordination.
type Store interface {
	// Advance durably records offset as committed for the partition.
	// Offsets never move backwards; advancing to an older offset is a
	// no-op, not an error.
	Advance(ctx context.Context, partition int, offset int64) error

	// CurrentOffset returns the last committed offset for the partition,
	// or None when nothing has been committed.
	CurrentOffset(ctx context.Context, partition int) (int64, error)
}
