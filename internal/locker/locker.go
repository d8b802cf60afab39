// Package locker provides process-external advisory locks used to serialize
// orchestration work on a workflow across engine replicas. The store-level
// workflow lock is the correctness boundary; these locks reduce contention
// on it, they do not replace it.
package locker

import (
	"context"
	"time"
)

// Locker is a cooperative, TTL-bound lock keyed by workflow ID.
//
// Acquire returns false with a nil error when another owner holds the lock:
// losing the race is an expected outcome. Re-acquisition by the same owner
// succeeds and refreshes the TTL.
type Locker interface {
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, owner string) (bool, error)
}
