package locker

import (
	"context"
	"sync"
	"time"
)

// LocalLocker is an in-process Locker backed by a map. Suitable for a single
// engine replica and for tests.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]localLock
}

type localLock struct {
	owner     string
	expiresAt time.Time
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]localLock)}
}

// Ensure LocalLocker implements Locker.
var _ Locker = (*LocalLocker)(nil)

func (l *LocalLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cur, held := l.locks[key]
	if held && cur.owner != owner && cur.expiresAt.After(now) {
		return false, nil
	}
	l.locks[key] = localLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (l *LocalLocker) Release(ctx context.Context, key, owner string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, held := l.locks[key]
	if !held || cur.owner != owner {
		return false, nil
	}
	delete(l.locks, key)
	return true, nil
}
