package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryQueue is a Queue backed by an in-process slice. It honors
// NotBefore, so delayed tasks (retries, poll intervals) behave the same as
// with the persistent queues. Safe for concurrent use.
type InMemoryQueue struct {
	mu           sync.Mutex
	tasks        []delayedTask
	seq          int64
	pollInterval time.Duration
}

type delayedTask struct {
	task Task
	seq  int64
}

// NewInMemoryQueue creates an empty queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{pollInterval: 10 * time.Millisecond}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now()
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	q.tasks = append(q.tasks, delayedTask{task: t, seq: q.seq})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	for {
		if t := q.tryDequeue(time.Now()); t != nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

// tryDequeue pops the eligible task with the earliest (NotBefore, seq).
func (q *InMemoryQueue) tryDequeue(now time.Time) *Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	best := -1
	for i, dt := range q.tasks {
		if dt.task.NotBefore.After(now) {
			continue
		}
		if best == -1 || less(q.tasks[i], q.tasks[best]) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}
	t := q.tasks[best].task
	q.tasks = append(q.tasks[:best], q.tasks[best+1:]...)
	return &t
}

func less(a, b delayedTask) bool {
	if a.task.NotBefore.Equal(b.task.NotBefore) {
		return a.seq < b.seq
	}
	return a.task.NotBefore.Before(b.task.NotBefore)
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Snapshot returns the queued tasks ordered by eligibility. Intended for
// tests and diagnostics.
func (q *InMemoryQueue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	cp := make([]delayedTask, len(q.tasks))
	copy(cp, q.tasks)
	sort.Slice(cp, func(i, j int) bool { return less(cp[i], cp[j]) })

	out := make([]Task, len(cp))
	for i, dt := range cp {
		out[i] = dt.task
	}
	return out
}
