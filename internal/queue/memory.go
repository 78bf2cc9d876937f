package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue for single-process runs and tests.
type MemoryQueue struct {
	mu     sync.Mutex
	items  [][]byte
	notify chan struct{}
}

// Compile-time interface check.
var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{}, 1)}
}

// Push appends a copy of payload.
func (q *MemoryQueue) Push(_ context.Context, payload []byte) error {
	item := append([]byte(nil), payload...)
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the head, waiting up to timeout for one to arrive.
func (q *MemoryQueue) Pop(ctx context.Context, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if item, ok := q.tryPop(); ok {
			return item, nil
		}
		select {
		case <-q.notify:
		case <-timer.C:
			return nil, ErrEmpty
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) tryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	if len(q.items) > 0 {
		// Wake another waiter for the remaining items.
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return item, true
}

// Len reports the number of queued items.
func (q *MemoryQueue) Len(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// Ping always succeeds.
func (q *MemoryQueue) Ping(_ context.Context) error { return nil }
