package webhook

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// task is one scheduled delivery attempt.
type task struct {
	eventID        string
	subscriptionID string
	attempt        int
	dueAt          time.Time
	event          *Event
	enqueuedAt     time.Time
}

func (t task) key() attemptKey {
	return attemptKey{subscriptionID: t.subscriptionID, eventID: t.eventID, attempt: t.attempt}
}

type taskHeap []task

func (h taskHeap) Len() int           { return len(h) }
func (h taskHeap) Less(i, j int) bool { return h[i].dueAt.Before(h[j].dueAt) }
func (h taskHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x interface{}) {
	*h = append(*h, x.(task))
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = task{}
	*h = old[:n-1]
	return item
}

// delayQueue hands out tasks once they are due, earliest first.
// A task already queued for the same attempt is not queued twice.
type delayQueue struct {
	mu      sync.Mutex
	items   taskHeap
	pending map[attemptKey]struct{}
	wake    chan struct{}
	now     func() time.Time
}

func newDelayQueue() *delayQueue {
	return &delayQueue{
		pending: make(map[attemptKey]struct{}),
		wake:    make(chan struct{}, 1),
		now:     time.Now,
	}
}

func (q *delayQueue) Push(t task) bool {
	q.mu.Lock()
	if _, exists := q.pending[t.key()]; exists {
		q.mu.Unlock()
		return false
	}
	t.enqueuedAt = q.now()
	q.pending[t.key()] = struct{}{}
	heap.Push(&q.items, t)
	q.mu.Unlock()

	q.signal()
	return true
}

func (q *delayQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *delayQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pop blocks until a task is due or ctx is done.
func (q *delayQueue) Pop(ctx context.Context) (task, bool) {
	for {
		q.mu.Lock()
		var wait time.Duration = -1
		if len(q.items) > 0 {
			next := q.items[0]
			wait = next.dueAt.Sub(q.now())
			if wait <= 0 {
				heap.Pop(&q.items)
				delete(q.pending, next.key())
				remaining := len(q.items)
				q.mu.Unlock()
				if remaining > 0 {
					q.signal()
				}
				return next, true
			}
		}
		q.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return task{}, false
			case <-q.wake:
				timer.Stop()
			case <-timer.C:
			}
			continue
		}

		select {
		case <-ctx.Done():
			return task{}, false
		case <-q.wake:
		}
	}
}
