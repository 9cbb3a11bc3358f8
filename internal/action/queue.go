package action

import (
	"container/heap"
	"context"
	"sync"
)

// Queue is a priority queue of Actions that preserves enqueue order among
// equal priorities. It is safe for many producers and one consumer.
type Queue struct {
	mu     sync.Mutex
	items  actionHeap
	seq    uint64
	notify chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push enqueues a.
func (q *Queue) Push(a *Action) {
	q.mu.Lock()
	q.seq++
	a.seq = q.seq
	heap.Push(&q.items, a)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop removes the lowest Action, blocking until one is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (*Action, error) {
	for {
		if a := q.TryPop(); a != nil {
			return a, nil
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryPop removes the lowest Action, or returns nil if the queue is empty.
func (q *Queue) TryPop() *Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Action)
}

// Len returns the number of queued Actions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Drain removes and returns every queued Action in dequeue order.
func (q *Queue) Drain() []*Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Action, 0, len(q.items))
	for len(q.items) > 0 {
		out = append(out, heap.Pop(&q.items).(*Action))
	}
	return out
}

type actionHeap []*Action

func (h actionHeap) Len() int           { return len(h) }
func (h actionHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h actionHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *actionHeap) Push(x any) {
	*h = append(*h, x.(*Action))
}

func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return a
}
