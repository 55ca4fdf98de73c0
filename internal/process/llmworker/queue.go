package llmworker

import (
	"sync"

	"github.com/wohlfahrt-digital/newswatch/internal/platform/observability"
)

// FreshQueue is the bounded in-memory queue of item ids that arrived
// since the worker last looked. It is deliberately lossy: when full,
// new ids are dropped rather than blocking intake, because every item
// also sits in the database backlog and will be picked up from there.
type FreshQueue struct {
	mu       sync.Mutex
	ids      []int64
	capacity int
}

// NewFreshQueue creates a queue holding at most capacity ids.
func NewFreshQueue(capacity int) *FreshQueue {
	if capacity <= 0 {
		capacity = 1
	}

	return &FreshQueue{capacity: capacity}
}

// Push enqueues an id. Returns false when the queue is full and the id
// was dropped.
func (q *FreshQueue) Push(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) >= q.capacity {
		observability.FreshQueueDropped.Inc()

		return false
	}

	q.ids = append(q.ids, id)
	observability.FreshQueueDepth.Set(float64(len(q.ids)))

	return true
}

// Requeue puts ids back at the front, ahead of later arrivals and in
// their original order. Anything beyond capacity is dropped from the
// tail; the database backlog recovers dropped ids.
func (q *FreshQueue) Requeue(ids []int64) {
	if len(ids) == 0 {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	merged := make([]int64, 0, len(ids)+len(q.ids))
	merged = append(merged, ids...)
	merged = append(merged, q.ids...)

	if len(merged) > q.capacity {
		dropped := len(merged) - q.capacity
		observability.FreshQueueDropped.Add(float64(dropped))
		merged = merged[:q.capacity]
	}

	q.ids = merged
	observability.FreshQueueDepth.Set(float64(len(q.ids)))
}

// PopBatch dequeues up to n ids in arrival order.
func (q *FreshQueue) PopBatch(n int) []int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.ids) == 0 || n <= 0 {
		return nil
	}

	if n > len(q.ids) {
		n = len(q.ids)
	}

	batch := make([]int64, n)
	copy(batch, q.ids[:n])

	q.ids = q.ids[:copy(q.ids, q.ids[n:])]
	observability.FreshQueueDepth.Set(float64(len(q.ids)))

	return batch
}

// Len returns the current depth.
func (q *FreshQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.ids)
}
