package dispatcher

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/dreamware/conductor/internal/action"
	"github.com/dreamware/conductor/internal/metrics"
)

type item struct {
	id       string
	created  time.Time
	priority int
	seq      uint64
}

// items orders by creation time, then priority (lower first), then push order.
type items []item

func (h items) Len() int { return len(h) }
func (h items) Less(i, j int) bool {
	if c := h[i].created.Compare(h[j].created); c != 0 {
		return c < 0
	}
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h items) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *items) Push(x any)   { *h = append(*h, x.(item)) }
func (h *items) Pop() any {
	old := *h
	it := old[len(old)-1]
	*h = old[:len(old)-1]
	return it
}

// queue holds READY action ids for the workers. An id is queued at most
// once; workers re-check the stored status before running anything.
type queue struct {
	mu     sync.Mutex
	items  items
	queued map[string]bool
	seq    uint64
	signal chan struct{}
}

func newQueue() *queue {
	return &queue{queued: map[string]bool{}, signal: make(chan struct{}, 1)}
}

func (q *queue) push(a *action.Action) bool {
	q.mu.Lock()
	if q.queued[a.ID] {
		q.mu.Unlock()
		return false
	}
	q.seq++
	heap.Push(&q.items, item{id: a.ID, created: a.CreatedAt, priority: a.Priority, seq: q.seq})
	q.queued[a.ID] = true
	metrics.QueueDepth.Set(float64(len(q.items)))
	q.mu.Unlock()
	q.wake()
	return true
}

// pop blocks until an id is available or ctx is done.
func (q *queue) pop(ctx context.Context) (string, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(item)
			delete(q.queued, it.id)
			more := len(q.items) > 0
			metrics.QueueDepth.Set(float64(len(q.items)))
			q.mu.Unlock()
			if more {
				q.wake()
			}
			return it.id, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", false
		case <-q.signal:
		}
	}
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[id]
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
