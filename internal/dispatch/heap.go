package dispatch

import (
	"container/heap"
	"sync"
	"time"
)

// item is one queued task reference. The heap caches only the ordering key;
// the store row is re-read at pop time.
type item struct {
	id       int64
	at       time.Time
	priority int
	index    int
}

// ordering: earlier at first, then higher priority, then lower id.
type items []*item

func (h items) Len() int { return len(h) }

func (h items) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.at.Equal(b.at) {
		return a.at.Before(b.at)
	}
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.id < b.id
}

func (h items) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *items) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *items) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// queue is the mutex-guarded min-heap shared between the dispatcher
// goroutine and the task service's local updates.
type queue struct {
	mu   sync.Mutex
	heap items
	byID map[int64]*item
}

func newQueue() *queue {
	return &queue{byID: map[int64]*item{}}
}

// add inserts or reschedules a task.
func (q *queue) add(id int64, at time.Time, priority int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it, ok := q.byID[id]; ok {
		it.at = at
		it.priority = priority
		heap.Fix(&q.heap, it.index)
		return
	}
	it := &item{id: id, at: at, priority: priority}
	q.byID[id] = it
	heap.Push(&q.heap, it)
}

// remove drops a task if queued. Returns whether it was present.
func (q *queue) remove(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.byID[id]
	if !ok {
		return false
	}
	delete(q.byID, id)
	heap.Remove(&q.heap, it.index)
	return true
}

// peek returns the next key without popping. ok is false on empty.
func (q *queue) peek() (int64, time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return 0, time.Time{}, false
	}
	return q.heap[0].id, q.heap[0].at, true
}

// popDue removes and returns the head if its key is at or before now.
func (q *queue) popDue(now time.Time) (*item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 || q.heap[0].at.After(now) {
		return nil, false
	}
	it := heap.Pop(&q.heap).(*item)
	delete(q.byID, it.id)
	return it, true
}

// replaceAll swaps the full contents, used on resync.
func (q *queue) replaceAll(fresh []*item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = q.heap[:0]
	q.byID = make(map[int64]*item, len(fresh))
	for _, it := range fresh {
		it.index = len(q.heap)
		q.heap = append(q.heap, it)
		q.byID[it.id] = it
	}
	heap.Init(&q.heap)
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
