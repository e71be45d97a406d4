// Package queue implements the Coordinator's priority-ordered admission
// queue of Pending work items.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	v1 "github.com/kdlbs/orchestra/pkg/api/v1"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrItemExists is returned when an item already exists in the queue.
	ErrItemExists = errors.New("item already exists in queue")
)

// Entry represents one work item held in the priority queue.
type Entry struct {
	ItemID    string
	Priority  int // Higher priority = processed first
	Type      string
	QueuedAt  time.Time
	Item      *v1.WorkItem
	index     int // index in the heap, used by container/heap
}

// entryHeap implements heap.Interface, keyed by (-priority, queued_at) so
// that higher priority and earlier arrival both sort to the front.
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*Entry)
	item.index = n
	*h = append(*h, item)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Queue is the Coordinator's admission queue of Pending work items,
// ordered by (-priority, created_at).
//
// It is owned exclusively by the Coordinator's matching loop and is
// never accessed concurrently by other goroutines, so
// the mutex here guards only against the admission path (SubmitTask)
// racing the matching loop, not against arbitrary external callers.
type Queue struct {
	mu      sync.Mutex
	heap    entryHeap
	byID    map[string]*Entry
	maxSize int
}

// New creates a new priority queue with the given capacity. maxSize <= 0
// means unbounded.
func New(maxSize int) *Queue {
	q := &Queue{
		heap:    make(entryHeap, 0),
		byID:    make(map[string]*Entry),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a work item to the queue.
func (q *Queue) Enqueue(item *v1.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[item.ID]; exists {
		return ErrItemExists
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	e := &Entry{
		ItemID:   item.ID,
		Priority: item.Priority,
		Type:     item.Type,
		QueuedAt: item.CreatedAt,
		Item:     item,
	}
	heap.Push(&q.heap, e)
	q.byID[item.ID] = e
	return nil
}

// Dequeue removes and returns the highest priority item, or nil if empty.
func (q *Queue) Dequeue() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	e := heap.Pop(&q.heap).(*Entry)
	delete(q.byID, e.ItemID)
	return e
}

// DequeueMatching scans the queue in priority order and removes the
// first entry for which match returns true, skipping over (not
// dropping) entries that don't match so a perpetually-unmatched head
// item never blocks later candidates. Returns nil if no entry matches.
func (q *Queue) DequeueMatching(match func(*Entry) bool) *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	ordered := make([]*Entry, len(q.heap))
	copy(ordered, q.heap)
	sortByPriority(ordered)

	for _, e := range ordered {
		if e.index < 0 {
			continue
		}
		if match(e) {
			heap.Remove(&q.heap, e.index)
			delete(q.byID, e.ItemID)
			return e
		}
	}
	return nil
}

func sortByPriority(entries []*Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			less := a.Priority > b.Priority || (a.Priority == b.Priority && a.QueuedAt.Before(b.QueuedAt))
			if less {
				break
			}
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}

// Peek returns the highest priority item without removing it.
func (q *Queue) Peek() *Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	return q.heap[0]
}

// Remove removes a specific item from the queue, e.g. on CancelTask.
func (q *Queue) Remove(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, exists := q.byID[itemID]
	if !exists {
		return false
	}
	heap.Remove(&q.heap, e.index)
	delete(q.byID, itemID)
	return true
}

// UpdatePriority updates the priority of an already-queued item.
func (q *Queue) UpdatePriority(itemID string, newPriority int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, exists := q.byID[itemID]
	if !exists {
		return false
	}
	e.Priority = newPriority
	heap.Fix(&q.heap, e.index)
	return true
}

// Contains reports whether an item is currently queued.
func (q *Queue) Contains(itemID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, exists := q.byID[itemID]
	return exists
}

// Len returns the number of queued items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// IsFull reports whether the queue is at max capacity.
func (q *Queue) IsFull() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.maxSize > 0 && len(q.heap) >= q.maxSize
}

// List returns a snapshot of all queued entries, for status reporting.
func (q *Queue) List() []*Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	result := make([]*Entry, len(q.heap))
	copy(result, q.heap)
	return result
}

// Clear removes all items from the queue.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.heap = make(entryHeap, 0)
	q.byID = make(map[string]*Entry)
	heap.Init(&q.heap)
}
