// Package queue provides the deadline-ordered priority queue behind the
// system task timers.
package queue

import "time"

// Item is a queued value with its deadline.
type Item[T any] struct {
	ID       uint64
	Deadline time.Time
	Value    T
}

// DeadlineQueue is a min-heap ordered by deadline. Items with equal
// deadlines pop in insertion order.
//
// DeadlineQueue is not safe for concurrent use.
type DeadlineQueue[T any] struct {
	items  []Item[T]
	nextID uint64
}

// New returns an empty queue with room for capacity items.
func New[T any](capacity int) *DeadlineQueue[T] {
	return &DeadlineQueue[T]{items: make([]Item[T], 0, capacity)}
}

// Len returns the number of queued items.
func (q *DeadlineQueue[T]) Len() int { return len(q.items) }

// Push queues v and returns an id that can be passed to Remove.
func (q *DeadlineQueue[T]) Push(deadline time.Time, v T) uint64 {
	q.nextID++
	q.items = append(q.items, Item[T]{ID: q.nextID, Deadline: deadline, Value: v})
	q.siftUp(len(q.items) - 1)
	return q.nextID
}

// Peek returns the item with the earliest deadline.
func (q *DeadlineQueue[T]) Peek() (Item[T], bool) {
	if len(q.items) == 0 {
		return Item[T]{}, false
	}
	return q.items[0], true
}

// Pop removes and returns the item with the earliest deadline.
func (q *DeadlineQueue[T]) Pop() (Item[T], bool) {
	if len(q.items) == 0 {
		return Item[T]{}, false
	}
	return q.removeAt(0), true
}

// PopDue removes and returns the earliest item if its deadline is not after
// now.
func (q *DeadlineQueue[T]) PopDue(now time.Time) (Item[T], bool) {
	if len(q.items) == 0 || q.items[0].Deadline.After(now) {
		return Item[T]{}, false
	}
	return q.removeAt(0), true
}

// Remove drops the item with the given id. It reports whether it was queued.
func (q *DeadlineQueue[T]) Remove(id uint64) bool {
	for i := range q.items {
		if q.items[i].ID == id {
			q.removeAt(i)
			return true
		}
	}
	return false
}

// Reset drops every item.
func (q *DeadlineQueue[T]) Reset() {
	clear(q.items)
	q.items = q.items[:0]
}

func (q *DeadlineQueue[T]) removeAt(i int) Item[T] {
	n := len(q.items) - 1
	item := q.items[i]
	q.items[i] = q.items[n]
	q.items[n] = Item[T]{} // release the value
	q.items = q.items[:n]
	if i < n {
		q.siftDown(i)
		q.siftUp(i)
	}
	return item
}

func (q *DeadlineQueue[T]) less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Deadline.Equal(b.Deadline) {
		return a.ID < b.ID
	}
	return a.Deadline.Before(b.Deadline)
}

func (q *DeadlineQueue[T]) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *DeadlineQueue[T]) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
