// Package sched provides the priority scheduler: a weight-ordered ready
// queue with dependency awareness, quota/budget admission, and
// preemption of low-priority work under pressure.
package sched

import (
	"container/heap"
	"time"

	"github.com/ideamine/conductor/internal/task"
)

// item is one queued task. seq breaks enqueue-time ties so FIFO order
// inside a class is deterministic.
type item struct {
	spec       *task.Spec
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// queue is a priority heap. Higher weight first; within a weight,
// preempted re-entries ahead of fresh arrivals; then FIFO.
type queue []*item

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	wi, wj := q[i].spec.Priority.Weight(), q[j].spec.Priority.Weight()
	if wi != wj {
		return wi > wj
	}
	if q[i].spec.Preempted != q[j].spec.Preempted {
		return q[i].spec.Preempted
	}
	if !q[i].enqueuedAt.Equal(q[j].enqueuedAt) {
		return q[i].enqueuedAt.Before(q[j].enqueuedAt)
	}
	return q[i].seq < q[j].seq
}

func (q queue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *queue) Push(x any) {
	n := len(*q)
	it := x.(*item)
	it.index = n
	*q = append(*q, it)
}

func (q *queue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[0 : n-1]
	return it
}

var _ heap.Interface = (*queue)(nil)
