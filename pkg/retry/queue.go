package retry

import "container/heap"

type item struct {
	task  Task
	seq   uint64
	index int
}

// taskQueue is a min-heap on NextAt, ties broken by insertion order.
type taskQueue []*item

var _ heap.Interface = (*taskQueue)(nil)

func (q taskQueue) Len() int { return len(q) }

func (q taskQueue) Less(i, j int) bool {
	if q[i].task.NextAt.Equal(q[j].task.NextAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].task.NextAt.Before(q[j].task.NextAt)
}

func (q taskQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *taskQueue) Push(x any) {
	it := x.(*item)
	it.index = len(*q)
	*q = append(*q, it)
}

func (q *taskQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*q = old[:n-1]
	return it
}
