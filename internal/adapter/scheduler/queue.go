package scheduler

import (
	"container/heap"
	"time"
)

// fireItem - запись очереди запусков. Хендл находится в очереди только в состоянии Pending.
type fireItem struct {
	at     time.Time
	seq    uint64
	handle *Handle
	index  int
}

// fireQueue - min-heap по времени запуска, при равенстве по порядку добавления.
type fireQueue []*fireItem

var _ heap.Interface = (*fireQueue)(nil)

func (q fireQueue) Len() int { return len(q) }

func (q fireQueue) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].seq < q[j].seq
	}
	return q[i].at.Before(q[j].at)
}

func (q fireQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *fireQueue) Push(x any) {
	item := x.(*fireItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *fireQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func (q fireQueue) peek() *fireItem {
	if len(q) == 0 {
		return nil
	}
	return q[0]
}
