package mcod

import "container/heap"

// event schedules a re-evaluation of point id once windowEnd reaches time.
type event struct {
	time int64
	id   int64
}

type eventHeap []event

func (h eventHeap) Len() int { return len(h) }

func (h eventHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	return h[i].id < h[j].id
}

func (h eventHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *eventHeap) Push(x any) { *h = append(*h, x.(event)) }

func (h *eventHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// eventQueue orders events by time, then by point id.
type eventQueue struct {
	h eventHeap
}

func (q *eventQueue) insert(id, time int64) {
	heap.Push(&q.h, event{time: time, id: id})
}

func (q *eventQueue) peekMin() (event, bool) {
	if len(q.h) == 0 {
		return event{}, false
	}
	return q.h[0], true
}

func (q *eventQueue) extractMin() (event, bool) {
	if len(q.h) == 0 {
		return event{}, false
	}
	return heap.Pop(&q.h).(event), true
}

func (q *eventQueue) len() int {
	return len(q.h)
}
