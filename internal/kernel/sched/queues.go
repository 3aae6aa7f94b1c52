package sched

import "container/heap"

// runHeap orders runnable threads by effective rank. One heap instance
// serves the deadline band and one the best-effort band; the fixed-priority
// band uses plain FIFO rings. Threads track their position in heapIdx so
// removal on block or steal is O(log n).
type runHeap []*TCB

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	return rankLess(h[i].effectiveRank(), h[j].effectiveRank())
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *runHeap) Push(x any) {
	t := x.(*TCB)
	t.heapIdx = len(*h)
	*h = append(*h, t)
}

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIdx = -1
	*h = old[:n-1]
	return t
}

func (h *runHeap) push(t *TCB)   { heap.Push(h, t) }
func (h *runHeap) pop() *TCB     { return heap.Pop(h).(*TCB) }
func (h *runHeap) remove(t *TCB) { heap.Remove(h, t.heapIdx) }
func (h *runHeap) fix(t *TCB)    { heap.Fix(h, t.heapIdx) }
func (h runHeap) peek() *TCB {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// fifo is one fixed-priority ring. Slices are fine here: the backing array
// is reused and the queue length is bounded by the thread table.
type fifo struct {
	items []*TCB
}

func (q *fifo) push(t *TCB) { q.items = append(q.items, t) }

func (q *fifo) pop() *TCB {
	if len(q.items) == 0 {
		return nil
	}
	t := q.items[0]
	copy(q.items, q.items[1:])
	q.items[len(q.items)-1] = nil
	q.items = q.items[:len(q.items)-1]
	return t
}

func (q *fifo) remove(t *TCB) bool {
	for i, it := range q.items {
		if it == t {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

func (q *fifo) len() int { return len(q.items) }

// replHeap orders CBS-throttled threads by replenishment time so a tick
// pays only for the replenishments that are actually due.
type replHeap []*TCB

func (h replHeap) Len() int { return len(h) }

func (h replHeap) Less(i, j int) bool {
	return h[i].replenishAt.Before(h[j].replenishAt)
}

func (h replHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].replIdx = i
	h[j].replIdx = j
}

func (h *replHeap) Push(x any) {
	t := x.(*TCB)
	t.replIdx = len(*h)
	*h = append(*h, t)
}

func (h *replHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.replIdx = -1
	*h = old[:n-1]
	return t
}

func (h *replHeap) push(t *TCB)   { heap.Push(h, t) }
func (h *replHeap) pop() *TCB     { return heap.Pop(h).(*TCB) }
func (h *replHeap) remove(t *TCB) { heap.Remove(h, t.replIdx) }
func (h replHeap) peek() *TCB {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
