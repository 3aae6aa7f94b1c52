package sched

import (
	"sync"
	"time"
)

// runQueue is one core's scheduling state. The deadline band and the fair
// band are rank heaps; the fixed-priority band is a FIFO ring per level.
// Threads donated a higher band through priority inheritance are queued in
// the donated band, so a single pick order covers inheritance too.
type runQueue struct {
	mu sync.Mutex

	id       uint32
	isolated bool

	edf  runHeap
	fp   [PriorityLevels]fifo
	fair runHeap
	repl replHeap

	current *TCB
	resched bool

	util        float64 // admitted deadline bandwidth, <= 1
	minVruntime time.Duration

	picks     uint64
	idlePicks uint64
	preempts  uint64
	steals    uint64
	demotions uint64
}

// enqueue places a Ready thread into the queue its effective rank selects.
// Lock held.
func (rq *runQueue) enqueue(t *TCB) {
	r := t.effectiveRank()
	t.queuedBand = int8(r.band)
	switch r.band {
	case 0:
		rq.edf.push(t)
	case 1:
		rq.fp[r.priority].push(t)
	case 2:
		if t.vruntime < rq.minVruntime {
			t.vruntime = rq.minVruntime
		}
		rq.fair.push(t)
	}
}

// dequeue removes a queued thread, wherever it sits. Lock held.
func (rq *runQueue) dequeue(t *TCB) {
	switch t.queuedBand {
	case 0:
		rq.edf.remove(t)
	case 1:
		r := t.effectiveRank()
		if !rq.fp[r.priority].remove(t) {
			// The donor may have changed since enqueue; sweep all levels.
			for i := range rq.fp {
				if rq.fp[i].remove(t) {
					break
				}
			}
		}
	case 2:
		rq.fair.remove(t)
	}
	t.queuedBand = -1
}

// requeue refreshes a Ready thread's queue position after its effective
// rank changed. Lock held.
func (rq *runQueue) requeue(t *TCB) {
	if t.queuedBand < 0 {
		return
	}
	rq.dequeue(t)
	rq.enqueue(t)
}

// pick removes and returns the best runnable thread: deadline band first,
// then fixed-priority levels, then fair. Expired deadlines are caught up
// CBS-style before they can win. Lock held.
func (rq *runQueue) pick(now time.Time) *TCB {
	for rq.edf.peek() != nil {
		top := rq.edf.peek()
		if d, ok := top.class.(Deadline); ok && !top.throttled.Load() && !top.absDeadline.After(now) {
			// Missed deadline while queued: roll the server window forward.
			for !top.absDeadline.After(now) {
				top.absDeadline = top.absDeadline.Add(d.Period)
			}
			top.remaining = d.Budget
			rq.edf.fix(top)
			continue
		}
		t := rq.edf.pop()
		t.queuedBand = -1
		rq.picks++
		return t
	}
	for i := range rq.fp {
		if t := rq.fp[i].pop(); t != nil {
			t.queuedBand = -1
			rq.picks++
			return t
		}
	}
	if t := rq.fair.peek(); t != nil {
		rq.fair.remove(t)
		t.queuedBand = -1
		if t.vruntime > rq.minVruntime {
			rq.minVruntime = t.vruntime
		}
		rq.picks++
		return t
	}
	return nil
}

// best peeks the top-ranked waiting thread without removing it. Lock held.
func (rq *runQueue) best() *TCB {
	if t := rq.edf.peek(); t != nil {
		return t
	}
	for i := range rq.fp {
		if len(rq.fp[i].items) > 0 {
			return rq.fp[i].items[0]
		}
	}
	return rq.fair.peek()
}

// runnable counts queued threads per band. Lock held.
func (rq *runQueue) runnable() (deadline, fixed, fair int) {
	deadline = rq.edf.Len()
	for i := range rq.fp {
		fixed += rq.fp[i].len()
	}
	fair = rq.fair.Len()
	return
}
