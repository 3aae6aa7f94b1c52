package ipc

import "sync/atomic"

// cell is one ring slot. seq is the slot's turn counter in the usual
// bounded-queue scheme: equal to the enqueue position when the slot is
// free for that position, position+1 once a message is in it.
type cell struct {
	seq atomic.Uint64
	msg Message
}

// ring is the bounded message queue at the heart of a channel: a
// power-of-two cell array claimed by CAS on both ends, plus an explicit
// credit counter for flow control. Producers race freely; consumers are
// the receiver and, under the drop-oldest policy, an evicting sender. A
// producer must hold a credit before enqueueing, which is what bounds the
// queue; eviction consumes a slot without returning its credit and hands
// that credit to the evictor's own message.
type ring struct {
	mask    uint64
	cells   []cell
	enq     atomic.Uint64
	deq     atomic.Uint64
	credits atomic.Int64
}

// newRing builds a ring with the given power-of-two capacity.
func newRing(capacity int) *ring {
	r := &ring{
		mask:  uint64(capacity - 1),
		cells: make([]cell, capacity),
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}
	r.credits.Store(int64(capacity))
	return r
}

// ceilPow2 rounds n up to the next power of two.
func ceilPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// tryReserve takes one credit. False means the ring is at capacity.
func (r *ring) tryReserve() bool {
	if r.credits.Add(-1) < 0 {
		r.credits.Add(1)
		return false
	}
	return true
}

// returnCredit gives one unit of capacity back after a dequeue.
func (r *ring) returnCredit() { r.credits.Add(1) }

// available reads the current credit count; never above capacity.
func (r *ring) available() int64 { return r.credits.Load() }

// enqueue writes msg into the next slot. The caller must hold a credit,
// which guarantees a slot opens up; the loop only contends with other
// producers for position.
func (r *ring) enqueue(msg Message) uint64 {
	for {
		pos := r.enq.Load()
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		if int64(seq)-int64(pos) == 0 {
			if r.enq.CompareAndSwap(pos, pos+1) {
				c.msg = msg
				c.seq.Store(pos + 1)
				return pos
			}
		}
		// Slot not yet released or another producer won the position;
		// reload and retry.
	}
}

// dequeue removes the oldest message. Safe for concurrent consumers: the
// receiver and drop-oldest evictors may race, each winning distinct
// positions.
func (r *ring) dequeue() (Message, bool) {
	for {
		pos := r.deq.Load()
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		dif := int64(seq) - int64(pos+1)
		switch {
		case dif == 0:
			if r.deq.CompareAndSwap(pos, pos+1) {
				msg := c.msg
				c.msg = Message{}
				c.seq.Store(pos + r.mask + 1)
				return msg, true
			}
		case dif < 0:
			return Message{}, false
		}
	}
}

// length approximates the number of queued messages.
func (r *ring) length() int {
	enq := r.enq.Load()
	deq := r.deq.Load()
	if enq < deq {
		return 0
	}
	return int(enq - deq)
}

// capacity is the fixed slot count.
func (r *ring) capacity() int { return len(r.cells) }
