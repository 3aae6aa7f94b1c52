package ipc

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
)

// channel is one live IPC channel: the ring, the spill overflow, the two
// endpoint liveness flags, and the parked-thread queues. Endpoint
// capabilities reference it by id only; revoking them flips the liveness
// flags through the capability teardown hook.
type channel struct {
	id      defs.ChannelID
	creator defs.PID
	class   Class
	policy  Policy
	ring    *ring
	created time.Time

	sendLabel defs.Label
	recvLabel defs.Label

	sendAlive atomic.Bool
	recvAlive atomic.Bool

	// Spill overflow, used only under the Spill policy. spillLen mirrors
	// len(spill) atomically so the send fast path can route without the
	// lock: while the spill holds anything, every send must append behind
	// it or FIFO would break.
	spillMu  sync.Mutex
	spill    []Message
	spillMax int
	spillLen atomic.Int64

	waitMu sync.Mutex
	sendQ  []*sched.TCB
	recvQ  []*sched.TCB

	delivered atomic.Uint64

	sends    atomic.Uint64
	receives atomic.Uint64
	drops    atomic.Uint64
	spills   atomic.Uint64
}

// trySpill appends to the overflow buffer, failing once it is at limit.
func (ch *channel) trySpill(msg Message) bool {
	ch.spillMu.Lock()
	defer ch.spillMu.Unlock()
	if len(ch.spill) >= ch.spillMax {
		return false
	}
	ch.spill = append(ch.spill, msg)
	ch.spillLen.Add(1)
	return true
}

// popSpill removes the overflow head. Spill entries are strictly newer
// than anything in the ring, so callers drain the ring first.
func (ch *channel) popSpill() (Message, bool) {
	if ch.spillLen.Load() == 0 {
		return Message{}, false
	}
	ch.spillMu.Lock()
	defer ch.spillMu.Unlock()
	if len(ch.spill) == 0 {
		return Message{}, false
	}
	msg := ch.spill[0]
	ch.spill[0] = Message{}
	ch.spill = ch.spill[1:]
	if len(ch.spill) == 0 {
		ch.spill = nil
	}
	ch.spillLen.Add(-1)
	return msg, true
}

// buffered reports whether anything is queued in ring or spill.
func (ch *channel) buffered() bool {
	return ch.ring.length() > 0 || ch.spillLen.Load() > 0
}

func (ch *channel) pushSendWaiter(t *sched.TCB) {
	ch.waitMu.Lock()
	ch.sendQ = append(ch.sendQ, t)
	ch.waitMu.Unlock()
}

func (ch *channel) pushRecvWaiter(t *sched.TCB) {
	ch.waitMu.Lock()
	ch.recvQ = append(ch.recvQ, t)
	ch.waitMu.Unlock()
}

// popSendWaiter takes the longest-parked sender, FIFO.
func (ch *channel) popSendWaiter() *sched.TCB {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	if len(ch.sendQ) == 0 {
		return nil
	}
	t := ch.sendQ[0]
	ch.sendQ[0] = nil
	ch.sendQ = ch.sendQ[1:]
	return t
}

func (ch *channel) popRecvWaiter() *sched.TCB {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	if len(ch.recvQ) == 0 {
		return nil
	}
	t := ch.recvQ[0]
	ch.recvQ[0] = nil
	ch.recvQ = ch.recvQ[1:]
	return t
}

func removeWaiter(q []*sched.TCB, t *sched.TCB) []*sched.TCB {
	for i, w := range q {
		if w == t {
			copy(q[i:], q[i+1:])
			q[len(q)-1] = nil
			return q[:len(q)-1]
		}
	}
	return q
}

func (ch *channel) removeSendWaiter(t *sched.TCB) {
	ch.waitMu.Lock()
	ch.sendQ = removeWaiter(ch.sendQ, t)
	ch.waitMu.Unlock()
}

func (ch *channel) removeRecvWaiter(t *sched.TCB) {
	ch.waitMu.Lock()
	ch.recvQ = removeWaiter(ch.recvQ, t)
	ch.waitMu.Unlock()
}

// drainWaiters empties both queues for teardown and returns them.
func (ch *channel) drainWaiters() (senders, receivers []*sched.TCB) {
	ch.waitMu.Lock()
	senders, receivers = ch.sendQ, ch.recvQ
	ch.sendQ, ch.recvQ = nil, nil
	ch.waitMu.Unlock()
	return senders, receivers
}

// bestRecvWaiter returns the highest-ranked parked receiver, used to
// decide what rank a parking sender inherits.
func (ch *channel) bestRecvWaiter(s *sched.Scheduler) *sched.TCB {
	ch.waitMu.Lock()
	defer ch.waitMu.Unlock()
	var best *sched.TCB
	for _, w := range ch.recvQ {
		if best == nil || s.Outranks(w, best) {
			best = w
		}
	}
	return best
}
