package sched

import (
	"sync/atomic"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cpu"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// State is a thread's scheduling state. Legal transitions are
// Ready -> Running -> {Blocked, Ready, Terminated} and Blocked -> Ready;
// anything else is a kernel invariant violation.
type State uint32

const (
	StateReady State = iota
	StateRunning
	StateBlocked
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// WaitReason tags why a thread is blocked, for introspection only.
type WaitReason uint8

const (
	WaitNone WaitReason = iota
	WaitSend
	WaitReceive
	WaitSleep
	WaitChild
)

func (w WaitReason) String() string {
	switch w {
	case WaitNone:
		return "none"
	case WaitSend:
		return "ipc-send"
	case WaitReceive:
		return "ipc-receive"
	case WaitSleep:
		return "sleep"
	case WaitChild:
		return "wait-child"
	default:
		return "unknown"
	}
}

const (
	parkIdle uint32 = iota
	parkWaiting
	parkSignaled
)

// TCB is a thread control block: scheduling state plus a pointer to the
// thread's architecture half. Scheduling fields are written only under the
// home core's queue lock; state and core are additionally readable without
// it for introspection.
type TCB struct {
	ID   defs.TID
	PID  defs.PID
	Name string
	Arch *cpu.Thread

	Affinity defs.CoreMask
	class    Class

	state atomic.Uint32
	core  atomic.Uint32
	wait  WaitReason

	// Deadline/CBS accounting.
	absDeadline time.Time
	remaining   time.Duration
	replenishAt time.Time
	throttled   atomic.Bool
	admitSeq    uint64

	// Round-robin and fair accounting.
	sliceLeft time.Duration
	vruntime  time.Duration

	// Priority inheritance: while hasDonor is set the thread is ranked by
	// the better of its own rank and donor.
	donor    rank
	hasDonor bool

	// Queue bookkeeping: which band the thread is queued in (-1 when not
	// queued) and its positions in the run and replenish heaps.
	queuedBand int8
	heapIdx    int
	replIdx    int

	park   chan error
	pstate atomic.Uint32
}

// NewTCB builds a thread control block ready for admission.
func NewTCB(id defs.TID, pid defs.PID, name string, arch *cpu.Thread, class Class, affinity defs.CoreMask) *TCB {
	t := &TCB{
		ID:         id,
		PID:        pid,
		Name:       name,
		Arch:       arch,
		Affinity:   affinity,
		class:      class,
		queuedBand: -1,
		heapIdx:    -1,
		replIdx:    -1,
		park:       make(chan error, 1),
	}
	t.state.Store(uint32(StateReady))
	return t
}

// State reads the scheduling state without a lock.
func (t *TCB) State() State { return State(t.state.Load()) }

// Core reads the thread's current home core.
func (t *TCB) Core() defs.CoreID { return defs.CoreID(t.core.Load()) }

// Class returns the thread's own class, ignoring throttling and donation.
func (t *TCB) Class() Class { return t.class }

// Throttled reports whether the thread is currently CBS-demoted.
func (t *TCB) Throttled() bool { return t.throttled.Load() }

// setState writes a new state. Callers hold the home queue lock and have
// validated the transition.
func (t *TCB) setState(s State) { t.state.Store(uint32(s)) }

// checkTransition panics on transitions the state machine forbids.
func checkTransition(from, to State) {
	ok := false
	switch from {
	case StateReady:
		ok = to == StateRunning || to == StateBlocked
	case StateRunning:
		ok = to == StateBlocked || to == StateReady || to == StateTerminated
	case StateBlocked:
		ok = to == StateReady
	case StateTerminated:
		ok = false
	}
	if !ok {
		panic("sched: illegal state transition " + from.String() + " -> " + to.String())
	}
}

// rank is a total order over runnable threads: band first, then the
// band-specific key, then admission order.
type rank struct {
	band     uint8 // 0 deadline, 1 fixed-priority, 2 best-effort
	deadline time.Time
	priority uint8
	vruntime time.Duration
	seq      uint64
}

func rankLess(a, b rank) bool {
	if a.band != b.band {
		return a.band < b.band
	}
	switch a.band {
	case 0:
		if !a.deadline.Equal(b.deadline) {
			return a.deadline.Before(b.deadline)
		}
	case 1:
		if a.priority != b.priority {
			return a.priority < b.priority
		}
	case 2:
		if a.vruntime != b.vruntime {
			return a.vruntime < b.vruntime
		}
	}
	return a.seq < b.seq
}

// ownRank computes the thread's rank from its own class and CBS status.
// Callers hold the home queue lock.
func (t *TCB) ownRank() rank {
	switch c := t.class.(type) {
	case Deadline:
		if t.throttled.Load() {
			return rank{band: 2, vruntime: t.vruntime, seq: t.admitSeq}
		}
		return rank{band: 0, deadline: t.absDeadline, seq: t.admitSeq}
	case FixedPriority:
		return rank{band: 1, priority: c.Priority, seq: t.admitSeq}
	case BestEffort:
		return rank{band: 2, vruntime: t.vruntime, seq: t.admitSeq}
	default:
		panic("sched: unknown scheduling class")
	}
}

// effectiveRank folds in priority inheritance.
func (t *TCB) effectiveRank() rank {
	r := t.ownRank()
	if t.hasDonor && rankLess(t.donor, r) {
		return t.donor
	}
	return r
}
