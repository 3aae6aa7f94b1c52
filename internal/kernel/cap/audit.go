package cap

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Op tags an audited capability operation.
type Op uint8

const (
	OpCreate Op = iota
	OpClone
	OpTransfer
	OpUse
	OpRevoke
	OpDestroy
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpClone:
		return "clone"
	case OpTransfer:
		return "transfer"
	case OpUse:
		return "use"
	case OpRevoke:
		return "revoke"
	case OpDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// Record is one audit entry. Entries are immutable once written; the ring
// overwrites the oldest record when full.
type Record struct {
	Seq     uint64      `json:"seq"`
	Time    time.Time   `json:"time"`
	PID     defs.PID    `json:"pid"`
	Op      Op          `json:"-"`
	OpName  string      `json:"op"`
	Label   defs.Label  `json:"label"`
	Handle  defs.Handle `json:"handle"`
	Errno   defs.Errno  `json:"errno"`
	Holders int         `json:"holders,omitempty"`
}

// AuditStats summarizes ring activity.
type AuditStats struct {
	Appended uint64 `json:"appended"`
	Dropped  uint64 `json:"dropped"`
	Capacity int    `json:"capacity"`
	Length   int    `json:"length"`
}

// auditLog is a bounded append-only ring with a per-process rate cap.
// Appends past a process's budget are counted and dropped; the caller is
// never blocked and never fails because of auditing.
type auditLog struct {
	mu       sync.Mutex
	ring     []Record
	next     int
	filled   bool
	seq      uint64
	appended uint64
	dropped  uint64

	perSecond rate.Limit
	burst     int
	limiters  map[defs.PID]*rate.Limiter

	clock defs.Clock
}

func newAuditLog(capacity, perSecond int, clock defs.Clock) *auditLog {
	return &auditLog{
		ring:      make([]Record, capacity),
		perSecond: rate.Limit(perSecond),
		burst:     perSecond,
		limiters:  make(map[defs.PID]*rate.Limiter),
		clock:     clock,
	}
}

// append records one operation, subject to the caller's rate budget.
// Returns false when the record was dropped.
func (a *auditLog) append(pid defs.PID, op Op, label defs.Label, h defs.Handle, errno defs.Errno, holders int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	lim, ok := a.limiters[pid]
	if !ok {
		lim = rate.NewLimiter(a.perSecond, a.burst)
		a.limiters[pid] = lim
	}
	if !lim.Allow() {
		a.dropped++
		return false
	}

	a.seq++
	a.ring[a.next] = Record{
		Seq:     a.seq,
		Time:    a.clock.Now(),
		PID:     pid,
		Op:      op,
		OpName:  op.String(),
		Label:   label,
		Handle:  h,
		Errno:   errno,
		Holders: holders,
	}
	a.next++
	if a.next == len(a.ring) {
		a.next = 0
		a.filled = true
	}
	a.appended++
	return true
}

// forget drops the rate state for an exited process.
func (a *auditLog) forget(pid defs.PID) {
	a.mu.Lock()
	delete(a.limiters, pid)
	a.mu.Unlock()
}

// records returns up to limit entries, newest first.
func (a *auditLog) records(limit int) []Record {
	a.mu.Lock()
	defer a.mu.Unlock()

	length := a.next
	if a.filled {
		length = len(a.ring)
	}
	if limit <= 0 || limit > length {
		limit = length
	}

	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.next - i + len(a.ring)) % len(a.ring)
		out = append(out, a.ring[idx])
	}
	return out
}

func (a *auditLog) stats() AuditStats {
	a.mu.Lock()
	defer a.mu.Unlock()

	length := a.next
	if a.filled {
		length = len(a.ring)
	}
	return AuditStats{
		Appended: a.appended,
		Dropped:  a.dropped,
		Capacity: len(a.ring),
		Length:   length,
	}
}
