package ipc

import (
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Message is one channel datagram. Payload bytes are opaque to the kernel
// and bounded by defs.MaxMessageBytes. Transfer optionally names a
// capability in the sender's table; delivery mints a copy into the
// receiver's table and reports it in Cap. Seq is the per-channel delivery
// sequence, stamped when the receiver dequeues.
type Message struct {
	Sender   defs.PID
	Payload  []byte
	Transfer defs.Handle
	Cap      defs.Handle
	Seq      uint64
}

// Class tags a channel's queueing intent. It picks the default ring depth
// and whether delivery boosts a parked receiver with the sender's rank.
type Class uint8

const (
	LatencySensitive Class = iota
	BestEffort
	Bulk
)

func (c Class) String() string {
	switch c {
	case LatencySensitive:
		return "latency_sensitive"
	case BestEffort:
		return "best_effort"
	case Bulk:
		return "bulk"
	default:
		return "unknown"
	}
}

// Valid reports whether c is a defined class.
func (c Class) Valid() bool { return c <= Bulk }

// defaultDepth is the ring capacity a class gets when the creator passes 0.
func (c Class) defaultDepth() int {
	switch c {
	case LatencySensitive:
		return 64
	case Bulk:
		return 1024
	default:
		return 256
	}
}

// PolicyKind discriminates the closed set of backpressure policies.
type PolicyKind uint8

const (
	KindDropOldest PolicyKind = iota
	KindPark
	KindSpill
)

func (k PolicyKind) String() string {
	switch k {
	case KindDropOldest:
		return "drop_oldest"
	case KindPark:
		return "park"
	case KindSpill:
		return "spill"
	default:
		return "unknown"
	}
}

// Policy decides what a send does when the ring is full. The set is
// closed: Policy is sealed, and every switch in this package handles all
// three kinds, so a new policy cannot appear without the compiler pointing
// at every spot that must learn it.
type Policy interface {
	Kind() PolicyKind
	String() string
	sealedPolicy()
}

// DropOldest evicts the oldest queued message to make room.
type DropOldest struct{}

func (DropOldest) Kind() PolicyKind { return KindDropOldest }
func (DropOldest) String() string   { return "drop_oldest" }
func (DropOldest) sealedPolicy()    {}

// Park blocks the sender until space frees, for at most Timeout. A zero
// timeout fails immediately; a negative one waits forever.
type Park struct {
	Timeout time.Duration
}

func (Park) Kind() PolicyKind { return KindPark }
func (p Park) String() string { return "park(" + p.Timeout.String() + ")" }
func (Park) sealedPolicy()    {}

// Spill copies overflow into a bounded auxiliary buffer and fails only
// once that buffer is full too. Limit 0 means defs.DefaultSpillDepth.
type Spill struct {
	Limit int
}

func (Spill) Kind() PolicyKind { return KindSpill }
func (s Spill) String() string { return "spill" }
func (Spill) sealedPolicy()    {}
