package cap

import (
	"fmt"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/mem"
)

// Kind tags what a capability refers to. The set is closed: every switch
// over Kind handles all four, and there is no escape hatch for ad-hoc
// object types.
type Kind uint8

const (
	KindMemoryRegion Kind = iota
	KindChannelEndpoint
	KindThread
	KindDevice
)

func (k Kind) String() string {
	switch k {
	case KindMemoryRegion:
		return "memory_region"
	case KindChannelEndpoint:
		return "channel_endpoint"
	case KindThread:
		return "thread"
	case KindDevice:
		return "device"
	default:
		return "unknown"
	}
}

// Side distinguishes the two halves of a channel endpoint pair.
type Side uint8

const (
	SideSend Side = iota
	SideReceive
)

func (s Side) String() string {
	if s == SideSend {
		return "send"
	}
	return "receive"
}

// Object is the kernel-side descriptor a capability refers to. It is a
// plain value: the revocation index and every holder's slot store copies,
// never pointers into subsystem tables. Only the coordinate group matching
// Kind is meaningful; the rest stays zero.
type Object struct {
	Kind  Kind
	Label defs.Label

	// Memory region coordinates.
	Space  defs.ASID
	Base   mem.VAddr
	Length uint64

	// Channel endpoint coordinates.
	Channel defs.ChannelID
	Side    Side

	// Thread coordinate.
	Thread defs.TID

	// Device coordinate (modeled interrupt line).
	Device uint32
}

// MemoryRegion describes a mapped range in a process address space.
func MemoryRegion(label defs.Label, space defs.ASID, base mem.VAddr, length uint64) Object {
	return Object{Kind: KindMemoryRegion, Label: label, Space: space, Base: base, Length: length}
}

// ChannelEndpoint describes one half of an IPC channel.
func ChannelEndpoint(label defs.Label, ch defs.ChannelID, side Side) Object {
	return Object{Kind: KindChannelEndpoint, Label: label, Channel: ch, Side: side}
}

// ThreadObject describes a thread, for signal and wait rights.
func ThreadObject(label defs.Label, tid defs.TID) Object {
	return Object{Kind: KindThread, Label: label, Thread: tid}
}

// DeviceObject describes a modeled device interrupt line.
func DeviceObject(label defs.Label, line uint32) Object {
	return Object{Kind: KindDevice, Label: label, Device: line}
}

func (o Object) String() string {
	switch o.Kind {
	case KindMemoryRegion:
		return fmt.Sprintf("region(%s asid=%d base=%#x len=%d)", o.Label, o.Space, uint64(o.Base), o.Length)
	case KindChannelEndpoint:
		return fmt.Sprintf("endpoint(%s chan=%d %s)", o.Label, o.Channel, o.Side)
	case KindThread:
		return fmt.Sprintf("thread(%s tid=%d)", o.Label, o.Thread)
	case KindDevice:
		return fmt.Sprintf("device(%s line=%d)", o.Label, o.Device)
	default:
		return fmt.Sprintf("object(%s kind=%d)", o.Label, o.Kind)
	}
}

// Scope optionally bounds a capability's lifetime. The zero Scope never
// expires. Clones inherit the parent's scope unchanged; nothing extends an
// expiry after mint.
type Scope struct {
	Expiry time.Time
}

// Unbounded is the zero scope.
var Unbounded = Scope{}

// Expired reports whether the scope has lapsed at now.
func (s Scope) Expired(now time.Time) bool {
	return !s.Expiry.IsZero() && !now.Before(s.Expiry)
}

// Bounded reports whether the scope carries an expiry at all.
func (s Scope) Bounded() bool { return !s.Expiry.IsZero() }
