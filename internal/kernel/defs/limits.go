package defs

import "time"

// Bounded-structure limits. Everything the kernel allocates is capped up
// front; hitting a cap returns ErrResourceExhausted instead of growing.
const (
	// DefaultHandleSlots is the per-process handle-table arena size.
	DefaultHandleSlots = 1024

	// DefaultAuditRing is the capacity of the capability audit ring.
	DefaultAuditRing = 4096

	// DefaultAuditRate is the per-process audit record budget per second;
	// records past the cap are dropped, never block the caller.
	DefaultAuditRate = 256

	// MaxMessageBytes bounds a single IPC message payload.
	MaxMessageBytes = 64 << 10

	// MaxChannelDepth bounds the ring capacity a channel may request.
	MaxChannelDepth = 4096

	// DefaultSpillDepth is the overflow capacity for spill-bounded
	// channels when the creator does not choose one.
	DefaultSpillDepth = 64

	// DefaultParkTimeout bounds how long a park-policy sender blocks when
	// its contract names no timeout.
	DefaultParkTimeout = 100 * time.Millisecond

	// MaxProcs bounds the process table arena.
	MaxProcs = 4096

	// MaxThreads bounds the thread table arena.
	MaxThreads = 16384

	// DefaultFrames is the modeled physical frame budget (4 KiB each).
	DefaultFrames = 1 << 16

	// TLBEntries bounds each per-core translation cache.
	TLBEntries = 512

	// WakeBufferSlots bounds the interrupt-context mark-ready buffer.
	WakeBufferSlots = 256

	// DefaultFlightRing is the flight recorder's event ring capacity.
	DefaultFlightRing = 8192

	// DefaultSLOWindow is the rolling sample window per latency category.
	DefaultSLOWindow = 4096
)
