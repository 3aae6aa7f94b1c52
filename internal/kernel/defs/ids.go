package defs

import "fmt"

// PID identifies a process. PID 0 is reserved for the kernel itself.
type PID uint32

// TID identifies a thread system-wide (not per-process).
type TID uint32

// ASID identifies an address space. ASID 0 is the kernel address space.
type ASID uint32

// CoreID indexes a logical core, dense from 0.
type CoreID uint32

// ChannelID identifies an IPC channel.
type ChannelID uint32

// Label names a revocation group. Every capability minted for the same
// resource carries the same label, so one revoke(label) reaches all holders.
type Label string

// Handle is the user-visible form of a capability reference: a handle-table
// slot index packed with the generation the slot had when the capability was
// minted. Lookups compare the packed generation against the slot's current
// one; a mismatch means the slot was revoked and possibly reused.
type Handle uint64

// NilHandle is never valid; slot math starts at index 0 but generation 0 is
// reserved so the zero Handle cannot name a live capability.
const NilHandle Handle = 0

// MakeHandle packs a slot index and generation into a Handle.
func MakeHandle(slot uint32, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot))
}

// Slot returns the handle-table slot index.
func (h Handle) Slot() uint32 { return uint32(h) }

// Gen returns the generation the handle was minted with.
func (h Handle) Gen() uint32 { return uint32(h >> 32) }

func (h Handle) String() string {
	return fmt.Sprintf("h%d.g%d", h.Slot(), h.Gen())
}

// CoreMask is a CPU affinity bitmask. Bit i set means the thread may run on
// core i. The zero mask is invalid; use AllCores for "anywhere".
type CoreMask uint64

// AllCores allows every core.
const AllCores CoreMask = ^CoreMask(0)

// SingleCore returns a mask allowing only the given core.
func SingleCore(c CoreID) CoreMask { return 1 << uint(c) }

// Allows reports whether the mask permits core c.
func (m CoreMask) Allows(c CoreID) bool { return m&(1<<uint(c)) != 0 }

// Count returns the number of allowed cores among the first n.
func (m CoreMask) Count(n int) int {
	count := 0
	for i := 0; i < n && i < 64; i++ {
		if m&(1<<uint(i)) != 0 {
			count++
		}
	}
	return count
}

// First returns the lowest allowed core among the first n, or false if the
// mask excludes all of them.
func (m CoreMask) First(n int) (CoreID, bool) {
	for i := 0; i < n && i < 64; i++ {
		if m&(1<<uint(i)) != 0 {
			return CoreID(i), true
		}
	}
	return 0, false
}
