package syscall

import "strconv"

// Number identifies one kernel entry point. Values are part of the wire
// contract: new calls append, and a number is never reused or renumbered,
// so a stale userspace binary fails loudly instead of invoking the wrong
// call.
type Number uint32

const (
	ProcessSpawn Number = 0
	ProcessExit  Number = 1
	ProcessWait  Number = 2
	ThreadYield  Number = 3
	ThreadSleep  Number = 4

	MemMap     Number = 20
	MemUnmap   Number = 21
	MemProtect Number = 22

	CapCreate  Number = 40
	CapClone   Number = 41
	CapRevoke  Number = 42
	CapInspect Number = 43

	ChannelCreate   Number = 60
	ChannelSend     Number = 61
	ChannelReceive  Number = 62
	ChannelGrant    Number = 63
	ChannelMapGrant Number = 64

	ClockMonotonic Number = 80
	KernelStats    Number = 81
)

// maxNumber bounds the dispatch table. Bump it when appending past the
// current tail.
const maxNumber = KernelStats

var names = map[Number]string{
	ProcessSpawn:    "process_spawn",
	ProcessExit:     "process_exit",
	ProcessWait:     "process_wait",
	ThreadYield:     "thread_yield",
	ThreadSleep:     "thread_sleep",
	MemMap:          "mem_map",
	MemUnmap:        "mem_unmap",
	MemProtect:      "mem_protect",
	CapCreate:       "cap_create",
	CapClone:        "cap_clone",
	CapRevoke:       "cap_revoke",
	CapInspect:      "cap_inspect",
	ChannelCreate:   "channel_create",
	ChannelSend:     "channel_send",
	ChannelReceive:  "channel_receive",
	ChannelGrant:    "channel_grant",
	ChannelMapGrant: "channel_map_grant",
	ClockMonotonic:  "clock_monotonic",
	KernelStats:     "kernel_stats",
}

func (n Number) String() string {
	if s, ok := names[n]; ok {
		return s
	}
	return "syscall(" + strconv.FormatUint(uint64(n), 10) + ")"
}

// Defined reports whether n names a real entry point.
func (n Number) Defined() bool {
	_, ok := names[n]
	return ok
}
