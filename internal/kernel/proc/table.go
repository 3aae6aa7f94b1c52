package proc

import "github.com/Whoisraeen/raeen-core/internal/kernel/defs"

// A pid packs an arena slot index with the generation the slot had when
// the process was created, the same scheme handle tables use at half
// width. Generations start even (free) and step to odd on allocation, so
// a stale pid can never name a recycled slot and pid 0 stays reserved for
// the kernel.
func makePID(idx, gen uint16) defs.PID {
	return defs.PID(uint32(gen)<<16 | uint32(idx))
}

func pidIndex(pid defs.PID) uint16 { return uint16(pid) }
func pidGen(pid defs.PID) uint16   { return uint16(pid >> 16) }

// slot is one arena entry. proc is nil while the slot is free.
type slot struct {
	gen  uint16
	proc *Process
}

// table is the fixed-size process arena. All access is under Manager.mu.
type table struct {
	slots []slot
	free  []uint16
}

func newTable(capacity int) *table {
	t := &table{
		slots: make([]slot, capacity),
		free:  make([]uint16, capacity),
	}
	// LIFO free list, lowest indices first.
	for i := range t.free {
		t.free[i] = uint16(capacity - 1 - i)
	}
	return t
}

// alloc claims a slot for p and returns its pid, false when the arena is
// full.
func (t *table) alloc(p *Process) (defs.PID, bool) {
	if len(t.free) == 0 {
		return 0, false
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]
	s := &t.slots[idx]
	s.gen++ // even -> odd: live
	s.proc = p
	return makePID(idx, s.gen), true
}

// lookup resolves a pid to its process; nil when the pid is stale, forged,
// or was never allocated.
func (t *table) lookup(pid defs.PID) *Process {
	idx := pidIndex(pid)
	if int(idx) >= len(t.slots) {
		return nil
	}
	s := &t.slots[idx]
	if s.gen != pidGen(pid) || s.gen&1 == 0 {
		return nil
	}
	return s.proc
}

// release frees the slot behind pid. The caller has verified liveness.
func (t *table) release(pid defs.PID) {
	idx := pidIndex(pid)
	s := &t.slots[idx]
	s.gen++ // odd -> even: free
	s.proc = nil
	t.free = append(t.free, idx)
}

// each calls fn for every live process.
func (t *table) each(fn func(*Process)) {
	for i := range t.slots {
		if t.slots[i].gen&1 == 1 && t.slots[i].proc != nil {
			fn(t.slots[i].proc)
		}
	}
}
