package cap

import (
	"sync"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// slot is one handle-table entry. Generation parity encodes liveness: odd
// means the slot holds a capability, even means it is free. Allocation and
// invalidation each bump the generation once, so a handle minted for an
// earlier life of the slot can never validate again.
type slot struct {
	gen    uint32
	obj    Object
	rights Rights
	scope  Scope
}

// table is a per-process fixed arena of capability slots with a LIFO free
// list. It never grows; exhaustion is an error, not an allocation.
type table struct {
	mu    sync.RWMutex
	pid   defs.PID
	slots []slot
	free  []uint32
	live  int
}

func newTable(pid defs.PID, size int) *table {
	t := &table{
		pid:   pid,
		slots: make([]slot, size),
		free:  make([]uint32, 0, size),
	}
	// Free list is LIFO; seed it so slot 0 comes off first.
	for i := size - 1; i >= 0; i-- {
		t.free = append(t.free, uint32(i))
	}
	return t
}

// alloc mints a capability into a free slot and returns its handle.
func (t *table) alloc(obj Object, rights Rights, scope Scope) (defs.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.free) == 0 {
		return defs.NilHandle, defs.ErrResourceExhausted
	}
	idx := t.free[len(t.free)-1]
	t.free = t.free[:len(t.free)-1]

	s := &t.slots[idx]
	s.gen++ // even -> odd: live
	s.obj = obj
	s.rights = rights
	s.scope = scope
	t.live++

	return defs.MakeHandle(idx, s.gen), nil
}

// classify maps a handle against a slot's current generation. Odd handle
// generations behind the current one were really minted and later revoked;
// everything else never named a live capability here.
func classify(h defs.Handle, current uint32) error {
	hg := h.Gen()
	switch {
	case hg == current && hg&1 == 1:
		return nil
	case hg&1 == 1 && hg < current:
		return defs.ErrUseAfterRevoke
	default:
		return defs.ErrInvalidHandle
	}
}

// get validates generation and expiry and returns the slot payload. Rights
// are returned unchecked so clone and transfer can apply their own rules.
func (t *table) get(h defs.Handle, now time.Time) (Object, Rights, Scope, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := h.Slot()
	if int(idx) >= len(t.slots) {
		return Object{}, 0, Scope{}, defs.ErrInvalidHandle
	}
	s := &t.slots[idx]
	if err := classify(h, s.gen); err != nil {
		return Object{}, 0, Scope{}, err
	}
	if s.scope.Expired(now) {
		return Object{}, 0, Scope{}, defs.ErrUseAfterRevoke
	}
	return s.obj, s.rights, s.scope, nil
}

// lookup is the hot validation gate: generation, expiry, then rights.
func (t *table) lookup(h defs.Handle, need Rights, now time.Time) (Object, error) {
	obj, rights, _, err := t.get(h, now)
	if err != nil {
		return Object{}, err
	}
	if !rights.Has(need) {
		return Object{}, defs.ErrRightsViolation
	}
	return obj, nil
}

// invalidateIf frees the slot when it is live and still holds a capability
// for label. The label check closes the race where a slot is freed and
// reminted between a revocation's index walk and its arrival here.
func (t *table) invalidateIf(idx uint32, label defs.Label) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if int(idx) >= len(t.slots) {
		return false
	}
	s := &t.slots[idx]
	if s.gen&1 == 0 || s.obj.Label != label {
		return false
	}
	s.gen++ // odd -> even: free
	s.obj = Object{}
	s.rights = 0
	s.scope = Scope{}
	t.live--
	t.free = append(t.free, idx)
	return true
}

// drain invalidates every live slot and returns their labels, used when the
// owning process exits.
func (t *table) drain() []defs.Label {
	t.mu.Lock()
	defer t.mu.Unlock()

	var labels []defs.Label
	for i := range t.slots {
		s := &t.slots[i]
		if s.gen&1 == 0 {
			continue
		}
		labels = append(labels, s.obj.Label)
		s.gen++
		s.obj = Object{}
		s.rights = 0
		s.scope = Scope{}
		t.live--
		t.free = append(t.free, uint32(i))
	}
	return labels
}

// holdsLive reports whether the slot currently holds an unexpired
// capability under label.
func (t *table) holdsLive(idx uint32, label defs.Label, now time.Time) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.slots) {
		return false
	}
	s := &t.slots[idx]
	return s.gen&1 == 1 && s.obj.Label == label && !s.scope.Expired(now)
}

// liveCount reads the number of occupied slots.
func (t *table) liveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}
