package mem

import (
	"sync"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

type tlbKey struct {
	asid defs.ASID
	vpn  VPN
}

type tlbEntry struct {
	frame Frame
	perms Perm
}

// tlb is one core's software translation cache. Entries are tagged by
// address space, so switching spaces keeps other spaces' translations warm
// and invalidation can target exactly the pages a change affected.
type tlb struct {
	mu       sync.Mutex
	entries  map[tlbKey]tlbEntry
	capacity int

	hits       uint64
	misses     uint64
	evictions  uint64
	shootdowns uint64
}

func newTLB(capacity int) *tlb {
	return &tlb{
		entries:  make(map[tlbKey]tlbEntry, capacity),
		capacity: capacity,
	}
}

func (t *tlb) lookup(asid defs.ASID, vpn VPN) (tlbEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[tlbKey{asid, vpn}]
	if ok {
		t.hits++
	} else {
		t.misses++
	}
	return e, ok
}

func (t *tlb) fill(asid defs.ASID, vpn VPN, e tlbEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= t.capacity {
		// Random replacement: evict whichever key map iteration yields.
		for k := range t.entries {
			delete(t.entries, k)
			t.evictions++
			break
		}
	}
	t.entries[tlbKey{asid, vpn}] = e
}

// invalidate drops the entries for pages [vpn, vpn+count) in one space.
func (t *tlb) invalidate(asid defs.ASID, vpn VPN, count uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := uint64(0); i < count; i++ {
		k := tlbKey{asid, vpn + VPN(i)}
		if _, ok := t.entries[k]; ok {
			delete(t.entries, k)
			t.shootdowns++
		}
	}
}

// invalidateSpace drops every entry belonging to one space, used when the
// space itself is destroyed.
func (t *tlb) invalidateSpace(asid defs.ASID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.entries {
		if k.asid == asid {
			delete(t.entries, k)
			t.shootdowns++
		}
	}
}

// TLBStats is a point-in-time snapshot of one core's translation cache.
type TLBStats struct {
	Entries    int    `json:"entries"`
	Hits       uint64 `json:"hits"`
	Misses     uint64 `json:"misses"`
	Evictions  uint64 `json:"evictions"`
	Shootdowns uint64 `json:"shootdowns"`
}

func (t *tlb) stats() TLBStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TLBStats{
		Entries:    len(t.entries),
		Hits:       t.hits,
		Misses:     t.misses,
		Evictions:  t.evictions,
		Shootdowns: t.shootdowns,
	}
}
