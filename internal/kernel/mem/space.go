package mem

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// RegionKind classifies a mapped region.
type RegionKind uint8

const (
	RegionCode RegionKind = iota
	RegionData
	RegionHeap
	RegionStack
	RegionShared
	RegionKernel
)

func (k RegionKind) String() string {
	switch k {
	case RegionCode:
		return "code"
	case RegionData:
		return "data"
	case RegionHeap:
		return "heap"
	case RegionStack:
		return "stack"
	case RegionShared:
		return "shared"
	case RegionKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// Region is a contiguous mapped range [Start, End).
type Region struct {
	Start VAddr      `json:"start"`
	End   VAddr      `json:"end"`
	Perms Perm       `json:"-"`
	Kind  RegionKind `json:"-"`
}

// Pages returns the page count of the region.
func (r Region) Pages() uint64 { return uint64(r.End-r.Start) / PageSize }

// overlaps reports whether two half-open ranges intersect.
func (r Region) overlaps(start, end VAddr) bool {
	return r.Start < end && start < r.End
}

// contains reports whether [start, end) lies entirely inside r.
func (r Region) contains(start, end VAddr) bool {
	return r.Start <= start && end <= r.End
}

// space is one address space: a page-table root plus its region list.
// The region list is kept sorted by Start and never overlapping.
type space struct {
	mu      sync.Mutex
	id      defs.ASID
	root    *table
	regions []Region
	live    bool
}

func newSpace(id defs.ASID) *space {
	return &space{id: id, root: &table{}, live: true}
}

// findRegion returns the index of the region wholly containing the range,
// or -1.
func (s *space) findRegion(start, end VAddr) int {
	for i, r := range s.regions {
		if r.contains(start, end) {
			return i
		}
	}
	return -1
}

// anyOverlap reports whether the range intersects any existing region.
func (s *space) anyOverlap(start, end VAddr) bool {
	for _, r := range s.regions {
		if r.overlaps(start, end) {
			return true
		}
	}
	return false
}

func (s *space) insertRegion(r Region) {
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].Start < s.regions[j].Start })
}

// carve removes [start, end) from region i, leaving up to two remainder
// pieces. The caller has verified containment.
func (s *space) carve(i int, start, end VAddr) {
	r := s.regions[i]
	s.regions = append(s.regions[:i], s.regions[i+1:]...)
	if r.Start < start {
		s.insertRegion(Region{Start: r.Start, End: start, Perms: r.Perms, Kind: r.Kind})
	}
	if end < r.End {
		s.insertRegion(Region{Start: end, End: r.End, Perms: r.Perms, Kind: r.Kind})
	}
}

// checkRange validates alignment and extent of a (va, length) pair.
func checkRange(va VAddr, length uint64) error {
	if !PageAligned(va) {
		return fmt.Errorf("address %#x not page aligned: %w", uint64(va), defs.ErrInvalidArgument)
	}
	if length == 0 || length%PageSize != 0 {
		return fmt.Errorf("length %#x not a positive page multiple: %w", length, defs.ErrInvalidArgument)
	}
	if uint64(va)+length < uint64(va) {
		return fmt.Errorf("range wraps address space: %w", defs.ErrInvalidArgument)
	}
	return nil
}
