package mem

// Page geometry. Three levels of 512 entries over 4 KiB pages cover a
// 512 GiB virtual span, which is plenty for the model.
const (
	PageSize  = 4096
	PageShift = 12

	ptLevels  = 3
	ptBits    = 9
	ptEntries = 1 << ptBits // 512
)

// VAddr is a virtual address within one address space.
type VAddr uint64

// Frame is a physical frame number; frame f covers physical bytes
// [f*PageSize, (f+1)*PageSize).
type Frame uint64

// PhysAddr is a translated physical address.
type PhysAddr uint64

// VPN is a virtual page number (VAddr >> PageShift).
type VPN uint64

// PageOf returns the page containing va.
func PageOf(va VAddr) VPN { return VPN(va >> PageShift) }

// PageAligned reports whether va sits on a page boundary.
func PageAligned(va VAddr) bool { return va&(PageSize-1) == 0 }

// pageCount returns the number of pages covering length bytes.
func pageCount(length uint64) uint64 {
	return (length + PageSize - 1) / PageSize
}

type pte struct {
	frame   Frame
	perms   Perm
	present bool
}

// table is one page-table node. Non-leaf levels populate child; the leaf
// level populates entries.
type table struct {
	child   [ptEntries]*table
	entries [ptEntries]pte
}

// index extracts the table index for level (2 is the root level, 0 the leaf).
func index(vpn VPN, level int) int {
	return int(vpn>>(uint(level)*ptBits)) & (ptEntries - 1)
}

// walk descends the tree to the leaf entry for vpn, allocating intermediate
// tables when alloc is set. Returns nil when the path is absent and alloc
// is false.
func (t *table) walk(vpn VPN, alloc bool) *pte {
	node := t
	for level := ptLevels - 1; level > 0; level-- {
		i := index(vpn, level)
		next := node.child[i]
		if next == nil {
			if !alloc {
				return nil
			}
			next = &table{}
			node.child[i] = next
		}
		node = next
	}
	return &node.entries[index(vpn, 0)]
}
