package mem

import (
	"fmt"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Perm is a page permission bitmap.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
	PermUser
	PermNoCache
)

// permKnown is the set of bits a caller may legally pass.
const permKnown = PermRead | PermWrite | PermExec | PermUser | PermNoCache

// Has reports whether all bits in p2 are set in p.
func (p Perm) Has(p2 Perm) bool { return p&p2 == p2 }

func (p Perm) String() string {
	buf := [5]byte{'-', '-', '-', '-', '-'}
	if p.Has(PermRead) {
		buf[0] = 'r'
	}
	if p.Has(PermWrite) {
		buf[1] = 'w'
	}
	if p.Has(PermExec) {
		buf[2] = 'x'
	}
	if p.Has(PermUser) {
		buf[3] = 'u'
	}
	if p.Has(PermNoCache) {
		buf[4] = 'n'
	}
	return string(buf[:])
}

// Validate rejects unknown bits outright and enforces write-xor-execute.
// A request that is neither readable, writable, nor executable is also
// rejected; such a mapping could never be used.
func (p Perm) Validate() error {
	if p&^permKnown != 0 {
		return fmt.Errorf("unknown permission bits %#x: %w", uint8(p&^permKnown), defs.ErrInvalidArgument)
	}
	if p.Has(PermWrite) && p.Has(PermExec) {
		return fmt.Errorf("writable+executable mapping: %w", defs.ErrInvalidPermissions)
	}
	if p&(PermRead|PermWrite|PermExec) == 0 {
		return fmt.Errorf("mapping grants no access: %w", defs.ErrInvalidArgument)
	}
	return nil
}
