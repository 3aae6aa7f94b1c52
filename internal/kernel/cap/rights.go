package cap

import "strings"

// Rights is the capability rights bitmap. A capability authorizes exactly
// the operations whose bits it carries; there is no ambient authority and
// no path that adds bits to an existing capability.
type Rights uint16

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightSignal
	RightMap
	RightExecute
	RightDuplicate
	RightSend
	RightReceive
)

// RightsAll is every defined right. Useful for root capabilities minted at
// boot; never the default for anything user-reachable.
const RightsAll = RightRead | RightWrite | RightSignal | RightMap |
	RightExecute | RightDuplicate | RightSend | RightReceive

// Has reports whether every bit in need is present.
func (r Rights) Has(need Rights) bool { return r&need == need }

// Subset reports whether r carries no bit outside of parent.
func (r Rights) Subset(parent Rights) bool { return r&^parent == 0 }

// Validate rejects bitmaps with bits outside the defined set.
func (r Rights) Validate() bool { return r&^RightsAll == 0 }

var rightNames = []struct {
	bit  Rights
	name string
}{
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightSignal, "signal"},
	{RightMap, "map"},
	{RightExecute, "execute"},
	{RightDuplicate, "duplicate"},
	{RightSend, "send"},
	{RightReceive, "receive"},
}

func (r Rights) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	for _, rn := range rightNames {
		if r&rn.bit != 0 {
			parts = append(parts, rn.name)
		}
	}
	return strings.Join(parts, "|")
}
