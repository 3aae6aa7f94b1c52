package cpu

import (
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/mem"
)

// Segment selectors for the modeled privilege levels.
const (
	KernelCS uint16 = 0x08
	KernelSS uint16 = 0x10
	UserCS   uint16 = 0x23
	UserSS   uint16 = 0x1b
)

// FlagsDefault is the initial RFLAGS value: interrupts enabled plus the
// always-one bit.
const FlagsDefault uint64 = 0x202

// Context is a full integer register file plus control state. All fields
// are plain values so contexts compare with == and copy by assignment; the
// switch path relies on both.
type Context struct {
	RAX, RBX, RCX, RDX uint64
	RSI, RDI, RBP, RSP uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64

	RIP    uint64
	RFLAGS uint64
	CS, SS uint16

	FSBase, GSBase uint64

	// FP/SIMD state is saved lazily: XSave holds the last saved image and
	// FPDirty marks a context whose live FP state is newer than the image.
	XSave   [16]uint64
	FPDirty bool
}

// NewUserContext returns a context positioned at entry with the given user
// stack top.
func NewUserContext(entry, stackTop uint64) Context {
	return Context{
		RIP:    entry,
		RSP:    stackTop,
		RFLAGS: FlagsDefault,
		CS:     UserCS,
		SS:     UserSS,
	}
}

// Thread is the architecture half of a thread: the saved register file and
// the address space it executes in. Scheduling state lives elsewhere and
// points here.
type Thread struct {
	ID    defs.TID
	Space defs.ASID
	Regs  Context
}

// NewThread builds the arch state for a fresh user thread.
func NewThread(id defs.TID, space defs.ASID, entry, stackTop mem.VAddr) *Thread {
	return &Thread{
		ID:    id,
		Space: space,
		Regs:  NewUserContext(uint64(entry), uint64(stackTop)),
	}
}
