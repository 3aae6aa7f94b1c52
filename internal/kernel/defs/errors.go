package defs

import "errors"

// The kernel error taxonomy. Every one of these is recoverable: it is
// returned to the calling thread as an explicit result and never terminates
// the kernel. Subsystems wrap these with context via fmt.Errorf("...: %w"),
// so callers must match with errors.Is.
var (
	// ErrInvalidHandle means the handle names a slot that never held a
	// capability visible to the caller (out of range, never allocated).
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrUseAfterRevoke means the slot exists but its generation moved on:
	// the capability was revoked (and the slot possibly reused) after the
	// handle was minted.
	ErrUseAfterRevoke = errors.New("use after revoke")

	// ErrRightsViolation means the capability is live but does not carry
	// the rights the operation requires, or a clone asked for rights the
	// parent does not hold.
	ErrRightsViolation = errors.New("rights violation")

	// ErrAdmissionDenied means a real-time thread's budget/period would
	// push utilization past the capacity of its eligible cores.
	ErrAdmissionDenied = errors.New("admission denied")

	// ErrTimeout means a blocking operation's explicit timeout elapsed.
	// The thread is returned to Ready, never killed.
	ErrTimeout = errors.New("timeout")

	// ErrPeerClosed means the channel's peer endpoint was revoked. Sends
	// fail immediately; receives drain buffered messages first.
	ErrPeerClosed = errors.New("peer closed")

	// ErrResourceExhausted means a bounded kernel structure (handle table,
	// spill buffer, frame pool) is full.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrInvalidPermissions means a mapping request violated the
	// permission model, in particular write-xor-execute.
	ErrInvalidPermissions = errors.New("invalid permissions")

	// ErrInvalidArgument means a syscall argument was malformed (unknown
	// bits, bad alignment, out-of-range enum). Malformed input is rejected
	// outright, never coerced.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Errno is the stable numeric form of a taxonomy error, used on the syscall
// wire. Values are append-only and never reassigned.
type Errno uint32

const (
	EOK                 Errno = 0
	EInvalidHandle      Errno = 1
	EUseAfterRevoke     Errno = 2
	ERightsViolation    Errno = 3
	EAdmissionDenied    Errno = 4
	ETimeout            Errno = 5
	EPeerClosed         Errno = 6
	EResourceExhausted  Errno = 7
	EInvalidPermissions Errno = 8
	EInvalidArgument    Errno = 9
)

func (e Errno) String() string {
	switch e {
	case EOK:
		return "ok"
	case EInvalidHandle:
		return "invalid_handle"
	case EUseAfterRevoke:
		return "use_after_revoke"
	case ERightsViolation:
		return "rights_violation"
	case EAdmissionDenied:
		return "admission_denied"
	case ETimeout:
		return "timeout"
	case EPeerClosed:
		return "peer_closed"
	case EResourceExhausted:
		return "resource_exhausted"
	case EInvalidPermissions:
		return "invalid_permissions"
	case EInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// ErrnoOf maps an error to its stable code. Wrapped errors unwrap via
// errors.Is. Unknown errors map to EInvalidArgument, the catch-all for
// rejected input, so no kernel error ever leaves the taxonomy on the wire.
func ErrnoOf(err error) Errno {
	switch {
	case err == nil:
		return EOK
	case errors.Is(err, ErrInvalidHandle):
		return EInvalidHandle
	case errors.Is(err, ErrUseAfterRevoke):
		return EUseAfterRevoke
	case errors.Is(err, ErrRightsViolation):
		return ERightsViolation
	case errors.Is(err, ErrAdmissionDenied):
		return EAdmissionDenied
	case errors.Is(err, ErrTimeout):
		return ETimeout
	case errors.Is(err, ErrPeerClosed):
		return EPeerClosed
	case errors.Is(err, ErrResourceExhausted):
		return EResourceExhausted
	case errors.Is(err, ErrInvalidPermissions):
		return EInvalidPermissions
	default:
		return EInvalidArgument
	}
}

// ErrnoErr returns the sentinel for a wire code, nil for EOK.
func ErrnoErr(e Errno) error {
	switch e {
	case EOK:
		return nil
	case EInvalidHandle:
		return ErrInvalidHandle
	case EUseAfterRevoke:
		return ErrUseAfterRevoke
	case ERightsViolation:
		return ErrRightsViolation
	case EAdmissionDenied:
		return ErrAdmissionDenied
	case ETimeout:
		return ErrTimeout
	case EPeerClosed:
		return ErrPeerClosed
	case EResourceExhausted:
		return ErrResourceExhausted
	case EInvalidPermissions:
		return ErrInvalidPermissions
	default:
		return ErrInvalidArgument
	}
}
