// Package testutil provides testing utilities and helpers for kernel
// integration tests. A Program stands in for a userspace process: the
// test issues syscalls as the program's main thread, the same way a trap
// would on real hardware.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel"
	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/ipc"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
	"github.com/Whoisraeen/raeen-core/internal/kernel/syscall"
	"github.com/Whoisraeen/raeen-core/internal/logging"
)

// BootKernel assembles and starts a kernel for a test, stopping it on
// cleanup. The zero Config boots with every subsystem's defaults.
func BootKernel(t *testing.T, cfg kernel.Config) *kernel.Kernel {
	t.Helper()

	k, err := kernel.New(cfg, nil, logging.NewNop(), nil)
	if err != nil {
		t.Fatalf("kernel assembly failed: %v", err)
	}
	if err := k.Start(); err != nil {
		t.Fatalf("kernel start failed: %v", err)
	}
	t.Cleanup(k.Stop)
	return k
}

// Program is a process under test together with its main thread. Every
// syscall a test issues through it carries the thread's identity, so
// rights checks, parking, and accounting all see the real caller.
//
// One thread has at most one syscall in flight; tests that want a
// blocking call and a concurrent observer use two Programs.
type Program struct {
	PID    defs.PID
	TID    defs.TID
	Thread *sched.TCB

	t *testing.T
	k *kernel.Kernel
}

// Init returns the boot process as a Program so tests can act as pid 1.
func Init(t *testing.T, k *kernel.Kernel) *Program {
	t.Helper()

	tcb, ok := k.Sched.Lookup(k.InitTID())
	if !ok {
		t.Fatal("init thread not registered")
	}
	return &Program{PID: k.InitPID(), TID: k.InitTID(), Thread: tcb, t: t, k: k}
}

// Dispatch issues one raw syscall as this program's main thread.
func (p *Program) Dispatch(c syscall.Call) syscall.Result {
	return p.k.Syscalls.Dispatch(context.Background(), p.Thread, c)
}

// MustDispatch issues a syscall and fails the test unless it succeeds.
func (p *Program) MustDispatch(c syscall.Call) syscall.Result {
	p.t.Helper()

	res := p.Dispatch(c)
	if res.Errno != defs.EOK {
		p.t.Fatalf("%s failed: %s", c.Number, res.Errno)
	}
	return res
}

// Spawn creates a best-effort child process and resolves its main thread.
func (p *Program) Spawn(name string) *Program {
	p.t.Helper()

	res := p.MustDispatch(syscall.Call{Number: syscall.ProcessSpawn, Name: name})
	pid := defs.PID(res.Value)
	tid := defs.TID(res.Aux)
	tcb, ok := p.k.Sched.Lookup(tid)
	if !ok {
		p.t.Fatalf("spawned %s but thread %d is not registered", name, tid)
	}
	return &Program{PID: pid, TID: tid, Thread: tcb, t: p.t, k: p.k}
}

// NewChannel creates a channel owned by this program and returns both
// endpoint handles.
func (p *Program) NewChannel(depth int, class ipc.Class, policy ipc.Policy) (sendH, recvH defs.Handle) {
	p.t.Helper()

	kind, param := policyWords(p.t, policy)
	res := p.MustDispatch(syscall.Call{
		Number: syscall.ChannelCreate,
		Args:   [6]uint64{uint64(depth), uint64(class), kind, param},
	})
	return defs.Handle(res.Value), defs.Handle(res.Aux)
}

// Send queues payload on the channel behind sendH.
func (p *Program) Send(sendH defs.Handle, payload []byte) syscall.Result {
	return p.Dispatch(syscall.Call{
		Number:  syscall.ChannelSend,
		Args:    [6]uint64{uint64(sendH)},
		Payload: payload,
	})
}

// Receive dequeues from the channel behind recvH. Zero timeout polls,
// negative waits forever.
func (p *Program) Receive(recvH defs.Handle, timeout time.Duration) syscall.Result {
	return p.Dispatch(syscall.Call{
		Number: syscall.ChannelReceive,
		Args:   [6]uint64{uint64(recvH), uint64(int64(timeout))},
	})
}

// Exit terminates this program's process with the given status.
func (p *Program) Exit(status uint32) {
	p.t.Helper()
	p.MustDispatch(syscall.Call{Number: syscall.ProcessExit, Args: [6]uint64{uint64(status)}})
}

// Wait reaps a child, returning its exit status register.
func (p *Program) Wait(child defs.PID, timeout time.Duration) syscall.Result {
	return p.Dispatch(syscall.Call{
		Number: syscall.ProcessWait,
		Args:   [6]uint64{uint64(child), uint64(int64(timeout))},
	})
}

// Gift mints a copy of p's capability in another program's table, the
// primitive behind spawn-time handle passing. Returns the handle as the
// recipient sees it.
func (p *Program) Gift(h defs.Handle, to *Program, rights cap.Rights) defs.Handle {
	p.t.Helper()

	child, err := p.k.Caps.Transfer(p.PID, h, to.PID, rights)
	if err != nil {
		p.t.Fatalf("transfer %v to pid %d: %v", h, to.PID, err)
	}
	return child
}

// AssertOK fails the test unless the syscall succeeded.
func AssertOK(t *testing.T, res syscall.Result) {
	t.Helper()

	if res.Errno != defs.EOK {
		t.Fatalf("expected success, got errno %s", res.Errno)
	}
}

// AssertErrno fails the test unless the syscall failed with exactly want.
func AssertErrno(t *testing.T, res syscall.Result, want defs.Errno) {
	t.Helper()

	if res.Errno != want {
		t.Fatalf("expected errno %s, got %s", want, res.Errno)
	}
}

// policyWords encodes a backpressure policy as its two wire words.
func policyWords(t *testing.T, policy ipc.Policy) (kind, param uint64) {
	t.Helper()

	switch p := policy.(type) {
	case ipc.DropOldest:
		return 0, 0
	case ipc.Park:
		return 1, uint64(int64(p.Timeout))
	case ipc.Spill:
		return 2, uint64(p.Limit)
	default:
		t.Fatalf("unknown policy %T", policy)
		return 0, 0
	}
}
