package syscall

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/ipc"
	"github.com/Whoisraeen/raeen-core/internal/kernel/mem"
	"github.com/Whoisraeen/raeen-core/internal/kernel/proc"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
)

// Call is one syscall invocation: a number and up to six raw argument
// words. Name and Payload stand in for operands that live in user memory
// on real hardware; the modeled dispatcher carries them out of band
// instead of copying through the address space.
type Call struct {
	Number  Number
	Args    [6]uint64
	Name    string
	Payload []byte
}

// Result is the wire form of a completed syscall: two result registers,
// an optional copy-out buffer, and the stable errno. A failed call
// carries nothing but its errno.
type Result struct {
	Value uint64     `json:"value"`
	Aux   uint64     `json:"aux,omitempty"`
	Data  []byte     `json:"data,omitempty"`
	Errno defs.Errno `json:"errno"`
}

// Err maps the wire errno back to its taxonomy sentinel, nil for EOK.
func (r Result) Err() error { return defs.ErrnoErr(r.Errno) }

// Operand flags for table entries.
const (
	opNone uint8 = 0
	opName uint8 = 1 << 0
	opData uint8 = 1 << 1
)

type handlerFn func(ctx context.Context, t *sched.TCB, c Call) (Result, error)

type entry struct {
	name      string
	argc      int // meaningful argument words; the rest must be zero
	needsName bool
	takesData bool
	fn        handlerFn
}

// check rejects malformed operands before the handler runs. Unused
// argument words must be zero and out-of-band operands must match the
// entry exactly; stray input is never ignored.
func (e *entry) check(c Call) error {
	for i := e.argc; i < len(c.Args); i++ {
		if c.Args[i] != 0 {
			return fmt.Errorf("%s: argument %d must be zero: %w", e.name, i, defs.ErrInvalidArgument)
		}
	}
	if e.needsName && c.Name == "" {
		return fmt.Errorf("%s: missing name operand: %w", e.name, defs.ErrInvalidArgument)
	}
	if !e.needsName && c.Name != "" {
		return fmt.Errorf("%s: unexpected name operand: %w", e.name, defs.ErrInvalidArgument)
	}
	if !e.takesData && len(c.Payload) != 0 {
		return fmt.Errorf("%s: unexpected payload operand: %w", e.name, defs.ErrInvalidArgument)
	}
	return nil
}

// Dispatcher owns the syscall table. It is the only path from userspace
// into the kernel subsystems; everything it exposes resolves the caller's
// identity from the trapping thread, never from an argument.
type Dispatcher struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	clock   defs.Clock
	bootAt  time.Time

	procs *proc.Manager
	sched *sched.Scheduler
	mem   *mem.Manager
	caps  *cap.Manager
	ipc   *ipc.Subsystem

	table [maxNumber + 1]*entry

	calls   atomic.Uint64
	rejects atomic.Uint64
}

// NewDispatcher builds the syscall table over fully wired subsystems.
func NewDispatcher(procs *proc.Manager, scheduler *sched.Scheduler, memory *mem.Manager, caps *cap.Manager, channels *ipc.Subsystem, clock defs.Clock, log *logging.Logger, metrics *monitoring.Metrics) *Dispatcher {
	if clock == nil {
		clock = defs.WallClock{}
	}
	if log == nil {
		log = logging.NewDefault()
	}
	d := &Dispatcher{
		log:     log.Named("syscall"),
		metrics: metrics,
		clock:   clock,
		bootAt:  clock.Now(),
		procs:   procs,
		sched:   scheduler,
		mem:     memory,
		caps:    caps,
		ipc:     channels,
	}

	d.register(ProcessSpawn, 4, opName, d.processSpawn)
	d.register(ProcessExit, 1, opNone, d.processExit)
	d.register(ProcessWait, 2, opNone, d.processWait)
	d.register(ThreadYield, 0, opNone, d.threadYield)
	d.register(ThreadSleep, 1, opNone, d.threadSleep)
	d.register(MemMap, 3, opNone, d.memMap)
	d.register(MemUnmap, 2, opNone, d.memUnmap)
	d.register(MemProtect, 3, opNone, d.memProtect)
	d.register(CapCreate, 5, opName, d.capCreate)
	d.register(CapClone, 2, opNone, d.capClone)
	d.register(CapRevoke, 0, opName, d.capRevoke)
	d.register(CapInspect, 1, opNone, d.capInspect)
	d.register(ChannelCreate, 4, opNone, d.channelCreate)
	d.register(ChannelSend, 2, opData, d.channelSend)
	d.register(ChannelReceive, 2, opNone, d.channelReceive)
	d.register(ChannelGrant, 3, opNone, d.channelGrant)
	d.register(ChannelMapGrant, 2, opNone, d.channelMapGrant)
	d.register(ClockMonotonic, 0, opNone, d.clockMonotonic)
	d.register(KernelStats, 0, opNone, d.kernelStats)

	d.log.Info("syscall table ready", zap.Int("entries", len(names)))
	return d
}

func (d *Dispatcher) register(no Number, argc int, operands uint8, fn handlerFn) {
	if d.table[no] != nil {
		panic("syscall: duplicate handler for " + no.String())
	}
	d.table[no] = &entry{
		name:      names[no],
		argc:      argc,
		needsName: operands&opName != 0,
		takesData: operands&opData != 0,
		fn:        fn,
	}
}

func (d *Dispatcher) lookup(n Number) *entry {
	if int(n) >= len(d.table) {
		return nil
	}
	return d.table[n]
}

// Dispatch routes one call to its handler. Unknown numbers and malformed
// arguments are hard-rejected with EInvalidArgument; nothing is coerced
// or silently dropped. The calling thread comes from the trap context,
// so a nil thread is a kernel bug, not a user error.
func (d *Dispatcher) Dispatch(ctx context.Context, t *sched.TCB, c Call) Result {
	if t == nil {
		panic("syscall: dispatch without a calling thread")
	}
	start := time.Now()
	d.calls.Add(1)

	e := d.lookup(c.Number)
	if e == nil {
		return d.reject(t, c, start, fmt.Errorf("unknown syscall %d: %w", uint32(c.Number), defs.ErrInvalidArgument))
	}
	if err := e.check(c); err != nil {
		return d.reject(t, c, start, err)
	}

	res, err := e.fn(ctx, t, c)
	res.Errno = defs.ErrnoOf(err)
	if err != nil {
		res.Value, res.Aux, res.Data = 0, 0, nil
		d.log.Debug("syscall failed",
			zap.String("call", e.name),
			zap.Uint32("pid", uint32(t.PID)),
			zap.Uint32("tid", uint32(t.ID)),
			zap.Error(err))
	}
	d.observe(e.name, res.Errno, start)
	return res
}

func (d *Dispatcher) reject(t *sched.TCB, c Call, start time.Time, err error) Result {
	d.rejects.Add(1)
	d.log.Warn("syscall rejected",
		zap.String("call", c.Number.String()),
		zap.Uint32("pid", uint32(t.PID)),
		zap.Error(err))
	errno := defs.ErrnoOf(err)
	d.observe(c.Number.String(), errno, start)
	return Result{Errno: errno}
}

func (d *Dispatcher) observe(name string, errno defs.Errno, start time.Time) {
	if d.metrics != nil {
		d.metrics.RecordSyscall(name, uint32(errno), time.Since(start))
	}
}

// Snapshot aggregates every subsystem's counters. The stats syscall and
// the introspection API both serve it.
type Snapshot struct {
	UptimeNS int64       `json:"uptime_ns"`
	Syscalls uint64      `json:"syscalls"`
	Rejects  uint64      `json:"rejects"`
	Procs    proc.Stats  `json:"procs"`
	Sched    sched.Stats `json:"sched"`
	Caps     cap.Stats   `json:"caps"`
	IPC      ipc.Stats   `json:"ipc"`
	Mem      mem.Stats   `json:"mem"`
}

func (d *Dispatcher) Snapshot() Snapshot {
	return Snapshot{
		UptimeNS: int64(d.clock.Now().Sub(d.bootAt)),
		Syscalls: d.calls.Load(),
		Rejects:  d.rejects.Load(),
		Procs:    d.procs.Stats(),
		Sched:    d.sched.Stats(),
		Caps:     d.caps.Stats(),
		IPC:      d.ipc.Stats(),
		Mem:      d.mem.Stats(),
	}
}

// ---- process and thread calls ----

func (d *Dispatcher) processSpawn(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	class, err := classArg(c.Args[0], c.Args[1], c.Args[2])
	if err != nil {
		return Result{}, err
	}
	pid, tid, err := d.procs.Spawn(t.PID, proc.SpawnSpec{
		Name:     c.Name,
		Class:    class,
		Affinity: defs.CoreMask(c.Args[3]),
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Value: uint64(pid), Aux: uint64(tid)}, nil
}

func (d *Dispatcher) processExit(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	if c.Args[0] > math.MaxUint32 {
		return Result{}, fmt.Errorf("exit status %#x: %w", c.Args[0], defs.ErrInvalidArgument)
	}
	return Result{}, d.procs.Exit(t.PID, int32(uint32(c.Args[0])))
}

func (d *Dispatcher) processWait(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	if c.Args[0] == 0 || c.Args[0] > math.MaxUint32 {
		return Result{}, fmt.Errorf("pid %d: %w", c.Args[0], defs.ErrInvalidArgument)
	}
	status, err := d.procs.Wait(t, defs.PID(c.Args[0]), durationArg(c.Args[1]))
	if err != nil {
		return Result{}, err
	}
	return Result{Value: uint64(uint32(status))}, nil
}

func (d *Dispatcher) threadYield(_ context.Context, t *sched.TCB, _ Call) (Result, error) {
	d.sched.Yield(t)
	return Result{}, nil
}

func (d *Dispatcher) threadSleep(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	if c.Args[0] > math.MaxInt64 {
		return Result{}, fmt.Errorf("sleep %d ns: %w", c.Args[0], defs.ErrInvalidArgument)
	}
	return Result{}, d.sched.Sleep(t, time.Duration(c.Args[0]))
}

// ---- memory calls ----

func (d *Dispatcher) memMap(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	perms, err := permArg(c.Args[2])
	if err != nil {
		return Result{}, err
	}
	space, err := d.space(t)
	if err != nil {
		return Result{}, err
	}
	return Result{}, d.mem.Map(space, mem.VAddr(c.Args[0]), c.Args[1], perms, mem.RegionData)
}

func (d *Dispatcher) memUnmap(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	space, err := d.space(t)
	if err != nil {
		return Result{}, err
	}
	freed, err := d.mem.Unmap(space, mem.VAddr(c.Args[0]), c.Args[1])
	if err != nil {
		return Result{}, err
	}
	return Result{Value: uint64(freed)}, nil
}

func (d *Dispatcher) memProtect(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	perms, err := permArg(c.Args[2])
	if err != nil {
		return Result{}, err
	}
	space, err := d.space(t)
	if err != nil {
		return Result{}, err
	}
	return Result{}, d.mem.Protect(space, mem.VAddr(c.Args[0]), c.Args[1], perms)
}

// space resolves the calling process's address space.
func (d *Dispatcher) space(t *sched.TCB) (defs.ASID, error) {
	id, ok := d.procs.SpaceOf(t.PID)
	if !ok {
		return 0, fmt.Errorf("pid %d has no address space: %w", t.PID, defs.ErrInvalidArgument)
	}
	return id, nil
}

// ---- capability calls ----

func (d *Dispatcher) capCreate(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	rights, err := rightsArg(c.Args[3])
	if err != nil {
		return Result{}, err
	}
	scope := cap.Unbounded
	if c.Args[4] != 0 {
		if c.Args[4] > math.MaxInt64 {
			return Result{}, fmt.Errorf("expiry %#x: %w", c.Args[4], defs.ErrInvalidArgument)
		}
		scope = cap.Scope{Expiry: time.Unix(0, int64(c.Args[4]))}
	}

	label := defs.Label(c.Name)
	var obj cap.Object
	switch cap.Kind(c.Args[0]) {
	case cap.KindMemoryRegion:
		space, err := d.space(t)
		if err != nil {
			return Result{}, err
		}
		obj = cap.MemoryRegion(label, space, mem.VAddr(c.Args[1]), c.Args[2])
	case cap.KindThread:
		if c.Args[1] > math.MaxUint32 || c.Args[2] != 0 {
			return Result{}, fmt.Errorf("thread coordinates: %w", defs.ErrInvalidArgument)
		}
		tid := defs.TID(c.Args[1])
		if _, ok := d.sched.Lookup(tid); !ok {
			return Result{}, fmt.Errorf("thread %d: %w", tid, defs.ErrInvalidArgument)
		}
		obj = cap.ThreadObject(label, tid)
	case cap.KindDevice:
		if c.Args[1] > math.MaxUint32 || c.Args[2] != 0 {
			return Result{}, fmt.Errorf("device coordinates: %w", defs.ErrInvalidArgument)
		}
		obj = cap.DeviceObject(label, uint32(c.Args[1]))
	case cap.KindChannelEndpoint:
		return Result{}, fmt.Errorf("endpoints are minted by channel_create: %w", defs.ErrInvalidArgument)
	default:
		return Result{}, fmt.Errorf("object kind %d: %w", c.Args[0], defs.ErrInvalidArgument)
	}

	h, err := d.caps.Create(t.PID, obj, rights, scope)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: uint64(h)}, nil
}

func (d *Dispatcher) capClone(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	rights, err := rightsArg(c.Args[1])
	if err != nil {
		return Result{}, err
	}
	h, err := d.caps.Clone(t.PID, defs.Handle(c.Args[0]), rights)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: uint64(h)}, nil
}

// capRevoke kills every capability minted under the label. The caller
// must itself hold one of them; revocation is not ambient authority.
func (d *Dispatcher) capRevoke(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	label := defs.Label(c.Name)
	if !d.caps.Holds(t.PID, label) {
		return Result{}, fmt.Errorf("revoke %q: caller holds nothing under the label: %w", label, defs.ErrRightsViolation)
	}
	n, err := d.caps.Revoke(label)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: uint64(n)}, nil
}

func (d *Dispatcher) capInspect(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	obj, rights, scope, err := d.caps.Inspect(t.PID, defs.Handle(c.Args[0]))
	if err != nil {
		return Result{}, err
	}
	var expiry uint64
	if scope.Bounded() {
		expiry = uint64(scope.Expiry.UnixNano())
	}
	return Result{Value: uint64(rights)<<8 | uint64(obj.Kind), Aux: expiry}, nil
}

// ---- channel calls ----

func (d *Dispatcher) channelCreate(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	if c.Args[0] > math.MaxInt32 {
		return Result{}, fmt.Errorf("depth %d: %w", c.Args[0], defs.ErrInvalidArgument)
	}
	if c.Args[1] > math.MaxUint8 || !ipc.Class(c.Args[1]).Valid() {
		return Result{}, fmt.Errorf("channel class %d: %w", c.Args[1], defs.ErrInvalidArgument)
	}
	policy, err := policyArg(c.Args[2], c.Args[3])
	if err != nil {
		return Result{}, err
	}
	sendH, recvH, _, err := d.ipc.Create(t.PID, int(c.Args[0]), ipc.Class(c.Args[1]), policy)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: uint64(sendH), Aux: uint64(recvH)}, nil
}

func (d *Dispatcher) channelSend(ctx context.Context, t *sched.TCB, c Call) (Result, error) {
	msg := ipc.Message{Payload: c.Payload, Transfer: defs.Handle(c.Args[1])}
	return Result{}, d.ipc.Send(ctx, t, defs.Handle(c.Args[0]), msg)
}

func (d *Dispatcher) channelReceive(ctx context.Context, t *sched.TCB, c Call) (Result, error) {
	msg, err := d.ipc.Receive(ctx, t, defs.Handle(c.Args[0]), durationArg(c.Args[1]))
	if err != nil {
		return Result{}, err
	}
	return Result{Value: uint64(len(msg.Payload)), Aux: uint64(msg.Cap), Data: msg.Payload}, nil
}

func (d *Dispatcher) channelGrant(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	rights, err := rightsArg(c.Args[2])
	if err != nil {
		return Result{}, err
	}
	cookie, err := d.ipc.Grant(t.PID, defs.Handle(c.Args[0]), defs.Handle(c.Args[1]), rights)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: cookie}, nil
}

func (d *Dispatcher) channelMapGrant(_ context.Context, t *sched.TCB, c Call) (Result, error) {
	return Result{}, d.ipc.MapGrant(t.PID, c.Args[0], mem.VAddr(c.Args[1]))
}

// ---- clock and stats ----

func (d *Dispatcher) clockMonotonic(_ context.Context, _ *sched.TCB, _ Call) (Result, error) {
	return Result{Value: uint64(d.clock.Now().Sub(d.bootAt))}, nil
}

func (d *Dispatcher) kernelStats(_ context.Context, _ *sched.TCB, _ Call) (Result, error) {
	data, err := sonic.Marshal(d.Snapshot())
	if err != nil {
		return Result{}, fmt.Errorf("encode stats: %w", err)
	}
	return Result{Value: uint64(len(data)), Data: data}, nil
}

// ---- argument decoding ----

// durationArg reads a two's-complement nanosecond count. Negative waits
// forever, zero polls, positive bounds the wait.
func durationArg(v uint64) time.Duration {
	return time.Duration(int64(v))
}

// classArg decodes a scheduling class selector: 0 best-effort(weight),
// 1 fixed-priority(priority), 2 deadline(budget ns, period ns).
func classArg(kind, p1, p2 uint64) (sched.Class, error) {
	switch kind {
	case 0:
		if p1 > math.MaxUint32 || p2 != 0 {
			return nil, fmt.Errorf("best-effort parameters: %w", defs.ErrInvalidArgument)
		}
		cl, err := sched.NewBestEffort(uint32(p1))
		if err != nil {
			return nil, err
		}
		return cl, nil
	case 1:
		if p1 > math.MaxUint8 || p2 != 0 {
			return nil, fmt.Errorf("fixed-priority parameters: %w", defs.ErrInvalidArgument)
		}
		cl, err := sched.NewFixedPriority(uint8(p1))
		if err != nil {
			return nil, err
		}
		return cl, nil
	case 2:
		if p1 > math.MaxInt64 || p2 > math.MaxInt64 {
			return nil, fmt.Errorf("deadline parameters: %w", defs.ErrInvalidArgument)
		}
		cl, err := sched.NewDeadline(time.Duration(p1), time.Duration(p2))
		if err != nil {
			return nil, err
		}
		return cl, nil
	default:
		return nil, fmt.Errorf("scheduling class %d: %w", kind, defs.ErrInvalidArgument)
	}
}

// permArg decodes page permissions. Syscall mappings are always user
// mappings, so the user bit is implied and may not be passed explicitly.
func permArg(v uint64) (mem.Perm, error) {
	if v&^uint64(0xff) != 0 || mem.Perm(v).Has(mem.PermUser) {
		return 0, fmt.Errorf("permission bits %#x: %w", v, defs.ErrInvalidArgument)
	}
	return mem.Perm(v) | mem.PermUser, nil
}

// rightsArg decodes a rights bitmap; bits beyond the wire width are
// rejected here, unknown defined-range bits by the capability manager.
func rightsArg(v uint64) (cap.Rights, error) {
	if v&^uint64(0xffff) != 0 {
		return 0, fmt.Errorf("rights bits %#x: %w", v, defs.ErrInvalidArgument)
	}
	return cap.Rights(v), nil
}

// policyArg decodes a backpressure policy selector: 0 drop-oldest (no
// parameter), 1 park (timeout in two's-complement ns), 2 spill (overflow
// limit, 0 for the default).
func policyArg(kind, param uint64) (ipc.Policy, error) {
	switch kind {
	case 0:
		if param != 0 {
			return nil, fmt.Errorf("drop_oldest takes no parameter: %w", defs.ErrInvalidArgument)
		}
		return ipc.DropOldest{}, nil
	case 1:
		return ipc.Park{Timeout: durationArg(param)}, nil
	case 2:
		if param > math.MaxInt32 {
			return nil, fmt.Errorf("spill limit %d: %w", param, defs.ErrInvalidArgument)
		}
		return ipc.Spill{Limit: int(param)}, nil
	default:
		return nil, fmt.Errorf("backpressure policy %d: %w", kind, defs.ErrInvalidArgument)
	}
}
