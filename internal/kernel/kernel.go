package kernel

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/cpu"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/ipc"
	"github.com/Whoisraeen/raeen-core/internal/kernel/mem"
	"github.com/Whoisraeen/raeen-core/internal/kernel/proc"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
	"github.com/Whoisraeen/raeen-core/internal/kernel/syscall"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
	"github.com/Whoisraeen/raeen-core/internal/observe"
	"github.com/Whoisraeen/raeen-core/internal/shared/id"
)

// Config sizes the machine. Zero values fall back to the defaults each
// subsystem applies itself, so Config{} boots a usable kernel.
type Config struct {
	Cores      int
	Isolated   defs.CoreMask // cores reserved for deadline work
	Slice      time.Duration
	Frames     uint64
	TLBEntries int

	HandleSlots int
	AuditRing   int
	AuditRate   int

	FlightRing int
	SLOWindow  int
	SwitchP99  time.Duration // context switch latency target, zero disables the gate
	RTTP99     time.Duration // IPC round-trip latency target
}

// Kernel is the assembled core. Subsystems are exported so the service
// surface (HTTP, WebSocket, tests) can reach them directly; everything
// below them is private to its package.
type Kernel struct {
	Mem      *mem.Manager
	Engine   *cpu.Engine
	Sched    *sched.Scheduler
	Caps     *cap.Manager
	IPC      *ipc.Subsystem
	Procs    *proc.Manager
	Syscalls *syscall.Dispatcher

	Recorder *observe.Recorder
	SLO      *observe.SLO

	log     *logging.Logger
	metrics *monitoring.Metrics
	clock   defs.Clock
	boot    id.BootID
	cores   int
	slice   time.Duration

	mu      sync.Mutex
	initPID defs.PID
	initTID defs.TID
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New wires the kernel in dependency order: memory, the switch engine,
// the scheduler, capabilities, processes, IPC, and last the syscall
// table. There are no package globals; every subsystem reaches its
// collaborators through the references handed out here.
//
// The flight recorder is attached before anything else comes up, as a
// tee on the logger, so the black box sees every boot line the same way
// it sees runtime events.
func New(cfg Config, clock defs.Clock, base *logging.Logger, metrics *monitoring.Metrics) (*Kernel, error) {
	if clock == nil {
		clock = defs.WallClock{}
	}
	if base == nil {
		base = logging.NewDefault()
	}
	if cfg.Cores <= 0 {
		cfg.Cores = runtime.NumCPU()
	}
	if cfg.Slice <= 0 {
		cfg.Slice = sched.DefaultSlice
	}

	recorder := observe.NewRecorder(cfg.FlightRing, clock)
	slo := observe.NewSLO(cfg.SLOWindow)
	if cfg.SwitchP99 > 0 {
		slo.SetTarget(observe.ContextSwitch, cfg.SwitchP99)
	}
	if cfg.RTTP99 > 0 {
		slo.SetTarget(observe.IPCRoundTrip, cfg.RTTP99)
	}

	tee := base.Tee(recorder.Core(zapcore.InfoLevel))
	log := tee.Named("kernel")
	boot := id.NewBootID()

	log.Info("kernel boot",
		zap.String("boot_id", boot.String()),
		zap.Int("cores", cfg.Cores),
		zap.Int("isolated", cfg.Isolated.Count(cfg.Cores)),
		zap.Duration("slice", cfg.Slice))

	memory, err := mem.NewManager(mem.Config{
		Cores:      cfg.Cores,
		Frames:     cfg.Frames,
		TLBEntries: cfg.TLBEntries,
	}, tee)
	if err != nil {
		return nil, fmt.Errorf("memory manager: %w", err)
	}

	engine := cpu.NewEngine(cfg.Cores, memory, clock)
	engine.OnSwitchLatency(func(d time.Duration) {
		slo.Observe(observe.ContextSwitch, d)
		if metrics != nil {
			metrics.RecordSwitchLatency(d)
		}
	})

	scheduler, err := sched.NewScheduler(sched.Config{
		Cores:    cfg.Cores,
		Isolated: cfg.Isolated,
		Slice:    cfg.Slice,
	}, engine, clock, tee, metrics)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	caps := cap.NewManager(cap.Config{
		HandleSlots: cfg.HandleSlots,
		AuditRing:   cfg.AuditRing,
		AuditRate:   cfg.AuditRate,
	}, clock, tee, metrics)

	procs := proc.NewManager(caps, scheduler, memory, clock, tee, metrics)
	channels := ipc.NewSubsystem(caps, scheduler, memory, procs, clock, tee, metrics)
	syscalls := syscall.NewDispatcher(procs, scheduler, memory, caps, channels, clock, tee, metrics)

	k := &Kernel{
		Mem:      memory,
		Engine:   engine,
		Sched:    scheduler,
		Caps:     caps,
		IPC:      channels,
		Procs:    procs,
		Syscalls: syscalls,
		Recorder: recorder,
		SLO:      slo,
		log:      log,
		metrics:  metrics,
		clock:    clock,
		boot:     boot,
		cores:    cfg.Cores,
		slice:    cfg.Slice,
	}
	log.Info("kernel up", zap.String("boot_id", boot.String()))
	return k, nil
}

// Start spawns init and brings the per-core timer loops up. Everything
// that runs afterwards is a descendant of init or a kernel loop.
func (k *Kernel) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stop != nil {
		return fmt.Errorf("kernel already started: %w", defs.ErrInvalidArgument)
	}

	pid, tid, err := k.Procs.Spawn(0, proc.SpawnSpec{Name: "init"})
	if err != nil {
		return fmt.Errorf("spawn init: %w", err)
	}
	k.initPID = pid
	k.initTID = tid
	k.log.Info("init up", zap.Uint32("pid", uint32(pid)), zap.Uint32("tid", uint32(tid)))

	k.stop = make(chan struct{})
	for i := 0; i < k.cores; i++ {
		k.wg.Add(1)
		go k.coreLoop(defs.CoreID(i), k.stop)
	}
	k.wg.Add(1)
	go k.housekeeping(k.stop)
	return nil
}

// coreLoop models the core's timer interrupt. Each tick drains ISR
// wakes, charges the running thread for the elapsed slice, and
// re-dispatches when the queue says so. One loop per core; the
// scheduler relies on that.
func (k *Kernel) coreLoop(core defs.CoreID, stop <-chan struct{}) {
	defer k.wg.Done()
	tick := time.NewTicker(k.slice)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			k.Sched.DrainWakes(defs.WakeBufferSlots)
			if k.Sched.Tick(core, k.slice) || k.Sched.NeedResched(core) {
				if _, err := k.Sched.Dispatch(core); err != nil {
					k.log.Error("dispatch failed",
						zap.Uint32("core", uint32(core)),
						zap.Error(err))
				}
			}
		}
	}
}

func (k *Kernel) housekeeping(stop <-chan struct{}) {
	defer k.wg.Done()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return
		case <-tick.C:
			if k.metrics != nil {
				k.metrics.TickUptime()
			}
		}
	}
}

// Stop halts the timer loops. Safe to call twice; the second call is a
// no-op. Threads parked in syscalls are not interrupted, callers own
// those lifetimes.
func (k *Kernel) Stop() {
	k.mu.Lock()
	stop := k.stop
	k.stop = nil
	k.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	k.wg.Wait()
	k.log.Info("kernel down", zap.String("boot_id", k.boot.String()))
}

// InitPID returns the pid of init, 0 before Start.
func (k *Kernel) InitPID() defs.PID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initPID
}

// InitTID returns init's main thread, 0 before Start.
func (k *Kernel) InitTID() defs.TID {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.initTID
}

// BootID identifies this boot in logs and flight dumps.
func (k *Kernel) BootID() id.BootID { return k.boot }
