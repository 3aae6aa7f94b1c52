package proc

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/cpu"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/mem"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
)

// User-space layout for spawned processes. Code sits low and executable,
// the stack high and writable; neither is ever both.
const (
	CodeBase = mem.VAddr(0x0040_0000)
	StackTop = mem.VAddr(0x7fff_f000)

	DefaultCodePages  = 16
	DefaultStackPages = 64
)

// Gift names a capability the parent hands to the child at spawn,
// optionally narrowed to a rights subset. Zero rights pass the capability
// unchanged.
type Gift struct {
	Handle defs.Handle
	Rights cap.Rights
}

// SpawnSpec describes a process to create.
type SpawnSpec struct {
	Name       string
	Class      sched.Class   // main thread class; nil means best-effort
	Affinity   defs.CoreMask // zero means any core
	CodePages  int
	StackPages int
	Gifts      []Gift
}

// Manager owns the process table and drives the spawn/exit/wait
// lifecycle across the other kernel subsystems.
type Manager struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	clock   defs.Clock
	caps    *cap.Manager
	sched   *sched.Scheduler
	mem     *mem.Manager

	mu      sync.Mutex
	table   *table
	live    int
	nextTID defs.TID
	spawns  uint64
	exits   uint64
	reaps   uint64
}

// NewManager builds the process manager.
func NewManager(caps *cap.Manager, scheduler *sched.Scheduler, memory *mem.Manager, clock defs.Clock, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if clock == nil {
		clock = defs.WallClock{}
	}
	if log == nil {
		log = logging.NewDefault()
	}
	return &Manager{
		log:     log.Named("proc"),
		metrics: metrics,
		clock:   clock,
		caps:    caps,
		sched:   scheduler,
		mem:     memory,
		table:   newTable(defs.MaxProcs),
	}
}

// SpaceOf resolves a live process's address space. This is the resolver
// the IPC grant path uses to map shared frames for an acceptor.
func (m *Manager) SpaceOf(pid defs.PID) (defs.ASID, bool) {
	m.mu.Lock()
	p := m.table.lookup(pid)
	m.mu.Unlock()
	if p == nil {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateAlive {
		return 0, false
	}
	return p.space, true
}

// Spawn creates a process: fresh address space with code and stack
// mapped, a handle table seeded with the parent's gifts, and an admitted
// main thread. Failure at any stage rolls the earlier stages back.
func (m *Manager) Spawn(parent defs.PID, spec SpawnSpec) (defs.PID, defs.TID, error) {
	if spec.Name == "" {
		return 0, 0, fmt.Errorf("process needs a name: %w", defs.ErrInvalidArgument)
	}
	if spec.Class == nil {
		spec.Class = sched.BestEffort{Weight: 1}
	}
	if spec.Affinity == 0 {
		spec.Affinity = defs.AllCores
	}
	if spec.CodePages <= 0 {
		spec.CodePages = DefaultCodePages
	}
	if spec.StackPages <= 0 {
		spec.StackPages = DefaultStackPages
	}

	space, err := m.mem.CreateSpace()
	if err != nil {
		return 0, 0, err
	}
	stackBase := StackTop - mem.VAddr(uint64(spec.StackPages)*mem.PageSize)
	if err := m.mem.Map(space, CodeBase, uint64(spec.CodePages)*mem.PageSize,
		mem.PermRead|mem.PermExec|mem.PermUser, mem.RegionCode); err != nil {
		m.mem.DestroySpace(space)
		return 0, 0, err
	}
	if err := m.mem.Map(space, stackBase, uint64(spec.StackPages)*mem.PageSize,
		mem.PermRead|mem.PermWrite|mem.PermUser, mem.RegionStack); err != nil {
		m.mem.DestroySpace(space)
		return 0, 0, err
	}

	p := &Process{
		name:    spec.Name,
		space:   space,
		parent:  parent,
		threads: make(map[defs.TID]*sched.TCB, 1),
		started: m.clock.Now(),
	}

	// Identity fields (pid, space, main) are set before the table entry
	// becomes visible; later readers only need p.mu for the mutable rest.
	m.mu.Lock()
	pid, ok := m.table.alloc(p)
	if !ok {
		m.mu.Unlock()
		m.mem.DestroySpace(space)
		return 0, 0, fmt.Errorf("process table full (%d): %w", defs.MaxProcs, defs.ErrResourceExhausted)
	}
	m.nextTID++
	tid := m.nextTID
	p.pid = pid
	p.main = tid
	m.live++
	m.mu.Unlock()

	fail := func(err error) (defs.PID, defs.TID, error) {
		m.mu.Lock()
		m.table.release(pid)
		m.live--
		m.mu.Unlock()
		m.mem.DestroySpace(space)
		return 0, 0, err
	}

	if err := m.caps.CreateTable(pid); err != nil {
		return fail(err)
	}
	for _, g := range spec.Gifts {
		rights := g.Rights
		if rights == 0 {
			if _, r, _, err := m.caps.Inspect(parent, g.Handle); err == nil {
				rights = r
			}
		}
		if _, err := m.caps.Transfer(parent, g.Handle, pid, rights); err != nil {
			_, _ = m.caps.DestroyTable(pid)
			return fail(fmt.Errorf("gift %s: %w", g.Handle, err))
		}
	}

	arch := cpu.NewThread(tid, space, CodeBase, StackTop)
	tcb := sched.NewTCB(tid, pid, spec.Name+"/main", arch, spec.Class, spec.Affinity)
	if err := m.sched.Admit(tcb); err != nil {
		_, _ = m.caps.DestroyTable(pid)
		return fail(err)
	}
	p.mu.Lock()
	p.threads[tid] = tcb
	p.mu.Unlock()

	m.mu.Lock()
	m.spawns++
	m.mu.Unlock()
	if m.metrics != nil {
		m.metrics.ProcessesActive.Inc()
		m.metrics.ThreadsActive.Inc()
	}
	m.log.Info("process spawned",
		zap.Uint32("pid", uint32(pid)),
		zap.Uint32("parent", uint32(parent)),
		zap.String("name", spec.Name),
		zap.Uint32("main_tid", uint32(tid)),
		zap.Uint32("asid", uint32(space)),
		zap.String("class", spec.Class.String()))
	return pid, tid, nil
}

// Exit terminates a process: every thread is retired, every capability it
// held is destroyed (revoking channel endpoints and tearing down grants
// through the capability hooks), its address space is released, and any
// parked waiters are woken with the exit status. The entry lingers as a
// zombie until the parent reaps it, unless no live parent exists.
func (m *Manager) Exit(pid defs.PID, status int32) error {
	m.mu.Lock()
	p := m.table.lookup(pid)
	m.mu.Unlock()
	if p == nil {
		return fmt.Errorf("process %d: %w", pid, defs.ErrInvalidArgument)
	}

	p.mu.Lock()
	if p.state != StateAlive {
		p.mu.Unlock()
		return fmt.Errorf("process %d already exited: %w", pid, defs.ErrInvalidArgument)
	}
	p.state = StateZombie
	p.status = status
	p.exited = m.clock.Now()
	threads := make([]*sched.TCB, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.threads = make(map[defs.TID]*sched.TCB)
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	// Retire threads first so nothing in this process can block again.
	// A parked thread is kicked out of its wait before termination.
	for _, t := range threads {
		m.sched.Unpark(t, defs.ErrPeerClosed)
		if t.State() == sched.StateBlocked {
			m.sched.Wake(t)
		}
		m.sched.Terminate(t)
		if m.metrics != nil {
			m.metrics.ThreadsActive.Dec()
		}
	}

	// Dropping the handle table fires the revocation hooks: channel
	// peers wake, grants unmap, audit records land.
	revoked, _ := m.caps.DestroyTable(pid)
	m.mem.DestroySpace(p.space)

	for _, w := range waiters {
		m.sched.Unpark(w, nil)
	}

	m.mu.Lock()
	m.exits++
	m.live--
	m.reparentChildren(pid)
	if m.table.lookup(p.parentPID()) == nil {
		// No one is left to wait on us.
		m.table.release(pid)
		m.reaps++
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ProcessesActive.Dec()
	}
	m.log.Info("process exited",
		zap.Uint32("pid", uint32(pid)),
		zap.Int32("status", status),
		zap.Int("threads", len(threads)),
		zap.Int("handles_revoked", revoked))
	return nil
}

// reparentChildren hands pid's children to the kernel and reaps any that
// already sit in zombie state, since their status can no longer be
// claimed. Caller holds m.mu.
func (m *Manager) reparentChildren(pid defs.PID) {
	var orphanZombies []defs.PID
	m.table.each(func(c *Process) {
		if c.parent != pid || c.pid == pid {
			return
		}
		c.mu.Lock()
		c.parent = 0
		if c.state == StateZombie {
			orphanZombies = append(orphanZombies, c.pid)
		}
		c.mu.Unlock()
	})
	for _, z := range orphanZombies {
		m.table.release(z)
		m.reaps++
	}
}

// Wait parks the calling thread until the child exits and returns the
// child's exit status, reaping the table entry. Only the parent may wait.
// timeout follows park semantics: negative waits forever, zero polls.
func (m *Manager) Wait(caller *sched.TCB, child defs.PID, timeout time.Duration) (int32, error) {
	if caller == nil {
		return 0, fmt.Errorf("wait needs a calling thread: %w", defs.ErrInvalidArgument)
	}
	for {
		m.mu.Lock()
		p := m.table.lookup(child)
		m.mu.Unlock()
		if p == nil {
			return 0, fmt.Errorf("process %d: %w", child, defs.ErrInvalidArgument)
		}
		if p.parentPID() != caller.PID {
			return 0, fmt.Errorf("pid %d is not the parent of %d: %w", caller.PID, child, defs.ErrRightsViolation)
		}

		if status, ok := m.tryReap(child, p); ok {
			return status, nil
		}

		m.sched.PrepareWait(caller, sched.WaitChild)
		if st := p.addWaiter(caller); st == StateZombie {
			// Exited between the check and the publish.
			_ = m.sched.CancelWait(caller)
			continue
		}
		err := m.sched.CommitWait(caller, timeout)
		p.removeWaiter(caller)
		if err != nil {
			return 0, fmt.Errorf("wait on %d: %w", child, err)
		}
		// Woken by exit; loop to reap.
	}
}

// tryReap claims the zombie's status and frees its slot.
func (m *Manager) tryReap(pid defs.PID, p *Process) (int32, bool) {
	p.mu.Lock()
	zombie := p.state == StateZombie
	status := p.status
	p.mu.Unlock()
	if !zombie {
		return 0, false
	}
	m.mu.Lock()
	if m.table.lookup(pid) == p {
		m.table.release(pid)
		m.reaps++
	}
	m.mu.Unlock()
	return status, true
}

// Lookup resolves a pid to its table entry.
func (m *Manager) Lookup(pid defs.PID) (*Process, bool) {
	m.mu.Lock()
	p := m.table.lookup(pid)
	m.mu.Unlock()
	return p, p != nil
}

// Processes snapshots every live table entry, zombies included.
func (m *Manager) Processes() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Info, 0, m.live)
	m.table.each(func(p *Process) {
		out = append(out, p.info())
	})
	return out
}

// Stats is the process-table counter snapshot.
type Stats struct {
	Live   int    `json:"live"`
	Spawns uint64 `json:"spawns"`
	Exits  uint64 `json:"exits"`
	Reaps  uint64 `json:"reaps"`
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Live: m.live, Spawns: m.spawns, Exits: m.exits, Reaps: m.reaps}
}
