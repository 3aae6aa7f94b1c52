package sched

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cpu"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
)

// DefaultSlice is the round-robin and fair time slice.
const DefaultSlice = 10 * time.Millisecond

// Config sizes the scheduler at boot.
type Config struct {
	Cores    int
	Isolated defs.CoreMask // cores reserved for real-time work
	Slice    time.Duration
}

// Scheduler owns the per-core run queues and every thread state
// transition. It drives the context switch engine and is the only caller
// allowed to.
type Scheduler struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	clock   defs.Clock
	engine  *cpu.Engine

	cores []*runQueue
	slice time.Duration

	mu      sync.Mutex
	threads map[defs.TID]*TCB
	seq     uint64

	wakes chan *TCB

	admissions   uint64
	rejections   uint64
	parks        uint64
	parkTimeouts uint64
	wakeCount    uint64
	droppedWakes uint64
}

// NewScheduler wires the scheduler to its cores and the switch engine.
func NewScheduler(cfg Config, engine *cpu.Engine, clock defs.Clock, log *logging.Logger, metrics *monitoring.Metrics) (*Scheduler, error) {
	if cfg.Cores <= 0 {
		return nil, fmt.Errorf("core count %d: %w", cfg.Cores, defs.ErrInvalidArgument)
	}
	if engine == nil {
		return nil, fmt.Errorf("scheduler needs a switch engine: %w", defs.ErrInvalidArgument)
	}
	if cfg.Slice <= 0 {
		cfg.Slice = DefaultSlice
	}
	if clock == nil {
		clock = defs.WallClock{}
	}
	if log == nil {
		log = logging.NewDefault()
	}

	s := &Scheduler{
		log:     log.Named("sched"),
		metrics: metrics,
		clock:   clock,
		engine:  engine,
		cores:   make([]*runQueue, cfg.Cores),
		slice:   cfg.Slice,
		threads: make(map[defs.TID]*TCB),
		wakes:   make(chan *TCB, defs.WakeBufferSlots),
	}
	for i := range s.cores {
		s.cores[i] = &runQueue{id: uint32(i), isolated: cfg.Isolated.Allows(defs.CoreID(i))}
	}
	s.log.Info("scheduler up",
		zap.Int("cores", cfg.Cores),
		zap.Int("isolated", cfg.Isolated.Count(cfg.Cores)),
		zap.Duration("slice", cfg.Slice))
	return s, nil
}

// lockHome locks the queue the thread currently belongs to, retrying if a
// rebalance moved it between the read and the lock.
func (s *Scheduler) lockHome(t *TCB) *runQueue {
	for {
		c := t.core.Load()
		rq := s.cores[c]
		rq.mu.Lock()
		if t.core.Load() == c {
			return rq
		}
		rq.mu.Unlock()
	}
}

// Admit runs admission control and enqueues the thread Ready on its chosen
// core. Deadline threads are placed on an isolated core (any core when
// none are isolated) whose remaining bandwidth fits the reservation;
// best-effort threads never land on isolated cores.
func (s *Scheduler) Admit(t *TCB) error {
	if t.Arch == nil {
		return fmt.Errorf("thread %d has no arch state: %w", t.ID, defs.ErrInvalidArgument)
	}
	if t.Affinity.Count(len(s.cores)) == 0 {
		return fmt.Errorf("thread %d affinity excludes every core: %w", t.ID, defs.ErrInvalidArgument)
	}

	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var target *runQueue
	switch c := t.class.(type) {
	case Deadline:
		u := c.Utilization()
		target = s.placeDeadline(t.Affinity, u)
		if target == nil {
			s.rejections++
			if s.metrics != nil {
				s.metrics.RecordAdmission(false)
			}
			s.log.Info("admission denied",
				zap.Uint32("tid", uint32(t.ID)),
				zap.String("class", c.String()))
			return fmt.Errorf("no eligible core has %.3f bandwidth free: %w", u, defs.ErrAdmissionDenied)
		}
	case FixedPriority:
		target = s.placeByLoad(t.Affinity, true)
		if target == nil {
			return fmt.Errorf("thread %d affinity excludes every core: %w", t.ID, defs.ErrInvalidArgument)
		}
	case BestEffort:
		target = s.placeByLoad(t.Affinity, false)
		if target == nil {
			s.rejections++
			if s.metrics != nil {
				s.metrics.RecordAdmission(false)
			}
			return fmt.Errorf("best-effort affinity limited to isolated cores: %w", defs.ErrAdmissionDenied)
		}
	default:
		panic("sched: unknown scheduling class")
	}

	s.seq++
	t.admitSeq = s.seq

	target.mu.Lock()
	t.core.Store(target.id)
	if d, ok := t.class.(Deadline); ok {
		target.util += d.Utilization()
		t.absDeadline = now.Add(d.Period)
		t.remaining = d.Budget
	}
	t.sliceLeft = s.slice
	t.vruntime = target.minVruntime
	t.setState(StateReady)
	target.enqueue(t)
	s.maybeResched(target, t)
	target.mu.Unlock()

	s.threads[t.ID] = t
	s.admissions++
	if s.metrics != nil {
		s.metrics.RecordAdmission(true)
	}
	s.log.Debug("thread admitted",
		zap.Uint32("tid", uint32(t.ID)),
		zap.Uint32("core", target.id),
		zap.String("class", t.class.String()))
	return nil
}

// placeDeadline finds the eligible core with the most remaining bandwidth
// that still fits u. Caller holds s.mu.
func (s *Scheduler) placeDeadline(affinity defs.CoreMask, u float64) *runQueue {
	anyIsolated := false
	for _, rq := range s.cores {
		if rq.isolated {
			anyIsolated = true
			break
		}
	}
	var best *runQueue
	for _, rq := range s.cores {
		if !affinity.Allows(defs.CoreID(rq.id)) {
			continue
		}
		if anyIsolated && !rq.isolated {
			continue
		}
		rq.mu.Lock()
		fits := rq.util+u <= 1.0+1e-9
		lighter := best == nil || rq.util < best.util
		rq.mu.Unlock()
		if fits && lighter {
			best = rq
		}
	}
	return best
}

// placeByLoad picks the least-loaded affinity core; isolated cores are
// excluded unless allowIsolated. Caller holds s.mu.
func (s *Scheduler) placeByLoad(affinity defs.CoreMask, allowIsolated bool) *runQueue {
	var best *runQueue
	bestLoad := 0
	for _, rq := range s.cores {
		if !affinity.Allows(defs.CoreID(rq.id)) {
			continue
		}
		if rq.isolated && !allowIsolated {
			continue
		}
		rq.mu.Lock()
		d, f, b := rq.runnable()
		load := d + f + b
		if rq.current != nil {
			load++
		}
		rq.mu.Unlock()
		if best == nil || load < bestLoad {
			best = rq
			bestLoad = load
		}
	}
	return best
}

// maybeResched flags the core for re-dispatch when t outranks whatever is
// running there. Lock held.
func (s *Scheduler) maybeResched(rq *runQueue, t *TCB) {
	if rq.current == nil || rankLess(t.effectiveRank(), rq.current.effectiveRank()) {
		rq.resched = true
	}
}

// Dispatch picks the next thread for the core and effects the switch. It
// returns the thread now running there, nil when the core idles. The
// switch engine is invoked outside the queue lock; each core has a single
// dispatching loop, so the gap is private to it.
func (s *Scheduler) Dispatch(core defs.CoreID) (*TCB, error) {
	rq := s.cores[core]
	for attempt := 0; ; attempt++ {
		now := s.clock.Now()
		rq.mu.Lock()
		prev := rq.current
		next := rq.pick(now)

		if next == nil {
			rq.resched = false
			if prev != nil && prev.State() == StateRunning {
				if prev.sliceLeft <= 0 {
					prev.sliceLeft = s.slice
				}
				rq.mu.Unlock()
				return prev, nil
			}
			rq.current = nil
			rq.idlePicks++
			rq.mu.Unlock()
			if attempt == 0 && s.steal(core) {
				continue
			}
			return nil, nil
		}

		if prev != nil && prev.State() == StateRunning {
			if prev.sliceLeft > 0 && rankLess(prev.effectiveRank(), next.effectiveRank()) {
				// The incumbent still outranks everything waiting.
				rq.enqueue(next)
				rq.resched = false
				rq.mu.Unlock()
				return prev, nil
			}
			checkTransition(StateRunning, StateReady)
			prev.setState(StateReady)
			prev.sliceLeft = s.slice
			rq.enqueue(prev)
			rq.preempts++
			if s.metrics != nil {
				s.metrics.RecordPreemption()
			}
		}

		checkTransition(next.State(), StateRunning)
		next.setState(StateRunning)
		next.wait = WaitNone
		if next.sliceLeft <= 0 {
			next.sliceLeft = s.slice
		}
		rq.current = next
		rq.resched = false
		rq.mu.Unlock()

		var out *cpu.Thread
		if prev != nil {
			out = prev.Arch
		}
		if err := s.engine.Switch(core, out, next.Arch); err != nil {
			return nil, err
		}
		return next, nil
	}
}

// Tick charges the running thread for ran of CPU, performs due CBS
// replenishments, and reports whether the core should re-dispatch. This is
// the timer-interrupt path: bounded bookkeeping only.
func (s *Scheduler) Tick(core defs.CoreID, ran time.Duration) bool {
	now := s.clock.Now()
	rq := s.cores[core]

	rq.mu.Lock()
	for rq.repl.peek() != nil && !rq.repl.peek().replenishAt.After(now) {
		s.replenish(rq, rq.repl.pop(), now)
	}

	t := rq.current
	if t != nil {
		switch c := t.class.(type) {
		case Deadline:
			if !t.throttled.Load() {
				t.remaining -= ran
				if t.remaining <= 0 {
					s.throttle(rq, t)
				}
			} else {
				t.vruntime += ran
				t.sliceLeft -= ran
				if t.sliceLeft <= 0 {
					rq.resched = true
				}
			}
		case FixedPriority:
			t.sliceLeft -= ran
			if t.sliceLeft <= 0 {
				rq.resched = true
			}
		case BestEffort:
			t.vruntime += time.Duration(uint64(ran) / uint64(maxu32(c.Weight, 1)))
			t.sliceLeft -= ran
			if t.sliceLeft <= 0 {
				rq.resched = true
			}
		}
	}

	if t != nil {
		if b := rq.best(); b != nil && rankLess(b.effectiveRank(), t.effectiveRank()) {
			rq.resched = true
		}
	}
	resched := rq.resched
	rq.mu.Unlock()
	return resched
}

// throttle demotes an over-budget deadline thread to best-effort until its
// period ends. Lock held.
func (s *Scheduler) throttle(rq *runQueue, t *TCB) {
	d := t.class.(Deadline)
	t.throttled.Store(true)
	t.remaining = 0
	t.replenishAt = t.absDeadline
	t.vruntime = rq.minVruntime
	t.sliceLeft = s.slice
	rq.repl.push(t)
	rq.demotions++
	rq.resched = true
	if t.queuedBand >= 0 {
		rq.requeue(t)
	}
	if s.metrics != nil {
		s.metrics.RecordDemotion()
	}
	s.log.Debug("cbs throttle",
		zap.Uint32("tid", uint32(t.ID)),
		zap.Duration("budget", d.Budget),
		zap.Time("replenish_at", t.replenishAt))
}

// replenish restores a throttled thread's budget at its period boundary.
// Lock held.
func (s *Scheduler) replenish(rq *runQueue, t *TCB, now time.Time) {
	d := t.class.(Deadline)
	t.throttled.Store(false)
	t.remaining = d.Budget
	t.absDeadline = t.replenishAt.Add(d.Period)
	for !t.absDeadline.After(now) {
		t.absDeadline = t.absDeadline.Add(d.Period)
	}
	if t.queuedBand >= 0 {
		rq.requeue(t)
	}
	if t == rq.current || rq.current == nil {
		rq.resched = true
	} else {
		s.maybeResched(rq, t)
	}
	if s.metrics != nil {
		s.metrics.RecordReplenishment()
	}
}

// Yield moves the running thread back to Ready behind its peers.
func (s *Scheduler) Yield(t *TCB) {
	rq := s.lockHome(t)
	if t.State() != StateRunning {
		rq.mu.Unlock()
		return
	}
	checkTransition(StateRunning, StateReady)
	t.setState(StateReady)
	t.sliceLeft = s.slice
	if rq.current == t {
		rq.current = nil
	}
	rq.enqueue(t)
	rq.resched = true
	rq.mu.Unlock()
}

// Block transitions a thread to Blocked and removes it from scheduling.
// The thread must be Ready or Running.
func (s *Scheduler) Block(t *TCB, reason WaitReason) {
	rq := s.lockHome(t)
	st := t.State()
	checkTransition(st, StateBlocked)
	switch st {
	case StateRunning:
		if rq.current == t {
			rq.current = nil
			rq.resched = true
		}
	case StateReady:
		if t.queuedBand >= 0 {
			rq.dequeue(t)
		}
	}
	t.setState(StateBlocked)
	t.wait = reason
	rq.mu.Unlock()
}

// Wake returns a Blocked thread to Ready. Waking a thread that is not
// blocked is a no-op so racing wake sources stay harmless.
func (s *Scheduler) Wake(t *TCB) bool {
	now := s.clock.Now()
	rq := s.lockHome(t)
	if t.State() != StateBlocked {
		rq.mu.Unlock()
		return false
	}
	checkTransition(StateBlocked, StateReady)
	t.setState(StateReady)
	t.wait = WaitNone
	if d, ok := t.class.(Deadline); ok && !t.throttled.Load() && !t.absDeadline.After(now) {
		// Fresh server window after a long block.
		t.absDeadline = now.Add(d.Period)
		t.remaining = d.Budget
	}
	rq.enqueue(t)
	s.maybeResched(rq, t)
	rq.mu.Unlock()

	s.mu.Lock()
	s.wakeCount++
	s.mu.Unlock()
	return true
}

// WakeFromISR posts a wake from interrupt context. It never blocks and
// never touches queues directly; the buffer is drained by DrainWakes on a
// kernel thread. A full buffer drops the wake and reports false.
func (s *Scheduler) WakeFromISR(t *TCB) bool {
	select {
	case s.wakes <- t:
		return true
	default:
		s.mu.Lock()
		s.droppedWakes++
		s.mu.Unlock()
		return false
	}
}

// DrainWakes applies up to max buffered ISR wakes and returns how many.
func (s *Scheduler) DrainWakes(max int) int {
	n := 0
	for n < max {
		select {
		case t := <-s.wakes:
			s.Wake(t)
			n++
		default:
			return n
		}
	}
	return n
}

// NeedResched reports and clears the core's re-dispatch flag.
func (s *Scheduler) NeedResched(core defs.CoreID) bool {
	rq := s.cores[core]
	rq.mu.Lock()
	r := rq.resched
	rq.resched = false
	rq.mu.Unlock()
	return r
}

// steal pulls one best-effort thread from another non-isolated core.
// Real-time work is never stolen and isolated cores neither give nor take.
func (s *Scheduler) steal(core defs.CoreID) bool {
	self := s.cores[core]
	if self.isolated {
		return false
	}
	for _, victim := range s.cores {
		if victim == self || victim.isolated {
			continue
		}
		a, b := self, victim
		if a.id > b.id {
			a, b = b, a
		}
		a.mu.Lock()
		b.mu.Lock()
		var t *TCB
		// Only genuine best-effort threads move; a throttled deadline
		// thread stays on the core its bandwidth is accounted to.
		for _, cand := range victim.fair {
			if _, ok := cand.class.(BestEffort); ok {
				t = cand
				break
			}
		}
		if t != nil {
			victim.fair.remove(t)
			t.queuedBand = -1
			t.core.Store(self.id)
			self.enqueue(t)
			self.steals++
		}
		b.mu.Unlock()
		a.mu.Unlock()
		if t != nil {
			if s.metrics != nil {
				s.metrics.RecordSteal()
			}
			return true
		}
	}
	return false
}

func maxu32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
