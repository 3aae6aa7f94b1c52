package cpu

import (
	"fmt"
	"sync"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// SpaceSwitcher is the slice of the address space manager the engine needs.
type SpaceSwitcher interface {
	SwitchSpace(core defs.CoreID, id defs.ASID) (bool, error)
}

// perCore is one core's live execution state. regs is the core's register
// file; current is the thread whose state it holds. The mutex models the
// interrupts-off window: a switch holds it start to finish and nothing else
// on the core can run meanwhile.
type perCore struct {
	mu      sync.Mutex
	regs    Context
	current *Thread

	switches      uint64
	selfSwitches  uint64
	spaceSwitches uint64
}

// Engine performs context switches. One instance serves all cores; state is
// per-core and a switch only touches its own core's slot.
type Engine struct {
	cores   []perCore
	spaces  SpaceSwitcher
	clock   defs.Clock
	observe func(time.Duration)
}

// NewEngine builds an engine for the given core count.
func NewEngine(cores int, spaces SpaceSwitcher, clock defs.Clock) *Engine {
	if clock == nil {
		clock = defs.WallClock{}
	}
	return &Engine{
		cores:  make([]perCore, cores),
		spaces: spaces,
		clock:  clock,
	}
}

// OnSwitchLatency registers a hook receiving the duration of every real
// switch. Set once at boot, before the scheduler starts dispatching.
func (e *Engine) OnSwitchLatency(fn func(time.Duration)) { e.observe = fn }

// Current returns the thread whose state is live on the core.
func (e *Engine) Current(core defs.CoreID) *Thread {
	c := &e.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Switch saves the outgoing thread's register file and restores the
// incoming one, changing address space only when the two threads belong to
// different spaces. out may be nil on the boot and exit paths. A
// self-switch is a no-op that leaves every register untouched.
//
// The hot path allocates nothing and never blocks; interrupts are modeled
// off for the duration.
func (e *Engine) Switch(core defs.CoreID, out, in *Thread) error {
	if in == nil {
		panic("cpu: switch to nil thread")
	}
	if int(core) >= len(e.cores) {
		return fmt.Errorf("core %d out of range: %w", core, defs.ErrInvalidArgument)
	}
	if out == in {
		c := &e.cores[core]
		c.mu.Lock()
		c.selfSwitches++
		c.mu.Unlock()
		return nil
	}

	start := e.clock.Now()
	c := &e.cores[core]
	c.mu.Lock()

	if out != nil {
		out.Regs = c.regs
	}

	if out == nil || out.Space != in.Space {
		switched, err := e.spaces.SwitchSpace(core, in.Space)
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("switch to thread %d: %w", in.ID, err)
		}
		if switched {
			c.spaceSwitches++
		}
	}

	c.regs = in.Regs
	c.current = in
	c.switches++
	c.mu.Unlock()

	if e.observe != nil {
		e.observe(e.clock.Now().Sub(start))
	}
	return nil
}

// LiveRegs snapshots the core's live register file, for introspection and
// tests.
func (e *Engine) LiveRegs(core defs.CoreID) Context {
	c := &e.cores[core]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs
}

// Stats reports per-core switch counters.
type Stats struct {
	Switches      uint64 `json:"switches"`
	SelfSwitches  uint64 `json:"self_switches"`
	SpaceSwitches uint64 `json:"space_switches"`
}

func (e *Engine) Stats() []Stats {
	out := make([]Stats, len(e.cores))
	for i := range e.cores {
		c := &e.cores[i]
		c.mu.Lock()
		out[i] = Stats{
			Switches:      c.switches,
			SelfSwitches:  c.selfSwitches,
			SpaceSwitches: c.spaceSwitches,
		}
		c.mu.Unlock()
	}
	return out
}
