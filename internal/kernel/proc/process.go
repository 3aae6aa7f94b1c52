package proc

import (
	"sync"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
)

// State is a process lifecycle state. A process is Alive from spawn until
// exit, then Zombie until its parent reaps the exit status with Wait.
type State uint8

const (
	StateAlive State = iota
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateZombie:
		return "zombie"
	default:
		return "unknown"
	}
}

// Process is one process table entry: identity, its address space, and the
// threads running in it. Identity fields are immutable after spawn; the
// rest, including parent (orphans are reparented), is guarded by mu.
type Process struct {
	pid   defs.PID
	name  string
	space defs.ASID
	main  defs.TID

	mu      sync.Mutex
	parent  defs.PID
	state   State
	status  int32
	threads map[defs.TID]*sched.TCB
	waiters []*sched.TCB
	started time.Time
	exited  time.Time
}

// PID returns the process id.
func (p *Process) PID() defs.PID { return p.pid }

// Space returns the process's address space.
func (p *Process) Space() defs.ASID { return p.space }

// Main returns the main thread's id.
func (p *Process) Main() defs.TID { return p.main }

func (p *Process) parentPID() defs.PID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.parent
}

func (p *Process) addWaiter(t *sched.TCB) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateAlive {
		p.waiters = append(p.waiters, t)
	}
	return p.state
}

func (p *Process) removeWaiter(t *sched.TCB) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == t {
			copy(p.waiters[i:], p.waiters[i+1:])
			p.waiters[len(p.waiters)-1] = nil
			p.waiters = p.waiters[:len(p.waiters)-1]
			return
		}
	}
}

// Info is the introspection view of one process.
type Info struct {
	PID     defs.PID   `json:"pid"`
	Name    string     `json:"name"`
	Parent  defs.PID   `json:"parent"`
	State   string     `json:"state"`
	Space   defs.ASID  `json:"space"`
	Main    defs.TID   `json:"main_tid"`
	Threads int        `json:"threads"`
	Status  int32      `json:"status,omitempty"`
	Started time.Time  `json:"started"`
	Exited  *time.Time `json:"exited,omitempty"`
}

func (p *Process) info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	in := Info{
		PID:     p.pid,
		Name:    p.name,
		Parent:  p.parent,
		State:   p.state.String(),
		Space:   p.space,
		Main:    p.main,
		Threads: len(p.threads),
		Started: p.started,
	}
	if p.state == StateZombie {
		in.Status = p.status
		exited := p.exited
		in.Exited = &exited
	}
	return in
}
