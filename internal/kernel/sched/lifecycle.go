package sched

import (
	"time"

	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Terminate retires a thread. Only the thread itself reaches this (via
// exit), so it is Running, or Ready when it exits before ever being
// dispatched; in the latter case it briefly occupies the core to die, the
// same Ready -> Running -> Terminated path the state machine requires.
// Deadline bandwidth returns to the thread's core.
func (s *Scheduler) Terminate(t *TCB) {
	rq := s.lockHome(t)
	switch t.State() {
	case StateRunning:
		if rq.current == t {
			rq.current = nil
		}
	case StateReady:
		if t.queuedBand >= 0 {
			rq.dequeue(t)
		}
		checkTransition(StateReady, StateRunning)
		t.setState(StateRunning)
	default:
		panic("sched: terminate of " + t.State().String() + " thread")
	}
	checkTransition(StateRunning, StateTerminated)
	t.setState(StateTerminated)
	if d, ok := t.class.(Deadline); ok {
		rq.util -= d.Utilization()
		if t.replIdx >= 0 {
			rq.repl.remove(t)
		}
	}
	rq.resched = true
	rq.mu.Unlock()

	s.mu.Lock()
	delete(s.threads, t.ID)
	s.mu.Unlock()
	s.log.Debug("thread terminated", zap.Uint32("tid", uint32(t.ID)))
}

// Lookup finds a live thread by id.
func (s *Scheduler) Lookup(id defs.TID) (*TCB, bool) {
	s.mu.Lock()
	t, ok := s.threads[id]
	s.mu.Unlock()
	return t, ok
}

// ThreadInfo is an introspection snapshot of one thread.
type ThreadInfo struct {
	ID        defs.TID    `json:"id"`
	PID       defs.PID    `json:"pid"`
	Name      string      `json:"name"`
	State     string      `json:"state"`
	Class     string      `json:"class"`
	Core      defs.CoreID `json:"core"`
	Wait      string      `json:"wait,omitempty"`
	Throttled bool        `json:"throttled,omitempty"`
	Deadline  time.Time   `json:"deadline,omitempty"`
	Donated   bool        `json:"donated,omitempty"`
}

// Threads snapshots every live thread.
func (s *Scheduler) Threads() []ThreadInfo {
	s.mu.Lock()
	tcbs := make([]*TCB, 0, len(s.threads))
	for _, t := range s.threads {
		tcbs = append(tcbs, t)
	}
	s.mu.Unlock()

	out := make([]ThreadInfo, 0, len(tcbs))
	for _, t := range tcbs {
		rq := s.lockHome(t)
		info := ThreadInfo{
			ID:        t.ID,
			PID:       t.PID,
			Name:      t.Name,
			State:     t.State().String(),
			Class:     t.class.String(),
			Core:      defs.CoreID(t.core.Load()),
			Throttled: t.throttled.Load(),
			Donated:   t.hasDonor,
		}
		if t.State() == StateBlocked {
			info.Wait = t.wait.String()
		}
		if _, ok := t.class.(Deadline); ok {
			info.Deadline = t.absDeadline
		}
		rq.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// CoreStats is one core's counters.
type CoreStats struct {
	Core             defs.CoreID `json:"core"`
	Isolated         bool        `json:"isolated"`
	RunnableDeadline int         `json:"runnable_deadline"`
	RunnableFixed    int         `json:"runnable_fixed"`
	RunnableFair     int         `json:"runnable_fair"`
	Utilization      float64     `json:"utilization"`
	Current          defs.TID    `json:"current,omitempty"`
	Picks            uint64      `json:"picks"`
	IdlePicks        uint64      `json:"idle_picks"`
	Preemptions      uint64      `json:"preemptions"`
	Steals           uint64      `json:"steals"`
	Demotions        uint64      `json:"demotions"`
}

// Stats is the scheduler-wide counter snapshot.
type Stats struct {
	Cores        []CoreStats `json:"cores"`
	Threads      int         `json:"threads"`
	Admissions   uint64      `json:"admissions"`
	Rejections   uint64      `json:"rejections"`
	Parks        uint64      `json:"parks"`
	ParkTimeouts uint64      `json:"park_timeouts"`
	Wakes        uint64      `json:"wakes"`
	DroppedWakes uint64      `json:"dropped_isr_wakes"`
}

func (s *Scheduler) Stats() Stats {
	st := Stats{Cores: make([]CoreStats, len(s.cores))}
	for i, rq := range s.cores {
		rq.mu.Lock()
		d, f, b := rq.runnable()
		cs := CoreStats{
			Core:             defs.CoreID(rq.id),
			Isolated:         rq.isolated,
			RunnableDeadline: d,
			RunnableFixed:    f,
			RunnableFair:     b,
			Utilization:      rq.util,
			Picks:            rq.picks,
			IdlePicks:        rq.idlePicks,
			Preemptions:      rq.preempts,
			Steals:           rq.steals,
			Demotions:        rq.demotions,
		}
		if rq.current != nil {
			cs.Current = rq.current.ID
		}
		rq.mu.Unlock()
		st.Cores[i] = cs
	}

	s.mu.Lock()
	st.Threads = len(s.threads)
	st.Admissions = s.admissions
	st.Rejections = s.rejections
	st.Parks = s.parks
	st.ParkTimeouts = s.parkTimeouts
	st.Wakes = s.wakeCount
	st.DroppedWakes = s.droppedWakes
	s.mu.Unlock()
	return st
}
