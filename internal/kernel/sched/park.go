package sched

import (
	"errors"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// Parking is the only suspension mechanism in the kernel: blocking IPC,
// sleep, and child-wait are all built on it. The protocol is two-phase so
// a waiter can publish itself (to a channel's wait list) between the
// phases without losing a wake:
//
//	s.PrepareWait(t, reason)        // thread is now Blocked
//	... publish t, re-check the condition under the owner's lock ...
//	err := s.CommitWait(t, timeout) // actually sleep
//
// A wake that arrives any time after PrepareWait is kept by the buffered
// park channel and consumed by CommitWait immediately. If the condition
// turned true before committing, CancelWait backs out.

// PrepareWait moves the thread to Blocked and arms its park slot. The
// calling goroutine must be the thread itself.
func (s *Scheduler) PrepareWait(t *TCB, reason WaitReason) {
	if !t.pstate.CompareAndSwap(parkIdle, parkWaiting) {
		panic("sched: thread parked twice")
	}
	s.Block(t, reason)
	s.mu.Lock()
	s.parks++
	s.mu.Unlock()
}

// CommitWait sleeps until Unpark or the timeout. timeout < 0 waits
// forever; timeout == 0 expires immediately unless a wake already landed.
// Returns what the waker passed, or ErrTimeout. Either way the thread is
// Ready again when this returns.
func (s *Scheduler) CommitWait(t *TCB, timeout time.Duration) error {
	var timeoutCh <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case res := <-t.park:
		return res
	case <-timeoutCh:
		if t.pstate.CompareAndSwap(parkWaiting, parkIdle) {
			s.Wake(t)
			s.mu.Lock()
			s.parkTimeouts++
			s.mu.Unlock()
			if s.metrics != nil {
				s.metrics.RecordParkTimeout()
			}
			return defs.ErrTimeout
		}
		// An unpark won the race; its result is in flight.
		return <-t.park
	}
}

// CancelWait backs out of a prepared wait whose condition turned true
// before committing. If an unpark raced in, its result is returned;
// otherwise nil. The thread is Ready either way.
func (s *Scheduler) CancelWait(t *TCB) error {
	if t.pstate.CompareAndSwap(parkWaiting, parkIdle) {
		s.Wake(t)
		return nil
	}
	return <-t.park
}

// Unpark wakes a prepared waiter, delivering result to its CommitWait.
// Reports false when the thread was not waiting (already woken, timed
// out, or never parked); racing wake sources rely on that.
func (s *Scheduler) Unpark(t *TCB, result error) bool {
	if !t.pstate.CompareAndSwap(parkWaiting, parkSignaled) {
		return false
	}
	s.Wake(t)
	t.pstate.Store(parkIdle)
	t.park <- result
	return true
}

// Sleep blocks the thread for d. An early Unpark (teardown, signal)
// surfaces its result; the natural expiry returns nil.
func (s *Scheduler) Sleep(t *TCB, d time.Duration) error {
	s.PrepareWait(t, WaitSleep)
	err := s.CommitWait(t, d)
	if errors.Is(err, defs.ErrTimeout) {
		return nil
	}
	return err
}
