package sched

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cpu"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/logging"
)

type stubSpaces struct{}

func (stubSpaces) SwitchSpace(defs.CoreID, defs.ASID) (bool, error) { return true, nil }

func newTestScheduler(t *testing.T, cfg Config, clock defs.Clock) *Scheduler {
	t.Helper()
	if cfg.Cores == 0 {
		cfg.Cores = 1
	}
	engine := cpu.NewEngine(cfg.Cores, stubSpaces{}, clock)
	s, err := NewScheduler(cfg, engine, clock, logging.NewNop(), nil)
	require.NoError(t, err)
	return s
}

func newThread(id defs.TID, class Class) *TCB {
	arch := cpu.NewThread(id, defs.ASID(id), 0x1000, 0x7f0000)
	return NewTCB(id, 1, fmt.Sprintf("t%d", id), arch, class, defs.AllCores)
}

func TestEDFOrdersByAbsoluteDeadline(t *testing.T) {
	clock := defs.NewManualClock(time.Unix(100, 0))
	s := newTestScheduler(t, Config{Cores: 1}, clock)

	t100 := newThread(1, Deadline{Budget: 5 * time.Millisecond, Period: 100 * time.Millisecond})
	t50 := newThread(2, Deadline{Budget: 5 * time.Millisecond, Period: 50 * time.Millisecond})
	t200 := newThread(3, Deadline{Budget: 5 * time.Millisecond, Period: 200 * time.Millisecond})
	require.NoError(t, s.Admit(t100))
	require.NoError(t, s.Admit(t50))
	require.NoError(t, s.Admit(t200))

	for _, want := range []*TCB{t50, t100, t200} {
		got, err := s.Dispatch(0)
		require.NoError(t, err)
		require.Same(t, want, got, "earliest deadline must run first")
		s.Block(got, WaitNone)
	}
}

func TestAdmissionControlBoundsBandwidth(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1}, nil)

	a := newThread(1, Deadline{Budget: 60 * time.Millisecond, Period: 100 * time.Millisecond})
	require.NoError(t, s.Admit(a))

	b := newThread(2, Deadline{Budget: 50 * time.Millisecond, Period: 100 * time.Millisecond})
	err := s.Admit(b)
	assert.ErrorIs(t, err, defs.ErrAdmissionDenied, "0.6+0.5 exceeds one core")

	c := newThread(3, Deadline{Budget: 30 * time.Millisecond, Period: 100 * time.Millisecond})
	require.NoError(t, s.Admit(c), "0.6+0.3 still fits")

	st := s.Stats()
	assert.Equal(t, uint64(2), st.Admissions)
	assert.Equal(t, uint64(1), st.Rejections)
}

func TestBandOrderDeadlineFixedFair(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1}, nil)

	be := newThread(1, BestEffort{Weight: 1})
	fp := newThread(2, FixedPriority{Priority: 0})
	dl := newThread(3, Deadline{Budget: time.Millisecond, Period: 10 * time.Millisecond})
	// Admission order is deliberately the reverse of rank order.
	require.NoError(t, s.Admit(be))
	require.NoError(t, s.Admit(fp))
	require.NoError(t, s.Admit(dl))

	for _, want := range []*TCB{dl, fp, be} {
		got, err := s.Dispatch(0)
		require.NoError(t, err)
		require.Same(t, want, got)
		s.Block(got, WaitNone)
	}
}

func TestFixedPriorityLevels(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1}, nil)

	low := newThread(1, FixedPriority{Priority: 2})
	high := newThread(2, FixedPriority{Priority: 0})
	require.NoError(t, s.Admit(low))
	require.NoError(t, s.Admit(high))

	got, err := s.Dispatch(0)
	require.NoError(t, err)
	assert.Same(t, high, got, "priority 0 beats priority 2 regardless of admission order")
}

func TestRoundRobinRotatesOnSliceExpiry(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1, Slice: 10 * time.Millisecond}, nil)

	a := newThread(1, FixedPriority{Priority: 1})
	b := newThread(2, FixedPriority{Priority: 1})
	require.NoError(t, s.Admit(a))
	require.NoError(t, s.Admit(b))

	got, err := s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, a, got)

	assert.True(t, s.Tick(0, 10*time.Millisecond), "exhausted slice must request a re-dispatch")
	got, err = s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, b, got, "expired incumbent rotates behind its peer")

	s.Tick(0, 10*time.Millisecond)
	got, err = s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, a, got)
}

func TestIncumbentKeepsCoreWithinSlice(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1, Slice: 10 * time.Millisecond}, nil)

	a := newThread(1, FixedPriority{Priority: 1})
	require.NoError(t, s.Admit(a))
	got, err := s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, a, got)

	b := newThread(2, FixedPriority{Priority: 1})
	require.NoError(t, s.Admit(b))

	assert.False(t, s.Tick(0, time.Millisecond), "equal-rank arrival must not preempt mid-slice")
	got, err = s.Dispatch(0)
	require.NoError(t, err)
	assert.Same(t, a, got)
}

func TestCBSThrottleAndReplenish(t *testing.T) {
	clock := defs.NewManualClock(time.Unix(100, 0))
	s := newTestScheduler(t, Config{Cores: 1, Slice: 10 * time.Millisecond}, clock)

	dl := newThread(1, Deadline{Budget: 5 * time.Millisecond, Period: 50 * time.Millisecond})
	require.NoError(t, s.Admit(dl))
	got, err := s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, dl, got)

	assert.True(t, s.Tick(0, 6*time.Millisecond), "budget overrun must re-dispatch")
	assert.True(t, dl.Throttled(), "overrun demotes to best-effort")
	assert.Equal(t, uint64(1), s.Stats().Cores[0].Demotions)

	// The demoted thread still runs, just without its deadline rank.
	got, err = s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, dl, got)

	// Past the period boundary the budget returns.
	clock.Advance(60 * time.Millisecond)
	assert.True(t, s.Tick(0, time.Millisecond))
	assert.False(t, dl.Throttled(), "replenishment restores the reservation")
}

func TestThrottledThreadYieldsToDeadlinePeer(t *testing.T) {
	clock := defs.NewManualClock(time.Unix(100, 0))
	s := newTestScheduler(t, Config{Cores: 1}, clock)

	hog := newThread(1, Deadline{Budget: 5 * time.Millisecond, Period: 100 * time.Millisecond})
	tame := newThread(2, Deadline{Budget: 5 * time.Millisecond, Period: 200 * time.Millisecond})
	require.NoError(t, s.Admit(hog))
	require.NoError(t, s.Admit(tame))

	got, err := s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, hog, got, "hog has the earlier deadline")

	s.Tick(0, 6*time.Millisecond)
	got, err = s.Dispatch(0)
	require.NoError(t, err)
	assert.Same(t, tame, got, "a throttled thread must not starve intact reservations")
}

func TestWakeRefreshesExpiredDeadline(t *testing.T) {
	clock := defs.NewManualClock(time.Unix(100, 0))
	s := newTestScheduler(t, Config{Cores: 1}, clock)

	dl := newThread(1, Deadline{Budget: 5 * time.Millisecond, Period: 50 * time.Millisecond})
	require.NoError(t, s.Admit(dl))
	before := s.Threads()[0].Deadline

	s.Block(dl, WaitReceive)
	clock.Advance(500 * time.Millisecond)
	require.True(t, s.Wake(dl))

	after := s.Threads()[0].Deadline
	assert.True(t, after.After(before), "a long block must open a fresh server window")
	assert.True(t, after.After(clock.Now()), "the fresh deadline lies in the future")
}

func TestStealTakesOnlyBestEffort(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 2}, nil)

	t1 := newThread(1, BestEffort{Weight: 1})
	t2 := newThread(2, BestEffort{Weight: 1})
	t3 := newThread(3, BestEffort{Weight: 1})
	require.NoError(t, s.Admit(t1)) // core 0
	require.NoError(t, s.Admit(t2)) // core 1
	require.NoError(t, s.Admit(t3)) // core 0 again

	got, err := s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, t1, got)
	got, err = s.Dispatch(1)
	require.NoError(t, err)
	require.Same(t, t2, got)

	// Core 1 idles; it must pull the queued best-effort thread from core 0.
	s.Block(t2, WaitReceive)
	got, err = s.Dispatch(1)
	require.NoError(t, err)
	require.Same(t, t3, got)
	assert.Equal(t, defs.CoreID(1), t3.Core())
	assert.Equal(t, uint64(1), s.Stats().Cores[1].Steals)
}

func TestIsolatedCoreDiscipline(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 2, Isolated: defs.SingleCore(1)}, nil)

	be := newThread(1, BestEffort{Weight: 1})
	require.NoError(t, s.Admit(be))
	assert.Equal(t, defs.CoreID(0), be.Core(), "best-effort never lands on an isolated core")

	dl := newThread(2, Deadline{Budget: time.Millisecond, Period: 10 * time.Millisecond})
	require.NoError(t, s.Admit(dl))
	assert.Equal(t, defs.CoreID(1), dl.Core(), "deadline work claims the isolated core")

	pinned := NewTCB(3, 1, "pinned", cpu.NewThread(3, 3, 0x1000, 0x7f0000),
		BestEffort{Weight: 1}, defs.SingleCore(1))
	err := s.Admit(pinned)
	assert.ErrorIs(t, err, defs.ErrAdmissionDenied,
		"best-effort pinned to an isolated core has nowhere to run")

	// An idle isolated core never steals.
	got, err := s.Dispatch(1)
	require.NoError(t, err)
	require.Same(t, dl, got)
	s.Block(dl, WaitReceive)
	got, err = s.Dispatch(1)
	require.NoError(t, err)
	assert.Nil(t, got, "isolated core idles rather than stealing best-effort work")
}

func TestTerminateReturnsBandwidth(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1}, nil)

	a := newThread(1, Deadline{Budget: 50 * time.Millisecond, Period: 100 * time.Millisecond})
	require.NoError(t, s.Admit(a))

	b := newThread(2, Deadline{Budget: 60 * time.Millisecond, Period: 100 * time.Millisecond})
	require.ErrorIs(t, s.Admit(b), defs.ErrAdmissionDenied)

	s.Terminate(a)
	assert.Equal(t, StateTerminated, a.State())
	require.NoError(t, s.Admit(b), "terminated reservation frees its bandwidth")

	_, live := s.Lookup(a.ID)
	assert.False(t, live)
}

func TestYieldRotatesReadyQueue(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1}, nil)

	a := newThread(1, BestEffort{Weight: 1})
	require.NoError(t, s.Admit(a))
	got, err := s.Dispatch(0)
	require.NoError(t, err)
	require.Same(t, a, got)

	s.Yield(a)
	assert.Equal(t, StateReady, a.State())

	got, err = s.Dispatch(0)
	require.NoError(t, err)
	assert.Same(t, a, got, "sole thread resumes after yielding")
}

func TestWakeFromISRIsDeferred(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1}, nil)

	a := newThread(1, BestEffort{Weight: 1})
	require.NoError(t, s.Admit(a))
	s.Block(a, WaitReceive)

	require.True(t, s.WakeFromISR(a))
	assert.Equal(t, StateBlocked, a.State(), "ISR wake must not touch queues inline")

	assert.Equal(t, 1, s.DrainWakes(16))
	assert.Equal(t, StateReady, a.State())
	assert.Equal(t, 0, s.DrainWakes(16), "buffer drained")
}

func TestDispatchIdlesOnEmptyCore(t *testing.T) {
	s := newTestScheduler(t, Config{Cores: 1}, nil)
	got, err := s.Dispatch(0)
	require.NoError(t, err)
	assert.Nil(t, got)
	assert.Equal(t, uint64(1), s.Stats().Cores[0].IdlePicks)
}
