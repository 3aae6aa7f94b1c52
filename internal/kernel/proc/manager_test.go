package proc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/cpu"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/ipc"
	"github.com/Whoisraeen/raeen-core/internal/kernel/mem"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
	"github.com/Whoisraeen/raeen-core/internal/logging"
)

type fixture struct {
	caps  *cap.Manager
	sched *sched.Scheduler
	mem   *mem.Manager
	mgr   *Manager
}

func newFixture(t *testing.T, cores int) *fixture {
	t.Helper()
	log := logging.NewNop()
	memMgr, err := mem.NewManager(mem.Config{Cores: cores, Frames: 4096}, log)
	require.NoError(t, err)
	engine := cpu.NewEngine(cores, memMgr, nil)
	scheduler, err := sched.NewScheduler(sched.Config{Cores: cores}, engine, nil, log, nil)
	require.NoError(t, err)
	caps := cap.NewManager(cap.Config{}, nil, log, nil)
	require.NoError(t, caps.CreateTable(0))
	return &fixture{
		caps:  caps,
		sched: scheduler,
		mem:   memMgr,
		mgr:   NewManager(caps, scheduler, memMgr, nil, log, nil),
	}
}

func (f *fixture) mainThread(t *testing.T, tid defs.TID) *sched.TCB {
	t.Helper()
	tcb, ok := f.sched.Lookup(tid)
	require.True(t, ok)
	return tcb
}

func TestSpawnCreatesProcess(t *testing.T) {
	f := newFixture(t, 2)

	pid, tid, err := f.mgr.Spawn(0, SpawnSpec{Name: "init"})
	require.NoError(t, err)
	require.NotZero(t, pid)
	require.NotZero(t, tid)

	p, ok := f.mgr.Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, pid, p.PID())
	assert.Equal(t, tid, p.Main())

	asid, ok := f.mgr.SpaceOf(pid)
	require.True(t, ok)
	regions, err := f.mem.Regions(asid)
	require.NoError(t, err)
	require.Len(t, regions, 2)
	var code, stack bool
	for _, r := range regions {
		switch r.Kind {
		case mem.RegionCode:
			code = true
			assert.Equal(t, CodeBase, r.Start)
			assert.Equal(t, uint64(DefaultCodePages*mem.PageSize), uint64(r.End-r.Start))
			assert.Equal(t, mem.PermRead|mem.PermExec|mem.PermUser, r.Perms)
		case mem.RegionStack:
			stack = true
			assert.Equal(t, StackTop, r.End)
			assert.Equal(t, uint64(DefaultStackPages*mem.PageSize), uint64(r.End-r.Start))
			assert.Equal(t, mem.PermRead|mem.PermWrite|mem.PermUser, r.Perms)
		}
	}
	assert.True(t, code, "code region mapped")
	assert.True(t, stack, "stack region mapped")

	tcb := f.mainThread(t, tid)
	assert.Equal(t, pid, tcb.PID)
	assert.Equal(t, sched.StateReady, tcb.State())

	infos := f.mgr.Processes()
	require.Len(t, infos, 1)
	assert.Equal(t, "alive", infos[0].State)
	assert.Equal(t, defs.PID(0), infos[0].Parent)
	assert.Equal(t, 1, infos[0].Threads)

	st := f.mgr.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, uint64(1), st.Spawns)
}

func TestSpawnRequiresName(t *testing.T) {
	f := newFixture(t, 2)

	_, _, err := f.mgr.Spawn(0, SpawnSpec{})
	require.ErrorIs(t, err, defs.ErrInvalidArgument)
	assert.Equal(t, 0, f.mgr.Stats().Live)
	assert.Equal(t, 0, f.mem.Stats().Spaces)
}

func TestSpawnGiftsHandles(t *testing.T) {
	f := newFixture(t, 2)

	h, err := f.caps.Create(0, cap.ThreadObject("boot.thread", 7), cap.RightSignal|cap.RightDuplicate, cap.Unbounded)
	require.NoError(t, err)

	pid, _, err := f.mgr.Spawn(0, SpawnSpec{
		Name:  "child",
		Gifts: []Gift{{Handle: h, Rights: cap.RightSignal}},
	})
	require.NoError(t, err)
	assert.True(t, f.caps.Holds(pid, "boot.thread"))

	// A gift the parent cannot duplicate fails the whole spawn.
	plain, err := f.caps.Create(0, cap.ThreadObject("boot.sealed", 8), cap.RightSignal, cap.Unbounded)
	require.NoError(t, err)
	before := f.mgr.Stats()
	_, _, err = f.mgr.Spawn(0, SpawnSpec{Name: "denied", Gifts: []Gift{{Handle: plain}}})
	require.ErrorIs(t, err, defs.ErrRightsViolation)
	assert.Equal(t, before.Live, f.mgr.Stats().Live)
}

func TestSpawnRollsBackOnAdmissionFailure(t *testing.T) {
	f := newFixture(t, 1)

	_, _, err := f.mgr.Spawn(0, SpawnSpec{
		Name:  "rt0",
		Class: sched.Deadline{Budget: 6 * time.Millisecond, Period: 10 * time.Millisecond},
	})
	require.NoError(t, err)
	tables := f.caps.Stats().Tables
	spaces := f.mem.Stats().Spaces

	_, _, err = f.mgr.Spawn(0, SpawnSpec{
		Name:  "rt1",
		Class: sched.Deadline{Budget: 5 * time.Millisecond, Period: 10 * time.Millisecond},
	})
	require.ErrorIs(t, err, defs.ErrAdmissionDenied)

	st := f.mgr.Stats()
	assert.Equal(t, 1, st.Live)
	assert.Equal(t, uint64(1), st.Spawns)
	assert.Equal(t, tables, f.caps.Stats().Tables, "capability table rolled back")
	assert.Equal(t, spaces, f.mem.Stats().Spaces, "address space rolled back")
}

func TestStalePIDNeverResolves(t *testing.T) {
	f := newFixture(t, 2)

	pid1, _, err := f.mgr.Spawn(0, SpawnSpec{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Exit(pid1, 0))

	_, ok := f.mgr.Lookup(pid1)
	assert.False(t, ok)
	require.ErrorIs(t, f.mgr.Exit(pid1, 0), defs.ErrInvalidArgument)

	// The slot is recycled under a new generation; the old pid stays dead.
	pid2, _, err := f.mgr.Spawn(0, SpawnSpec{Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, pidIndex(pid1), pidIndex(pid2))
	assert.NotEqual(t, pid1, pid2)
	_, ok = f.mgr.Lookup(pid1)
	assert.False(t, ok)
}

func TestExitReleasesEverything(t *testing.T) {
	f := newFixture(t, 2)

	pid, tid, err := f.mgr.Spawn(0, SpawnSpec{Name: "victim"})
	require.NoError(t, err)
	require.NoError(t, f.mgr.Exit(pid, 3))

	_, ok := f.sched.Lookup(tid)
	assert.False(t, ok, "main thread retired")
	_, ok = f.mgr.SpaceOf(pid)
	assert.False(t, ok)
	assert.Equal(t, 0, f.mem.Stats().Spaces)
	assert.Equal(t, 1, f.caps.Stats().Tables, "only the kernel table remains")

	// Kernel-parented, so nobody can wait: reaped on the spot.
	assert.Empty(t, f.mgr.Processes())
	st := f.mgr.Stats()
	assert.Equal(t, 0, st.Live)
	assert.Equal(t, uint64(1), st.Exits)
	assert.Equal(t, uint64(1), st.Reaps)
}

func TestExitClosesChannels(t *testing.T) {
	f := newFixture(t, 2)
	sub := ipc.NewSubsystem(f.caps, f.sched, f.mem, f.mgr, nil, logging.NewNop(), nil)

	p1, _, err := f.mgr.Spawn(0, SpawnSpec{Name: "producer"})
	require.NoError(t, err)
	p2, tid2, err := f.mgr.Spawn(0, SpawnSpec{Name: "consumer"})
	require.NoError(t, err)

	sendH, recvH, _, err := sub.Create(p1, 4, ipc.BestEffort, ipc.DropOldest{})
	require.NoError(t, err)
	recvH2, err := f.caps.Transfer(p1, recvH, p2, cap.RightReceive)
	require.NoError(t, err)

	consumer := f.mainThread(t, tid2)
	got := make(chan error, 1)
	go func() {
		_, err := sub.Receive(context.Background(), consumer, recvH2, -1)
		got <- err
	}()
	require.Eventually(t, func() bool { return consumer.State() == sched.StateBlocked },
		time.Second, time.Millisecond)

	// The producer's exit revokes its endpoints and releases the waiter.
	require.NoError(t, f.mgr.Exit(p1, 0))
	select {
	case err := <-got:
		require.ErrorIs(t, err, defs.ErrPeerClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver still parked after peer exit")
	}

	_, err = f.caps.Lookup(p1, sendH, cap.RightSend)
	require.ErrorIs(t, err, defs.ErrInvalidHandle)

	// The transferred endpoint outlives the producer until its holder lets go.
	_, err = f.caps.Lookup(p2, recvH2, cap.RightReceive)
	require.NoError(t, err)
	require.NoError(t, sub.Close(p2, recvH2))
	assert.Empty(t, sub.Channels())
}

func TestExitRetiresParkedReceiver(t *testing.T) {
	f := newFixture(t, 2)
	sub := ipc.NewSubsystem(f.caps, f.sched, f.mem, f.mgr, nil, logging.NewNop(), nil)

	pid, tid, err := f.mgr.Spawn(0, SpawnSpec{Name: "victim"})
	require.NoError(t, err)
	_, recvH, _, err := sub.Create(pid, 4, ipc.BestEffort, ipc.DropOldest{})
	require.NoError(t, err)

	victim := f.mainThread(t, tid)
	got := make(chan error, 1)
	go func() {
		_, err := sub.Receive(context.Background(), victim, recvH, -1)
		got <- err
	}()
	require.Eventually(t, func() bool { return victim.State() == sched.StateBlocked },
		time.Second, time.Millisecond)

	// Exit kicks the process's own threads out of their waits before
	// terminating them; the wait must not re-enter.
	require.NoError(t, f.mgr.Exit(pid, 0))
	select {
	case err := <-got:
		require.ErrorIs(t, err, defs.ErrPeerClosed)
	case <-time.After(time.Second):
		t.Fatal("exiting process's receiver stayed parked")
	}
	_, ok := f.sched.Lookup(tid)
	assert.False(t, ok, "main thread retired")
}

func TestWaitReapsZombie(t *testing.T) {
	f := newFixture(t, 2)

	parent, ptid, err := f.mgr.Spawn(0, SpawnSpec{Name: "parent"})
	require.NoError(t, err)
	child, _, err := f.mgr.Spawn(parent, SpawnSpec{Name: "child"})
	require.NoError(t, err)
	waiter := f.mainThread(t, ptid)

	// Polling a live child times out without reaping it.
	_, err = f.mgr.Wait(waiter, child, 0)
	require.ErrorIs(t, err, defs.ErrTimeout)
	_, ok := f.mgr.Lookup(child)
	require.True(t, ok)

	require.NoError(t, f.mgr.Exit(child, 42))
	p, ok := f.mgr.Lookup(child)
	require.True(t, ok, "zombie lingers until reaped")
	assert.Equal(t, "zombie", p.info().State)
	assert.Equal(t, int32(42), p.info().Status)

	status, err := f.mgr.Wait(waiter, child, -1)
	require.NoError(t, err)
	assert.Equal(t, int32(42), status)

	_, ok = f.mgr.Lookup(child)
	assert.False(t, ok)
	_, err = f.mgr.Wait(waiter, child, -1)
	require.ErrorIs(t, err, defs.ErrInvalidArgument)
	assert.Equal(t, uint64(1), f.mgr.Stats().Reaps)
}

func TestWaitParksUntilChildExits(t *testing.T) {
	f := newFixture(t, 2)

	parent, ptid, err := f.mgr.Spawn(0, SpawnSpec{Name: "parent"})
	require.NoError(t, err)
	child, _, err := f.mgr.Spawn(parent, SpawnSpec{Name: "child"})
	require.NoError(t, err)
	waiter := f.mainThread(t, ptid)

	type result struct {
		status int32
		err    error
	}
	got := make(chan result, 1)
	go func() {
		status, err := f.mgr.Wait(waiter, child, -1)
		got <- result{status, err}
	}()
	require.Eventually(t, func() bool { return waiter.State() == sched.StateBlocked },
		time.Second, time.Millisecond)

	require.NoError(t, f.mgr.Exit(child, 7))
	select {
	case r := <-got:
		require.NoError(t, r.err)
		assert.Equal(t, int32(7), r.status)
	case <-time.After(time.Second):
		t.Fatal("waiter not woken by child exit")
	}
}

func TestWaitTimesOut(t *testing.T) {
	f := newFixture(t, 2)

	parent, ptid, err := f.mgr.Spawn(0, SpawnSpec{Name: "parent"})
	require.NoError(t, err)
	child, _, err := f.mgr.Spawn(parent, SpawnSpec{Name: "child"})
	require.NoError(t, err)
	waiter := f.mainThread(t, ptid)

	start := time.Now()
	_, err = f.mgr.Wait(waiter, child, 30*time.Millisecond)
	require.ErrorIs(t, err, defs.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)

	// The waiter backed out cleanly; a later exit must not touch it.
	require.NoError(t, f.mgr.Exit(child, 0))
	assert.Equal(t, sched.StateReady, waiter.State())
}

func TestWaitRequiresParent(t *testing.T) {
	f := newFixture(t, 2)

	parent, _, err := f.mgr.Spawn(0, SpawnSpec{Name: "parent"})
	require.NoError(t, err)
	child, _, err := f.mgr.Spawn(parent, SpawnSpec{Name: "child"})
	require.NoError(t, err)
	_, stid, err := f.mgr.Spawn(0, SpawnSpec{Name: "stranger"})
	require.NoError(t, err)

	stranger := f.mainThread(t, stid)
	_, err = f.mgr.Wait(stranger, child, -1)
	require.ErrorIs(t, err, defs.ErrRightsViolation)
}

func TestOrphansReparentToKernel(t *testing.T) {
	f := newFixture(t, 2)

	parent, _, err := f.mgr.Spawn(0, SpawnSpec{Name: "parent"})
	require.NoError(t, err)
	c1, _, err := f.mgr.Spawn(parent, SpawnSpec{Name: "c1"})
	require.NoError(t, err)
	c2, _, err := f.mgr.Spawn(parent, SpawnSpec{Name: "c2"})
	require.NoError(t, err)

	// c2 dies first and waits as a zombie for the parent.
	require.NoError(t, f.mgr.Exit(c2, 5))
	_, ok := f.mgr.Lookup(c2)
	require.True(t, ok)

	// The parent's exit adopts c1 to the kernel and discards the zombie:
	// its status has no claimant left. The parent itself was kernel-parented
	// and vanishes immediately.
	require.NoError(t, f.mgr.Exit(parent, 0))
	_, ok = f.mgr.Lookup(parent)
	assert.False(t, ok)
	_, ok = f.mgr.Lookup(c2)
	assert.False(t, ok)

	p, ok := f.mgr.Lookup(c1)
	require.True(t, ok)
	assert.Equal(t, defs.PID(0), p.info().Parent)

	// Kernel-parented now, so its own exit reaps in place.
	require.NoError(t, f.mgr.Exit(c1, 0))
	assert.Empty(t, f.mgr.Processes())
	st := f.mgr.Stats()
	assert.Equal(t, 0, st.Live)
	assert.Equal(t, uint64(3), st.Spawns)
	assert.Equal(t, uint64(3), st.Exits)
	assert.Equal(t, uint64(3), st.Reaps)
}

func TestPIDArenaRoundtrip(t *testing.T) {
	tests := map[string]struct {
		idx, gen uint16
	}{
		"zero slot": {0, 1},
		"mid slot":  {2048, 513},
		"last slot": {4095, 65535},
		"gen rolls": {17, 1},
		"high both": {65535, 65535},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			pid := makePID(tc.idx, tc.gen)
			assert.Equal(t, tc.idx, pidIndex(pid))
			assert.Equal(t, tc.gen, pidGen(pid))
		})
	}
}
