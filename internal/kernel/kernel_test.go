package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/observe"
)

func newTestKernel(t *testing.T, cfg Config) *Kernel {
	t.Helper()
	k, err := New(cfg, nil, logging.NewNop(), nil)
	require.NoError(t, err)
	return k
}

func TestBootWiresSubsystems(t *testing.T) {
	k := newTestKernel(t, Config{Cores: 2})

	require.NotNil(t, k.Mem)
	require.NotNil(t, k.Engine)
	require.NotNil(t, k.Sched)
	require.NotNil(t, k.Caps)
	require.NotNil(t, k.IPC)
	require.NotNil(t, k.Procs)
	require.NotNil(t, k.Syscalls)
	require.NotNil(t, k.Recorder)
	require.NotNil(t, k.SLO)
	assert.NotEmpty(t, k.BootID().String())
}

func TestBootDefaultsFillIn(t *testing.T) {
	k, err := New(Config{}, nil, logging.NewNop(), nil)
	require.NoError(t, err)
	assert.Zero(t, k.InitPID())
	assert.NotZero(t, k.slice)
}

func TestBootSequenceLandsInFlightRecorder(t *testing.T) {
	k := newTestKernel(t, Config{Cores: 2})

	events := k.Recorder.Events(0)
	require.NotEmpty(t, events)

	msgs := make([]string, len(events))
	for i, e := range events {
		msgs[i] = e.Message
	}
	assert.Equal(t, "kernel boot", msgs[0])
	assert.Equal(t, "kernel up", msgs[len(msgs)-1])
	assert.Contains(t, msgs, "address space manager up")
	assert.Contains(t, msgs, "scheduler up")
	assert.Contains(t, msgs, "capability manager up")
}

func TestSLOTargetsComeFromConfig(t *testing.T) {
	k := newTestKernel(t, Config{
		Cores:     1,
		SwitchP99: 5 * time.Millisecond,
		RTTP99:    time.Millisecond,
	})

	k.SLO.Observe(observe.ContextSwitch, 10*time.Millisecond)
	assert.False(t, k.SLO.Measure(observe.ContextSwitch).Met)

	k.SLO.Observe(observe.IPCRoundTrip, 100*time.Microsecond)
	assert.True(t, k.SLO.Measure(observe.IPCRoundTrip).Met)
}

func TestStartSpawnsInitOnce(t *testing.T) {
	k := newTestKernel(t, Config{Cores: 2, Slice: time.Millisecond})

	require.NoError(t, k.Start())
	defer k.Stop()

	require.Error(t, k.Start())

	pid := k.InitPID()
	require.NotZero(t, pid)
	p, ok := k.Procs.Lookup(pid)
	require.True(t, ok)
	assert.Equal(t, pid, p.PID())
	assert.NotZero(t, k.InitTID())
}

func TestTimerLoopDispatchesInit(t *testing.T) {
	k := newTestKernel(t, Config{Cores: 1, Slice: time.Millisecond})
	require.NoError(t, k.Start())
	defer k.Stop()

	// The core loop must pick init up and run it through the switch
	// engine, which feeds the latency hook.
	require.Eventually(t, func() bool {
		return k.SLO.Measure(observe.ContextSwitch).Count > 0
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, ti := range k.Sched.Threads() {
			if ti.ID == k.InitTID() && ti.State == "running" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopIsIdempotent(t *testing.T) {
	k := newTestKernel(t, Config{Cores: 2, Slice: time.Millisecond})
	require.NoError(t, k.Start())

	k.Stop()
	k.Stop()

	// A fresh Start is allowed after a full stop.
	require.NoError(t, k.Start())
	k.Stop()
}
