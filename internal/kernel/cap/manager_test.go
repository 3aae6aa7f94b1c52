package cap

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/logging"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m := NewManager(cfg, nil, logging.NewNop(), nil)
	require.NoError(t, m.CreateTable(1))
	require.NoError(t, m.CreateTable(2))
	return m
}

func TestCreateLookupRoundtrip(t *testing.T) {
	m := newTestManager(t, Config{})
	obj := ChannelEndpoint("chan1.send", 1, SideSend)

	h, err := m.Create(1, obj, RightSend|RightDuplicate, Unbounded)
	require.NoError(t, err)
	require.NotEqual(t, defs.NilHandle, h)

	got, err := m.Lookup(1, h, RightSend)
	require.NoError(t, err)
	assert.Equal(t, obj, got)
}

func TestLookupRejectsMissingRights(t *testing.T) {
	m := newTestManager(t, Config{})
	h, err := m.Create(1, ChannelEndpoint("chan1.send", 1, SideSend), RightSend, Unbounded)
	require.NoError(t, err)

	_, err = m.Lookup(1, h, RightReceive)
	assert.ErrorIs(t, err, defs.ErrRightsViolation)

	// The capability itself stays valid.
	_, err = m.Lookup(1, h, RightSend)
	assert.NoError(t, err)
}

func TestLookupClassifiesHandles(t *testing.T) {
	m := newTestManager(t, Config{})
	h, err := m.Create(1, ThreadObject("thr1", 1), RightSignal, Unbounded)
	require.NoError(t, err)

	t.Run("nil handle", func(t *testing.T) {
		_, err := m.Lookup(1, defs.NilHandle, 0)
		assert.ErrorIs(t, err, defs.ErrInvalidHandle)
	})
	t.Run("out of range slot", func(t *testing.T) {
		_, err := m.Lookup(1, defs.MakeHandle(1<<20, 1), 0)
		assert.ErrorIs(t, err, defs.ErrInvalidHandle)
	})
	t.Run("forged future generation", func(t *testing.T) {
		_, err := m.Lookup(1, defs.MakeHandle(h.Slot(), h.Gen()+2), 0)
		assert.ErrorIs(t, err, defs.ErrInvalidHandle)
	})
	t.Run("unknown pid", func(t *testing.T) {
		_, err := m.Lookup(99, h, 0)
		assert.ErrorIs(t, err, defs.ErrInvalidHandle)
	})
}

func TestRevokeInvalidatesAllHolders(t *testing.T) {
	m := newTestManager(t, Config{})
	obj := MemoryRegion("shm1", 3, 0x400000, 4096)

	parent, err := m.Create(1, obj, RightRead|RightWrite|RightDuplicate, Unbounded)
	require.NoError(t, err)
	child, err := m.Clone(1, parent, RightRead)
	require.NoError(t, err)
	other, err := m.Transfer(1, parent, 2, RightRead)
	require.NoError(t, err)

	n, err := m.Revoke("shm1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, tc := range []struct {
		pid defs.PID
		h   defs.Handle
	}{{1, parent}, {1, child}, {2, other}} {
		_, err := m.Lookup(tc.pid, tc.h, 0)
		assert.ErrorIs(t, err, defs.ErrUseAfterRevoke)
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	m := newTestManager(t, Config{})
	_, err := m.Create(1, ThreadObject("thr9", 9), RightSignal, Unbounded)
	require.NoError(t, err)

	n, err := m.Revoke("thr9")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.Revoke("thr9")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = m.Revoke("never-existed")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStaleHandleAfterSlotReuse(t *testing.T) {
	m := newTestManager(t, Config{HandleSlots: 1})
	old, err := m.Create(1, ThreadObject("a", 1), RightSignal, Unbounded)
	require.NoError(t, err)

	_, err = m.Revoke("a")
	require.NoError(t, err)

	// Reuse the single slot for a fresh capability.
	fresh, err := m.Create(1, ThreadObject("b", 2), RightSignal, Unbounded)
	require.NoError(t, err)
	require.Equal(t, old.Slot(), fresh.Slot())

	_, err = m.Lookup(1, old, RightSignal)
	assert.ErrorIs(t, err, defs.ErrUseAfterRevoke)

	got, err := m.Lookup(1, fresh, RightSignal)
	require.NoError(t, err)
	assert.Equal(t, defs.TID(2), got.Thread)
}

func TestCloneRequiresDuplicateRight(t *testing.T) {
	m := newTestManager(t, Config{})
	h, err := m.Create(1, ChannelEndpoint("c.send", 1, SideSend), RightSend, Unbounded)
	require.NoError(t, err)

	_, err = m.Clone(1, h, RightSend)
	assert.ErrorIs(t, err, defs.ErrRightsViolation)
}

func TestCloneNeverAmplifiesRights(t *testing.T) {
	m := newTestManager(t, Config{})
	h, err := m.Create(1, MemoryRegion("r", 1, 0, 4096), RightRead|RightDuplicate, Unbounded)
	require.NoError(t, err)

	_, err = m.Clone(1, h, RightRead|RightWrite)
	assert.ErrorIs(t, err, defs.ErrRightsViolation)

	child, err := m.Clone(1, h, RightRead)
	require.NoError(t, err)

	// Grandchild cannot re-add duplicate either.
	_, err = m.Clone(1, child, RightRead)
	assert.ErrorIs(t, err, defs.ErrRightsViolation)
}

func TestCloneOfRevokedHandleFails(t *testing.T) {
	m := newTestManager(t, Config{})
	h, err := m.Create(1, ThreadObject("t", 1), RightSignal|RightDuplicate, Unbounded)
	require.NoError(t, err)

	_, err = m.Revoke("t")
	require.NoError(t, err)

	_, err = m.Clone(1, h, RightSignal)
	assert.ErrorIs(t, err, defs.ErrUseAfterRevoke)
}

func TestScopeExpiryBehavesAsRevoked(t *testing.T) {
	clock := defs.NewManualClock(time.Unix(0, 0))
	m := NewManager(Config{}, clock, logging.NewNop(), nil)
	require.NoError(t, m.CreateTable(1))

	scope := Scope{Expiry: clock.Now().Add(time.Second)}
	h, err := m.Create(1, ThreadObject("t", 1), RightSignal|RightDuplicate, scope)
	require.NoError(t, err)

	_, err = m.Lookup(1, h, RightSignal)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = m.Lookup(1, h, RightSignal)
	assert.ErrorIs(t, err, defs.ErrUseAfterRevoke)
	_, err = m.Clone(1, h, RightSignal)
	assert.ErrorIs(t, err, defs.ErrUseAfterRevoke)
}

func TestCloneInheritsScopeNeverExtends(t *testing.T) {
	clock := defs.NewManualClock(time.Unix(0, 0))
	m := NewManager(Config{}, clock, logging.NewNop(), nil)
	require.NoError(t, m.CreateTable(1))

	scope := Scope{Expiry: clock.Now().Add(time.Second)}
	parent, err := m.Create(1, ThreadObject("t", 1), RightSignal|RightDuplicate, scope)
	require.NoError(t, err)

	child, err := m.Clone(1, parent, RightSignal)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	_, err = m.Lookup(1, child, RightSignal)
	assert.ErrorIs(t, err, defs.ErrUseAfterRevoke)
}

func TestTableExhaustion(t *testing.T) {
	m := newTestManager(t, Config{HandleSlots: 2})

	_, err := m.Create(1, ThreadObject("a", 1), RightSignal, Unbounded)
	require.NoError(t, err)
	_, err = m.Create(1, ThreadObject("b", 2), RightSignal, Unbounded)
	require.NoError(t, err)

	_, err = m.Create(1, ThreadObject("c", 3), RightSignal, Unbounded)
	assert.ErrorIs(t, err, defs.ErrResourceExhausted)

	// Freeing a slot makes room again.
	_, err = m.Revoke("a")
	require.NoError(t, err)
	_, err = m.Create(1, ThreadObject("c", 3), RightSignal, Unbounded)
	assert.NoError(t, err)
}

func TestTransferReducesRights(t *testing.T) {
	m := newTestManager(t, Config{})
	h, err := m.Create(1, ChannelEndpoint("c.send", 1, SideSend), RightSend|RightDuplicate, Unbounded)
	require.NoError(t, err)

	got, err := m.Transfer(1, h, 2, RightSend)
	require.NoError(t, err)

	obj, err := m.Lookup(2, got, RightSend)
	require.NoError(t, err)
	assert.Equal(t, defs.ChannelID(1), obj.Channel)

	// Receiver's copy lacks duplicate, so it cannot propagate further.
	_, err = m.Transfer(2, got, 1, RightSend)
	assert.ErrorIs(t, err, defs.ErrRightsViolation)
}

func TestTeardownHookFiresOnRevoke(t *testing.T) {
	m := newTestManager(t, Config{})

	var mu sync.Mutex
	var fired []defs.Label
	m.OnTeardown(func(label defs.Label, obj Object) {
		mu.Lock()
		fired = append(fired, label)
		mu.Unlock()
	})

	h, err := m.Create(1, ChannelEndpoint("c.recv", 1, SideReceive), RightReceive|RightDuplicate, Unbounded)
	require.NoError(t, err)
	_, err = m.Transfer(1, h, 2, RightReceive)
	require.NoError(t, err)

	_, err = m.Revoke("c.recv")
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []defs.Label{"c.recv"}, fired)
}

func TestDestroyTableFiresHooksForLastHolder(t *testing.T) {
	m := newTestManager(t, Config{})

	var mu sync.Mutex
	fired := make(map[defs.Label]int)
	m.OnTeardown(func(label defs.Label, obj Object) {
		mu.Lock()
		fired[label]++
		mu.Unlock()
	})

	// "shared" has a second holder in pid 2 and must survive pid 1's exit.
	shared, err := m.Create(1, ChannelEndpoint("shared", 1, SideSend), RightSend|RightDuplicate, Unbounded)
	require.NoError(t, err)
	_, err = m.Transfer(1, shared, 2, RightSend)
	require.NoError(t, err)
	_, err = m.Create(1, ThreadObject("private", 7), RightSignal, Unbounded)
	require.NoError(t, err)

	n, err := m.DestroyTable(1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	mu.Lock()
	assert.Equal(t, 1, fired["private"])
	assert.Zero(t, fired["shared"])
	mu.Unlock()

	assert.Equal(t, 1, m.Holders("shared"))

	// Subsequent operations against the destroyed table fail closed.
	_, err = m.Create(1, ThreadObject("x", 8), RightSignal, Unbounded)
	assert.ErrorIs(t, err, defs.ErrInvalidArgument)
}

func TestRevokeLinearizesWithLookups(t *testing.T) {
	m := newTestManager(t, Config{})
	h, err := m.Create(1, MemoryRegion("shm", 1, 0x400000, 4096), RightRead, Unbounded)
	require.NoError(t, err)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			// Valid until the revoke lands, then stale; never anything else.
			if _, err := m.Lookup(1, h, RightRead); err != nil {
				assert.ErrorIs(t, err, defs.ErrUseAfterRevoke)
			}
		}
	}()

	_, err = m.Revoke("shm")
	require.NoError(t, err)

	// After Revoke returns, no lookup may ever succeed again.
	_, err = m.Lookup(1, h, RightRead)
	assert.ErrorIs(t, err, defs.ErrUseAfterRevoke)

	close(stop)
	wg.Wait()
}

func TestStatsCountOperations(t *testing.T) {
	m := newTestManager(t, Config{})
	h, err := m.Create(1, ThreadObject("t", 1), RightSignal|RightDuplicate, Unbounded)
	require.NoError(t, err)
	_, err = m.Clone(1, h, RightSignal)
	require.NoError(t, err)
	_, err = m.Lookup(1, h, RightSignal)
	require.NoError(t, err)
	_, err = m.Revoke("t")
	require.NoError(t, err)

	st := m.Stats()
	assert.Equal(t, uint64(1), st.Creates)
	assert.Equal(t, uint64(1), st.Clones)
	assert.Equal(t, uint64(1), st.Lookups)
	assert.Equal(t, uint64(1), st.Revokes)
	assert.Equal(t, uint64(2), st.RevokedSlots)
	assert.Zero(t, st.Handles)
	assert.Equal(t, 2, st.Tables)
}

func TestAuditRecordsNewestFirst(t *testing.T) {
	m := newTestManager(t, Config{})
	for i := 0; i < 3; i++ {
		_, err := m.Create(1, ThreadObject(defs.Label(fmt.Sprintf("t%d", i)), defs.TID(i)), RightSignal, Unbounded)
		require.NoError(t, err)
	}

	recs := m.AuditRecords(2)
	require.Len(t, recs, 2)
	assert.Equal(t, defs.Label("t2"), recs[0].Label)
	assert.Equal(t, defs.Label("t1"), recs[1].Label)
	assert.Greater(t, recs[0].Seq, recs[1].Seq)
}

func TestAuditRateCapDropsNotBlocks(t *testing.T) {
	m := newTestManager(t, Config{AuditRate: 5})

	h, err := m.Create(1, ThreadObject("t", 1), RightSignal, Unbounded)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := m.Lookup(1, h, RightSignal)
		require.NoError(t, err)
	}

	st := m.AuditStats()
	assert.Positive(t, st.Dropped)
	assert.LessOrEqual(t, st.Appended, uint64(10))

	// Another process has its own budget.
	_, err = m.Create(2, ThreadObject("u", 2), RightSignal, Unbounded)
	require.NoError(t, err)
	recs := m.AuditRecords(1)
	require.Len(t, recs, 1)
	assert.Equal(t, defs.PID(2), recs[0].PID)
}

func TestAuditRingOverwritesOldest(t *testing.T) {
	m := newTestManager(t, Config{AuditRing: 4, AuditRate: 1000})

	for i := 0; i < 10; i++ {
		_, err := m.Create(1, ThreadObject(defs.Label(fmt.Sprintf("t%d", i)), defs.TID(i)), RightSignal, Unbounded)
		require.NoError(t, err)
	}

	st := m.AuditStats()
	assert.Equal(t, 4, st.Capacity)
	assert.Equal(t, 4, st.Length)
	assert.Equal(t, uint64(10), st.Appended)

	recs := m.AuditRecords(0)
	require.Len(t, recs, 4)
	assert.Equal(t, defs.Label("t9"), recs[0].Label)
	assert.Equal(t, defs.Label("t6"), recs[3].Label)
}
