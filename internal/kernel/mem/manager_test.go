package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/logging"
)

func newTestManager(t *testing.T, frames uint64) *Manager {
	t.Helper()
	m, err := NewManager(Config{
		Cores:      2,
		Frames:     frames,
		TLBEntries: 64,
		Kernel: []KernelRegion{
			{Start: 0x7f_0000_0000, Pages: 4, Perms: PermRead | PermExec},
		},
	}, logging.NewNop())
	require.NoError(t, err)
	return m
}

func TestWriteXorExecuteRejected(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)

	err = m.Map(asid, 0x400000, PageSize, PermRead|PermWrite|PermExec, RegionCode)
	assert.ErrorIs(t, err, defs.ErrInvalidPermissions)

	require.NoError(t, m.Map(asid, 0x400000, PageSize, PermRead|PermWrite|PermUser, RegionData))
	err = m.Protect(asid, 0x400000, PageSize, PermWrite|PermExec)
	assert.ErrorIs(t, err, defs.ErrInvalidPermissions)
}

func TestMapRejectsMalformedRanges(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)

	tests := []struct {
		name   string
		va     VAddr
		length uint64
		perms  Perm
	}{
		{"unaligned address", 0x400001, PageSize, PermRead},
		{"zero length", 0x400000, 0, PermRead},
		{"unaligned length", 0x400000, 100, PermRead},
		{"unknown perm bits", 0x400000, PageSize, Perm(0x80)},
		{"no access", 0x400000, PageSize, PermUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.Map(asid, tt.va, tt.length, tt.perms, RegionData)
			assert.Error(t, err)
			assert.NotErrorIs(t, err, defs.ErrResourceExhausted)
		})
	}
}

func TestMapOverlapRejected(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)

	require.NoError(t, m.Map(asid, 0x400000, 4*PageSize, PermRead|PermWrite, RegionData))
	err = m.Map(asid, 0x401000, PageSize, PermRead, RegionData)
	assert.ErrorIs(t, err, defs.ErrInvalidArgument)
}

func TestUnmapUnmappedRangeIsNoop(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)

	n, err := m.Unmap(asid, 0x700000, 2*PageSize)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnmapReleasesFramesAndSplitsRegions(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)

	free := m.Stats().FramesFree
	require.NoError(t, m.Map(asid, 0x400000, 4*PageSize, PermRead|PermWrite, RegionData))
	assert.Equal(t, free-4, m.Stats().FramesFree)

	// Punch out the middle two pages.
	n, err := m.Unmap(asid, 0x401000, 2*PageSize)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, free-2, m.Stats().FramesFree)

	regions, err := m.Regions(asid)
	require.NoError(t, err)
	var data []Region
	for _, r := range regions {
		if r.Kind == RegionData {
			data = append(data, r)
		}
	}
	require.Len(t, data, 2)
	assert.Equal(t, VAddr(0x400000), data[0].Start)
	assert.Equal(t, VAddr(0x401000), data[0].End)
	assert.Equal(t, VAddr(0x403000), data[1].Start)
	assert.Equal(t, VAddr(0x404000), data[1].End)
}

func TestTranslateAndTargetedShootdown(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)
	require.NoError(t, m.Map(asid, 0x400000, 2*PageSize, PermRead|PermWrite, RegionData))

	pa1, err := m.Translate(0, asid, 0x400010, PermRead)
	require.NoError(t, err)
	pa2, err := m.Translate(0, asid, 0x401010, PermRead)
	require.NoError(t, err)
	assert.NotEqual(t, pa1, pa2)

	// Both translations now cached on core 0.
	assert.Equal(t, 2, m.Stats().TLB[0].Entries)

	// Unmapping page 1 must evict only page 1's entry.
	_, err = m.Unmap(asid, 0x401000, PageSize)
	require.NoError(t, err)
	after := m.Stats().TLB[0]
	assert.Equal(t, uint64(1), after.Shootdowns)

	_, err = m.Translate(0, asid, 0x400010, PermRead)
	assert.NoError(t, err)
	_, err = m.Translate(0, asid, 0x401010, PermRead)
	assert.ErrorIs(t, err, defs.ErrInvalidPermissions)
}

func TestTranslatePermissionFault(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)
	require.NoError(t, m.Map(asid, 0x400000, PageSize, PermRead, RegionData))

	_, err = m.Translate(0, asid, 0x400000, PermWrite)
	assert.ErrorIs(t, err, defs.ErrInvalidPermissions)
}

func TestSwitchSpaceSelfIsNoop(t *testing.T) {
	m := newTestManager(t, 128)
	a, err := m.CreateSpace()
	require.NoError(t, err)
	b, err := m.CreateSpace()
	require.NoError(t, err)

	switched, err := m.SwitchSpace(0, a)
	require.NoError(t, err)
	assert.True(t, switched)

	switched, err = m.SwitchSpace(0, a)
	require.NoError(t, err)
	assert.False(t, switched, "self switch must not count")

	switched, err = m.SwitchSpace(0, b)
	require.NoError(t, err)
	assert.True(t, switched)
	assert.Equal(t, b, m.ActiveSpace(0))
}

func TestSwitchKeepsOtherSpaceTranslations(t *testing.T) {
	m := newTestManager(t, 128)
	a, err := m.CreateSpace()
	require.NoError(t, err)
	b, err := m.CreateSpace()
	require.NoError(t, err)
	require.NoError(t, m.Map(a, 0x400000, PageSize, PermRead, RegionData))
	require.NoError(t, m.Map(b, 0x400000, PageSize, PermRead, RegionData))

	_, err = m.Translate(0, a, 0x400000, PermRead)
	require.NoError(t, err)
	_, err = m.SwitchSpace(0, b)
	require.NoError(t, err)
	_, err = m.Translate(0, b, 0x400000, PermRead)
	require.NoError(t, err)

	// Switching back must hit the still-cached entry for space a.
	_, err = m.SwitchSpace(0, a)
	require.NoError(t, err)
	hitsBefore := m.Stats().TLB[0].Hits
	_, err = m.Translate(0, a, 0x400000, PermRead)
	require.NoError(t, err)
	assert.Equal(t, hitsBefore+1, m.Stats().TLB[0].Hits)
}

func TestFrameExhaustion(t *testing.T) {
	m := newTestManager(t, 8) // 4 kernel pages leave 4 free
	asid, err := m.CreateSpace()
	require.NoError(t, err)

	err = m.Map(asid, 0x400000, 8*PageSize, PermRead|PermWrite, RegionData)
	assert.ErrorIs(t, err, defs.ErrResourceExhausted)

	// A failed map must not leak frames.
	require.NoError(t, m.Map(asid, 0x400000, 4*PageSize, PermRead|PermWrite, RegionData))
}

func TestPinRangeChecksPresenceAndPerms(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)
	require.NoError(t, m.Map(asid, 0x400000, 2*PageSize, PermRead, RegionData))

	_, err = m.PinRange(asid, 0x400000, 2*PageSize, PermWrite)
	assert.ErrorIs(t, err, defs.ErrInvalidPermissions)

	frames, err := m.PinRange(asid, 0x400000, 2*PageSize, PermRead)
	require.NoError(t, err)
	require.Len(t, frames, 2)

	// Pinned frames survive the unmap of the source space.
	free := m.Stats().FramesFree
	_, err = m.Unmap(asid, 0x400000, 2*PageSize)
	require.NoError(t, err)
	assert.Equal(t, free, m.Stats().FramesFree, "pinned frames must not return to the pool")

	m.UnpinFrames(frames)
	assert.Equal(t, free+2, m.Stats().FramesFree)
}

func TestDestroySpaceIdempotent(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)
	require.NoError(t, m.Map(asid, 0x400000, PageSize, PermRead, RegionData))

	free := m.Stats().FramesFree
	m.DestroySpace(asid)
	assert.Equal(t, free+1, m.Stats().FramesFree)
	m.DestroySpace(asid) // second destroy is a no-op

	err = m.Map(asid, 0x500000, PageSize, PermRead, RegionData)
	assert.ErrorIs(t, err, defs.ErrInvalidArgument)
}

func TestKernelRegionsImmutable(t *testing.T) {
	m := newTestManager(t, 128)
	asid, err := m.CreateSpace()
	require.NoError(t, err)

	regions, err := m.Regions(asid)
	require.NoError(t, err)
	var kernel *Region
	for i := range regions {
		if regions[i].Kind == RegionKernel {
			kernel = &regions[i]
			break
		}
	}
	require.NotNil(t, kernel)

	_, err = m.Unmap(asid, kernel.Start, PageSize)
	assert.ErrorIs(t, err, defs.ErrInvalidPermissions)
	err = m.Protect(asid, kernel.Start, PageSize, PermRead)
	assert.ErrorIs(t, err, defs.ErrInvalidPermissions)
}
