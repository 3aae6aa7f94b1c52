package mem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/logging"
)

// KernelRegion describes one template region mapped identically into every
// address space at creation.
type KernelRegion struct {
	Start VAddr
	Pages uint64
	Perms Perm
}

// Config sizes the manager at boot.
type Config struct {
	Cores      int
	Frames     uint64
	TLBEntries int
	Kernel     []KernelRegion
}

type kernelMapping struct {
	start  VAddr
	frames []Frame
	perms  Perm
}

// Manager owns every address space, the physical frame pool, and the
// per-core translation caches.
type Manager struct {
	log  *logging.Logger
	pool *framePool
	tlbs []*tlb

	mu     sync.RWMutex
	spaces map[defs.ASID]*space
	next   defs.ASID

	active   []atomic.Uint32 // per-core current ASID
	switches atomic.Uint64

	kernel []kernelMapping
}

// NewManager allocates the frame pool, the per-core TLBs, and the shared
// kernel template. Kernel frames hold a permanent reference so they never
// return to the pool.
func NewManager(cfg Config, log *logging.Logger) (*Manager, error) {
	if cfg.Cores <= 0 {
		return nil, fmt.Errorf("core count %d: %w", cfg.Cores, defs.ErrInvalidArgument)
	}
	if cfg.Frames == 0 {
		cfg.Frames = defs.DefaultFrames
	}
	if cfg.TLBEntries <= 0 {
		cfg.TLBEntries = defs.TLBEntries
	}
	if log == nil {
		log = logging.NewDefault()
	}

	m := &Manager{
		log:    log.Named("mem"),
		pool:   newFramePool(cfg.Frames),
		tlbs:   make([]*tlb, cfg.Cores),
		spaces: make(map[defs.ASID]*space),
		next:   1, // ASID 0 is the kernel space
		active: make([]atomic.Uint32, cfg.Cores),
	}
	for i := range m.tlbs {
		m.tlbs[i] = newTLB(cfg.TLBEntries)
	}

	for _, kr := range cfg.Kernel {
		if err := kr.Perms.Validate(); err != nil {
			return nil, fmt.Errorf("kernel region at %#x: %w", uint64(kr.Start), err)
		}
		frames, err := m.pool.allocN(kr.Pages)
		if err != nil {
			return nil, fmt.Errorf("kernel region at %#x: %w", uint64(kr.Start), err)
		}
		m.kernel = append(m.kernel, kernelMapping{start: kr.Start, frames: frames, perms: kr.Perms &^ PermUser})
	}

	m.log.Info("address space manager up",
		zap.Int("cores", cfg.Cores),
		zap.Uint64("frames", cfg.Frames),
		zap.Int("kernel_regions", len(cfg.Kernel)))
	return m, nil
}

// CreateSpace builds a fresh address space with the kernel template mapped
// in. Kernel mappings share frames across all spaces.
func (m *Manager) CreateSpace() (defs.ASID, error) {
	m.mu.Lock()
	id := m.next
	m.next++
	sp := newSpace(id)
	m.spaces[id] = sp
	m.mu.Unlock()

	sp.mu.Lock()
	for _, km := range m.kernel {
		vpn := PageOf(km.start)
		for i, f := range km.frames {
			m.pool.pin(f)
			e := sp.root.walk(vpn+VPN(i), true)
			*e = pte{frame: f, perms: km.perms, present: true}
		}
		end := km.start + VAddr(uint64(len(km.frames))*PageSize)
		sp.insertRegion(Region{Start: km.start, End: end, Perms: km.perms, Kind: RegionKernel})
	}
	sp.mu.Unlock()

	m.log.Debug("address space created", zap.Uint32("asid", uint32(id)))
	return id, nil
}

// DestroySpace releases every frame the space references and drops its
// translations from every core. Destroying an already-destroyed space is a
// no-op.
func (m *Manager) DestroySpace(id defs.ASID) {
	m.mu.Lock()
	sp, ok := m.spaces[id]
	if ok {
		delete(m.spaces, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	sp.mu.Lock()
	sp.live = false
	for _, r := range sp.regions {
		vpn := PageOf(r.Start)
		for i := uint64(0); i < r.Pages(); i++ {
			if e := sp.root.walk(vpn+VPN(i), false); e != nil && e.present {
				m.pool.release(e.frame)
				e.present = false
			}
		}
	}
	sp.regions = nil
	sp.mu.Unlock()

	for _, t := range m.tlbs {
		t.invalidateSpace(id)
	}
	m.log.Debug("address space destroyed", zap.Uint32("asid", uint32(id)))
}

func (m *Manager) getSpace(id defs.ASID) (*space, error) {
	m.mu.RLock()
	sp, ok := m.spaces[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("address space %d: %w", id, defs.ErrInvalidArgument)
	}
	return sp, nil
}

// Map establishes a fresh anonymous mapping of length bytes at va.
func (m *Manager) Map(id defs.ASID, va VAddr, length uint64, perms Perm, kind RegionKind) error {
	if err := checkRange(va, length); err != nil {
		return err
	}
	if err := perms.Validate(); err != nil {
		return err
	}
	sp, err := m.getSpace(id)
	if err != nil {
		return err
	}

	end := va + VAddr(length)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.anyOverlap(va, end) {
		return fmt.Errorf("range [%#x,%#x) overlaps existing region: %w", uint64(va), uint64(end), defs.ErrInvalidArgument)
	}

	frames, err := m.pool.allocN(pageCount(length))
	if err != nil {
		return err
	}
	vpn := PageOf(va)
	for i, f := range frames {
		e := sp.root.walk(vpn+VPN(i), true)
		*e = pte{frame: f, perms: perms, present: true}
	}
	sp.insertRegion(Region{Start: va, End: end, Perms: perms, Kind: kind})
	return nil
}

// MapFrames maps existing frames at va, pinning each one. This is the
// shared-grant path: the frames stay alive until every mapping and the
// grant itself release them.
func (m *Manager) MapFrames(id defs.ASID, va VAddr, frames []Frame, perms Perm) error {
	if err := checkRange(va, uint64(len(frames))*PageSize); err != nil {
		return err
	}
	if err := perms.Validate(); err != nil {
		return err
	}
	sp, err := m.getSpace(id)
	if err != nil {
		return err
	}

	end := va + VAddr(uint64(len(frames))*PageSize)
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.anyOverlap(va, end) {
		return fmt.Errorf("range [%#x,%#x) overlaps existing region: %w", uint64(va), uint64(end), defs.ErrInvalidArgument)
	}

	vpn := PageOf(va)
	for i, f := range frames {
		m.pool.pin(f)
		e := sp.root.walk(vpn+VPN(i), true)
		*e = pte{frame: f, perms: perms, present: true}
	}
	sp.insertRegion(Region{Start: va, End: end, Perms: perms, Kind: RegionShared})
	return nil
}

// Unmap removes any mappings inside [va, va+length) and returns how many
// pages were actually unmapped. Unmapping an unmapped range is a no-op.
// Kernel template regions are not touchable from here.
func (m *Manager) Unmap(id defs.ASID, va VAddr, length uint64) (int, error) {
	if err := checkRange(va, length); err != nil {
		return 0, err
	}
	sp, err := m.getSpace(id)
	if err != nil {
		return 0, err
	}

	end := va + VAddr(length)
	sp.mu.Lock()
	for _, r := range sp.regions {
		if r.Kind == RegionKernel && r.overlaps(va, end) {
			sp.mu.Unlock()
			return 0, fmt.Errorf("range intersects kernel region: %w", defs.ErrInvalidPermissions)
		}
	}

	unmapped := 0
	vpn := PageOf(va)
	for i := uint64(0); i < pageCount(length); i++ {
		if e := sp.root.walk(vpn+VPN(i), false); e != nil && e.present {
			m.pool.release(e.frame)
			e.present = false
			unmapped++
		}
	}

	// Trim every overlapped region down to what survives outside the range.
	for i := 0; i < len(sp.regions); {
		r := sp.regions[i]
		if !r.overlaps(va, end) {
			i++
			continue
		}
		lo, hi := r.Start, r.End
		if va > lo {
			lo = va
		}
		if end < hi {
			hi = end
		}
		sp.carve(i, lo, hi)
		// carve reorders; restart the scan.
		i = 0
	}
	sp.mu.Unlock()

	if unmapped > 0 {
		m.shootdown(id, PageOf(va), pageCount(length))
	}
	return unmapped, nil
}

// Protect changes the permissions of a range that lies within a single
// region, splitting the region when the range is a strict subset.
func (m *Manager) Protect(id defs.ASID, va VAddr, length uint64, perms Perm) error {
	if err := checkRange(va, length); err != nil {
		return err
	}
	if err := perms.Validate(); err != nil {
		return err
	}
	sp, err := m.getSpace(id)
	if err != nil {
		return err
	}

	end := va + VAddr(length)
	sp.mu.Lock()
	i := sp.findRegion(va, end)
	if i < 0 {
		sp.mu.Unlock()
		return fmt.Errorf("range [%#x,%#x) not contained in a mapped region: %w", uint64(va), uint64(end), defs.ErrInvalidArgument)
	}
	if sp.regions[i].Kind == RegionKernel {
		sp.mu.Unlock()
		return fmt.Errorf("kernel region is immutable: %w", defs.ErrInvalidPermissions)
	}
	kind := sp.regions[i].Kind
	sp.carve(i, va, end)
	sp.insertRegion(Region{Start: va, End: end, Perms: perms, Kind: kind})

	vpn := PageOf(va)
	for p := uint64(0); p < pageCount(length); p++ {
		if e := sp.root.walk(vpn+VPN(p), false); e != nil && e.present {
			e.perms = perms
		}
	}
	sp.mu.Unlock()

	m.shootdown(id, PageOf(va), pageCount(length))
	return nil
}

// SwitchSpace makes the space current on the core. Switching to the space
// already active is a no-op and reports false; translations of other
// spaces stay cached because entries are ASID-tagged.
func (m *Manager) SwitchSpace(core defs.CoreID, id defs.ASID) (bool, error) {
	if int(core) >= len(m.active) {
		return false, fmt.Errorf("core %d out of range: %w", core, defs.ErrInvalidArgument)
	}
	if _, err := m.getSpace(id); err != nil {
		return false, err
	}
	if defs.ASID(m.active[core].Load()) == id {
		return false, nil
	}
	m.active[core].Store(uint32(id))
	m.switches.Add(1)
	return true, nil
}

// ActiveSpace reports the space currently installed on the core.
func (m *Manager) ActiveSpace(core defs.CoreID) defs.ASID {
	if int(core) >= len(m.active) {
		return 0
	}
	return defs.ASID(m.active[core].Load())
}

// Translate resolves va for an access with the given permissions, filling
// the core's TLB on a walk. Unmapped or insufficiently-permissioned pages
// fail with ErrInvalidPermissions; there is no demand paging.
func (m *Manager) Translate(core defs.CoreID, id defs.ASID, va VAddr, access Perm) (PhysAddr, error) {
	if int(core) >= len(m.tlbs) {
		return 0, fmt.Errorf("core %d out of range: %w", core, defs.ErrInvalidArgument)
	}
	vpn := PageOf(va)
	offset := uint64(va) & (PageSize - 1)

	if e, ok := m.tlbs[core].lookup(id, vpn); ok {
		if !e.perms.Has(access) {
			return 0, fmt.Errorf("access %s on %s page: %w", access, e.perms, defs.ErrInvalidPermissions)
		}
		return PhysAddr(uint64(e.frame)*PageSize + offset), nil
	}

	sp, err := m.getSpace(id)
	if err != nil {
		return 0, err
	}
	sp.mu.Lock()
	e := sp.root.walk(vpn, false)
	if e == nil || !e.present {
		sp.mu.Unlock()
		return 0, fmt.Errorf("page %#x not present: %w", uint64(vpn), defs.ErrInvalidPermissions)
	}
	cached := tlbEntry{frame: e.frame, perms: e.perms}
	sp.mu.Unlock()

	m.tlbs[core].fill(id, vpn, cached)
	if !cached.perms.Has(access) {
		return 0, fmt.Errorf("access %s on %s page: %w", access, cached.perms, defs.ErrInvalidPermissions)
	}
	return PhysAddr(uint64(cached.frame)*PageSize + offset), nil
}

// PinRange validates that [va, va+length) is fully mapped with at least
// the needed permissions and pins every backing frame. The grant table
// uses this to keep granted memory alive independent of the granter.
func (m *Manager) PinRange(id defs.ASID, va VAddr, length uint64, need Perm) ([]Frame, error) {
	if err := checkRange(va, length); err != nil {
		return nil, err
	}
	sp, err := m.getSpace(id)
	if err != nil {
		return nil, err
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	vpn := PageOf(va)
	count := pageCount(length)
	frames := make([]Frame, 0, count)
	for i := uint64(0); i < count; i++ {
		e := sp.root.walk(vpn+VPN(i), false)
		if e == nil || !e.present {
			m.releaseFrames(frames)
			return nil, fmt.Errorf("page %#x not present: %w", uint64(vpn)+i, defs.ErrInvalidPermissions)
		}
		if !e.perms.Has(need) {
			m.releaseFrames(frames)
			return nil, fmt.Errorf("page %#x lacks %s: %w", uint64(vpn)+i, need, defs.ErrInvalidPermissions)
		}
		m.pool.pin(e.frame)
		frames = append(frames, e.frame)
	}
	return frames, nil
}

// UnpinFrames drops the references PinRange took.
func (m *Manager) UnpinFrames(frames []Frame) {
	m.releaseFrames(frames)
}

func (m *Manager) releaseFrames(frames []Frame) {
	for _, f := range frames {
		m.pool.release(f)
	}
}

// Regions snapshots the region list of a space for introspection.
func (m *Manager) Regions(id defs.ASID) ([]Region, error) {
	sp, err := m.getSpace(id)
	if err != nil {
		return nil, err
	}
	sp.mu.Lock()
	defer sp.mu.Unlock()
	out := make([]Region, len(sp.regions))
	copy(out, sp.regions)
	return out, nil
}

// shootdown invalidates the affected pages on every core.
func (m *Manager) shootdown(id defs.ASID, vpn VPN, count uint64) {
	for _, t := range m.tlbs {
		t.invalidate(id, vpn, count)
	}
}

// Stats summarizes manager state for the introspection API.
type Stats struct {
	Spaces     int        `json:"spaces"`
	FramesFree int        `json:"frames_free"`
	Switches   uint64     `json:"switches"`
	TLB        []TLBStats `json:"tlb"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	spaces := len(m.spaces)
	m.mu.RUnlock()
	st := Stats{
		Spaces:     spaces,
		FramesFree: m.pool.available(),
		Switches:   m.switches.Load(),
		TLB:        make([]TLBStats, len(m.tlbs)),
	}
	for i, t := range m.tlbs {
		st.TLB[i] = t.stats()
	}
	return st
}
