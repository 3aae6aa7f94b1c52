package cap

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
)

// TeardownHook observes a revocation group losing its last holder (or being
// revoked outright). Subsystems register hooks at boot to tear dependent
// state down synchronously: channel close, grant unmap. Hooks run after the
// manager's locks are released and before Revoke returns.
type TeardownHook func(label defs.Label, obj Object)

// Config sizes the capability manager at boot.
type Config struct {
	HandleSlots int // per-process table arena, default defs.DefaultHandleSlots
	AuditRing   int // audit ring capacity, default defs.DefaultAuditRing
	AuditRate   int // per-process audit records per second, default defs.DefaultAuditRate
}

// holderRef locates one capability by arena coordinates. The revocation
// index stores only these, never pointers into tables, so index entries
// stay valid no matter how slots are reused.
type holderRef struct {
	pid  defs.PID
	slot uint32
}

// labelEntry is one revocation group: the descriptors minted under the
// label and every holder's coordinates.
type labelEntry struct {
	objs    []Object
	holders []holderRef
}

func (e *labelEntry) addObject(obj Object) {
	for _, o := range e.objs {
		if o == obj {
			return
		}
	}
	e.objs = append(e.objs, obj)
}

// Manager mints, validates, and revokes capabilities. It is the single
// authority every other subsystem consults before touching a resource.
type Manager struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	clock   defs.Clock
	slots   int

	audit *auditLog

	mu     sync.RWMutex
	tables map[defs.PID]*table
	index  map[defs.Label]*labelEntry
	hooks  []TeardownHook

	creates      uint64
	clones       uint64
	transfers    uint64
	lookups      uint64
	revokes      uint64
	revokedSlots uint64
	denials      uint64
}

// NewManager builds the capability manager.
func NewManager(cfg Config, clock defs.Clock, log *logging.Logger, metrics *monitoring.Metrics) *Manager {
	if cfg.HandleSlots <= 0 {
		cfg.HandleSlots = defs.DefaultHandleSlots
	}
	if cfg.AuditRing <= 0 {
		cfg.AuditRing = defs.DefaultAuditRing
	}
	if cfg.AuditRate <= 0 {
		cfg.AuditRate = defs.DefaultAuditRate
	}
	if clock == nil {
		clock = defs.WallClock{}
	}
	if log == nil {
		log = logging.NewDefault()
	}

	m := &Manager{
		log:     log.Named("cap"),
		metrics: metrics,
		clock:   clock,
		slots:   cfg.HandleSlots,
		audit:   newAuditLog(cfg.AuditRing, cfg.AuditRate, clock),
		tables:  make(map[defs.PID]*table),
		index:   make(map[defs.Label]*labelEntry),
	}
	m.log.Info("capability manager up",
		zap.Int("handle_slots", cfg.HandleSlots),
		zap.Int("audit_ring", cfg.AuditRing),
		zap.Int("audit_rate", cfg.AuditRate))
	return m
}

// OnTeardown registers a revocation observer. Registration happens during
// boot wiring, before any capability exists.
func (m *Manager) OnTeardown(hook TeardownHook) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// CreateTable allocates the handle table for a new process.
func (m *Manager) CreateTable(pid defs.PID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tables[pid]; exists {
		return fmt.Errorf("pid %d already has a handle table: %w", pid, defs.ErrInvalidArgument)
	}
	if len(m.tables) >= defs.MaxProcs {
		return fmt.Errorf("handle tables: %w", defs.ErrResourceExhausted)
	}
	m.tables[pid] = newTable(pid, m.slots)
	return nil
}

// Create mints a capability into pid's table and indexes it under the
// object's label.
func (m *Manager) Create(pid defs.PID, obj Object, rights Rights, scope Scope) (defs.Handle, error) {
	if !rights.Validate() {
		return defs.NilHandle, fmt.Errorf("rights %#x: %w", uint16(rights), defs.ErrInvalidArgument)
	}
	if obj.Label == "" {
		return defs.NilHandle, fmt.Errorf("object needs a label: %w", defs.ErrInvalidArgument)
	}

	m.mu.Lock()
	tbl := m.tables[pid]
	if tbl == nil {
		m.mu.Unlock()
		return defs.NilHandle, fmt.Errorf("pid %d: %w", pid, defs.ErrInvalidArgument)
	}
	h, err := tbl.alloc(obj, rights, scope)
	if err == nil {
		e := m.index[obj.Label]
		if e == nil {
			e = &labelEntry{}
			m.index[obj.Label] = e
		}
		e.addObject(obj)
		e.holders = append(e.holders, holderRef{pid: pid, slot: h.Slot()})
		m.creates++
	} else {
		m.denials++
	}
	m.mu.Unlock()

	m.finishOp(pid, OpCreate, obj.Label, h, err, 0)
	return h, err
}

// Clone mints a child capability in the same table. The parent must carry
// the duplicate right, the child's rights must be a subset of the parent's,
// and the child inherits the parent's scope unchanged.
func (m *Manager) Clone(pid defs.PID, h defs.Handle, subset Rights) (defs.Handle, error) {
	return m.derive(pid, h, pid, subset, OpClone)
}

// Transfer mints a capability from one process's table into another's, with
// rights reduced to subset. This is the primitive behind spawn-time handle
// passing and capability transfer over IPC.
func (m *Manager) Transfer(from defs.PID, h defs.Handle, to defs.PID, subset Rights) (defs.Handle, error) {
	return m.derive(from, h, to, subset, OpTransfer)
}

func (m *Manager) derive(from defs.PID, h defs.Handle, to defs.PID, subset Rights, op Op) (defs.Handle, error) {
	if !subset.Validate() {
		return defs.NilHandle, fmt.Errorf("rights %#x: %w", uint16(subset), defs.ErrInvalidArgument)
	}

	now := m.clock.Now()
	m.mu.Lock()
	src := m.tables[from]
	dst := m.tables[to]
	if src == nil || dst == nil {
		m.denials++
		m.mu.Unlock()
		return defs.NilHandle, fmt.Errorf("pid %d -> %d: %w", from, to, defs.ErrInvalidArgument)
	}

	child := defs.NilHandle
	obj, rights, scope, err := src.get(h, now)
	switch {
	case err != nil:
	case !rights.Has(RightDuplicate):
		err = fmt.Errorf("%s needs duplicate right: %w", op, defs.ErrRightsViolation)
	case !subset.Subset(rights):
		err = fmt.Errorf("%s rights %v exceed parent %v: %w", op, subset, rights, defs.ErrRightsViolation)
	default:
		child, err = dst.alloc(obj, subset, scope)
		if err == nil {
			e := m.index[obj.Label]
			if e == nil {
				// Parent slot was live, so the entry must exist already.
				e = &labelEntry{}
				m.index[obj.Label] = e
			}
			e.addObject(obj)
			e.holders = append(e.holders, holderRef{pid: to, slot: child.Slot()})
		}
	}
	if err == nil {
		if op == OpClone {
			m.clones++
		} else {
			m.transfers++
		}
	} else {
		m.denials++
	}
	m.mu.Unlock()

	m.finishOp(from, op, obj.Label, h, err, 0)
	return child, err
}

// Lookup is the validation gate: generation first, then expiry, then
// rights. Constant time against the table arena.
func (m *Manager) Lookup(pid defs.PID, h defs.Handle, need Rights) (Object, error) {
	m.mu.RLock()
	tbl := m.tables[pid]
	m.mu.RUnlock()
	if tbl == nil {
		m.bumpDenial()
		return Object{}, fmt.Errorf("pid %d: %w", pid, defs.ErrInvalidHandle)
	}

	obj, err := tbl.lookup(h, need, m.clock.Now())
	m.mu.Lock()
	m.lookups++
	if err != nil {
		m.denials++
	}
	m.mu.Unlock()

	m.finishOp(pid, OpUse, obj.Label, h, err, 0)
	return obj, err
}

// Revoke invalidates every capability minted under label, frees the slots,
// and fires teardown hooks before returning. Revoking an unknown or
// already-revoked label is a no-op. The index deletion under the manager
// lock is the linearization point: a lookup may succeed right up to it, but
// nothing validates after the slots are bumped.
func (m *Manager) Revoke(label defs.Label) (int, error) {
	m.mu.Lock()
	e := m.index[label]
	if e == nil {
		m.mu.Unlock()
		return 0, nil
	}
	delete(m.index, label)

	revoked := 0
	for _, ref := range e.holders {
		tbl := m.tables[ref.pid]
		if tbl == nil {
			continue
		}
		if tbl.invalidateIf(ref.slot, label) {
			revoked++
		}
	}
	m.revokes++
	m.revokedSlots += uint64(revoked)
	hooks := append([]TeardownHook(nil), m.hooks...)
	objs := append([]Object(nil), e.objs...)
	m.mu.Unlock()

	for _, hook := range hooks {
		for _, obj := range objs {
			hook(label, obj)
		}
	}

	if m.metrics != nil {
		m.metrics.RecordRevokedSlots(revoked)
		m.metrics.HandlesActive.Sub(float64(revoked))
	}
	m.audit.append(0, OpRevoke, label, defs.NilHandle, defs.EOK, revoked)
	m.log.Debug("label revoked", zap.String("label", string(label)), zap.Int("holders", revoked))
	return revoked, nil
}

// DestroyTable tears down an exiting process's handle table. Every live
// capability is invalidated; labels whose last holder this was get their
// teardown hooks fired, exactly as an explicit revoke would.
func (m *Manager) DestroyTable(pid defs.PID) (int, error) {
	m.mu.Lock()
	tbl := m.tables[pid]
	if tbl == nil {
		m.mu.Unlock()
		return 0, fmt.Errorf("pid %d: %w", pid, defs.ErrInvalidArgument)
	}
	delete(m.tables, pid)

	labels := tbl.drain()
	type orphan struct {
		label defs.Label
		objs  []Object
	}
	var orphans []orphan
	for _, label := range labels {
		e := m.index[label]
		if e == nil {
			continue
		}
		kept := e.holders[:0]
		for _, ref := range e.holders {
			if ref.pid != pid {
				kept = append(kept, ref)
			}
		}
		e.holders = kept
		if len(e.holders) == 0 {
			orphans = append(orphans, orphan{label: label, objs: append([]Object(nil), e.objs...)})
			delete(m.index, label)
		}
	}
	hooks := append([]TeardownHook(nil), m.hooks...)
	m.revokedSlots += uint64(len(labels))
	m.mu.Unlock()

	for _, o := range orphans {
		for _, hook := range hooks {
			for _, obj := range o.objs {
				hook(o.label, obj)
			}
		}
	}

	m.audit.append(pid, OpDestroy, "", defs.NilHandle, defs.EOK, len(labels))
	m.audit.forget(pid)
	if m.metrics != nil {
		m.metrics.HandlesActive.Sub(float64(len(labels)))
	}
	m.log.Debug("handle table destroyed",
		zap.Uint32("pid", uint32(pid)),
		zap.Int("revoked", len(labels)),
		zap.Int("orphaned_labels", len(orphans)))
	return len(labels), nil
}

// Holders reports how many live capabilities the label groups.
func (m *Manager) Holders(label defs.Label) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.index[label]
	if e == nil {
		return 0
	}
	return len(e.holders)
}

// Holds reports whether pid currently holds a live, unexpired capability
// under label. The IPC layer uses this to gate grant mapping on possession
// of the channel's receive endpoint.
func (m *Manager) Holds(pid defs.PID, label defs.Label) bool {
	now := m.clock.Now()
	m.mu.RLock()
	defer m.mu.RUnlock()
	e := m.index[label]
	if e == nil {
		return false
	}
	tbl := m.tables[pid]
	if tbl == nil {
		return false
	}
	for _, ref := range e.holders {
		if ref.pid == pid && tbl.holdsLive(ref.slot, label, now) {
			return true
		}
	}
	return false
}

// Inspect returns a handle's descriptor, rights, and scope without a
// rights requirement. Owners may always examine their own capabilities.
func (m *Manager) Inspect(pid defs.PID, h defs.Handle) (Object, Rights, Scope, error) {
	m.mu.RLock()
	tbl := m.tables[pid]
	m.mu.RUnlock()
	if tbl == nil {
		return Object{}, 0, Scope{}, fmt.Errorf("pid %d: %w", pid, defs.ErrInvalidHandle)
	}
	return tbl.get(h, m.clock.Now())
}

// AuditRecords returns up to limit audit entries, newest first.
func (m *Manager) AuditRecords(limit int) []Record {
	return m.audit.records(limit)
}

// AuditStats returns audit ring counters.
func (m *Manager) AuditStats() AuditStats {
	return m.audit.stats()
}

// Stats is the manager-wide counter snapshot.
type Stats struct {
	Tables       int        `json:"tables"`
	Handles      int        `json:"handles"`
	Labels       int        `json:"labels"`
	Creates      uint64     `json:"creates"`
	Clones       uint64     `json:"clones"`
	Transfers    uint64     `json:"transfers"`
	Lookups      uint64     `json:"lookups"`
	Revokes      uint64     `json:"revokes"`
	RevokedSlots uint64     `json:"revoked_slots"`
	Denials      uint64     `json:"denials"`
	Audit        AuditStats `json:"audit"`
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	st := Stats{
		Tables:       len(m.tables),
		Labels:       len(m.index),
		Creates:      m.creates,
		Clones:       m.clones,
		Transfers:    m.transfers,
		Lookups:      m.lookups,
		Revokes:      m.revokes,
		RevokedSlots: m.revokedSlots,
		Denials:      m.denials,
	}
	for _, tbl := range m.tables {
		st.Handles += tbl.liveCount()
	}
	m.mu.RUnlock()
	st.Audit = m.audit.stats()
	return st
}

func (m *Manager) bumpDenial() {
	m.mu.Lock()
	m.denials++
	m.mu.Unlock()
}

// finishOp audits one operation and feeds metrics.
func (m *Manager) finishOp(pid defs.PID, op Op, label defs.Label, h defs.Handle, err error, holders int) {
	if !m.audit.append(pid, op, label, h, defs.ErrnoOf(err), holders) {
		if m.metrics != nil {
			m.metrics.RecordAuditDrop()
		}
	}
	if m.metrics != nil {
		m.metrics.RecordCapOp(op.String(), err == nil)
		if err == nil && (op == OpCreate || op == OpClone || op == OpTransfer) {
			m.metrics.HandlesActive.Inc()
		}
	}
}
