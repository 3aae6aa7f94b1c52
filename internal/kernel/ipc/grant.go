package ipc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/mem"
)

// grantEntry is one shared-memory offer published over a channel. The
// entry pins the region's frames for its whole lifetime, so the memory
// outlives the granter's own mapping but never a revocation: tearing the
// entry down unmaps every acceptor and unpins.
type grantEntry struct {
	cookie    uint64
	channel   defs.ChannelID
	recvLabel defs.Label
	granter   defs.PID
	region    cap.Object
	mask      cap.Rights
	frames    []mem.Frame

	mappings []grantMapping
}

// grantMapping is one acceptor-side mapping derived from a grant.
type grantMapping struct {
	pid   defs.PID
	space defs.ASID
	va    mem.VAddr
	size  uint64
}

// GrantInfo is the introspection view of a grant entry.
type GrantInfo struct {
	Cookie   uint64         `json:"cookie"`
	Channel  defs.ChannelID `json:"channel"`
	Granter  defs.PID       `json:"granter"`
	Label    defs.Label     `json:"label"`
	Rights   string         `json:"rights"`
	Pages    int            `json:"pages"`
	Mappings int            `json:"mappings"`
}

// maskToPerm translates grant rights into mapping permission bits. Grants
// carry read/write only; execute can never arrive over a channel.
func maskToPerm(mask cap.Rights) mem.Perm {
	p := mem.PermUser
	if mask.Has(cap.RightRead) {
		p |= mem.PermRead
	}
	if mask.Has(cap.RightWrite) {
		p |= mem.PermWrite
	}
	return p
}

// Grant publishes a shared view of the granter's memory region over a
// channel. The granter must hold map rights plus every offered bit on the
// region, and send rights on the channel. The region's frames stay pinned
// until the grant is torn down, so acceptors never map freed memory.
func (s *Subsystem) Grant(pid defs.PID, chanH, regionH defs.Handle, rights cap.Rights) (uint64, error) {
	if rights == 0 || !rights.Subset(cap.RightRead|cap.RightWrite) {
		return 0, fmt.Errorf("grant rights %s: %w", rights, defs.ErrInvalidArgument)
	}
	obj, err := s.caps.Lookup(pid, chanH, cap.RightSend)
	if err != nil {
		return 0, err
	}
	if obj.Kind != cap.KindChannelEndpoint || obj.Side != cap.SideSend {
		return 0, fmt.Errorf("handle is a %s, not a send endpoint: %w", obj.Kind, defs.ErrInvalidArgument)
	}
	ch := s.channel(obj.Channel)
	if ch == nil || !ch.recvAlive.Load() {
		return 0, fmt.Errorf("channel %d: %w", obj.Channel, defs.ErrPeerClosed)
	}

	region, err := s.caps.Lookup(pid, regionH, rights|cap.RightMap)
	if err != nil {
		return 0, err
	}
	if region.Kind != cap.KindMemoryRegion {
		return 0, fmt.Errorf("handle is a %s, not a memory region: %w", region.Kind, defs.ErrInvalidArgument)
	}

	need := maskToPerm(rights) &^ mem.PermUser
	frames, err := s.mem.PinRange(region.Space, region.Base, region.Length, need)
	if err != nil {
		return 0, err
	}

	s.grantMu.Lock()
	s.nextCookie++
	cookie := s.nextCookie
	s.grants[cookie] = &grantEntry{
		cookie:    cookie,
		channel:   ch.id,
		recvLabel: ch.recvLabel,
		granter:   pid,
		region:    region,
		mask:      rights,
		frames:    frames,
	}
	s.grantMu.Unlock()

	if s.metrics != nil {
		s.metrics.GrantsActive.Inc()
	}
	s.log.Debug("grant published",
		zap.Uint64("cookie", cookie),
		zap.Uint32("channel", uint32(ch.id)),
		zap.Uint32("pid", uint32(pid)),
		zap.String("region", string(region.Label)),
		zap.String("rights", rights.String()),
		zap.Int("pages", len(frames)))
	return cookie, nil
}

// MapGrant maps a published grant's frames into pid's address space at va.
// pid must hold the receive endpoint of the grant's channel; the mapping
// carries exactly the granted mask, never more.
func (s *Subsystem) MapGrant(pid defs.PID, cookie uint64, va mem.VAddr) error {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()

	e, ok := s.grants[cookie]
	if !ok {
		return fmt.Errorf("grant %d: %w", cookie, defs.ErrInvalidArgument)
	}
	if !s.caps.Holds(pid, e.recvLabel) {
		return fmt.Errorf("pid %d holds no receive endpoint for grant %d: %w", pid, cookie, defs.ErrRightsViolation)
	}
	asid, ok := s.spaces.SpaceOf(pid)
	if !ok {
		return fmt.Errorf("pid %d has no address space: %w", pid, defs.ErrInvalidArgument)
	}

	size := uint64(len(e.frames)) * mem.PageSize
	if err := s.mem.MapFrames(asid, va, e.frames, maskToPerm(e.mask)); err != nil {
		return err
	}
	e.mappings = append(e.mappings, grantMapping{pid: pid, space: asid, va: va, size: size})

	s.log.Debug("grant mapped",
		zap.Uint64("cookie", cookie),
		zap.Uint32("pid", uint32(pid)),
		zap.Uint64("va", uint64(va)),
		zap.Uint64("size", size))
	return nil
}

// teardownGrants removes every grant entry matching the filter, unmaps all
// acceptor mappings, and unpins the frames. Runs synchronously inside
// revocation hooks so no stale grant survives a revoke.
func (s *Subsystem) teardownGrants(match func(*grantEntry) bool) {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()

	for cookie, e := range s.grants {
		if !match(e) {
			continue
		}
		for _, mp := range e.mappings {
			_, _ = s.mem.Unmap(mp.space, mp.va, mp.size)
		}
		s.mem.UnpinFrames(e.frames)
		delete(s.grants, cookie)
		if s.metrics != nil {
			s.metrics.GrantsActive.Dec()
		}
		s.log.Debug("grant torn down",
			zap.Uint64("cookie", cookie),
			zap.Uint32("channel", uint32(e.channel)),
			zap.Int("mappings", len(e.mappings)))
	}
}

// Grants snapshots the live grant table.
func (s *Subsystem) Grants() []GrantInfo {
	s.grantMu.Lock()
	defer s.grantMu.Unlock()
	out := make([]GrantInfo, 0, len(s.grants))
	for _, e := range s.grants {
		out = append(out, GrantInfo{
			Cookie:   e.cookie,
			Channel:  e.channel,
			Granter:  e.granter,
			Label:    e.region.Label,
			Rights:   e.mask.String(),
			Pages:    len(e.frames),
			Mappings: len(e.mappings),
		})
	}
	return out
}
