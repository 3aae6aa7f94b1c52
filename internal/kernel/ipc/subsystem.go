package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/mem"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
)

// SpaceResolver maps a process to its address space. The process table
// implements this; the indirection keeps this package from depending on it.
type SpaceResolver interface {
	SpaceOf(pid defs.PID) (defs.ASID, bool)
}

// Subsystem owns every channel and grant. Endpoint lifetime is delegated
// entirely to the capability manager: creation mints the two endpoint
// capabilities, and a registered teardown hook flips endpoint liveness when
// labels are revoked.
type Subsystem struct {
	log     *logging.Logger
	metrics *monitoring.Metrics
	clock   defs.Clock
	caps    *cap.Manager
	sched   *sched.Scheduler
	mem     *mem.Manager
	spaces  SpaceResolver

	mu       sync.RWMutex
	channels map[defs.ChannelID]*channel
	nextID   defs.ChannelID
	creates  uint64
	destroys uint64

	grantMu    sync.Mutex
	grants     map[uint64]*grantEntry
	nextCookie uint64
}

// NewSubsystem wires the channel layer to its dependencies and registers
// the capability teardown hook.
func NewSubsystem(caps *cap.Manager, scheduler *sched.Scheduler, memory *mem.Manager, spaces SpaceResolver, clock defs.Clock, log *logging.Logger, metrics *monitoring.Metrics) *Subsystem {
	if clock == nil {
		clock = defs.WallClock{}
	}
	if log == nil {
		log = logging.NewDefault()
	}
	s := &Subsystem{
		log:      log.Named("ipc"),
		metrics:  metrics,
		clock:    clock,
		caps:     caps,
		sched:    scheduler,
		mem:      memory,
		spaces:   spaces,
		channels: make(map[defs.ChannelID]*channel),
		grants:   make(map[uint64]*grantEntry),
	}
	caps.OnTeardown(s.onTeardown)
	return s
}

// Create builds a channel and mints its endpoint pair into pid's handle
// table: Send|Duplicate on one, Receive|Duplicate on the other. depth 0
// picks the class default. The ring indexes with a mask, so depth rounds
// up to the next power of two; the rounded value is the backpressure
// threshold and is what Channels reports.
func (s *Subsystem) Create(pid defs.PID, depth int, class Class, policy Policy) (sendH, recvH defs.Handle, id defs.ChannelID, err error) {
	if !class.Valid() {
		return defs.NilHandle, defs.NilHandle, 0, fmt.Errorf("class %d: %w", class, defs.ErrInvalidArgument)
	}
	if policy == nil {
		return defs.NilHandle, defs.NilHandle, 0, fmt.Errorf("channel needs a backpressure policy: %w", defs.ErrInvalidArgument)
	}
	if depth == 0 {
		depth = class.defaultDepth()
	}
	if depth < 0 || depth > defs.MaxChannelDepth {
		return defs.NilHandle, defs.NilHandle, 0, fmt.Errorf("depth %d: %w", depth, defs.ErrInvalidArgument)
	}
	depth = ceilPow2(depth)

	spillMax := 0
	if sp, ok := policy.(Spill); ok {
		spillMax = sp.Limit
		if spillMax <= 0 {
			spillMax = defs.DefaultSpillDepth
		}
	}

	s.mu.Lock()
	s.nextID++
	id = s.nextID
	ch := &channel{
		id:        id,
		creator:   pid,
		class:     class,
		policy:    policy,
		ring:      newRing(depth),
		created:   s.clock.Now(),
		sendLabel: defs.Label(fmt.Sprintf("chan%d.send", id)),
		recvLabel: defs.Label(fmt.Sprintf("chan%d.recv", id)),
		spillMax:  spillMax,
	}
	ch.sendAlive.Store(true)
	ch.recvAlive.Store(true)
	s.channels[id] = ch
	s.creates++
	s.mu.Unlock()

	sendH, err = s.caps.Create(pid, cap.ChannelEndpoint(ch.sendLabel, id, cap.SideSend), cap.RightSend|cap.RightDuplicate, cap.Unbounded)
	if err != nil {
		s.removeChannel(id)
		return defs.NilHandle, defs.NilHandle, 0, err
	}
	recvH, err = s.caps.Create(pid, cap.ChannelEndpoint(ch.recvLabel, id, cap.SideReceive), cap.RightReceive|cap.RightDuplicate, cap.Unbounded)
	if err != nil {
		_, _ = s.caps.Revoke(ch.sendLabel)
		s.removeChannel(id)
		return defs.NilHandle, defs.NilHandle, 0, err
	}

	if s.metrics != nil {
		s.metrics.ChannelsActive.Inc()
	}
	s.log.Debug("channel created",
		zap.Uint32("channel", uint32(id)),
		zap.Uint32("pid", uint32(pid)),
		zap.Int("depth", depth),
		zap.String("class", class.String()),
		zap.String("policy", policy.String()))
	return sendH, recvH, id, nil
}

// channel resolves an id to its live channel, nil when destroyed.
func (s *Subsystem) channel(id defs.ChannelID) *channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channels[id]
}

func (s *Subsystem) removeChannel(id defs.ChannelID) {
	s.mu.Lock()
	if _, ok := s.channels[id]; ok {
		delete(s.channels, id)
		s.destroys++
		if s.metrics != nil {
			s.metrics.ChannelsActive.Dec()
		}
	}
	s.mu.Unlock()
}

// Send queues a message on the channel named by sendH, following the
// channel's backpressure policy when the ring is full. The caller's thread
// is the one parked under the Park policy.
func (s *Subsystem) Send(ctx context.Context, caller *sched.TCB, sendH defs.Handle, msg Message) error {
	if caller == nil {
		return fmt.Errorf("send needs a calling thread: %w", defs.ErrInvalidArgument)
	}
	if len(msg.Payload) > defs.MaxMessageBytes {
		s.recordSend("invalid")
		return fmt.Errorf("payload %d bytes exceeds %d: %w", len(msg.Payload), defs.MaxMessageBytes, defs.ErrInvalidArgument)
	}
	defer s.clearDonation(caller)

	pid := caller.PID
	obj, err := s.caps.Lookup(pid, sendH, cap.RightSend)
	if err != nil {
		s.recordSend("denied")
		return err
	}
	if obj.Kind != cap.KindChannelEndpoint || obj.Side != cap.SideSend {
		s.recordSend("invalid")
		return fmt.Errorf("handle is a %s, not a send endpoint: %w", obj.Kind, defs.ErrInvalidArgument)
	}
	ch := s.channel(obj.Channel)
	if ch == nil {
		s.recordSend("peer_closed")
		return fmt.Errorf("channel %d destroyed: %w", obj.Channel, defs.ErrPeerClosed)
	}

	if msg.Transfer != defs.NilHandle {
		_, rights, _, err := s.caps.Inspect(pid, msg.Transfer)
		if err != nil {
			s.recordSend("denied")
			return err
		}
		if !rights.Has(cap.RightDuplicate) {
			s.recordSend("denied")
			return fmt.Errorf("transferred capability needs duplicate right: %w", defs.ErrRightsViolation)
		}
	}
	msg.Sender = pid
	msg.Cap = defs.NilHandle

	var deadline time.Time
	parkTimeout := time.Duration(-1)
	if p, ok := ch.policy.(Park); ok {
		parkTimeout = p.Timeout
		if p.Timeout >= 0 {
			deadline = time.Now().Add(p.Timeout)
		}
	}

	for {
		if ctx.Err() != nil {
			s.recordSend("timeout")
			return fmt.Errorf("send aborted: %w", defs.ErrTimeout)
		}
		if !ch.recvAlive.Load() {
			s.recordSend("peer_closed")
			return fmt.Errorf("channel %d: %w", ch.id, defs.ErrPeerClosed)
		}

		// Fast path: ring has credit and nothing is spilled ahead of us.
		if ch.spillLen.Load() == 0 && ch.ring.tryReserve() {
			ch.ring.enqueue(msg)
			ch.sends.Add(1)
			s.wakeReceiver(ch, caller)
			s.recordSend("ok")
			return nil
		}

		switch ch.policy.(type) {
		case DropOldest:
			if _, ok := ch.ring.dequeue(); ok {
				ch.drops.Add(1)
				if s.metrics != nil {
					s.metrics.RecordDrop("drop_oldest")
				}
				// The evicted message's credit carries over to ours.
				ch.ring.enqueue(msg)
				ch.sends.Add(1)
				s.wakeReceiver(ch, caller)
				s.recordSend("ok")
				return nil
			}
			// The receiver drained the ring under us; retry the fast path.

		case Park:
			remaining := parkTimeout
			if parkTimeout >= 0 {
				remaining = time.Until(deadline)
				if remaining < 0 {
					remaining = 0
				}
			}
			s.sched.PrepareWait(caller, sched.WaitSend)
			ch.pushSendWaiter(caller)
			// Re-check now that we are published: a credit may have been
			// returned, or the peer may have died.
			if !ch.recvAlive.Load() || ch.ring.available() > 0 {
				ch.removeSendWaiter(caller)
				if err := s.sched.CancelWait(caller); err != nil && errors.Is(err, defs.ErrPeerClosed) {
					s.recordSend("peer_closed")
					return fmt.Errorf("channel %d: %w", ch.id, err)
				}
				continue
			}
			if r := ch.bestRecvWaiter(s.sched); r != nil {
				s.sched.DonateFrom(caller, r)
			}
			err := s.sched.CommitWait(caller, remaining)
			ch.removeSendWaiter(caller)
			if err != nil {
				if errors.Is(err, defs.ErrPeerClosed) {
					s.recordSend("peer_closed")
				} else {
					s.recordSend("timeout")
				}
				return fmt.Errorf("channel %d send: %w", ch.id, err)
			}
			// Woken with space available; retry.

		case Spill:
			if ch.trySpill(msg) {
				ch.sends.Add(1)
				ch.spills.Add(1)
				s.wakeReceiver(ch, caller)
				s.recordSend("spilled")
				return nil
			}
			s.recordSend("exhausted")
			return fmt.Errorf("channel %d spill full: %w", ch.id, defs.ErrResourceExhausted)
		}
	}
}

// Receive dequeues the oldest message, parking for at most timeout when
// the channel is empty. timeout 0 polls, negative waits forever. Once the
// sender endpoint is revoked, buffered messages still drain in order;
// only an empty drained channel reports ErrPeerClosed.
func (s *Subsystem) Receive(ctx context.Context, caller *sched.TCB, recvH defs.Handle, timeout time.Duration) (Message, error) {
	if caller == nil {
		return Message{}, fmt.Errorf("receive needs a calling thread: %w", defs.ErrInvalidArgument)
	}
	defer s.clearDonation(caller)

	pid := caller.PID
	obj, err := s.caps.Lookup(pid, recvH, cap.RightReceive)
	if err != nil {
		s.recordReceive("denied")
		return Message{}, err
	}
	if obj.Kind != cap.KindChannelEndpoint || obj.Side != cap.SideReceive {
		s.recordReceive("invalid")
		return Message{}, fmt.Errorf("handle is a %s, not a receive endpoint: %w", obj.Kind, defs.ErrInvalidArgument)
	}
	ch := s.channel(obj.Channel)
	if ch == nil {
		s.recordReceive("peer_closed")
		return Message{}, fmt.Errorf("channel %d destroyed: %w", obj.Channel, defs.ErrPeerClosed)
	}

	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if ctx.Err() != nil {
			s.recordReceive("timeout")
			return Message{}, fmt.Errorf("receive aborted: %w", defs.ErrTimeout)
		}
		// Our own endpoint revoked: fail closed, no drain. Only a dead
		// send side still drains buffered messages below.
		if !ch.recvAlive.Load() {
			s.recordReceive("peer_closed")
			return Message{}, fmt.Errorf("channel %d receive endpoint revoked: %w", ch.id, defs.ErrPeerClosed)
		}

		if msg, ok := ch.ring.dequeue(); ok {
			ch.ring.returnCredit()
			s.wakeSender(ch)
			return s.deliver(ch, caller, msg)
		}
		if msg, ok := ch.popSpill(); ok {
			return s.deliver(ch, caller, msg)
		}
		if !ch.sendAlive.Load() {
			s.recordReceive("peer_closed")
			return Message{}, fmt.Errorf("channel %d drained: %w", ch.id, defs.ErrPeerClosed)
		}

		remaining := timeout
		if timeout >= 0 {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				s.recordReceive("timeout")
				return Message{}, fmt.Errorf("channel %d empty: %w", ch.id, defs.ErrTimeout)
			}
		}

		s.sched.PrepareWait(caller, sched.WaitReceive)
		ch.pushRecvWaiter(caller)
		if ch.buffered() || !ch.sendAlive.Load() || !ch.recvAlive.Load() {
			ch.removeRecvWaiter(caller)
			_ = s.sched.CancelWait(caller)
			continue
		}
		err := s.sched.CommitWait(caller, remaining)
		ch.removeRecvWaiter(caller)
		if err != nil {
			if errors.Is(err, defs.ErrTimeout) {
				s.recordReceive("timeout")
				return Message{}, fmt.Errorf("channel %d empty: %w", ch.id, defs.ErrTimeout)
			}
			// ErrPeerClosed here means our endpoint died under us or the
			// process is being torn down; either way there is no side
			// left to deliver to, so this wake is terminal.
			if errors.Is(err, defs.ErrPeerClosed) {
				s.recordReceive("peer_closed")
				return Message{}, fmt.Errorf("channel %d: %w", ch.id, defs.ErrPeerClosed)
			}
		}
		// A plain wake loops back to drain; send-side closure arrives as
		// a nil wake so buffered messages still drain in order.
	}
}

// deliver stamps the delivery sequence and completes any capability
// transfer. A transfer whose source was revoked in flight delivers the
// message with no capability; the payload still arrives.
func (s *Subsystem) deliver(ch *channel, caller *sched.TCB, msg Message) (Message, error) {
	msg.Seq = ch.delivered.Add(1)
	ch.receives.Add(1)
	if msg.Transfer != defs.NilHandle {
		if h, err := s.transferCap(msg.Sender, msg.Transfer, caller.PID); err == nil {
			msg.Cap = h
		}
		msg.Transfer = defs.NilHandle
	}
	s.recordReceive("ok")
	return msg, nil
}

// transferCap copies the sender's capability into the receiver's table
// with identical rights.
func (s *Subsystem) transferCap(from defs.PID, h defs.Handle, to defs.PID) (defs.Handle, error) {
	_, rights, _, err := s.caps.Inspect(from, h)
	if err != nil {
		return defs.NilHandle, err
	}
	return s.caps.Transfer(from, h, to, rights)
}

// wakeReceiver unparks one parked receiver. On latency-sensitive channels
// the receiver inherits the sender's rank first, so delivery latency does
// not depend on the receiver's own class.
func (s *Subsystem) wakeReceiver(ch *channel, sender *sched.TCB) {
	for {
		r := ch.popRecvWaiter()
		if r == nil {
			return
		}
		if ch.class == LatencySensitive && sender != nil {
			s.sched.DonateFrom(r, sender)
		}
		if s.sched.Unpark(r, nil) {
			return
		}
		// Timed out under us; its own exit clears the donation. Next.
	}
}

// wakeSender unparks the longest-parked sender after a credit returns.
func (s *Subsystem) wakeSender(ch *channel) {
	for {
		t := ch.popSendWaiter()
		if t == nil {
			return
		}
		if s.sched.Unpark(t, nil) {
			return
		}
	}
}

func (s *Subsystem) clearDonation(t *sched.TCB) {
	if t != nil && s.sched.Donated(t) {
		s.sched.ClearDonation(t)
	}
}

// Close revokes the endpoint h names, which tears the channel side down
// for every holder of that endpoint through the usual revocation path.
func (s *Subsystem) Close(pid defs.PID, h defs.Handle) error {
	obj, _, _, err := s.caps.Inspect(pid, h)
	if err != nil {
		return err
	}
	if obj.Kind != cap.KindChannelEndpoint {
		return fmt.Errorf("handle is a %s, not a channel endpoint: %w", obj.Kind, defs.ErrInvalidArgument)
	}
	_, err = s.caps.Revoke(obj.Label)
	return err
}

// onTeardown is the capability manager hook: endpoint labels flip channel
// liveness, region labels kill any grants carved from them.
func (s *Subsystem) onTeardown(label defs.Label, obj cap.Object) {
	switch obj.Kind {
	case cap.KindChannelEndpoint:
		s.closeEndpoint(obj.Channel, obj.Side)
	case cap.KindMemoryRegion:
		s.teardownGrants(func(e *grantEntry) bool { return e.region.Label == label })
	}
}

// closeEndpoint marks one side dead, wakes every parked thread that can no
// longer make progress, tears down the channel's grants, and destroys the
// channel once both sides are gone. Receivers are woken without an error
// when the send side dies so they drain buffered messages first.
func (s *Subsystem) closeEndpoint(id defs.ChannelID, side cap.Side) {
	ch := s.channel(id)
	if ch == nil {
		return
	}

	if side == cap.SideSend {
		ch.sendAlive.Store(false)
	} else {
		ch.recvAlive.Store(false)
	}

	senders, receivers := ch.drainWaiters()
	for _, t := range senders {
		s.sched.Unpark(t, defs.ErrPeerClosed)
	}
	for _, t := range receivers {
		if side == cap.SideSend {
			s.sched.Unpark(t, nil)
		} else {
			s.sched.Unpark(t, defs.ErrPeerClosed)
		}
	}

	s.teardownGrants(func(e *grantEntry) bool { return e.channel == id })

	if !ch.sendAlive.Load() && !ch.recvAlive.Load() {
		s.removeChannel(id)
		s.log.Debug("channel destroyed", zap.Uint32("channel", uint32(id)))
	} else {
		s.log.Debug("endpoint closed",
			zap.Uint32("channel", uint32(id)),
			zap.String("side", side.String()))
	}
}

func (s *Subsystem) recordSend(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordSend(outcome)
	}
}

func (s *Subsystem) recordReceive(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordReceive(outcome)
	}
}

// ChannelInfo is the introspection view of one channel.
type ChannelInfo struct {
	ID        defs.ChannelID `json:"id"`
	Creator   defs.PID       `json:"creator"`
	Class     string         `json:"class"`
	Policy    string         `json:"policy"`
	Depth     int            `json:"depth"`
	Queued    int            `json:"queued"`
	Spilled   int            `json:"spilled"`
	Credits   int64          `json:"credits"`
	SendAlive bool           `json:"send_alive"`
	RecvAlive bool           `json:"recv_alive"`
	Sends     uint64         `json:"sends"`
	Receives  uint64         `json:"receives"`
	Drops     uint64         `json:"drops"`
	Spills    uint64         `json:"spills"`
	Created   time.Time      `json:"created"`
}

// Channels snapshots every live channel.
func (s *Subsystem) Channels() []ChannelInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChannelInfo, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ChannelInfo{
			ID:        ch.id,
			Creator:   ch.creator,
			Class:     ch.class.String(),
			Policy:    ch.policy.String(),
			Depth:     ch.ring.capacity(),
			Queued:    ch.ring.length(),
			Spilled:   int(ch.spillLen.Load()),
			Credits:   ch.ring.available(),
			SendAlive: ch.sendAlive.Load(),
			RecvAlive: ch.recvAlive.Load(),
			Sends:     ch.sends.Load(),
			Receives:  ch.receives.Load(),
			Drops:     ch.drops.Load(),
			Spills:    ch.spills.Load(),
			Created:   ch.created,
		})
	}
	return out
}

// Stats aggregates subsystem counters.
type Stats struct {
	Channels int    `json:"channels"`
	Creates  uint64 `json:"creates"`
	Destroys uint64 `json:"destroys"`
	Grants   int    `json:"grants"`
	Sends    uint64 `json:"sends"`
	Receives uint64 `json:"receives"`
	Drops    uint64 `json:"drops"`
	Spills   uint64 `json:"spills"`
}

func (s *Subsystem) Stats() Stats {
	s.mu.RLock()
	st := Stats{Channels: len(s.channels), Creates: s.creates, Destroys: s.destroys}
	for _, ch := range s.channels {
		st.Sends += ch.sends.Load()
		st.Receives += ch.receives.Load()
		st.Drops += ch.drops.Load()
		st.Spills += ch.spills.Load()
	}
	s.mu.RUnlock()

	s.grantMu.Lock()
	st.Grants = len(s.grants)
	s.grantMu.Unlock()
	return st
}
