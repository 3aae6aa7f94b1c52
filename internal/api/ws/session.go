package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Whoisraeen/raeen-core/internal/contracts"
	"github.com/Whoisraeen/raeen-core/internal/kernel"
	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/ipc"
	"github.com/Whoisraeen/raeen-core/internal/kernel/proc"
	"github.com/Whoisraeen/raeen-core/internal/kernel/sched"
	"github.com/Whoisraeen/raeen-core/internal/kernel/syscall"
	"github.com/Whoisraeen/raeen-core/internal/logging"
	"github.com/Whoisraeen/raeen-core/internal/monitoring"
	"github.com/Whoisraeen/raeen-core/internal/observe"
	"github.com/Whoisraeen/raeen-core/internal/shared/id"
)

// maxRecvWait bounds a blocking receive so a dead socket cannot strand
// the session goroutine on a channel that never fills.
const maxRecvWait = 30 * time.Second

// session is one connected service: a spawned process whose main thread
// issues every syscall the socket asks for. Envelopes are handled in
// arrival order on the read loop, so replies never interleave.
type session struct {
	id       id.SessionID
	kernel   *kernel.Kernel
	registry *contracts.Registry
	log      *logging.Logger
	metrics  *monitoring.Metrics

	pid      defs.PID
	thread   *sched.TCB
	bindings map[string]binding
}

// binding is one opened endpoint: the contract plus the minted pair.
type binding struct {
	contract contracts.Contract
	sendH    defs.Handle
	recvH    defs.Handle
}

func newSession(k *kernel.Kernel, registry *contracts.Registry, log *logging.Logger, metrics *monitoring.Metrics) (*session, error) {
	sid := id.NewSessionID()
	pid, tid, err := k.Procs.Spawn(k.InitPID(), proc.SpawnSpec{Name: string(sid)})
	if err != nil {
		return nil, fmt.Errorf("spawn session process: %w", err)
	}
	t, ok := k.Sched.Lookup(tid)
	if !ok {
		return nil, fmt.Errorf("session thread %d not admitted: %w", tid, defs.ErrInvalidArgument)
	}
	return &session{
		id:       sid,
		kernel:   k,
		registry: registry,
		log:      &logging.Logger{Logger: log.Logger.With(zap.String("session", string(sid)), zap.Uint32("pid", uint32(pid)))},
		metrics:  metrics,
		pid:      pid,
		thread:   t,
		bindings: make(map[string]binding),
	}, nil
}

// close exits the session process. Teardown revokes every handle it
// still holds, which closes its channel endpoints and frees its grants.
func (s *session) close() {
	if err := s.kernel.Procs.Exit(s.pid, 0); err != nil {
		s.log.Debug("session exit", zap.Error(err))
	}
}

func (s *session) dispatch(ctx context.Context, call syscall.Call) syscall.Result {
	return s.kernel.Syscalls.Dispatch(ctx, s.thread, call)
}

func (s *session) handle(ctx context.Context, conn *websocket.Conn, env contracts.Envelope) {
	switch env.Kind {
	case "open":
		s.handleOpen(ctx, conn, env)
	case "send":
		s.handleSend(ctx, conn, env)
	case "recv":
		s.handleRecv(ctx, conn, env)
	case "echo":
		s.handleEcho(ctx, conn, env)
	case "close":
		s.handleClose(conn, env)
	default:
		s.sendError(conn, env, fmt.Errorf("unknown message kind %q: %w", env.Kind, defs.ErrInvalidArgument))
	}
}

// handleOpen binds a contract endpoint: it mints a channel shaped by the
// contract and checks the minted pair covers the contract's rights.
func (s *session) handleOpen(ctx context.Context, conn *websocket.Conn, env contracts.Envelope) {
	ct, ok := s.registry.Lookup(env.Endpoint)
	if !ok {
		s.sendError(conn, env, fmt.Errorf("unknown endpoint %q: %w", env.Endpoint, defs.ErrInvalidArgument))
		return
	}
	if err := ct.CheckVersion(env.Version); err != nil {
		s.sendError(conn, env, err)
		return
	}
	if _, dup := s.bindings[env.Endpoint]; dup {
		s.sendError(conn, env, fmt.Errorf("endpoint %s already open: %w", env.Endpoint, defs.ErrInvalidArgument))
		return
	}

	class, err := ct.ChannelClass()
	if err != nil {
		s.sendError(conn, env, err)
		return
	}
	policy, err := ct.ChannelPolicy()
	if err != nil {
		s.sendError(conn, env, err)
		return
	}
	polKind, polParam, err := policyWords(policy)
	if err != nil {
		s.sendError(conn, env, err)
		return
	}

	res := s.dispatch(ctx, syscall.Call{
		Number: syscall.ChannelCreate,
		Args:   [6]uint64{uint64(ct.QueueDepth), uint64(class), polKind, polParam},
	})
	if res.Errno != defs.EOK {
		s.sendErrno(conn, env, res.Errno)
		return
	}
	sendH, recvH := defs.Handle(res.Value), defs.Handle(res.Aux)

	if need, err := ct.Rights(); err == nil && need != 0 {
		if cover := s.coverage(ctx, sendH, recvH); !need.Subset(cover) {
			s.release(sendH, recvH)
			s.sendError(conn, env, fmt.Errorf("endpoint %s requires rights %s, minted pair covers %s: %w",
				env.Endpoint, need, cover, defs.ErrRightsViolation))
			return
		}
	}

	s.bindings[env.Endpoint] = binding{contract: ct, sendH: sendH, recvH: recvH}
	s.log.Info("endpoint open",
		zap.String("endpoint", env.Endpoint),
		zap.Uint64("send", uint64(sendH)),
		zap.Uint64("recv", uint64(recvH)))
	s.reply(conn, env, "opened", openBody{
		Send:   uint64(sendH),
		Recv:   uint64(recvH),
		Class:  ct.Class,
		Policy: policy.String(),
	})
}

func (s *session) handleSend(ctx context.Context, conn *websocket.Conn, env contracts.Envelope) {
	b, ok := s.binding(conn, env)
	if !ok {
		return
	}
	res := s.dispatch(ctx, syscall.Call{
		Number:  syscall.ChannelSend,
		Args:    [6]uint64{uint64(b.sendH)},
		Payload: env.Payload,
	})
	if res.Errno != defs.EOK {
		s.sendErrno(conn, env, res.Errno)
		return
	}
	s.reply(conn, env, "sent", nil)
}

type recvOptions struct {
	Timeout string `json:"timeout"`
}

func (s *session) handleRecv(ctx context.Context, conn *websocket.Conn, env contracts.Envelope) {
	b, ok := s.binding(conn, env)
	if !ok {
		return
	}
	var wait time.Duration
	if len(env.Payload) > 0 {
		var opts recvOptions
		if err := sonic.Unmarshal(env.Payload, &opts); err != nil {
			s.sendError(conn, env, fmt.Errorf("recv options: %w", defs.ErrInvalidArgument))
			return
		}
		if opts.Timeout != "" {
			d, err := time.ParseDuration(opts.Timeout)
			if err != nil {
				s.sendError(conn, env, fmt.Errorf("recv timeout %q: %w", opts.Timeout, defs.ErrInvalidArgument))
				return
			}
			wait = d
		}
	}
	if wait < 0 || wait > maxRecvWait {
		wait = maxRecvWait
	}

	res := s.dispatch(ctx, syscall.Call{
		Number: syscall.ChannelReceive,
		Args:   [6]uint64{uint64(b.recvH), uint64(int64(wait))},
	})
	switch res.Errno {
	case defs.EOK:
	case defs.ETimeout:
		s.reply(conn, env, "timeout", nil)
		return
	default:
		s.sendErrno(conn, env, res.Errno)
		return
	}
	s.reply(conn, env, "message", inboundBody{Cap: res.Aux, Data: res.Data})
}

// handleEcho sends the payload and immediately receives, timing the full
// loopback round trip through the ring. The received payload is the
// oldest queued message, which is the echoed one on an idle channel.
func (s *session) handleEcho(ctx context.Context, conn *websocket.Conn, env contracts.Envelope) {
	b, ok := s.binding(conn, env)
	if !ok {
		return
	}
	start := time.Now()
	res := s.dispatch(ctx, syscall.Call{
		Number:  syscall.ChannelSend,
		Args:    [6]uint64{uint64(b.sendH)},
		Payload: env.Payload,
	})
	if res.Errno != defs.EOK {
		s.sendErrno(conn, env, res.Errno)
		return
	}
	res = s.dispatch(ctx, syscall.Call{
		Number: syscall.ChannelReceive,
		Args:   [6]uint64{uint64(b.recvH)},
	})
	if res.Errno != defs.EOK {
		s.sendErrno(conn, env, res.Errno)
		return
	}
	rtt := time.Since(start)
	s.kernel.SLO.Observe(observe.IPCRoundTrip, rtt)
	s.reply(conn, env, "echoed", echoBody{RTTNS: rtt.Nanoseconds(), Data: res.Data})
}

func (s *session) handleClose(conn *websocket.Conn, env contracts.Envelope) {
	b, ok := s.binding(conn, env)
	if !ok {
		return
	}
	s.release(b.sendH, b.recvH)
	delete(s.bindings, env.Endpoint)
	s.log.Info("endpoint closed", zap.String("endpoint", env.Endpoint))
	s.reply(conn, env, "closed", nil)
}

// binding resolves the envelope's endpoint to an open binding and holds
// it to the contract's schema version.
func (s *session) binding(conn *websocket.Conn, env contracts.Envelope) (binding, bool) {
	b, ok := s.bindings[env.Endpoint]
	if !ok {
		s.sendError(conn, env, fmt.Errorf("endpoint %q is not open: %w", env.Endpoint, defs.ErrInvalidArgument))
		return binding{}, false
	}
	if err := b.contract.CheckVersion(env.Version); err != nil {
		s.sendError(conn, env, err)
		return binding{}, false
	}
	return b, true
}

// coverage folds the rights minted across the endpoint handles.
func (s *session) coverage(ctx context.Context, handles ...defs.Handle) cap.Rights {
	var r cap.Rights
	for _, h := range handles {
		res := s.dispatch(ctx, syscall.Call{Number: syscall.CapInspect, Args: [6]uint64{uint64(h)}})
		if res.Errno == defs.EOK {
			r |= cap.Rights(res.Value >> 8)
		}
	}
	return r
}

func (s *session) release(handles ...defs.Handle) {
	for _, h := range handles {
		if err := s.kernel.IPC.Close(s.pid, h); err != nil {
			s.log.Debug("endpoint release", zap.Error(err))
		}
	}
}

func (s *session) hello(conn *websocket.Conn) {
	all := s.registry.All()
	endpoints := make([]string, 0, len(all))
	for _, ct := range all {
		endpoints = append(endpoints, ct.Endpoint)
	}
	s.reply(conn, contracts.Envelope{Version: 1, Endpoint: "kernel"}, "hello", helloBody{
		BootID:    string(s.kernel.BootID()),
		Session:   string(s.id),
		Endpoints: endpoints,
	})
}

func (s *session) reply(conn *websocket.Conn, req contracts.Envelope, kind string, body any) {
	env := contracts.Envelope{Version: req.Version, Endpoint: req.Endpoint, Kind: kind}
	if body != nil {
		payload, err := sonic.Marshal(body)
		if err != nil {
			s.log.Error("encode reply", zap.String("kind", kind), zap.Error(err))
			return
		}
		env.Payload = payload
	}
	raw, err := env.Encode()
	if err != nil {
		s.log.Error("encode envelope", zap.String("kind", kind), zap.Error(err))
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		s.log.Warn("websocket write failed", zap.Error(err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordWSMessage("out", kind)
	}
}

func (s *session) sendError(conn *websocket.Conn, req contracts.Envelope, err error) {
	s.reply(conn, req, "error", errorBody{Error: err.Error(), Errno: defs.ErrnoOf(err).String()})
}

func (s *session) sendErrno(conn *websocket.Conn, req contracts.Envelope, errno defs.Errno) {
	s.reply(conn, req, "error", errorBody{Error: errno.String(), Errno: errno.String()})
}

// policyWords encodes a backpressure policy into syscall argument words.
func policyWords(policy ipc.Policy) (kind, param uint64, err error) {
	switch p := policy.(type) {
	case ipc.DropOldest:
		return 0, 0, nil
	case ipc.Park:
		return 1, uint64(int64(p.Timeout)), nil
	case ipc.Spill:
		return 2, uint64(p.Limit), nil
	default:
		return 0, 0, fmt.Errorf("policy %s has no wire encoding: %w", policy, defs.ErrInvalidArgument)
	}
}

type helloBody struct {
	BootID    string   `json:"boot_id"`
	Session   string   `json:"session"`
	Endpoints []string `json:"endpoints"`
}

type openBody struct {
	Send   uint64 `json:"send_handle"`
	Recv   uint64 `json:"recv_handle"`
	Class  string `json:"class"`
	Policy string `json:"policy"`
}

type inboundBody struct {
	Cap  uint64          `json:"cap,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type echoBody struct {
	RTTNS int64           `json:"rtt_ns"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
	Errno string `json:"errno"`
}
