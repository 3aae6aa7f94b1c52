package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the kernel model. Each instance
// carries its own registry so tests can boot as many kernels as they like
// without duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	// Scheduler metrics
	Admissions     *prometheus.CounterVec
	Preemptions    prometheus.Counter
	Demotions      prometheus.Counter
	Replenishments prometheus.Counter
	Steals         prometheus.Counter
	ParkTimeouts   prometheus.Counter
	SwitchLatency  prometheus.Histogram

	// Capability metrics
	CapOps        *prometheus.CounterVec
	RevokedSlots  prometheus.Counter
	AuditDrops    prometheus.Counter
	HandlesActive prometheus.Gauge

	// IPC metrics
	Sends           *prometheus.CounterVec
	Receives        *prometheus.CounterVec
	MessagesDropped *prometheus.CounterVec
	ChannelsActive  prometheus.Gauge
	GrantsActive    prometheus.Gauge

	// Process metrics
	ProcessesActive prometheus.Gauge
	ThreadsActive   prometheus.Gauge

	// Syscall metrics
	Syscalls        *prometheus.CounterVec
	SyscallDuration *prometheus.HistogramVec

	// API metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSConnections   prometheus.Gauge
	WSMessages      *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		Admissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_sched_admissions_total",
				Help: "Admission control decisions by outcome",
			},
			[]string{"outcome"},
		),
		Preemptions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_sched_preemptions_total",
				Help: "Threads preempted by a higher-ranked thread",
			},
		),
		Demotions: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_sched_cbs_demotions_total",
				Help: "Deadline threads throttled to best-effort for budget overrun",
			},
		),
		Replenishments: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_sched_cbs_replenishments_total",
				Help: "CBS budget replenishments at period boundaries",
			},
		),
		Steals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_sched_steals_total",
				Help: "Best-effort threads rebalanced between cores",
			},
		),
		ParkTimeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_sched_park_timeouts_total",
				Help: "Parked threads returned Ready by timeout expiry",
			},
		),
		SwitchLatency: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "kernel_switch_latency_seconds",
				Help:    "Context switch latency",
				Buckets: []float64{1e-7, 5e-7, 1e-6, 5e-6, 1e-5, 5e-5, 1e-4, 1e-3},
			},
		),

		CapOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_cap_operations_total",
				Help: "Capability operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		RevokedSlots: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_cap_revoked_slots_total",
				Help: "Handle-table slots invalidated by revocation",
			},
		),
		AuditDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "kernel_cap_audit_drops_total",
				Help: "Audit records dropped past the per-process rate cap",
			},
		),
		HandlesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_cap_handles_active",
				Help: "Live capability handles across all processes",
			},
		),

		Sends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ipc_sends_total",
				Help: "Channel sends by outcome",
			},
			[]string{"outcome"},
		),
		Receives: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ipc_receives_total",
				Help: "Channel receives by outcome",
			},
			[]string{"outcome"},
		),
		MessagesDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ipc_messages_dropped_total",
				Help: "Messages dropped by backpressure policy",
			},
			[]string{"reason"},
		),
		ChannelsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ipc_channels_active",
				Help: "Channels with at least one live endpoint",
			},
		),
		GrantsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ipc_grants_active",
				Help: "Registered shared-memory grants",
			},
		),

		ProcessesActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_processes_active",
				Help: "Live processes",
			},
		),
		ThreadsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_threads_active",
				Help: "Live threads",
			},
		),

		Syscalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_syscalls_total",
				Help: "Syscall invocations by name and errno",
			},
			[]string{"name", "errno"},
		),
		SyscallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_syscall_duration_seconds",
				Help:    "Syscall service time",
				Buckets: []float64{1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
			},
			[]string{"name"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_http_requests_total",
				Help: "Introspection API requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kernel_http_request_duration_seconds",
				Help:    "Introspection API request duration",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"method", "path"},
		),
		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_ws_connections",
				Help: "Active service WebSocket sessions",
			},
		),
		WSMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kernel_ws_messages_total",
				Help: "Service WebSocket envelopes",
			},
			[]string{"direction", "kind"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kernel_uptime_seconds",
				Help: "Time since kernel boot",
			},
		),
	}

	return m
}

// Registry exposes the instance registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// TickUptime refreshes the uptime gauge; the kernel run loop calls this.
func (m *Metrics) TickUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordAdmission records an admission control decision.
func (m *Metrics) RecordAdmission(accepted bool) {
	outcome := "accepted"
	if !accepted {
		outcome = "rejected"
	}
	m.Admissions.WithLabelValues(outcome).Inc()
}

// RecordPreemption records a preemption.
func (m *Metrics) RecordPreemption() { m.Preemptions.Inc() }

// RecordDemotion records a CBS throttle.
func (m *Metrics) RecordDemotion() { m.Demotions.Inc() }

// RecordReplenishment records a CBS budget replenishment.
func (m *Metrics) RecordReplenishment() { m.Replenishments.Inc() }

// RecordSteal records a best-effort rebalance.
func (m *Metrics) RecordSteal() { m.Steals.Inc() }

// RecordParkTimeout records a park that expired.
func (m *Metrics) RecordParkTimeout() { m.ParkTimeouts.Inc() }

// RecordSwitchLatency records one context switch duration.
func (m *Metrics) RecordSwitchLatency(d time.Duration) {
	m.SwitchLatency.Observe(d.Seconds())
}

// RecordCapOp records a capability operation outcome.
func (m *Metrics) RecordCapOp(op string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.CapOps.WithLabelValues(op, outcome).Inc()
}

// RecordRevokedSlots adds to the revoked-slot counter.
func (m *Metrics) RecordRevokedSlots(n int) {
	m.RevokedSlots.Add(float64(n))
}

// RecordAuditDrop records an audit record dropped by rate capping.
func (m *Metrics) RecordAuditDrop() { m.AuditDrops.Inc() }

// RecordSend records a channel send outcome.
func (m *Metrics) RecordSend(outcome string) {
	m.Sends.WithLabelValues(outcome).Inc()
}

// RecordReceive records a channel receive outcome.
func (m *Metrics) RecordReceive(outcome string) {
	m.Receives.WithLabelValues(outcome).Inc()
}

// RecordDrop records a message dropped by backpressure policy.
func (m *Metrics) RecordDrop(reason string) {
	m.MessagesDropped.WithLabelValues(reason).Inc()
}

// RecordSyscall records one syscall with its errno and duration.
func (m *Metrics) RecordSyscall(name string, errno uint32, d time.Duration) {
	m.Syscalls.WithLabelValues(name, strconv.FormatUint(uint64(errno), 10)).Inc()
	m.SyscallDuration.WithLabelValues(name).Observe(d.Seconds())
}

// RecordHTTPRequest records an introspection API request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordWSMessage records a service WebSocket envelope.
func (m *Metrics) RecordWSMessage(direction, kind string) {
	m.WSMessages.WithLabelValues(direction, kind).Inc()
}

// IncWSConnections increments the live session gauge.
func (m *Metrics) IncWSConnections() { m.WSConnections.Inc() }

// DecWSConnections decrements the live session gauge.
func (m *Metrics) DecWSConnections() { m.WSConnections.Dec() }
