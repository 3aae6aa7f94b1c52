// Package monitoring provides Prometheus metrics for the kernel model.
//
// All metric families are namespaced kernel_* and grouped by subsystem:
// scheduler (admissions, preemptions, CBS activity, steals), capability
// (operations, revocations, audit drops), IPC (sends, receives, drops),
// syscalls (counts and latency by name), and the introspection API.
//
// Each Metrics instance owns a private registry, so independent kernel
// instances in the same process never collide on registration.
//
// Usage:
//
//	metrics := monitoring.NewMetrics()
//	metrics.RecordSyscall("channel_send", 0, elapsed)
//	router.Use(metrics.Middleware())
package monitoring
