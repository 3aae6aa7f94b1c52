// Package http serves the kernel's introspection surface: REST
// snapshots of every subsystem under /api/v1, Prometheus metrics under
// /metrics, and the WebSocket service sessions under /ws/service.
//
// Everything here is observational. The process table, scheduler,
// channels, grants, capability audit, memory, SLO quantiles, and the
// flight recorder are all exposed as read-only snapshots; the only way
// to change kernel state remains the syscall dispatcher.
package http
