// Package main is the entry point for the raeen-core kernel daemon.
//
// The daemon assembles the privileged core as an in-process model and
// exposes it over an introspection API. Userspace programs live inside
// the model as processes; the HTTP and WebSocket surfaces observe and
// drive them through the syscall dispatcher.
//
// Architecture:
//
//	Clients (HTTP/WS) → Syscall Dispatcher → Capabilities / IPC / Scheduler
//	                                       → Address Spaces / Switch Engine
//
// The daemon provides:
//   - Capability tables with generation-checked handles and an audit log
//   - Bounded IPC channels with credits, grants, and backpressure
//   - EDF+CBS, fixed-priority, and fair best-effort scheduling classes
//   - Address spaces with W^X enforcement and ASID-tagged TLB shootdown
//   - REST introspection, Prometheus metrics, and a flight recorder
//
// Configuration:
//   - Environment variables (12-factor)
//   - Optional TOML boot file (-boot) for machine topology
//   - Defaults sized for development
//
// Usage:
//
//	# Default machine, built-in contracts
//	./kerneld
//
//	# Explicit topology and a contract registry
//	CONTRACT_REGISTRY=contracts.yaml ./kerneld -boot boot.toml
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
