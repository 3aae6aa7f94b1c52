// Package config provides 12-factor configuration for the kernel daemon.
//
// Configuration is loaded from environment variables with sensible defaults.
// An optional TOML boot file describes machine topology (core count,
// isolated cores, table sizes); the file is merged under the environment,
// so a knob from the file applies only where its variable is unset.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Machine: modeled machine topology (cores, slice, frames, TLB)
//   - Caps: capability table and audit log sizing
//   - Observe: flight recorder ring and SLO latency targets
//   - Contracts: service contract registry location
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("API listening on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST
//   - CORES, ISOLATED_CORES, SLICE, FRAMES, TLB_ENTRIES
//   - HANDLE_SLOTS, AUDIT_RING, AUDIT_RATE
//   - FLIGHT_RING, SLO_WINDOW, SWITCH_P99, RTT_P99
//   - CONTRACT_REGISTRY
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
