package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all daemon configuration.
type Config struct {
	Server    ServerConfig
	Machine   MachineConfig
	Caps      CapConfig
	Observe   ObserveConfig
	Contracts ContractsConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8000"`
	Host string `envconfig:"HOST" default:"0.0.0.0"`
}

// MachineConfig sizes the modeled machine. Zero keeps the kernel's
// built-in default for that knob.
type MachineConfig struct {
	Cores      int           `envconfig:"CORES" default:"0"`
	Isolated   uint64        `envconfig:"ISOLATED_CORES" default:"0"`
	Slice      time.Duration `envconfig:"SLICE" default:"0"`
	Frames     uint64        `envconfig:"FRAMES" default:"0"`
	TLBEntries int           `envconfig:"TLB_ENTRIES" default:"0"`
}

// CapConfig sizes capability tables and the audit log.
type CapConfig struct {
	HandleSlots int `envconfig:"HANDLE_SLOTS" default:"0"`
	AuditRing   int `envconfig:"AUDIT_RING" default:"0"`
	AuditRate   int `envconfig:"AUDIT_RATE" default:"0"`
}

// ObserveConfig holds flight recorder sizing and SLO latency targets.
// A zero target disables that gate.
type ObserveConfig struct {
	FlightRing int           `envconfig:"FLIGHT_RING" default:"0"`
	SLOWindow  int           `envconfig:"SLO_WINDOW" default:"0"`
	SwitchP99  time.Duration `envconfig:"SWITCH_P99" default:"0"`
	RTTP99     time.Duration `envconfig:"RTT_P99" default:"0"`
}

// ContractsConfig locates the service contract registry. Empty means
// built-in contracts only.
type ContractsConfig struct {
	Registry string `envconfig:"CONTRACT_REGISTRY"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8000",
			Host: "0.0.0.0",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
	}
}

// Boot is the optional TOML boot file describing machine topology.
// Every knob is optional; durations are Go duration strings ("10ms").
type Boot struct {
	Machine BootMachine `toml:"machine"`
	Caps    BootCaps    `toml:"caps"`
	Observe BootObserve `toml:"observe"`
}

type BootMachine struct {
	Cores      int    `toml:"cores"`
	Isolated   uint64 `toml:"isolated_cores"`
	Slice      string `toml:"slice"`
	Frames     uint64 `toml:"frames"`
	TLBEntries int    `toml:"tlb_entries"`
}

type BootCaps struct {
	HandleSlots int `toml:"handle_slots"`
	AuditRing   int `toml:"audit_ring"`
	AuditRate   int `toml:"audit_rate"`
}

type BootObserve struct {
	FlightRing int    `toml:"flight_ring"`
	SLOWindow  int    `toml:"slo_window"`
	SwitchP99  string `toml:"switch_p99"`
	RTTP99     string `toml:"rtt_p99"`
}

// LoadBoot reads and parses a TOML boot file.
func LoadBoot(path string) (*Boot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("boot file: %w", err)
	}
	var b Boot
	if err := toml.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("boot file %s: %w", path, err)
	}
	return &b, nil
}

// ApplyBoot merges the boot file under the environment: a knob from the
// file applies only where the environment left it unset.
func (c *Config) ApplyBoot(b *Boot) error {
	if b == nil {
		return nil
	}
	if c.Machine.Cores == 0 {
		c.Machine.Cores = b.Machine.Cores
	}
	if c.Machine.Isolated == 0 {
		c.Machine.Isolated = b.Machine.Isolated
	}
	if c.Machine.Slice == 0 && b.Machine.Slice != "" {
		d, err := time.ParseDuration(b.Machine.Slice)
		if err != nil {
			return fmt.Errorf("boot machine.slice: %w", err)
		}
		c.Machine.Slice = d
	}
	if c.Machine.Frames == 0 {
		c.Machine.Frames = b.Machine.Frames
	}
	if c.Machine.TLBEntries == 0 {
		c.Machine.TLBEntries = b.Machine.TLBEntries
	}

	if c.Caps.HandleSlots == 0 {
		c.Caps.HandleSlots = b.Caps.HandleSlots
	}
	if c.Caps.AuditRing == 0 {
		c.Caps.AuditRing = b.Caps.AuditRing
	}
	if c.Caps.AuditRate == 0 {
		c.Caps.AuditRate = b.Caps.AuditRate
	}

	if c.Observe.FlightRing == 0 {
		c.Observe.FlightRing = b.Observe.FlightRing
	}
	if c.Observe.SLOWindow == 0 {
		c.Observe.SLOWindow = b.Observe.SLOWindow
	}
	if c.Observe.SwitchP99 == 0 && b.Observe.SwitchP99 != "" {
		d, err := time.ParseDuration(b.Observe.SwitchP99)
		if err != nil {
			return fmt.Errorf("boot observe.switch_p99: %w", err)
		}
		c.Observe.SwitchP99 = d
	}
	if c.Observe.RTTP99 == 0 && b.Observe.RTTP99 != "" {
		d, err := time.ParseDuration(b.Observe.RTTP99)
		if err != nil {
			return fmt.Errorf("boot observe.rtt_p99: %w", err)
		}
		c.Observe.RTTP99 = d
	}
	return nil
}
