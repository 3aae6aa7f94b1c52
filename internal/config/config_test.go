package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Server config
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)

	// Machine topology inherits kernel defaults
	assert.Zero(t, cfg.Machine.Cores)
	assert.Zero(t, cfg.Machine.Slice)
	assert.Zero(t, cfg.Caps.HandleSlots)
	assert.Zero(t, cfg.Observe.SwitchP99)

	// Logging config
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.False(t, cfg.Logging.Development)

	// Rate limit config
	assert.Equal(t, 100, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 200, cfg.RateLimit.Burst)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadOrDefault(t *testing.T) {
	// Should return default when no env vars set
	cfg := LoadOrDefault()

	assert.NotNil(t, cfg)
	assert.Equal(t, "8000", cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	envVars := map[string]string{
		"PORT":               "9000",
		"HOST":               "127.0.0.1",
		"CORES":              "8",
		"ISOLATED_CORES":     "3",
		"SLICE":              "2ms",
		"FRAMES":             "1024",
		"TLB_ENTRIES":        "128",
		"HANDLE_SLOTS":       "512",
		"AUDIT_RING":         "2048",
		"AUDIT_RATE":         "50",
		"FLIGHT_RING":        "4096",
		"SLO_WINDOW":         "1000",
		"SWITCH_P99":         "500us",
		"RTT_P99":            "2ms",
		"CONTRACT_REGISTRY":  "/etc/raeen/contracts.yaml",
		"LOG_LEVEL":          "debug",
		"LOG_DEV":            "true",
		"RATE_LIMIT_RPS":     "500",
		"RATE_LIMIT_BURST":   "1000",
		"RATE_LIMIT_ENABLED": "false",
	}

	for key, value := range envVars {
		err := os.Setenv(key, value)
		require.NoError(t, err)
		defer os.Unsetenv(key)
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)

	assert.Equal(t, 8, cfg.Machine.Cores)
	assert.Equal(t, uint64(3), cfg.Machine.Isolated)
	assert.Equal(t, 2*time.Millisecond, cfg.Machine.Slice)
	assert.Equal(t, uint64(1024), cfg.Machine.Frames)
	assert.Equal(t, 128, cfg.Machine.TLBEntries)

	assert.Equal(t, 512, cfg.Caps.HandleSlots)
	assert.Equal(t, 2048, cfg.Caps.AuditRing)
	assert.Equal(t, 50, cfg.Caps.AuditRate)

	assert.Equal(t, 4096, cfg.Observe.FlightRing)
	assert.Equal(t, 1000, cfg.Observe.SLOWindow)
	assert.Equal(t, 500*time.Microsecond, cfg.Observe.SwitchP99)
	assert.Equal(t, 2*time.Millisecond, cfg.Observe.RTTP99)

	assert.Equal(t, "/etc/raeen/contracts.yaml", cfg.Contracts.Registry)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)

	assert.Equal(t, 500, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 1000, cfg.RateLimit.Burst)
	assert.False(t, cfg.RateLimit.Enabled)
}

func TestLoadWithPartialEnvironmentVariables(t *testing.T) {
	err := os.Setenv("PORT", "3000")
	require.NoError(t, err)
	defer os.Unsetenv("PORT")

	err = os.Setenv("CORES", "2")
	require.NoError(t, err)
	defer os.Unsetenv("CORES")

	cfg, err := Load()
	require.NoError(t, err)

	// Verify overridden values
	assert.Equal(t, "3000", cfg.Server.Port)
	assert.Equal(t, 2, cfg.Machine.Cores)

	// Verify default values still apply
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Zero(t, cfg.Machine.Frames)
}

func writeBootFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "boot.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadBoot(t *testing.T) {
	path := writeBootFile(t, `
[machine]
cores = 8
isolated_cores = 3
slice = "5ms"
frames = 2048
tlb_entries = 256

[caps]
handle_slots = 1024
audit_ring = 8192
audit_rate = 100

[observe]
flight_ring = 16384
slo_window = 2000
switch_p99 = "250us"
rtt_p99 = "1ms"
`)

	b, err := LoadBoot(path)
	require.NoError(t, err)

	assert.Equal(t, 8, b.Machine.Cores)
	assert.Equal(t, uint64(3), b.Machine.Isolated)
	assert.Equal(t, "5ms", b.Machine.Slice)
	assert.Equal(t, uint64(2048), b.Machine.Frames)
	assert.Equal(t, 256, b.Machine.TLBEntries)
	assert.Equal(t, 1024, b.Caps.HandleSlots)
	assert.Equal(t, 16384, b.Observe.FlightRing)
	assert.Equal(t, "250us", b.Observe.SwitchP99)
}

func TestLoadBootMissingFile(t *testing.T) {
	_, err := LoadBoot(filepath.Join(t.TempDir(), "absent.toml"))
	require.Error(t, err)
}

func TestLoadBootBadTOML(t *testing.T) {
	path := writeBootFile(t, "[machine\ncores = ")
	_, err := LoadBoot(path)
	require.Error(t, err)
}

func TestApplyBootMergesUnderEnvironment(t *testing.T) {
	require.NoError(t, os.Setenv("CORES", "4"))
	defer os.Unsetenv("CORES")

	cfg, err := Load()
	require.NoError(t, err)

	b := &Boot{}
	b.Machine.Cores = 16
	b.Machine.Slice = "5ms"
	b.Caps.HandleSlots = 1024
	b.Observe.SwitchP99 = "250us"

	require.NoError(t, cfg.ApplyBoot(b))

	// Environment wins where set, the file fills the rest.
	assert.Equal(t, 4, cfg.Machine.Cores)
	assert.Equal(t, 5*time.Millisecond, cfg.Machine.Slice)
	assert.Equal(t, 1024, cfg.Caps.HandleSlots)
	assert.Equal(t, 250*time.Microsecond, cfg.Observe.SwitchP99)
}

func TestApplyBootBadDuration(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name string
		boot func(*Boot)
	}{
		{"machine slice", func(b *Boot) { b.Machine.Slice = "fast" }},
		{"switch target", func(b *Boot) { b.Observe.SwitchP99 = "99" }},
		{"rtt target", func(b *Boot) { b.Observe.RTTP99 = "soon" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &Boot{}
			tt.boot(b)
			require.Error(t, cfg.ApplyBoot(b))
		})
	}
}

func TestApplyBootNil(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.ApplyBoot(nil))
	assert.Zero(t, cfg.Machine.Cores)
}
