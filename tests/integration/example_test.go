//go:build integration
// +build integration

package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whoisraeen/raeen-core/internal/config"
	"github.com/Whoisraeen/raeen-core/internal/contracts"
	"github.com/Whoisraeen/raeen-core/internal/kernel"
	"github.com/Whoisraeen/raeen-core/tests/helpers/testutil"
)

// TestIntegrationExample demonstrates integration test structure
func TestIntegrationExample(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	t.Run("full process lifecycle", func(t *testing.T) {
		// Setup
		k := testutil.BootKernel(t, kernel.Config{Cores: 1})
		boot := testutil.Init(t, k)

		// Spawn a worker under init
		child := boot.Spawn("worker")
		assert.NotZero(t, child.PID)
		assert.NotZero(t, child.TID)

		// Verify the process is live, init plus the worker
		stats := k.Procs.Stats()
		assert.Equal(t, 2, stats.Live)
		assert.Equal(t, uint64(2), stats.Spawns)

		// Exit and reap
		child.Exit(0)
		res := boot.Wait(child.PID, 2*time.Second)
		testutil.AssertOK(t, res)
		assert.Equal(t, uint64(0), res.Value)

		// Verify the slot is released
		stats = k.Procs.Stats()
		assert.Equal(t, 1, stats.Live)
		assert.Equal(t, uint64(1), stats.Reaps)
	})

	t.Run("contract registry integration", func(t *testing.T) {
		// Setup
		registry := contracts.NewRegistry()
		for _, c := range contracts.Builtin() {
			require.NoError(t, registry.Ensure(c))
		}

		// Verify built-ins are registered
		echo, ok := registry.Lookup("svc.echo")
		require.True(t, ok)
		assert.Equal(t, 64, echo.QueueDepth)
		assert.Equal(t, "latency_sensitive", echo.Class)

		// A registry file layers over the built-ins
		added, err := registry.Load([]byte(`
contracts:
  - endpoint: svc.sensor
    schema_version: 1
    required_rights: [send, receive]
    queue_depth: 32
    class: latency_sensitive
    policy:
      kind: park
      timeout: 50ms
`))
		require.NoError(t, err)
		assert.Equal(t, 1, added)

		sensor, ok := registry.Lookup("svc.sensor")
		require.True(t, ok)
		assert.Equal(t, "park", sensor.Policy.Kind)

		// Registering an endpoint twice is a configuration mistake
		err = registry.Register(sensor)
		assert.Error(t, err)

		assert.Len(t, registry.All(), len(contracts.Builtin())+1)
	})
}

// TestConfigIntegration tests configuration loading and usage
func TestConfigIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	t.Run("config with defaults", func(t *testing.T) {
		cfg := config.Default()

		// Verify critical defaults
		assert.NotEmpty(t, cfg.Server.Port)
		assert.NotEmpty(t, cfg.Server.Host)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.True(t, cfg.RateLimit.Enabled)

		// Zero machine knobs defer to the kernel's built-in sizing
		assert.Zero(t, cfg.Machine.Cores)
		assert.Zero(t, cfg.Caps.HandleSlots)
	})
}
