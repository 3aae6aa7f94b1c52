package contracts

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/ipc"
)

func validContract() Contract {
	return Contract{
		Endpoint:       "svc.test",
		SchemaVersion:  3,
		RequiredRights: []string{"send", "receive"},
		QueueDepth:     128,
		Class:          "best_effort",
		Policy:         PolicySpec{Kind: "park", Timeout: "50ms"},
	}
}

func TestContractValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Contract)
		ok     bool
	}{
		{"valid", func(*Contract) {}, true},
		{"default depth", func(c *Contract) { c.QueueDepth = 0 }, true},
		{"no rights", func(c *Contract) { c.RequiredRights = nil }, true},
		{"no endpoint", func(c *Contract) { c.Endpoint = "" }, false},
		{"version zero", func(c *Contract) { c.SchemaVersion = 0 }, false},
		{"negative depth", func(c *Contract) { c.QueueDepth = -1 }, false},
		{"oversized depth", func(c *Contract) { c.QueueDepth = defs.MaxChannelDepth + 1 }, false},
		{"unknown right", func(c *Contract) { c.RequiredRights = []string{"root"} }, false},
		{"unknown class", func(c *Contract) { c.Class = "interactive" }, false},
		{"unknown policy", func(c *Contract) { c.Policy.Kind = "reject" }, false},
		{"bad park timeout", func(c *Contract) { c.Policy.Timeout = "never" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validContract()
			tt.mutate(&c)
			err := c.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestContractRights(t *testing.T) {
	c := validContract()
	c.RequiredRights = []string{"send", "receive", "duplicate"}

	r, err := c.Rights()
	require.NoError(t, err)
	assert.Equal(t, cap.RightSend|cap.RightReceive|cap.RightDuplicate, r)
}

func TestContractChannelClass(t *testing.T) {
	names := map[string]ipc.Class{
		"latency_sensitive": ipc.LatencySensitive,
		"best_effort":       ipc.BestEffort,
		"bulk":              ipc.Bulk,
	}
	for name, want := range names {
		c := validContract()
		c.Class = name
		got, err := c.ChannelClass()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestContractChannelPolicy(t *testing.T) {
	c := validContract()

	c.Policy = PolicySpec{Kind: "drop_oldest"}
	p, err := c.ChannelPolicy()
	require.NoError(t, err)
	assert.Equal(t, ipc.DropOldest{}, p)

	c.Policy = PolicySpec{Kind: "park", Timeout: "50ms"}
	p, err = c.ChannelPolicy()
	require.NoError(t, err)
	assert.Equal(t, ipc.Park{Timeout: 50 * time.Millisecond}, p)

	// Park without a timeout gets the bounded default, never forever.
	c.Policy = PolicySpec{Kind: "park"}
	p, err = c.ChannelPolicy()
	require.NoError(t, err)
	assert.Equal(t, ipc.Park{Timeout: defs.DefaultParkTimeout}, p)

	c.Policy = PolicySpec{Kind: "spill", Limit: 512}
	p, err = c.ChannelPolicy()
	require.NoError(t, err)
	assert.Equal(t, ipc.Spill{Limit: 512}, p)
}

func TestContractCheckVersion(t *testing.T) {
	c := validContract()

	require.NoError(t, c.CheckVersion(3))

	err := c.CheckVersion(2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedVersion))
	assert.True(t, errors.Is(err, defs.ErrInvalidArgument))

	// Newer is rejected the same way as older.
	assert.True(t, errors.Is(c.CheckVersion(4), ErrUnsupportedVersion))
}

func TestBuiltinContracts(t *testing.T) {
	seen := make(map[string]bool)
	kinds := make(map[string]bool)
	for _, c := range Builtin() {
		require.NoError(t, c.Validate(), c.Endpoint)
		assert.False(t, seen[c.Endpoint], "duplicate endpoint %s", c.Endpoint)
		seen[c.Endpoint] = true
		kinds[c.Policy.Kind] = true
	}
	// One endpoint per backpressure policy.
	assert.True(t, kinds["drop_oldest"])
	assert.True(t, kinds["park"])
	assert.True(t, kinds["spill"])
}
