package contracts

import (
	"fmt"
	"time"

	"github.com/Whoisraeen/raeen-core/internal/kernel/cap"
	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
	"github.com/Whoisraeen/raeen-core/internal/kernel/ipc"
)

// Contract describes one versioned service endpoint: the channel shape a
// session gets when it binds the endpoint, and the rights the minted
// endpoint pair must cover.
type Contract struct {
	Endpoint       string   `yaml:"endpoint" json:"endpoint"`
	SchemaVersion  uint32   `yaml:"schema_version" json:"schema_version"`
	RequiredRights []string `yaml:"required_rights" json:"required_rights"`
	// QueueDepth is rounded up to a power of two by channel creation;
	// 0 takes the class default.
	QueueDepth int        `yaml:"queue_depth" json:"queue_depth"`
	Class      string     `yaml:"class" json:"class"`
	Policy     PolicySpec `yaml:"policy" json:"policy"`
}

// PolicySpec names a backpressure policy. Timeout applies to park,
// limit to spill; durations are Go duration strings ("100ms").
type PolicySpec struct {
	Kind    string `yaml:"kind" json:"kind"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Limit   int    `yaml:"limit,omitempty" json:"limit,omitempty"`
}

var classNames = map[string]ipc.Class{
	"latency_sensitive": ipc.LatencySensitive,
	"best_effort":       ipc.BestEffort,
	"bulk":              ipc.Bulk,
}

var rightBits = map[string]cap.Rights{
	"read":      cap.RightRead,
	"write":     cap.RightWrite,
	"signal":    cap.RightSignal,
	"map":       cap.RightMap,
	"execute":   cap.RightExecute,
	"duplicate": cap.RightDuplicate,
	"send":      cap.RightSend,
	"receive":   cap.RightReceive,
}

// Validate checks the contract is complete and every name resolves.
func (c Contract) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("contract needs an endpoint: %w", defs.ErrInvalidArgument)
	}
	if c.SchemaVersion == 0 {
		return fmt.Errorf("endpoint %s: schema versions start at 1: %w", c.Endpoint, defs.ErrInvalidArgument)
	}
	if c.QueueDepth < 0 || c.QueueDepth > defs.MaxChannelDepth {
		return fmt.Errorf("endpoint %s: queue depth %d: %w", c.Endpoint, c.QueueDepth, defs.ErrInvalidArgument)
	}
	if _, err := c.Rights(); err != nil {
		return err
	}
	if _, err := c.ChannelClass(); err != nil {
		return err
	}
	if _, err := c.ChannelPolicy(); err != nil {
		return err
	}
	return nil
}

// Rights folds the named rights into a bitmap.
func (c Contract) Rights() (cap.Rights, error) {
	var r cap.Rights
	for _, name := range c.RequiredRights {
		bit, ok := rightBits[name]
		if !ok {
			return 0, fmt.Errorf("endpoint %s: right %q: %w", c.Endpoint, name, defs.ErrInvalidArgument)
		}
		r |= bit
	}
	return r, nil
}

// ChannelClass resolves the named queueing class.
func (c Contract) ChannelClass() (ipc.Class, error) {
	cl, ok := classNames[c.Class]
	if !ok {
		return 0, fmt.Errorf("endpoint %s: class %q: %w", c.Endpoint, c.Class, defs.ErrInvalidArgument)
	}
	return cl, nil
}

// ChannelPolicy resolves the policy spec into a concrete policy value.
func (c Contract) ChannelPolicy() (ipc.Policy, error) {
	switch c.Policy.Kind {
	case "drop_oldest":
		return ipc.DropOldest{}, nil
	case "park":
		timeout := defs.DefaultParkTimeout
		if c.Policy.Timeout != "" {
			d, err := time.ParseDuration(c.Policy.Timeout)
			if err != nil {
				return nil, fmt.Errorf("endpoint %s: park timeout: %w", c.Endpoint, err)
			}
			timeout = d
		}
		return ipc.Park{Timeout: timeout}, nil
	case "spill":
		return ipc.Spill{Limit: c.Policy.Limit}, nil
	default:
		return nil, fmt.Errorf("endpoint %s: policy %q: %w", c.Endpoint, c.Policy.Kind, defs.ErrInvalidArgument)
	}
}

// CheckVersion rejects any schema version other than the contract's.
// There is no best-effort parsing of newer or older frames.
func (c Contract) CheckVersion(v uint32) error {
	if v != c.SchemaVersion {
		return fmt.Errorf("endpoint %s speaks v%d, got v%d: %w", c.Endpoint, c.SchemaVersion, v, ErrUnsupportedVersion)
	}
	return nil
}

// Builtin returns the contracts every boot registers before any registry
// file is read. One endpoint per backpressure policy, so a bare boot can
// exercise all three.
func Builtin() []Contract {
	return []Contract{
		{
			Endpoint:       "svc.echo",
			SchemaVersion:  1,
			RequiredRights: []string{"send", "receive", "duplicate"},
			QueueDepth:     64,
			Class:          "latency_sensitive",
			Policy:         PolicySpec{Kind: "park", Timeout: "100ms"},
		},
		{
			Endpoint:       "svc.telemetry",
			SchemaVersion:  1,
			RequiredRights: []string{"send", "receive"},
			QueueDepth:     1024,
			Class:          "bulk",
			Policy:         PolicySpec{Kind: "drop_oldest"},
		},
		{
			Endpoint:       "svc.blob",
			SchemaVersion:  1,
			RequiredRights: []string{"send", "receive"},
			QueueDepth:     256,
			Class:          "best_effort",
			Policy:         PolicySpec{Kind: "spill", Limit: 512},
		},
	}
}
