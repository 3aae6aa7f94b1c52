package contracts

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/goccy/go-yaml"

	"github.com/Whoisraeen/raeen-core/internal/kernel/defs"
)

// File is the YAML registry document shape.
type File struct {
	Contracts []Contract `yaml:"contracts"`
}

// Registry holds the contracts known this boot, keyed by endpoint. It is
// userspace input re-registered on every boot, never persisted kernel
// state.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]Contract
}

func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]Contract)}
}

// Register validates and adds a contract. Registering an endpoint twice
// is a configuration mistake and fails.
func (r *Registry) Register(c Contract) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.contracts[c.Endpoint]; dup {
		return fmt.Errorf("endpoint %s registered twice: %w", c.Endpoint, defs.ErrInvalidArgument)
	}
	r.contracts[c.Endpoint] = c
	return nil
}

// Ensure registers the contract unless its endpoint is already present.
// Boot uses this to lay built-ins under a registry file.
func (r *Registry) Ensure(c Contract) error {
	r.mu.RLock()
	_, present := r.contracts[c.Endpoint]
	r.mu.RUnlock()
	if present {
		return nil
	}
	return r.Register(c)
}

// Lookup returns the contract bound to endpoint.
func (r *Registry) Lookup(endpoint string) (Contract, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contracts[endpoint]
	return c, ok
}

// All returns every contract ordered by endpoint.
func (r *Registry) All() []Contract {
	r.mu.RLock()
	out := make([]Contract, 0, len(r.contracts))
	for _, c := range r.contracts {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// Load parses a YAML registry document and registers its contracts.
// Returns how many were added. On error, contracts before the failing
// one stay registered.
func (r *Registry) Load(raw []byte) (int, error) {
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return 0, fmt.Errorf("parse registry: %w", err)
	}
	for i, c := range f.Contracts {
		if err := r.Register(c); err != nil {
			return i, err
		}
	}
	return len(f.Contracts), nil
}

// LoadFile reads and loads a YAML registry file.
func (r *Registry) LoadFile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("registry file: %w", err)
	}
	n, err := r.Load(raw)
	if err != nil {
		return n, fmt.Errorf("registry file %s: %w", path, err)
	}
	return n, nil
}
