// Package secrets holds the credentials forwarded into sandboxed agents.
// Values can be reloaded at runtime (on SIGHUP) without restarting sessions;
// agents spawned after a reload see the new values.
package secrets

import (
	"fmt"
	"maps"
	"sync"
)

// Loader retrieves credentials from a source.
type Loader func() (map[string]string, error)

// Vault is a concurrency-safe credential set with atomic reload.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial credential load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the value for key, or "" if absent.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Env returns a copy of every credential as environment variables.
func (v *Vault) Env() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.values)
}

// Len returns the number of credentials held.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}

// Reload calls the loader and swaps in the new values. On error the
// previous values are kept.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload credentials: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}
