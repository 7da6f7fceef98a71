// Package secrets holds credentials in memory and reloads them on demand.
package secrets

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// StreamToken is the key of the run server auth token.
const StreamToken = "stream_auth_token"

// Loader retrieves secrets from a source.
type Loader func() (map[string]string, error)

// StaticLoader always returns values.
func StaticLoader(values map[string]string) Loader {
	return func() (map[string]string, error) {
		out := make(map[string]string, len(values))
		for k, v := range values {
			if v != "" {
				out[k] = v
			}
		}
		return out, nil
	}
}

// FileLoader reads the secret for key from path, trimmed of surrounding
// whitespace. An empty file is an error.
func FileLoader(key, path string) Loader {
	return func() (map[string]string, error) {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from operator config
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", key, err)
		}
		v := strings.TrimSpace(string(data))
		if v == "" {
			return nil, fmt.Errorf("read %s: %s is empty", key, path)
		}
		return map[string]string{key: v}, nil
	}
}

// Vault holds secret values in memory and supports atomic reloading.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault creates a Vault, calling the loader once to populate initial values.
func NewVault(loader Loader) (*Vault, error) {
	if loader == nil {
		return nil, errors.New("secrets: nil loader")
	}
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{
		values: vals,
		loader: loader,
	}, nil
}

// Get returns the secret for key, or an empty string if not found.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Source returns a getter for key that always sees the latest reload.
func (v *Vault) Source(key string) func() string {
	return func() string { return v.Get(key) }
}

// Reload calls the loader and swaps in the new values atomically.
// If the loader returns an error, existing values are preserved.
func (v *Vault) Reload() error {
	newVals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = newVals
	v.mu.Unlock()
	return nil
}
