// Package secrets holds the credentials the worker sends upstream and
// reloads them in place when they rotate.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ikanisa/lawai-sub007/internal/logger"
)

// Loader returns the current secret values keyed by name.
type Loader func() (map[string]string, error)

// Vault serves secrets loaded by a Loader. Reload swaps the whole set
// atomically; a failed reload keeps the previous values.
type Vault struct {
	mu     sync.RWMutex
	values map[string]string
	loader Loader
}

// NewVault calls loader once and fails if it does.
func NewVault(loader Loader) (*Vault, error) {
	vals, err := loader()
	if err != nil {
		return nil, fmt.Errorf("initial secret load: %w", err)
	}
	return &Vault{values: vals, loader: loader}, nil
}

// Get returns the secret for key, or "" when it is not set.
func (v *Vault) Get(key string) string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.values[key]
}

// Getter binds Get to one key.
func (v *Vault) Getter(key string) func() string {
	return func() string { return v.Get(key) }
}

// Reload calls the loader and replaces the values.
func (v *Vault) Reload() error {
	vals, err := v.loader()
	if err != nil {
		return fmt.Errorf("reload secrets: %w", err)
	}
	v.mu.Lock()
	v.values = vals
	v.mu.Unlock()
	return nil
}

// ReloadOn reloads the vault every time sig fires until ctx is done.
func (v *Vault) ReloadOn(ctx context.Context, sig <-chan os.Signal, log *slog.Logger) {
	log = logger.OrNop(log)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			if err := v.Reload(); err != nil {
				log.Error("secret reload failed, keeping previous values", "signal", s.String(), "error", err)
				continue
			}
			log.Info("secrets reloaded", "signal", s.String())
		}
	}
}
