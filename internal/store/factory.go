// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sandcastle Contributors

package store

import (
	"sync"

	scerr "github.com/andresmarpz/sandcastle/pkg/errors"
)

// Config selects and parameterises the storage backend.
type Config struct {
	Backend string
	Path    string
}

// Factory creates a HistoryStore for a backend given its data path.
type Factory func(path string) (HistoryStore, error)

var (
	factories   = map[string]Factory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). Goroutine-safe.
func RegisterBackend(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = factory
}

// Open creates the HistoryStore selected by cfg. An empty backend
// defaults to "memory".
func Open(cfg Config) (HistoryStore, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "memory"
	}

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, scerr.Errorf(scerr.CodeStoreBackendUnsupported,
			"unsupported storage backend %q", backend)
	}

	return factory(cfg.Path)
}

func init() {
	RegisterBackend("memory", func(string) (HistoryStore, error) {
		return NewMemoryStore(), nil
	})
}
