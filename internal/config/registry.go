package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/livescribe/pkg/provider/stt"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory has
// been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// LoaderFactory builds a recognizer loader from the engine configuration.
type LoaderFactory func(EngineConfig) (stt.Loader, error)

// Registry maps backend names to loader factories. It is safe for concurrent
// use.
type Registry struct {
	mu      sync.RWMutex
	loaders map[string]LoaderFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{loaders: make(map[string]LoaderFactory)}
}

// Register registers a loader factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory LoaderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders[name] = factory
}

// Create instantiates the loader registered under cfg.Backend.
// Returns [ErrBackendNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) Create(cfg EngineConfig) (stt.Loader, error) {
	r.mu.RLock()
	factory, ok := r.loaders[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrBackendNotRegistered, cfg.Backend, r.Names())
	}
	return factory(cfg)
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.loaders))
	for name := range r.loaders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
