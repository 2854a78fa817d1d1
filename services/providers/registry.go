package providers

import (
	"errors"
	"sort"
	"sync"
)

var (
	// ErrAdapterNotFound is returned when no adapter is registered under a name.
	ErrAdapterNotFound = errors.New("provider adapter not found")

	// ErrAlreadyRegistered is returned on a duplicate registration.
	ErrAlreadyRegistered = errors.New("provider adapter already registered")
)

// Registry is the lookup table of provider adapters. Adapters register once
// at startup; afterwards the table is read-only on the hot path.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
	}
}

func (r *Registry) Register(a Adapter) error {
	if a == nil {
		return errors.New("adapter cannot be nil")
	}
	name := a.Name()
	if name == "" {
		return errors.New("adapter name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[name]; exists {
		return ErrAlreadyRegistered
	}
	r.adapters[name] = a
	return nil
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.adapters[name]
	if !ok {
		return nil, ErrAdapterNotFound
	}
	return a, nil
}

// Names returns the registered provider names, sorted for stable output.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.adapters)
}
