package adapter

import (
	"fmt"
	"sync"

	"github.com/parley-ai/parley/pkg/schema"
)

// Registry maps adapter kinds to their implementations.
type Registry struct {
	mu       sync.RWMutex
	adapters map[schema.AdapterKind]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[schema.AdapterKind]Adapter),
	}
}

// Register adds an adapter. Panics on duplicate: the kind set is sealed and
// double registration is a wiring bug, not a runtime condition.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		panic(fmt.Sprintf("adapter already registered: %s", a.Name()))
	}
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a kind.
func (r *Registry) Get(kind schema.AdapterKind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for kind: %s", kind)
	}
	return a, nil
}

// Kinds returns all registered adapter kinds.
func (r *Registry) Kinds() []schema.AdapterKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]schema.AdapterKind, 0, len(r.adapters))
	for kind := range r.adapters {
		kinds = append(kinds, kind)
	}
	return kinds
}
