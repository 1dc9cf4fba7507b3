package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered indicates a dispatch referenced a provider id with no
// registered adapter. The fan-out records it as a hard failure for that
// provider without invoking any adapter.
var ErrNotRegistered = errors.New("provider not registered")

// Registry maps provider ids to adapters. Safe for concurrent use; adapters
// are typically registered once at startup and looked up on every dispatch.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry returns an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register binds an adapter to a provider id. Registering a duplicate id is an
// error so wiring mistakes surface at startup rather than at dispatch time.
func (r *Registry) Register(id string, adapter Adapter) error {
	if id == "" {
		return errors.New("provider id is required")
	}
	if adapter == nil {
		return errors.New("adapter is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.adapters[id]; dup {
		return fmt.Errorf("provider %q already registered", id)
	}
	r.adapters[id] = adapter
	return nil
}

// Get returns the adapter bound to id. Returns ErrNotRegistered (wrapped with
// the id) when no adapter is bound.
func (r *Registry) Get(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[id]
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", id, ErrNotRegistered)
	}
	return adapter, nil
}

// IDs lists the registered provider ids in lexical order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
