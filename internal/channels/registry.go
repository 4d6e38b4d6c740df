package channels

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relayhq/relay/pkg/models"
)

// Registry holds the active adapters keyed by channel type.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: map[models.ChannelType]Adapter{}}
}

// Register adds an adapter; duplicate registrations are an error.
func (r *Registry) Register(adapter Adapter) error {
	if adapter == nil {
		return fmt.Errorf("adapter is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[adapter.Type()]; exists {
		return fmt.Errorf("adapter already registered: %s", adapter.Type())
	}
	r.adapters[adapter.Type()] = adapter
	return nil
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channel models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channel]
	return adapter, ok
}

// All returns the registered adapters sorted by type for stable iteration.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, string(t))
	}
	sort.Strings(types)
	out := make([]Adapter, 0, len(types))
	for _, t := range types {
		out = append(out, r.adapters[models.ChannelType(t)])
	}
	return out
}

// StopAll stops every adapter, returning the first error encountered.
func (r *Registry) StopAll(ctx context.Context) error {
	var firstErr error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
