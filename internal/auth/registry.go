package auth

import (
	"strings"
	"sync"
)

// Registry holds the channel docks by provider id. Adapters register a
// dock when they start; authorization looks the dock up per message.
type Registry struct {
	mu    sync.RWMutex
	docks map[string]Dock
}

// NewRegistry returns an empty dock registry.
func NewRegistry() *Registry {
	return &Registry{docks: map[string]Dock{}}
}

// Register installs the dock for a provider, replacing any prior one.
func (r *Registry) Register(provider string, dock Dock) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" || dock == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docks[provider] = dock
}

// Lookup returns the dock for a provider, or nil when none registered.
func (r *Registry) Lookup(provider string) Dock {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.docks[strings.ToLower(strings.TrimSpace(provider))]
}

// Unregister removes the dock for a provider.
func (r *Registry) Unregister(provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.docks, strings.ToLower(strings.TrimSpace(provider)))
}
