// Package research defines the interface and implementations for prospect
// research providers.
package research

import (
	"context"
	"sync"

	"github.com/donorpath/prospect-cli/internal/model"
)

// Provider defines the interface for external research sources.
type Provider interface {
	// Name returns the provider identifier (matches provider name in pipeline config).
	Name() string
	// Research runs one research query for a prospect and returns the raw result.
	Research(ctx context.Context, input Input) (*model.ProviderResult, error)
}

// Registry manages available research providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name, or nil if not found.
func (r *Registry) Get(name string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
