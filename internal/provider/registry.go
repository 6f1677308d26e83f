package provider

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/fp-provider-runtime/internal/wasm"
)

// Registry manages loaded providers.
type Registry struct {
	sync.RWMutex
	providers    map[string]*Provider            // name -> provider
	byGeneration map[wasm.Generation][]*Provider // generation -> providers
	logger       *zap.Logger
}

// NewRegistry creates a new provider registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		providers:    make(map[string]*Provider),
		byGeneration: make(map[wasm.Generation][]*Provider),
		logger:       logger.With(zap.String("component", "provider-registry")),
	}
}

// Register adds a provider to the registry.
func (r *Registry) Register(p *Provider) error {
	r.Lock()
	defer r.Unlock()

	name := p.Name()
	if _, exists := r.providers[name]; exists {
		return &ProviderAlreadyRegisteredError{ProviderName: name}
	}

	r.providers[name] = p

	generation := p.Generation()
	r.byGeneration[generation] = append(r.byGeneration[generation], p)

	r.logger.Info("Provider registered",
		zap.String("name", name),
		zap.String("version", p.Version()),
		zap.Stringer("generation", generation),
	)

	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (*Provider, bool) {
	r.RLock()
	defer r.RUnlock()

	p, ok := r.providers[name]
	return p, ok
}

// LookupByGeneration finds providers built against generation g.
func (r *Registry) LookupByGeneration(g wasm.Generation) []*Provider {
	r.RLock()
	defer r.RUnlock()

	providers := r.byGeneration[g]
	result := make([]*Provider, len(providers))
	copy(result, providers)
	return result
}

// List returns all registered providers in name order.
func (r *Registry) List() []*Provider {
	r.RLock()
	defer r.RUnlock()

	result := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Unregister removes a provider from the registry.
func (r *Registry) Unregister(name string) {
	r.Lock()
	defer r.Unlock()

	p, ok := r.providers[name]
	if !ok {
		return
	}

	generation := p.Generation()
	providers := r.byGeneration[generation]
	for i, candidate := range providers {
		if candidate.Name() == name {
			r.byGeneration[generation] = append(providers[:i:i], providers[i+1:]...)
			break
		}
	}

	delete(r.providers, name)

	r.logger.Info("Provider unregistered", zap.String("name", name))
}

// Count returns the number of registered providers.
func (r *Registry) Count() int {
	r.RLock()
	defer r.RUnlock()

	return len(r.providers)
}
