// Package provider contains the cloud provider adapter factory and registry.
package provider

import (
	"fmt"
	"sync"

	"github.com/cloudarb/cloudarb/internal/domain"
)

// Factory implements the CloudProviderFactory pattern: it creates and
// caches one Adapter per provider using a pluggable creator function,
// registered by each provider sub-package's init().
type Factory struct {
	mu       sync.RWMutex
	adapters map[domain.CloudProvider]domain.Adapter
}

// AdapterCreator constructs a provider's Adapter.
type AdapterCreator func() (domain.Adapter, error)

var (
	globalFactory     *Factory
	globalFactoryOnce sync.Once
	creators          = make(map[domain.CloudProvider]AdapterCreator)
	creatorsMu        sync.RWMutex
)

// GetFactory returns the global factory instance (Singleton pattern).
func GetFactory() *Factory {
	globalFactoryOnce.Do(func() {
		globalFactory = &Factory{
			adapters: make(map[domain.CloudProvider]domain.Adapter),
		}
	})
	return globalFactory
}

// RegisterAdapterCreator registers a creator function for a cloud
// provider's pricing adapter. Called from each provider sub-package's
// init(), mirroring the reference tool's registration idiom.
func RegisterAdapterCreator(provider domain.CloudProvider, creator AdapterCreator) {
	creatorsMu.Lock()
	defer creatorsMu.Unlock()
	creators[provider] = creator
}

// CreateAdapter creates or returns a cached Adapter for the provider.
func (f *Factory) CreateAdapter(provider domain.CloudProvider) (domain.Adapter, error) {
	f.mu.RLock()
	if a, exists := f.adapters[provider]; exists {
		f.mu.RUnlock()
		return a, nil
	}
	f.mu.RUnlock()

	creatorsMu.RLock()
	creator, exists := creators[provider]
	creatorsMu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("provider %s has no registered adapter", provider)
	}

	a, err := creator()
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.adapters[provider] = a
	f.mu.Unlock()

	return a, nil
}

// AllAdapters returns every registered, already-created adapter, creating
// one for each provider that has a registered creator but hasn't been
// instantiated yet. Used by the aggregator to build its fan-out set.
func (f *Factory) AllAdapters() []domain.Adapter {
	creatorsMu.RLock()
	providers := make([]domain.CloudProvider, 0, len(creators))
	for p := range creators {
		providers = append(providers, p)
	}
	creatorsMu.RUnlock()

	out := make([]domain.Adapter, 0, len(providers))
	for _, p := range providers {
		a, err := f.CreateAdapter(p)
		if err != nil {
			continue
		}
		out = append(out, a)
	}
	return out
}

// GetSupportedProviders returns all registered cloud providers.
func (f *Factory) GetSupportedProviders() []domain.CloudProvider {
	creatorsMu.RLock()
	defer creatorsMu.RUnlock()

	providers := make([]domain.CloudProvider, 0, len(creators))
	for p := range creators {
		providers = append(providers, p)
	}
	return providers
}

// IsProviderSupported checks if a cloud provider is registered.
func (f *Factory) IsProviderSupported(provider domain.CloudProvider) bool {
	creatorsMu.RLock()
	defer creatorsMu.RUnlock()
	_, ok := creators[provider]
	return ok
}
