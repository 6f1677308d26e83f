package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/woxQAQ/fp-provider-runtime/api/abi"
	"github.com/woxQAQ/fp-provider-runtime/internal/config"
	"github.com/woxQAQ/fp-provider-runtime/internal/wasm"
)

// Manager manages provider lifecycle.
type Manager struct {
	cfg         *config.Config
	runtime     *wasm.Runtime
	loader      *Loader
	registry    *Registry
	instanceMgr *wasm.InstanceManager
	logger      *zap.Logger

	mu     sync.RWMutex
	loaded bool
}

// NewManager creates a new provider manager. host serves the imports of
// every instance the manager creates.
func NewManager(
	cfg *config.Config,
	runtime *wasm.Runtime,
	host abi.Host,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:         cfg,
		runtime:     runtime,
		loader:      NewLoader(runtime, logger),
		registry:    NewRegistry(logger),
		instanceMgr: wasm.NewInstanceManager(runtime, host, logger),
		logger:      logger.With(zap.String("component", "provider-manager")),
	}
}

// LoadAll discovers and loads all providers from configured paths. Finding
// no provider is not an error.
func (m *Manager) LoadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return fmt.Errorf("providers already loaded")
	}

	m.logger.Info("Loading providers",
		zap.Strings("paths", m.cfg.ProviderPaths),
	)

	providers, err := m.loader.DiscoverProviders(ctx, m.cfg.ProviderPaths)
	if err != nil {
		var notFound *NoProvidersFoundError
		if errors.As(err, &notFound) {
			m.logger.Warn("No providers found in configured paths",
				zap.Strings("paths", m.cfg.ProviderPaths),
				zap.Error(notFound.Err),
			)
			m.loaded = true
			return nil
		}
		if len(providers) == 0 {
			return err
		}
	}

	for _, p := range providers {
		if err := m.registry.Register(p); err != nil {
			m.logger.Error("Failed to register provider",
				zap.String("name", p.Name()),
				zap.Error(err),
			)
			continue
		}
	}

	m.loaded = true

	m.logger.Info("Providers loaded successfully",
		zap.Int("count", m.registry.Count()),
	)

	return nil
}

// LoadProvider loads and registers the provider in dir.
func (m *Manager) LoadProvider(ctx context.Context, dir string) (*Provider, error) {
	p, err := m.loader.LoadProvider(ctx, dir)
	if err != nil {
		return nil, err
	}
	if err := m.registry.Register(p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProvider retrieves a provider by name.
func (m *Manager) GetProvider(name string) (*Provider, error) {
	p, ok := m.registry.Get(name)
	if !ok {
		return nil, &ProviderNotFoundError{ProviderName: name}
	}
	return p, nil
}

// Instantiate creates a new instance of a provider.
func (m *Manager) Instantiate(ctx context.Context, name string) (*wasm.Instance, error) {
	p, err := m.GetProvider(name)
	if err != nil {
		return nil, err
	}

	return m.instanceMgr.Instantiate(ctx, &wasm.InstanceConfig{
		ModuleName: p.Compiled.Name,
		// InstanceID will be auto-generated
		Generation:  p.Manifest.Generation(),
		CallTimeout: m.cfg.CallTimeout(),
	})
}

// Replace closes inst, typically after it failed with a RuntimeError, and
// returns a fresh instance of the same provider.
func (m *Manager) Replace(ctx context.Context, name string, inst *wasm.Instance) (*wasm.Instance, error) {
	if inst != nil {
		m.logger.Info("Replacing instance",
			zap.String("name", name),
			zap.String("instance_id", inst.ID),
			zap.Error(inst.Err()),
		)
		if err := inst.Close(ctx); err != nil {
			m.logger.Warn("Failed to close instance",
				zap.String("instance_id", inst.ID),
				zap.Error(err),
			)
		}
	}
	return m.Instantiate(ctx, name)
}

// Shutdown closes every instance and the runtime.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down provider manager")

	// Runtime close handles instance cleanup
	if err := m.runtime.Close(ctx); err != nil {
		m.logger.Error("Failed to shutdown runtime", zap.Error(err))
		return err
	}

	m.logger.Info("Provider manager shutdown complete")
	return nil
}

// Registry returns the provider registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// IsLoaded returns whether providers have been loaded.
func (m *Manager) IsLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}
