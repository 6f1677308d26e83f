package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/woxQAQ/fp-provider-runtime/internal/wasm"
)

// Loader handles loading providers from disk.
type Loader struct {
	moduleLoader *wasm.ModuleLoader
	logger       *zap.Logger
}

// NewLoader creates a new provider loader.
func NewLoader(runtime *wasm.Runtime, logger *zap.Logger) *Loader {
	return &Loader{
		moduleLoader: wasm.NewModuleLoader(runtime, logger),
		logger:       logger.With(zap.String("component", "provider-loader")),
	}
}

// LoadProvider loads a single provider from a directory.
func (l *Loader) LoadProvider(ctx context.Context, dir string) (*Provider, error) {
	manifest, err := ParseManifest(dir)
	if err != nil {
		return nil, err
	}

	l.logger.Info("Loading provider",
		zap.String("name", manifest.Name),
		zap.String("version", manifest.Version),
		zap.Stringer("protocol", manifest.Generation()),
	)

	// Compile Wasm module (uses internal caching)
	compiled, err := l.moduleLoader.LoadModuleFromFile(ctx, manifest.WasmPath())
	if err != nil {
		return nil, &ProviderLoadError{
			ProviderName: manifest.Name,
			Err:          err,
		}
	}

	p := &Provider{
		Manifest: manifest,
		Compiled: compiled,
		LoadedAt: time.Now(),
	}

	l.logger.Info("Provider loaded successfully",
		zap.String("name", manifest.Name),
		zap.Int64("size_bytes", compiled.SizeBytes),
		zap.Stringer("generation", p.Generation()),
	)

	return p, nil
}

// DiscoverProviders scans paths for provider directories. Providers that
// fail to load do not stop the scan: the loaded ones are returned together
// with the combined failures. When nothing loads the error is a
// NoProvidersFoundError.
func (l *Loader) DiscoverProviders(ctx context.Context, paths []string) ([]*Provider, error) {
	var providers []*Provider
	var errs error

	for _, basePath := range paths {
		l.logger.Debug("Scanning provider directory", zap.String("path", basePath))

		entries, err := os.ReadDir(basePath)
		if err != nil {
			if os.IsNotExist(err) {
				l.logger.Warn("Provider path does not exist", zap.String("path", basePath))
				continue
			}
			return nil, fmt.Errorf("failed to read directory '%s': %w", basePath, err)
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			dir := filepath.Join(basePath, entry.Name())
			p, err := l.LoadProvider(ctx, dir)
			if err != nil {
				l.logger.Error("Failed to load provider",
					zap.String("dir", dir),
					zap.Error(err),
				)
				errs = multierr.Append(errs, err)
				continue
			}

			providers = append(providers, p)
		}
	}

	if len(providers) == 0 {
		return nil, &NoProvidersFoundError{Paths: paths, Err: errs}
	}

	if errs != nil {
		l.logger.Warn("Some providers failed to load",
			zap.Int("loaded", len(providers)),
			zap.Int("failed", len(multierr.Errors(errs))),
		)
	}

	return providers, errs
}
