// Package provider discovers provider directories, compiles their modules
// and creates instances of them.
package provider

import (
	"time"

	"github.com/woxQAQ/fp-provider-runtime/internal/wasm"
)

// Provider represents a loaded provider with its manifest and compiled Wasm module.
type Provider struct {
	// Manifest is the parsed provider metadata
	Manifest *Manifest

	// Compiled is the compiled Wasm module
	Compiled *wasm.CompiledModule

	// LoadedAt is the timestamp when the provider was loaded
	LoadedAt time.Time
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return p.Manifest.Name
}

// Version returns the provider version.
func (p *Provider) Version() string {
	return p.Manifest.Version
}

// Capabilities returns the operations the provider offers, under the
// generation its manifest declares.
func (p *Provider) Capabilities() wasm.Capabilities {
	return p.Compiled.Capabilities.WithGeneration(p.Manifest.Generation())
}

// Generation returns the effective calling convention generation.
func (p *Provider) Generation() wasm.Generation {
	return p.Capabilities().Generation
}

// Supports reports whether the provider offers op.
func (p *Provider) Supports(op wasm.Operation) bool {
	return p.Capabilities().Has(op)
}
