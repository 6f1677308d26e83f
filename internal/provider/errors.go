package provider

import (
	"fmt"
)

// ManifestNotFoundError occurs when manifest.yaml is not found in a directory.
type ManifestNotFoundError struct {
	Path string
	Err  error
}

func (e *ManifestNotFoundError) Error() string {
	return fmt.Sprintf("manifest not found at '%s': %v", e.Path, e.Err)
}

func (e *ManifestNotFoundError) Unwrap() error {
	return e.Err
}

// ManifestParseError occurs when manifest.yaml cannot be parsed as valid YAML.
type ManifestParseError struct {
	Path string
	Err  error
}

func (e *ManifestParseError) Error() string {
	return fmt.Sprintf("failed to parse manifest at '%s': %v", e.Path, e.Err)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// ManifestValidationError occurs when manifest.yaml fails validation.
type ManifestValidationError struct {
	Path    string
	Field   string
	Message string
}

func (e *ManifestValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("manifest validation failed at '%s': %s (field: %s)",
			e.Path, e.Message, e.Field)
	}
	return fmt.Sprintf("manifest validation failed at '%s': %s", e.Path, e.Message)
}

// WasmNotFoundError occurs when the Wasm file referenced in manifest doesn't exist.
type WasmNotFoundError struct {
	ManifestPath string
	WasmFile     string
}

func (e *WasmNotFoundError) Error() string {
	return fmt.Sprintf("Wasm file '%s' not found (referenced in manifest '%s')",
		e.WasmFile, e.ManifestPath)
}

// ProviderLoadError occurs when a provider's module fails to compile.
type ProviderLoadError struct {
	ProviderName string
	Err          error
}

func (e *ProviderLoadError) Error() string {
	return fmt.Sprintf("failed to load provider '%s': %v", e.ProviderName, e.Err)
}

func (e *ProviderLoadError) Unwrap() error {
	return e.Err
}

// ProviderNotFoundError occurs when a provider is not found in the registry.
type ProviderNotFoundError struct {
	ProviderName string
}

func (e *ProviderNotFoundError) Error() string {
	return fmt.Sprintf("provider '%s' not found", e.ProviderName)
}

// ProviderAlreadyRegisteredError occurs when attempting to register a duplicate provider.
type ProviderAlreadyRegisteredError struct {
	ProviderName string
}

func (e *ProviderAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("provider '%s' is already registered", e.ProviderName)
}

// NoProvidersFoundError occurs when no providers load from the configured
// paths. Err combines the failures of the directories that were tried.
type NoProvidersFoundError struct {
	Paths []string
	Err   error
}

func (e *NoProvidersFoundError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("no providers found in paths %v: %v", e.Paths, e.Err)
	}
	return fmt.Sprintf("no providers found in paths: %v", e.Paths)
}

func (e *NoProvidersFoundError) Unwrap() error {
	return e.Err
}
