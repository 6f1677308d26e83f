package provider

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/woxQAQ/fp-provider-runtime/internal/wasm"
)

// writeProvider creates a provider directory holding manifest and, when
// withWasm is set, a placeholder provider.wasm.
func writeProvider(t *testing.T, manifest string, withWasm bool) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0644); err != nil {
		t.Fatal(err)
	}
	if withWasm {
		if err := os.WriteFile(filepath.Join(dir, "provider.wasm"), []byte("\x00asm"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestParseManifest_Valid(t *testing.T) {
	dir := filepath.Join("testdata", "providers", "schema")

	manifest, err := ParseManifest(dir)
	if err != nil {
		t.Fatalf("ParseManifest() failed: %v", err)
	}

	if manifest.Name != "schema" {
		t.Errorf("expected Name 'schema', got '%s'", manifest.Name)
	}
	if manifest.Version != "1.2.0" {
		t.Errorf("expected Version '1.2.0', got '%s'", manifest.Version)
	}
	if manifest.License != "MIT" {
		t.Errorf("expected License 'MIT', got '%s'", manifest.License)
	}
	if manifest.Generation() != wasm.GenerationAuto {
		t.Errorf("expected auto generation, got %s", manifest.Generation())
	}
	if manifest.WasmPath() != filepath.Join(dir, "provider.wasm") {
		t.Errorf("unexpected WasmPath %s", manifest.WasmPath())
	}
}

func TestParseManifest_Protocol(t *testing.T) {
	tests := map[string]wasm.Generation{
		"":                wasm.GenerationAuto,
		"protocol: auto":  wasm.GenerationAuto,
		"protocol: 1":     wasm.Generation1,
		`protocol: "2"`:   wasm.Generation2,
	}
	for line, want := range tests {
		dir := writeProvider(t, "name: p\nversion: 1.0.0\nwasm:\n  file: provider.wasm\n"+line+"\n", true)
		manifest, err := ParseManifest(dir)
		if err != nil {
			t.Fatalf("ParseManifest(%q) failed: %v", line, err)
		}
		if manifest.Generation() != want {
			t.Errorf("ParseManifest(%q) generation = %s, want %s", line, manifest.Generation(), want)
		}
	}
}

func TestParseManifest_NotFound(t *testing.T) {
	dir := filepath.Join("testdata", "providers", "nonexistent")

	_, err := ParseManifest(dir)
	if err == nil {
		t.Fatal("ParseManifest() should fail for nonexistent directory")
	}

	var notFound *ManifestNotFoundError
	if !errors.As(err, &notFound) {
		t.Errorf("expected ManifestNotFoundError, got %T", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("ManifestNotFoundError should unwrap to os.ErrNotExist")
	}
}

func TestParseManifest_InvalidYAML(t *testing.T) {
	dir := writeProvider(t, "name: [unterminated\n", true)

	_, err := ParseManifest(dir)
	var parseErr *ManifestParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ManifestParseError, got %v", err)
	}
}

func TestParseManifest_ValidationErrors(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		field    string
	}{
		{"missing name", "version: 1.0.0\nwasm:\n  file: provider.wasm\n", "name"},
		{"bad version", "name: p\nversion: latest\nwasm:\n  file: provider.wasm\n", "version"},
		{"bad protocol", "name: p\nversion: 1.0.0\nprotocol: 3\nwasm:\n  file: provider.wasm\n", "protocol"},
		{"missing wasm", "name: p\nversion: 1.0.0\n", "wasm.file"},
		{"not wasm", "name: p\nversion: 1.0.0\nwasm:\n  file: provider.so\n", "wasm.file"},
		{"slash in name", "name: a/b\nversion: 1.0.0\nwasm:\n  file: provider.wasm\n", "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest(writeProvider(t, tt.manifest, true))
			var validationErr *ManifestValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ManifestValidationError, got %v", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("expected Field '%s', got '%s'", tt.field, validationErr.Field)
			}
		})
	}
}

func TestParseManifest_WasmNotFound(t *testing.T) {
	dir := writeProvider(t, "name: p\nversion: 1.0.0\nwasm:\n  file: provider.wasm\n", false)

	_, err := ParseManifest(dir)
	var notFound *WasmNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected WasmNotFoundError, got %v", err)
	}
	if notFound.WasmFile != "provider.wasm" {
		t.Errorf("expected WasmFile 'provider.wasm', got '%s'", notFound.WasmFile)
	}
}

func TestManifestSchema(t *testing.T) {
	data, err := json.Marshal(ManifestSchema())
	if err != nil {
		t.Fatalf("Failed to marshal schema: %v", err)
	}

	var schema struct {
		Required   []string                   `json:"required"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatal(err)
	}

	for _, key := range []string{"name", "version", "protocol", "wasm"} {
		if _, ok := schema.Properties[key]; !ok {
			t.Errorf("schema is missing property %q", key)
		}
	}
	if _, ok := schema.Properties["dir"]; ok {
		t.Error("unexported fields must not appear in the schema")
	}

	required := make(map[string]bool)
	for _, key := range schema.Required {
		required[key] = true
	}
	if !required["name"] || !required["version"] || !required["wasm"] {
		t.Errorf("unexpected required set %v", schema.Required)
	}
	if required["protocol"] || required["description"] {
		t.Errorf("optional fields are required: %v", schema.Required)
	}
}
