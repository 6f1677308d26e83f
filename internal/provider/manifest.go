package provider

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/woxQAQ/fp-provider-runtime/internal/wasm"
)

// ManifestFile is the name of the manifest inside a provider directory.
const ManifestFile = "manifest.yaml"

// Manifest represents the provider manifest.yaml structure.
type Manifest struct {
	Name        string     `yaml:"name" validate:"required,max=64,excludesall=/" jsonschema:"description=Unique provider name"`
	Version     string     `yaml:"version" validate:"required,semver" jsonschema:"description=Semantic version of the provider"`
	Description string     `yaml:"description,omitempty"`
	Author      string     `yaml:"author,omitempty"`
	License     string     `yaml:"license,omitempty"`
	Protocol    string     `yaml:"protocol,omitempty" validate:"omitempty,oneof=auto 1 2" jsonschema:"enum=auto,enum=1,enum=2,default=auto,description=Calling convention generation"`
	Wasm        WasmConfig `yaml:"wasm"`

	// Internal fields
	dir string // Directory containing manifest
}

// WasmConfig holds Wasm module configuration.
type WasmConfig struct {
	File string `yaml:"file" validate:"required,endswith=.wasm" jsonschema:"description=Module path relative to the manifest"`
	Size int    `yaml:"size,omitempty" validate:"gte=0" jsonschema:"description=Expected module size in KB"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseManifest reads and parses manifest.yaml from a directory.
func ParseManifest(dir string) (*Manifest, error) {
	manifestPath := filepath.Join(dir, ManifestFile)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, &ManifestNotFoundError{
			Path: manifestPath,
			Err:  err,
		}
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, &ManifestParseError{
			Path: manifestPath,
			Err:  err,
		}
	}

	m.dir = dir

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks manifest fields and that the Wasm file exists.
func (m *Manifest) Validate() error {
	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return &ManifestValidationError{Path: m.Path(), Message: err.Error()}
		}
		fe := verrs[0]
		field := strings.TrimPrefix(fe.Namespace(), "Manifest.")
		return &ManifestValidationError{
			Path:    m.Path(),
			Field:   field,
			Message: validationMessage(field, fe),
		}
	}

	// Validate Wasm file exists
	info, err := os.Stat(m.WasmPath())
	if err != nil || info.IsDir() {
		return &WasmNotFoundError{
			ManifestPath: m.Path(),
			WasmFile:     m.Wasm.File,
		}
	}

	return nil
}

func validationMessage(field string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "semver":
		return fmt.Sprintf("%s '%v' is not a semantic version", field, fe.Value())
	default:
		return fmt.Sprintf("%s failed the '%s' check", field, fe.Tag())
	}
}

// Generation returns the calling convention the manifest declares.
// GenerationAuto means it is detected from the module's exports.
func (m *Manifest) Generation() wasm.Generation {
	switch m.Protocol {
	case "1":
		return wasm.Generation1
	case "2":
		return wasm.Generation2
	default:
		return wasm.GenerationAuto
	}
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return filepath.Join(m.dir, ManifestFile)
}

// WasmPath returns the path to the Wasm file.
func (m *Manifest) WasmPath() string {
	return filepath.Join(m.dir, m.Wasm.File)
}

// Dir returns the directory containing the manifest.
func (m *Manifest) Dir() string {
	return m.dir
}

// ManifestSchema returns the JSON Schema of manifest.yaml.
func ManifestSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		FieldNameTag:   "yaml",
		DoNotReference: true,
	}
	s := r.Reflect(&Manifest{})
	s.Title = "Provider manifest"
	return s
}
