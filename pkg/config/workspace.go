package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stateful/pkg/stores"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

// WorkspaceFile is the default workspace file name.
const WorkspaceFile = "stateful.yaml"

// HandlerKind selects how a handler is implemented.
type HandlerKind string

const (
	// HandlerScript is a Starlark script defining the step functions.
	HandlerScript HandlerKind = "script"

	// HandlerWASM is a WebAssembly module exporting the step functions.
	HandlerWASM HandlerKind = "wasm"
)

// HandlerConfig binds an entry type to a script or WASM handler.
type HandlerConfig struct {
	// Type is the entry type the handler serves.
	Type string `yaml:"type" json:"type" validate:"required"`

	Kind HandlerKind `yaml:"kind" json:"kind" validate:"required,oneof=script wasm"`

	// Path is the script or module file, relative to the workspace.
	Path string `yaml:"path" json:"path" validate:"required"`

	// Immutable lists parameter paths whose change forces a replace.
	Immutable []string `yaml:"immutable,omitempty" json:"immutable,omitempty"`

	// Ignore lists parameter paths excluded from diffs.
	Ignore []string `yaml:"ignore,omitempty" json:"ignore,omitempty"`
}

// PolicyConfig controls the plan policy gate.
type PolicyConfig struct {
	// Dir holds .rego and .json policies, relative to the workspace.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// Builtins enables the built-in policies.
	Builtins bool `yaml:"builtins" json:"builtins"`

	// MassDeletionThreshold is the number of deletions above which the
	// mass-deletion policy warns.
	MassDeletionThreshold int `yaml:"mass_deletion_threshold,omitempty" json:"mass_deletion_threshold,omitempty" validate:"gte=0"`

	// Disabled lists policy names to skip.
	Disabled []string `yaml:"disabled,omitempty" json:"disabled,omitempty"`
}

// Workspace is the stateful.yaml configuration.
type Workspace struct {
	// Name is the workspace name.
	Name string `yaml:"name" json:"name" validate:"required,max=64"`

	// Backend configures state storage.
	Backend stores.BackendConfig `yaml:"backend" json:"backend"`

	// Manifests are files or directories holding desired entries.
	Manifests []string `yaml:"manifests" json:"manifests" validate:"required,min=1,dive,required"`

	// Variables are bound as globals in Starlark manifests.
	Variables map[string]interface{} `yaml:"variables,omitempty" json:"variables,omitempty"`

	Policy PolicyConfig `yaml:"policy" json:"policy"`

	// Parallelism bounds concurrent steps within a level. 0 means
	// unbounded.
	Parallelism int `yaml:"parallelism" json:"parallelism" validate:"gte=0"`

	Handlers []HandlerConfig `yaml:"handlers,omitempty" json:"handlers,omitempty" validate:"dive"`

	Telemetry *telemetry.Config `yaml:"telemetry,omitempty" json:"telemetry,omitempty"`

	// Dir is the directory of the workspace file. Relative paths resolve
	// against it.
	Dir string `yaml:"-" json:"-"`
}

// DefaultWorkspace returns the workspace written by "stateful init".
func DefaultWorkspace(name string) *Workspace {
	return &Workspace{
		Name: name,
		Backend: stores.BackendConfig{
			Type: stores.BackendFile,
			Path: ".stateful/state.json",
		},
		Manifests: []string{"manifests"},
		Policy: PolicyConfig{
			Builtins:              true,
			MassDeletionThreshold: 10,
		},
		Telemetry: telemetry.DefaultConfig(),
		Dir:       ".",
	}
}

// LoadWorkspace reads and validates a workspace file. Unset telemetry
// settings take their defaults.
func LoadWorkspace(path string) (*Workspace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace %s: %w", path, err)
	}

	ws := &Workspace{Telemetry: telemetry.DefaultConfig()}
	if err := yaml.Unmarshal(data, ws); err != nil {
		return nil, fmt.Errorf("failed to parse workspace %s: %w", path, err)
	}
	ws.Dir = filepath.Dir(path)
	if ws.Backend.SSH != nil {
		ws.Backend.SSH.ApplyDefaults()
	}

	if err := ws.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workspace %s: %w", path, err)
	}
	return ws, nil
}

// Save writes the workspace to path as YAML.
func (w *Workspace) Save(path string) error {
	data, err := yaml.Marshal(w)
	if err != nil {
		return fmt.Errorf("failed to encode workspace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write workspace %s: %w", path, err)
	}
	return nil
}

var workspaceValidator = validator.New()

// Validate checks the workspace.
func (w *Workspace) Validate() error {
	if err := workspaceValidator.Struct(w); err != nil {
		return err
	}

	var errs []error
	if w.Backend.SSH != nil {
		if err := w.Backend.SSH.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("backend ssh: %w", err))
		}
	}

	seen := make(map[string]bool, len(w.Handlers))
	schemas := NewSchemaRegistry()
	for _, h := range w.Handlers {
		if seen[h.Type] {
			errs = append(errs, fmt.Errorf("duplicate handler for type %q", h.Type))
			continue
		}
		seen[h.Type] = true
		if err := schemas.ValidateHandler(context.Background(), h); err != nil {
			errs = append(errs, fmt.Errorf("handler %q: %w", h.Type, err))
		}
	}

	if w.Telemetry != nil {
		if err := w.Telemetry.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("telemetry: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Resolve returns path relative to the workspace directory. Absolute paths
// are returned unchanged.
func (w *Workspace) Resolve(path string) string {
	if path == "" || filepath.IsAbs(path) || w.Dir == "" {
		return path
	}
	return filepath.Join(w.Dir, path)
}

// ManifestPaths returns the manifest sources resolved against Dir.
func (w *Workspace) ManifestPaths() []string {
	out := make([]string, len(w.Manifests))
	for i, m := range w.Manifests {
		out[i] = w.Resolve(m)
	}
	return out
}

// BackendConfig returns the backend configuration with its path resolved.
// Remote sftp paths are left as written.
func (w *Workspace) BackendConfig() stores.BackendConfig {
	cfg := w.Backend
	if cfg.Type != stores.BackendSFTP {
		cfg.Path = w.Resolve(cfg.Path)
	}
	return cfg
}
