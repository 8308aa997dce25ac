package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation. A schema registered
// under name is expected to define #name; data is unified with that
// definition, so unknown fields are rejected.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for name, src := range map[string]string{
		"Entry":   builtinEntrySchema,
		"Handler": builtinHandlerSchema,
	} {
		if err := sr.RegisterSchema(name, src); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	val := sr.ctx.CompileString(schema, cue.Filename(name+".cue"))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	if def := val.LookupPath(cue.MakePath(cue.Def(name))); def.Exists() {
		val = def
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ValidateEntry validates a manifest entry against the Entry schema.
func (sr *SchemaRegistry) ValidateEntry(ctx context.Context, entry ManifestEntry) error {
	return sr.ValidateAgainstSchema(ctx, "Entry", entry)
}

// ValidateHandler validates a handler definition against the Handler schema.
func (sr *SchemaRegistry) ValidateHandler(ctx context.Context, handler HandlerConfig) error {
	return sr.ValidateAgainstSchema(ctx, "Handler", handler)
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

const builtinEntrySchema = `
// Entry is one desired resource.
#Entry: {
	id:   string & !=""
	type: string & =~"^[A-Za-z0-9][A-Za-z0-9_.:/-]*$"

	// depends_on lists entry IDs this entry waits on.
	depends_on?: [...string & !=""]

	// parameters is handler-defined.
	parameters?: {...}
}
`

const builtinHandlerSchema = `
// Handler binds an entry type to a script or WASM module.
#Handler: {
	type: string & =~"^[A-Za-z0-9][A-Za-z0-9_.:/-]*$"
	kind: "script" | "wasm"
	path: string & !=""

	// immutable lists parameter paths whose change forces a replace.
	immutable?: [...string]

	// ignore lists parameter paths excluded from diffs.
	ignore?: [...string]
}
`
