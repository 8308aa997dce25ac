package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

// Manifest file extensions understood by ManifestLoader.
var manifestExtensions = map[string]bool{
	".cue":  true,
	".yaml": true,
	".yml":  true,
	".json": true,
	".star": true,
}

// IsManifestFile reports whether path has a manifest extension.
func IsManifestFile(path string) bool {
	return manifestExtensions[strings.ToLower(filepath.Ext(path))]
}

// ManifestLoader reads desired entries from CUE, YAML, JSON and Starlark
// files. Every format carries a top-level "entries" field holding either a
// list of entries or a map keyed by entry ID.
type ManifestLoader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	starlark  *StarlarkEvaluator
	validator *validator.Validate
	vars      map[string]interface{}
}

// ManifestOption configures a ManifestLoader.
type ManifestOption func(*ManifestLoader)

// WithVariables binds vars as predeclared globals in Starlark manifests.
func WithVariables(vars map[string]interface{}) ManifestOption {
	return func(ml *ManifestLoader) {
		ml.vars = vars
	}
}

// WithStarlarkTimeout bounds the run time of each Starlark manifest.
func WithStarlarkTimeout(d time.Duration) ManifestOption {
	return func(ml *ManifestLoader) {
		ml.starlark = NewStarlarkEvaluator(d)
	}
}

// NewManifestLoader creates a manifest loader.
func NewManifestLoader(opts ...ManifestOption) *ManifestLoader {
	ml := &ManifestLoader{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		starlark:  NewStarlarkEvaluator(30 * time.Second),
		validator: validator.New(),
	}
	for _, opt := range opts {
		opt(ml)
	}
	return ml
}

// LoadManifest loads sources and returns the desired graph. Problems in
// the manifests are returned as ValidationErrors.
func LoadManifest(ctx context.Context, sources ...string) (engine.EntryStates, error) {
	m, err := NewManifestLoader().Load(ctx, sources)
	if err != nil {
		return nil, err
	}
	return m.EntryStates()
}

// located is an entry with the position it was read from.
type located struct {
	entry  ManifestEntry
	key    string
	path   string
	file   string
	line   int
	column int
}

func (l located) problem(msg string) ValidationError {
	return ValidationError{
		File:     l.file,
		Line:     l.line,
		Column:   l.column,
		Path:     l.path,
		Message:  msg,
		Severity: SeverityError,
	}
}

// Load reads every source. Directories are walked for manifest files. The
// returned error is non-nil only for I/O failures; problems in the files
// are reported in Manifest.Errors.
func (ml *ManifestLoader) Load(ctx context.Context, sources []string) (*Manifest, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no manifest sources provided")
	}
	logger := telemetry.FromContext(ctx).NewComponentLogger("manifest")

	files, err := expandSources(sources)
	if err != nil {
		return nil, err
	}

	m := &Manifest{SourceFiles: files, LoadedAt: time.Now()}
	var found []located
	var cueFiles []string
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch strings.ToLower(filepath.Ext(file)) {
		case ".cue":
			cueFiles = append(cueFiles, file)
		case ".yaml", ".yml", ".json":
			entries, problems, err := ml.loadYAML(file)
			if err != nil {
				return nil, err
			}
			found = append(found, entries...)
			m.Errors = append(m.Errors, problems...)
		case ".star":
			entries, problems, err := ml.loadStarlark(ctx, file)
			if err != nil {
				return nil, err
			}
			found = append(found, entries...)
			m.Errors = append(m.Errors, problems...)
		}
	}
	if len(cueFiles) > 0 {
		entries, problems := ml.loadCUE(cueFiles)
		found = append(found, entries...)
		m.Errors = append(m.Errors, problems...)
	}

	m.Entries, m.Errors = ml.check(ctx, found, m.Errors)

	logger.WithFields(map[string]interface{}{
		"files":   len(files),
		"entries": len(m.Entries),
		"errors":  len(m.Errors),
	}).Debug("manifest loaded")
	return m, nil
}

// expandSources resolves directories into the manifest files they contain.
func expandSources(sources []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(path string) {
		if !seen[path] {
			seen[path] = true
			files = append(files, path)
		}
	}

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}
		if !info.IsDir() {
			add(source)
			continue
		}

		err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != source && (strings.HasPrefix(d.Name(), ".") || d.Name() == "cue.mod") {
					return filepath.SkipDir
				}
				return nil
			}
			if IsManifestFile(path) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to walk directory %s: %w", source, err)
		}
	}
	return files, nil
}

// loadCUE builds the CUE files of each directory as one instance, so that
// files may share definitions, and unifies the instances.
func (ml *ManifestLoader) loadCUE(files []string) ([]located, []ValidationError) {
	var dirs []string
	byDir := make(map[string][]string)
	for _, f := range files {
		dir := filepath.Dir(f)
		if _, ok := byDir[dir]; !ok {
			dirs = append(dirs, dir)
		}
		byDir[dir] = append(byDir[dir], f)
	}

	var val cue.Value
	for _, dir := range dirs {
		instances := load.Instances(byDir[dir], nil)
		if len(instances) == 0 {
			return nil, []ValidationError{{
				File:     dir,
				Message:  "no CUE instances found",
				Severity: SeverityError,
			}}
		}
		inst := instances[0]
		if inst.Err != nil {
			return nil, convertCUEErrors(inst.Err)
		}
		v := ml.ctx.BuildInstance(inst)
		if err := v.Err(); err != nil {
			return nil, convertCUEErrors(err)
		}
		if val.Exists() {
			val = val.Unify(v)
		} else {
			val = v
		}
	}
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	entriesVal := val.LookupPath(cue.ParsePath("entries"))
	if !entriesVal.Exists() {
		return nil, nil
	}

	var out []located
	var problems []ValidationError
	decode := func(key, path string, v cue.Value) {
		l := located{key: key, path: path}
		if pos := v.Pos(); pos.IsValid() {
			l.file, l.line, l.column = pos.Filename(), pos.Line(), pos.Column()
		}
		if err := v.Decode(&l.entry); err != nil {
			for _, p := range convertCUEErrors(err) {
				if p.Path == "" {
					p.Path = path
				}
				problems = append(problems, p)
			}
			return
		}
		l.entry.Source = l.file
		out = append(out, l)
	}

	switch entriesVal.IncompleteKind() {
	case cue.StructKind:
		iter, err := entriesVal.Fields()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for iter.Next() {
			key := iter.Selector().Unquoted()
			decode(key, "entries."+key, iter.Value())
		}
	case cue.ListKind:
		list, err := entriesVal.List()
		if err != nil {
			return nil, convertCUEErrors(err)
		}
		for i := 0; list.Next(); i++ {
			decode("", fmt.Sprintf("entries[%d]", i), list.Value())
		}
	default:
		problems = append(problems, ValidationError{
			File:     files[0],
			Path:     "entries",
			Message:  "entries must be a list or a struct",
			Severity: SeverityError,
		})
	}
	return out, problems
}

// loadYAML reads a YAML or JSON manifest. Each document in a YAML stream
// may carry its own entries.
func (ml *ManifestLoader) loadYAML(file string) ([]located, []ValidationError, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest %s: %w", file, err)
	}

	var out []located
	var problems []ValidationError
	dec := yaml.NewDecoder(bytes.NewReader(data))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			problems = append(problems, ValidationError{
				File:     file,
				Message:  err.Error(),
				Severity: SeverityError,
			})
			break
		}
		if len(doc.Content) == 0 {
			continue
		}
		root := doc.Content[0]
		if root.Kind != yaml.MappingNode {
			problems = append(problems, nodeProblem(file, "", root, "manifest must be a mapping"))
			continue
		}

		for i := 0; i+1 < len(root.Content); i += 2 {
			key, value := root.Content[i], root.Content[i+1]
			if key.Value != "entries" {
				p := nodeProblem(file, key.Value, key, "unknown top-level field")
				p.Severity = SeverityWarning
				problems = append(problems, p)
				continue
			}
			entries, entryProblems := decodeYAMLEntries(file, value)
			out = append(out, entries...)
			problems = append(problems, entryProblems...)
		}
	}
	return out, problems, nil
}

func decodeYAMLEntries(file string, node *yaml.Node) ([]located, []ValidationError) {
	var out []located
	var problems []ValidationError
	decode := func(key, path string, n *yaml.Node) {
		l := located{key: key, path: path, file: file, line: n.Line, column: n.Column}
		if err := n.Decode(&l.entry); err != nil {
			problems = append(problems, nodeProblem(file, path, n, err.Error()))
			return
		}
		l.entry.Source = file
		out = append(out, l)
	}

	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			decode(key, "entries."+key, node.Content[i+1])
		}
	case yaml.SequenceNode:
		for i, n := range node.Content {
			decode("", fmt.Sprintf("entries[%d]", i), n)
		}
	default:
		problems = append(problems, nodeProblem(file, "entries", node, "entries must be a list or a mapping"))
	}
	return out, problems
}

func nodeProblem(file, path string, n *yaml.Node, msg string) ValidationError {
	return ValidationError{
		File:     file,
		Line:     n.Line,
		Column:   n.Column,
		Path:     path,
		Message:  msg,
		Severity: SeverityError,
	}
}

// loadStarlark runs a Starlark manifest and reads its entries global.
func (ml *ManifestLoader) loadStarlark(ctx context.Context, file string) ([]located, []ValidationError, error) {
	script, err := os.ReadFile(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read manifest %s: %w", file, err)
	}

	result, err := ml.starlark.EvaluateFile(ctx, file, string(script), ml.vars)
	if err != nil {
		return nil, []ValidationError{{File: file, Message: err.Error(), Severity: SeverityError}}, nil
	}

	raw, ok := result.Output["entries"]
	if !ok {
		return nil, nil, nil
	}

	var out []located
	var problems []ValidationError
	decode := func(key, path string, v interface{}) {
		l := located{key: key, path: path, file: file}
		if err := remarshal(v, &l.entry); err != nil {
			problems = append(problems, l.problem(err.Error()))
			return
		}
		l.entry.Source = file
		out = append(out, l)
	}

	switch v := raw.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			decode(k, "entries."+k, v[k])
		}
	case []interface{}:
		for i, item := range v {
			decode("", fmt.Sprintf("entries[%d]", i), item)
		}
	default:
		problems = append(problems, ValidationError{
			File:     file,
			Path:     "entries",
			Message:  fmt.Sprintf("entries must be a list or a dict, got %T", raw),
			Severity: SeverityError,
		})
	}
	return out, problems, nil
}

func remarshal(in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// check fills IDs from map keys, validates each entry and looks for
// duplicate IDs and unresolved dependencies.
func (ml *ManifestLoader) check(ctx context.Context, found []located, problems []ValidationError) ([]ManifestEntry, []ValidationError) {
	entries := make([]ManifestEntry, 0, len(found))
	byID := make(map[string]located, len(found))

	for _, l := range found {
		if l.key != "" {
			if l.entry.ID == "" {
				l.entry.ID = l.key
			} else if l.entry.ID != l.key {
				problems = append(problems, l.problem(fmt.Sprintf("id %q does not match key %q", l.entry.ID, l.key)))
				continue
			}
		}
		if err := ml.validator.Struct(l.entry); err != nil {
			problems = append(problems, l.problem(fmt.Sprintf("validation failed: %v", err)))
			continue
		}
		if err := ml.schemas.ValidateEntry(ctx, l.entry); err != nil {
			problems = append(problems, l.problem(err.Error()))
			continue
		}
		if prev, dup := byID[l.entry.ID]; dup {
			problems = append(problems, l.problem(fmt.Sprintf("duplicate entry ID %q, first defined in %s", l.entry.ID, prev.file)))
			continue
		}
		byID[l.entry.ID] = l
		entries = append(entries, l.entry)
	}

	for _, e := range entries {
		for _, dep := range e.DependsOn {
			if _, ok := byID[dep]; !ok {
				problems = append(problems, byID[e.ID].problem(fmt.Sprintf("depends on unknown entry %q", dep)))
			}
		}
	}
	return entries, problems
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var out []ValidationError
	for _, e := range cueerrors.Errors(err) {
		ve := ValidationError{
			Message:  cueerrors.Details(e, nil),
			Severity: SeverityError,
		}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		if p := e.Path(); len(p) > 0 {
			ve.Path = strings.Join(p, ".")
		}
		out = append(out, ve)
	}
	return out
}
