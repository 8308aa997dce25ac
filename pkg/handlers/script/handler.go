package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	starjson "go.starlark.net/lib/json"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/stateful/pkg/config"
	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

// DefaultTimeout bounds each script call.
const DefaultTimeout = 5 * time.Minute

// Handler runs a Starlark script as an engine.StepHandler.
//
// The script defines create(entry, deps), update(entry, current, deps) and
// delete(current, deps). It may also define replace(entry, current, deps)
// and equals(candidate, current), and the globals immutable and ignore as
// lists of dotted parameter paths. Entries are passed as structs with id,
// type, dependencies, parameters and result fields; deps maps dependency
// IDs to entries. The value returned by create, update and replace becomes
// the entry's result.
type Handler struct {
	engine.FieldPolicy

	entryType string
	filename  string
	timeout   time.Duration

	create  starlark.Callable
	update  starlark.Callable
	replace starlark.Callable
	delete  starlark.Callable
	equals  starlark.Callable
}

var _ engine.StepHandler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout bounds each script call.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithFieldPolicy adds immutable and ignored paths to the ones the script
// declares.
func WithFieldPolicy(p engine.FieldPolicy) Option {
	return func(h *Handler) {
		h.Immutable = append(h.Immutable, p.Immutable...)
		h.Ignore = append(h.Ignore, p.Ignore...)
	}
}

// Load reads and compiles a handler script.
func Load(ctx context.Context, entryType, path string, opts ...Option) (*Handler, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read handler script: %w", err)
	}
	return New(ctx, entryType, path, src, opts...)
}

// New compiles a handler script. The script's top level runs once; its
// globals are frozen and shared by every call.
func New(ctx context.Context, entryType, filename string, src []byte, opts ...Option) (*Handler, error) {
	h := &Handler{
		entryType: entryType,
		filename:  filename,
		timeout:   DefaultTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}

	var globals starlark.StringDict
	err := h.run(ctx, "load", func(thread *starlark.Thread) error {
		var err error
		globals, err = starlark.ExecFile(thread, filename, src, predeclared())
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load handler %s: %w", filename, err)
	}
	globals.Freeze()

	required := map[string]*starlark.Callable{
		"create": &h.create,
		"update": &h.update,
		"delete": &h.delete,
	}
	optional := map[string]*starlark.Callable{
		"replace": &h.replace,
		"equals":  &h.equals,
	}
	for name, dst := range required {
		fn, err := callable(globals, name)
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", filename, err)
		}
		if fn == nil {
			return nil, fmt.Errorf("handler %s does not define %s", filename, name)
		}
		*dst = fn
	}
	for name, dst := range optional {
		fn, err := callable(globals, name)
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", filename, err)
		}
		*dst = fn
	}

	for name, dst := range map[string]*[]string{"immutable": &h.Immutable, "ignore": &h.Ignore} {
		paths, err := stringList(globals, name)
		if err != nil {
			return nil, fmt.Errorf("handler %s: %w", filename, err)
		}
		*dst = append(*dst, paths...)
	}
	sort.Strings(h.Immutable)
	sort.Strings(h.Ignore)

	return h, nil
}

func predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
		"json":   starjson.Module,
	}
}

func callable(globals starlark.StringDict, name string) (starlark.Callable, error) {
	v, ok := globals[name]
	if !ok {
		return nil, nil
	}
	fn, ok := v.(starlark.Callable)
	if !ok {
		return nil, fmt.Errorf("%s must be a function, got %s", name, v.Type())
	}
	return fn, nil
}

func stringList(globals starlark.StringDict, name string) ([]string, error) {
	v, ok := globals[name]
	if !ok {
		return nil, nil
	}
	goVal, err := config.FromStarlarkValue(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	items, ok := goVal.([]interface{})
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings, got %s", name, v.Type())
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be a list of strings, got element %v", name, item)
		}
		out = append(out, s)
	}
	return out, nil
}

// Type returns the entry type the handler serves.
func (h *Handler) Type() string {
	return h.entryType
}

// Equals uses the script's equals function when defined, and compares
// parameters and dependencies otherwise. A failing equals reports false.
func (h *Handler) Equals(candidate, current *engine.Entry) bool {
	if h.equals == nil {
		return h.FieldPolicy.Equals(candidate, current)
	}

	a, err := entryValue(candidate)
	if err != nil {
		return false
	}
	b, err := entryValue(current)
	if err != nil {
		return false
	}

	var out starlark.Value
	err = h.run(context.Background(), "equals", func(thread *starlark.Thread) error {
		var err error
		out, err = starlark.Call(thread, h.equals, starlark.Tuple{a, b}, nil)
		return err
	})
	if err != nil {
		return false
	}
	return bool(out.Truth())
}

// Create calls the script's create function.
func (h *Handler) Create(ctx context.Context, candidate *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	entry, err := entryValue(candidate)
	if err != nil {
		return nil, err
	}
	deps, err := depsValue(sc)
	if err != nil {
		return nil, err
	}
	return h.callResult(ctx, "create", h.create, entry, deps)
}

// Update calls the script's update function.
func (h *Handler) Update(ctx context.Context, candidate, current *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	entry, err := entryValue(candidate)
	if err != nil {
		return nil, err
	}
	cur, err := entryValue(current)
	if err != nil {
		return nil, err
	}
	deps, err := depsValue(sc)
	if err != nil {
		return nil, err
	}
	return h.callResult(ctx, "update", h.update, entry, cur, deps)
}

// Replace calls the script's replace function. Without one the executor
// creates the candidate and deletes the current resource afterwards.
func (h *Handler) Replace(ctx context.Context, candidate, current *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	if h.replace == nil {
		return nil, &engine.ReplaceResourceError{
			Type:        h.entryType,
			CandidateID: candidate.ID,
			CurrentID:   current.ID,
		}
	}

	entry, err := entryValue(candidate)
	if err != nil {
		return nil, err
	}
	cur, err := entryValue(current)
	if err != nil {
		return nil, err
	}
	deps, err := depsValue(sc)
	if err != nil {
		return nil, err
	}
	return h.callResult(ctx, "replace", h.replace, entry, cur, deps)
}

// Delete calls the script's delete function. Its return value is ignored.
func (h *Handler) Delete(ctx context.Context, current *engine.Entry, sc *engine.StepContext) error {
	cur, err := entryValue(current)
	if err != nil {
		return err
	}
	deps, err := depsValue(sc)
	if err != nil {
		return err
	}
	return h.run(ctx, "delete", func(thread *starlark.Thread) error {
		_, err := starlark.Call(thread, h.delete, starlark.Tuple{cur, deps}, nil)
		return err
	})
}

func (h *Handler) callResult(ctx context.Context, name string, fn starlark.Callable, args ...starlark.Value) (json.RawMessage, error) {
	var out starlark.Value
	err := h.run(ctx, name, func(thread *starlark.Thread) error {
		var err error
		out, err = starlark.Call(thread, fn, starlark.Tuple(args), nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == starlark.None {
		return nil, nil
	}

	goVal, err := config.FromStarlarkValue(out)
	if err != nil {
		return nil, fmt.Errorf("%s returned an unsupported value: %w", name, err)
	}
	raw, err := json.Marshal(goVal)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", name, err)
	}
	return raw, nil
}

// run executes fn on a fresh thread, cancelling it when ctx ends or the
// timeout elapses.
func (h *Handler) run(ctx context.Context, name string, fn func(*starlark.Thread) error) error {
	logger := telemetry.FromContext(ctx).NewComponentLogger("script-handler").WithFields(map[string]interface{}{
		"type":     h.entryType,
		"function": name,
	})

	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: h.entryType + "." + name,
		Print: func(_ *starlark.Thread, msg string) {
			logger.Info(msg)
		},
	}

	done := make(chan error, 1)
	go func() {
		done <- fn(thread)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", name, unwrapEval(err))
		}
		return nil
	case <-callCtx.Done():
		thread.Cancel(callCtx.Err().Error())
		<-done
		return fmt.Errorf("%s cancelled: %w", name, callCtx.Err())
	}
}

// unwrapEval keeps the Starlark backtrace in the message.
func unwrapEval(err error) error {
	var evalErr *starlark.EvalError
	if errors.As(err, &evalErr) {
		return errors.New(evalErr.Backtrace())
	}
	return err
}

func entryValue(e *engine.Entry) (starlark.Value, error) {
	if e == nil {
		return starlark.None, nil
	}

	params, err := rawValue(e.Parameters)
	if err != nil {
		return nil, fmt.Errorf("entry %s parameters: %w", e.ID, err)
	}
	result, err := rawValue(e.Result)
	if err != nil {
		return nil, fmt.Errorf("entry %s result: %w", e.ID, err)
	}
	if params == starlark.None {
		params = starlark.NewDict(0)
	}

	deps := make([]starlark.Value, len(e.Dependencies))
	for i, d := range e.Dependencies {
		deps[i] = starlark.String(d)
	}

	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"id":           starlark.String(e.ID),
		"type":         starlark.String(e.Type),
		"dependencies": starlark.NewList(deps),
		"parameters":   params,
		"result":       result,
	}), nil
}

func rawValue(raw json.RawMessage) (starlark.Value, error) {
	if len(raw) == 0 {
		return starlark.None, nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return config.ToStarlarkValue(v)
}

func depsValue(sc *engine.StepContext) (starlark.Value, error) {
	if sc == nil {
		return starlark.NewDict(0), nil
	}
	deps := sc.Dependencies()
	dict := starlark.NewDict(len(deps))
	for _, d := range deps {
		v, err := entryValue(d)
		if err != nil {
			return nil, err
		}
		if err := dict.SetKey(starlark.String(d.ID), v); err != nil {
			return nil, err
		}
	}
	return dict, nil
}
