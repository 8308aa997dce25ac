package config

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/stateful/pkg/telemetry"
)

// StarlarkResult is the outcome of evaluating a script.
type StarlarkResult struct {
	// Output holds the script's public globals converted to Go values.
	Output map[string]interface{}

	ExecutionTime time.Duration

	// Error is the failure message, empty on success.
	Error string
}

// StarlarkEvaluator runs Starlark manifests with a time limit.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator. A zero timeout
// defaults to 30 seconds.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Evaluate executes script with input bound as predeclared globals. The
// script is cancelled when ctx ends or the timeout elapses.
func (se *StarlarkEvaluator) Evaluate(ctx context.Context, script string, input map[string]interface{}) (*StarlarkResult, error) {
	return se.EvaluateFile(ctx, "manifest.star", script, input)
}

// EvaluateFile is Evaluate with the file name used in error positions.
func (se *StarlarkEvaluator) EvaluateFile(ctx context.Context, filename, script string, input map[string]interface{}) (*StarlarkResult, error) {
	startTime := time.Now()
	logger := telemetry.FromContext(ctx).NewComponentLogger("starlark")

	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "stateful",
		Print: func(_ *starlark.Thread, msg string) {
			logger.WithField("file", filename).Debug(msg)
		},
	}

	type outcome struct {
		output map[string]interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := evaluate(thread, filename, script, input)
		done <- outcome{out, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-evalCtx.Done():
		thread.Cancel(evalCtx.Err().Error())
		<-done
		res.err = fmt.Errorf("starlark execution of %s stopped after %v: %w", filename, time.Since(startTime), evalCtx.Err())
	}

	result := &StarlarkResult{
		Output:        res.output,
		ExecutionTime: time.Since(startTime),
	}
	if res.err != nil {
		result.Error = res.err.Error()
		return result, res.err
	}
	return result, nil
}

func evaluate(thread *starlark.Thread, filename, script string, input map[string]interface{}) (map[string]interface{}, error) {
	predeclared := starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
	for key, val := range input {
		sv, err := ToStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert input %s: %w", key, err)
		}
		predeclared[key] = sv
	}

	globals, err := starlark.ExecFile(thread, filename, script, predeclared)
	if err != nil {
		return nil, fmt.Errorf("starlark execution failed: %w", err)
	}

	output := make(map[string]interface{}, len(globals))
	for name, val := range globals {
		if name == "" || name[0] == '_' {
			continue
		}
		switch val.(type) {
		case *starlark.Function, *starlark.Builtin:
			continue
		}
		goVal, err := FromStarlarkValue(val)
		if err != nil {
			return nil, fmt.Errorf("failed to convert output %s: %w", name, err)
		}
		output[name] = goVal
	}
	return output, nil
}

// ToStarlarkValue converts a Go value decoded from JSON, YAML or CUE to a
// Starlark value.
func ToStarlarkValue(v interface{}) (starlark.Value, error) {
	if v == nil {
		return starlark.None, nil
	}

	switch val := v.(type) {
	case bool:
		return starlark.Bool(val), nil
	case int:
		return starlark.MakeInt(val), nil
	case int64:
		return starlark.MakeInt64(val), nil
	case uint64:
		return starlark.MakeUint64(val), nil
	case float64:
		if val >= -1<<53 && val <= 1<<53 && val == math.Trunc(val) {
			return starlark.MakeInt64(int64(val)), nil
		}
		return starlark.Float(val), nil
	case string:
		return starlark.String(val), nil
	case []string:
		list := make([]starlark.Value, len(val))
		for i, s := range val {
			list[i] = starlark.String(s)
		}
		return starlark.NewList(list), nil
	case []interface{}:
		list := make([]starlark.Value, len(val))
		for i, item := range val {
			sv, err := ToStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = sv
		}
		return starlark.NewList(list), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		dict := starlark.NewDict(len(val))
		for _, k := range keys {
			sv, err := ToStarlarkValue(val[k])
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(k), sv); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// FromStarlarkValue converts a Starlark value to plain Go values suitable
// for JSON encoding.
func FromStarlarkValue(v starlark.Value) (interface{}, error) {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(val), nil
	case starlark.Int:
		i, ok := val.Int64()
		if !ok {
			return nil, fmt.Errorf("integer too large")
		}
		return i, nil
	case starlark.Float:
		return float64(val), nil
	case starlark.String:
		return string(val), nil
	case *starlark.List:
		list := make([]interface{}, val.Len())
		for i := 0; i < val.Len(); i++ {
			item, err := FromStarlarkValue(val.Index(i))
			if err != nil {
				return nil, err
			}
			list[i] = item
		}
		return list, nil
	case starlark.Tuple:
		list := make([]interface{}, len(val))
		for i, item := range val {
			goItem, err := FromStarlarkValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = goItem
		}
		return list, nil
	case *starlark.Dict:
		dict := make(map[string]interface{}, val.Len())
		for _, item := range val.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key must be string, got %s", item[0].Type())
			}
			value, err := FromStarlarkValue(item[1])
			if err != nil {
				return nil, err
			}
			dict[string(key)] = value
		}
		return dict, nil
	case *starlarkstruct.Struct:
		dict := make(map[string]interface{})
		for _, name := range val.AttrNames() {
			attr, err := val.Attr(name)
			if err != nil {
				continue
			}
			value, err := FromStarlarkValue(attr)
			if err != nil {
				return nil, err
			}
			dict[name] = value
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("unsupported starlark type: %s", v.Type())
	}
}
