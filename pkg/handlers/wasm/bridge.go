package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero/api"
)

// Exported function names. Each step function takes (ptr, len) of a JSON
// request in linear memory and returns (ptr << 32 | len) of a JSON response.
const (
	exportMalloc  = "malloc"
	exportFree    = "free"
	exportCreate  = "handler_create"
	exportUpdate  = "handler_update"
	exportReplace = "handler_replace"
	exportDelete  = "handler_delete"
)

// request is the JSON document passed to a step function.
type request struct {
	RunID        string                `json:"run_id,omitempty"`
	Action       string                `json:"action"`
	Entry        *wireEntry            `json:"entry,omitempty"`
	Current      *wireEntry            `json:"current,omitempty"`
	Dependencies map[string]*wireEntry `json:"dependencies,omitempty"`
}

type wireEntry struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// response is the JSON document a step function returns. An empty output
// is a success without a result.
type response struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// bridge calls JSON step functions of one module instance. Calls are
// serialised because the instance has a single linear memory.
type bridge struct {
	mu     sync.Mutex
	memory api.Memory
	malloc api.Function
	free   api.Function

	create  api.Function
	update  api.Function
	replace api.Function
	delete  api.Function
}

func newBridge(module api.Module) (*bridge, error) {
	b := &bridge{memory: module.Memory()}
	if b.memory == nil {
		return nil, fmt.Errorf("WASM module does not export memory")
	}

	required := []struct {
		name string
		dst  *api.Function
	}{
		{exportMalloc, &b.malloc},
		{exportFree, &b.free},
		{exportCreate, &b.create},
		{exportUpdate, &b.update},
		{exportDelete, &b.delete},
	}
	for _, r := range required {
		*r.dst = module.ExportedFunction(r.name)
		if *r.dst == nil {
			return nil, fmt.Errorf("WASM module does not export %s function", r.name)
		}
	}
	b.replace = module.ExportedFunction(exportReplace)

	return b, nil
}

// call marshals req, invokes fn and decodes its response.
func (b *bridge) call(ctx context.Context, name string, fn api.Function, req *request) (*response, error) {
	input, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	b.mu.Lock()
	output, err := b.callFunction(ctx, fn, input)
	b.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}

	var resp response
	if len(output) > 0 {
		if err := json.Unmarshal(output, &resp); err != nil {
			return nil, fmt.Errorf("%s returned invalid JSON: %w", name, err)
		}
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("%s: %s", name, resp.Error)
	}
	return &resp, nil
}

// callFunction writes input into guest memory, calls fn and copies the
// output out. Callers hold mu.
func (b *bridge) callFunction(ctx context.Context, fn api.Function, input []byte) ([]byte, error) {
	var inputPtr, inputLen uint32
	if len(input) > 0 {
		ptr, err := b.allocate(ctx, uint32(len(input)))
		if err != nil {
			return nil, fmt.Errorf("failed to allocate WASM memory: %w", err)
		}
		defer b.deallocate(ctx, ptr)

		inputPtr = ptr
		inputLen = uint32(len(input))
		if !b.memory.Write(inputPtr, input) {
			return nil, fmt.Errorf("failed to write input to WASM memory")
		}
	}

	results, err := fn.Call(ctx, uint64(inputPtr), uint64(inputLen))
	if err != nil {
		return nil, fmt.Errorf("WASM function call failed: %w", err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("WASM function returned no results")
	}

	packed := results[0]
	outputPtr := uint32(packed >> 32)
	outputLen := uint32(packed)
	if outputLen == 0 {
		return nil, nil
	}

	view, ok := b.memory.Read(outputPtr, outputLen)
	if !ok {
		return nil, fmt.Errorf("failed to read output from WASM memory")
	}
	// Read returns a view into guest memory; copy before freeing.
	output := append([]byte(nil), view...)
	b.deallocate(ctx, outputPtr)

	return output, nil
}

func (b *bridge) allocate(ctx context.Context, size uint32) (uint32, error) {
	results, err := b.malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc failed: %w", err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc returned no results")
	}

	ptr := uint32(results[0])
	if ptr == 0 {
		return 0, fmt.Errorf("malloc returned null pointer")
	}
	return ptr, nil
}

func (b *bridge) deallocate(ctx context.Context, ptr uint32) {
	_, _ = b.free.Call(ctx, uint64(ptr))
}
