package wasm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

const (
	// DefaultTimeout bounds each step function call.
	DefaultTimeout = 5 * time.Minute

	// DefaultMemoryLimitPages caps guest memory at 16MB.
	DefaultMemoryLimitPages = 256
)

// Handler runs a WebAssembly module as an engine.StepHandler.
//
// The module exports memory, malloc(size) and free(ptr), plus
// handler_create, handler_update and handler_delete. handler_replace is
// optional. Step functions receive a JSON request of the form
//
//	{"action": "update", "run_id": "...", "entry": {...}, "current": {...},
//	 "dependencies": {"network": {...}}}
//
// and return {"result": ...} or {"error": "..."}. The module may import
// env.log(ptr, len) to write a message to the step log.
type Handler struct {
	engine.FieldPolicy

	entryType   string
	timeout     time.Duration
	memoryPages uint32

	runtime wazero.Runtime
	module  api.Module
	bridge  *bridge
}

var _ engine.StepHandler = (*Handler)(nil)

// Option configures a Handler.
type Option func(*Handler)

// WithTimeout bounds each step function call.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithMemoryLimitPages caps guest memory in 64KB pages.
func WithMemoryLimitPages(pages uint32) Option {
	return func(h *Handler) {
		if pages > 0 {
			h.memoryPages = pages
		}
	}
}

// WithFieldPolicy sets the immutable and ignored parameter paths.
func WithFieldPolicy(p engine.FieldPolicy) Option {
	return func(h *Handler) {
		h.Immutable = append(h.Immutable, p.Immutable...)
		h.Ignore = append(h.Ignore, p.Ignore...)
	}
}

// Load reads and instantiates a handler module.
func Load(ctx context.Context, entryType, path string, opts ...Option) (*Handler, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read handler module: %w", err)
	}
	return New(ctx, entryType, code, opts...)
}

// New instantiates a handler module. Close releases it.
func New(ctx context.Context, entryType string, code []byte, opts ...Option) (*Handler, error) {
	h := &Handler{
		entryType:   entryType,
		timeout:     DefaultTimeout,
		memoryPages: DefaultMemoryLimitPages,
	}
	for _, opt := range opts {
		opt(h)
	}

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(h.memoryPages).
		WithCloseOnContextDone(true)
	h.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, h.runtime); err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASI: %w", err)
	}

	_, err := h.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().
		WithFunc(h.hostLog).
		Export("log").
		Instantiate(ctx)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate host module: %w", err)
	}

	// The instance outlives ctx; only calls are bound to a context.
	h.module, err = h.runtime.InstantiateWithConfig(context.WithoutCancel(ctx), code,
		wazero.NewModuleConfig().WithName(entryType).WithStartFunctions("_initialize"))
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("failed to instantiate WASM module: %w", err)
	}

	h.bridge, err = newBridge(h.module)
	if err != nil {
		h.runtime.Close(ctx)
		return nil, fmt.Errorf("handler %s: %w", entryType, err)
	}

	return h, nil
}

// hostLog implements env.log.
func (h *Handler) hostLog(ctx context.Context, mod api.Module, ptr, length uint32) {
	msg, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	telemetry.FromContext(ctx).NewComponentLogger("wasm-handler").
		WithField("type", h.entryType).
		Info(string(msg))
}

// Close releases the runtime and module.
func (h *Handler) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Type returns the entry type the handler serves.
func (h *Handler) Type() string {
	return h.entryType
}

// Create calls handler_create.
func (h *Handler) Create(ctx context.Context, candidate *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	resp, err := h.invoke(ctx, exportCreate, h.bridge.create, newRequest(engine.ActionCreate, candidate, nil, sc))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Update calls handler_update.
func (h *Handler) Update(ctx context.Context, candidate, current *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	resp, err := h.invoke(ctx, exportUpdate, h.bridge.update, newRequest(engine.ActionUpdate, candidate, current, sc))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Replace calls handler_replace. Modules without it get create-then-delete
// replacement from the executor.
func (h *Handler) Replace(ctx context.Context, candidate, current *engine.Entry, sc *engine.StepContext) (json.RawMessage, error) {
	if h.bridge.replace == nil {
		return nil, &engine.ReplaceResourceError{
			Type:        h.entryType,
			CandidateID: candidate.ID,
			CurrentID:   current.ID,
		}
	}
	resp, err := h.invoke(ctx, exportReplace, h.bridge.replace, newRequest(engine.ActionReplace, candidate, current, sc))
	if err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// Delete calls handler_delete.
func (h *Handler) Delete(ctx context.Context, current *engine.Entry, sc *engine.StepContext) error {
	_, err := h.invoke(ctx, exportDelete, h.bridge.delete, newRequest(engine.ActionDelete, nil, current, sc))
	return err
}

func (h *Handler) invoke(ctx context.Context, name string, fn api.Function, req *request) (*response, error) {
	callCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	resp, err := h.bridge.call(callCtx, name, fn, req)
	if err != nil {
		if callCtx.Err() != nil {
			return nil, fmt.Errorf("%s cancelled: %w", name, callCtx.Err())
		}
		return nil, err
	}
	return resp, nil
}

func newRequest(action engine.Action, candidate, current *engine.Entry, sc *engine.StepContext) *request {
	req := &request{
		Action:  string(action),
		Entry:   toWire(candidate),
		Current: toWire(current),
	}
	if sc != nil {
		req.RunID = sc.RunID
		deps := sc.Dependencies()
		if len(deps) > 0 {
			req.Dependencies = make(map[string]*wireEntry, len(deps))
			for _, d := range deps {
				req.Dependencies[d.ID] = toWire(d)
			}
		}
	}
	return req
}

func toWire(e *engine.Entry) *wireEntry {
	if e == nil {
		return nil
	}
	return &wireEntry{
		ID:           e.ID,
		Type:         e.Type,
		Dependencies: e.Dependencies,
		Parameters:   e.Parameters,
		Result:       e.Result,
	}
}
