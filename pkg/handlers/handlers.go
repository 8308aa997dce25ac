// Package handlers builds the handler registry of a workspace from its
// script and WASM handler definitions.
package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/stateful/pkg/config"
	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/handlers/script"
	"github.com/openfroyo/stateful/pkg/handlers/wasm"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

// CloseFunc releases handler resources.
type CloseFunc func(ctx context.Context) error

// Load compiles every handler the workspace declares and registers it under
// its entry type. Paths resolve against the workspace directory. On error
// handlers loaded so far are released.
func Load(ctx context.Context, ws *config.Workspace) (*engine.Registry, CloseFunc, error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("handlers")
	registry := engine.NewRegistry()

	var wasmHandlers []*wasm.Handler
	closeAll := func(ctx context.Context) error {
		var errs []error
		for _, h := range wasmHandlers {
			if err := h.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("handler %s: %w", h.Type(), err))
			}
		}
		return errors.Join(errs...)
	}

	for _, hc := range ws.Handlers {
		path := ws.Resolve(hc.Path)
		policy := engine.FieldPolicy{Immutable: hc.Immutable, Ignore: hc.Ignore}

		var handler engine.StepHandler
		switch hc.Kind {
		case config.HandlerScript:
			h, err := script.Load(ctx, hc.Type, path, script.WithFieldPolicy(policy))
			if err != nil {
				_ = closeAll(ctx)
				return nil, nil, fmt.Errorf("failed to load handler %q: %w", hc.Type, err)
			}
			handler = h
		case config.HandlerWASM:
			h, err := wasm.Load(ctx, hc.Type, path, wasm.WithFieldPolicy(policy))
			if err != nil {
				_ = closeAll(ctx)
				return nil, nil, fmt.Errorf("failed to load handler %q: %w", hc.Type, err)
			}
			wasmHandlers = append(wasmHandlers, h)
			handler = h
		default:
			_ = closeAll(ctx)
			return nil, nil, fmt.Errorf("handler %q: unsupported kind %q", hc.Type, hc.Kind)
		}

		if err := registry.Register(hc.Type, handler); err != nil {
			_ = closeAll(ctx)
			return nil, nil, err
		}

		logger.WithFields(map[string]interface{}{
			"type": hc.Type,
			"kind": hc.Kind,
			"path": path,
		}).Debug("handler loaded")
	}

	return registry, closeAll, nil
}
