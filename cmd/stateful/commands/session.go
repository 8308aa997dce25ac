package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/user"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/stateful/pkg/config"
	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/handlers"
	"github.com/openfroyo/stateful/pkg/policy"
	"github.com/openfroyo/stateful/pkg/stores"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

// session holds what a command needs from the workspace.
type session struct {
	ws       *config.Workspace
	tel      *telemetry.Telemetry
	backend  stores.Backend
	registry *engine.Registry

	closeHandlers handlers.CloseFunc
}

// openSession loads the workspace, sets up telemetry and opens the state
// backend. Handlers are loaded when withHandlers is set. The returned
// context carries the telemetry.
func openSession(ctx context.Context, withHandlers bool) (context.Context, *session, error) {
	ws, err := config.LoadWorkspace(configPath)
	if err != nil {
		return ctx, nil, err
	}

	tel, err := telemetry.NewTelemetryWithLogger(ws.Telemetry, telemetry.NewLoggerFrom(log.Logger))
	if err != nil {
		return ctx, nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	ctx = tel.WithContext(ctx)
	s := &session{ws: ws, tel: tel}

	s.backend, err = stores.Open(ctx, ws.BackendConfig())
	if err != nil {
		_ = s.Close(ctx)
		return ctx, nil, fmt.Errorf("failed to open %s backend: %w", ws.Backend.Type, err)
	}

	// Events are kept alongside run history when the backend can hold them.
	if store, ok := s.backend.(*stores.SQLiteStore); ok {
		tel.Events.Subscribe(store.EventSink(ctx), nil)
	}

	if withHandlers {
		s.registry, s.closeHandlers, err = handlers.Load(ctx, ws)
		if err != nil {
			_ = s.Close(ctx)
			return ctx, nil, err
		}
	}
	return ctx, s, nil
}

// Close releases handlers, the backend and telemetry.
func (s *session) Close(ctx context.Context) error {
	var errs []error
	if s.closeHandlers != nil {
		errs = append(errs, s.closeHandlers(ctx))
	}
	if s.backend != nil {
		errs = append(errs, s.backend.Close())
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	errs = append(errs, s.tel.Shutdown(shutdownCtx))
	return errors.Join(errs...)
}

// loadDesired reads the workspace manifests into the desired graph.
func (s *session) loadDesired(ctx context.Context) (engine.EntryStates, error) {
	loader := config.NewManifestLoader(config.WithVariables(s.ws.Variables))
	manifest, err := loader.Load(ctx, s.ws.ManifestPaths())
	if err != nil {
		return nil, err
	}

	logger := telemetry.FromContext(ctx)
	for _, problem := range manifest.Errors {
		if problem.Severity == config.SeverityWarning {
			logger.Warn(problem.Error())
		}
	}
	return manifest.EntryStates()
}

// policyGate builds the policy engine configured by the workspace.
func (s *session) policyGate(ctx context.Context, operation string) (*policy.Engine, error) {
	cfg := s.ws.Policy

	opts := []policy.Option{
		policy.WithDisabled(cfg.Disabled...),
		policy.WithPolicyContext(policy.PolicyContext{
			Workspace: s.ws.Name,
			Operation: operation,
			User:      currentUser(),
		}),
	}
	if !cfg.Builtins {
		opts = append(opts, policy.WithoutBuiltins())
	}
	if cfg.MassDeletionThreshold > 0 {
		opts = append(opts, policy.WithMassDeletionThreshold(cfg.MassDeletionThreshold))
	}

	gate, err := policy.NewEngine(ctx, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Dir != "" {
		if err := gate.LoadPolicies(ctx, []string{s.ws.Resolve(cfg.Dir)}); err != nil {
			return nil, err
		}
	}
	return gate, nil
}

// engines returns a planner and executor over the session's handlers.
func (s *session) engines(command string) (*engine.Planner, *engine.Executor) {
	return engine.NewPlanner(s.registry),
		engine.NewExecutor(s.registry,
			engine.WithParallelism(s.ws.Parallelism),
			engine.WithCommand(command))
}

// lockInfo describes this process as a lock holder.
func lockInfo(operation string) engine.LockInfo {
	return engine.LockInfo{
		ID:        uuid.NewString(),
		Owner:     currentUser(),
		Operation: operation,
		Created:   time.Now().UTC(),
	}
}

func currentUser() string {
	name := "unknown"
	if u, err := user.Current(); err == nil {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		return name
	}
	return name + "@" + host
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
