// Package telemetry provides observability instrumentation for the
// reconciliation engine.
//
// The package integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), metrics (Prometheus) and event publishing behind a
// single Telemetry value that travels on the context.
//
// # Usage
//
// Initialize telemetry at startup and attach it to the context:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	ctx = tel.WithContext(ctx)
//
// The executor brackets each apply run and each step:
//
//	ctx = telemetry.WithRunContext(ctx, runID, "deploy")
//	defer telemetry.EndRunContext(ctx, runID, status, err)
//
//	stepCtx := telemetry.WithStepContext(ctx, runID, entryID, entryType, "create")
//	telemetry.EndStepContext(stepCtx, runID, entryID, entryType, "create", "succeeded", nil)
//
// Both helpers are no-ops when no Telemetry is on the context, so library
// callers that never configure telemetry pay nothing.
//
// # Logging
//
// FromContext returns the most specific logger on the context. Run and step
// contexts carry run_id, entry_id and entry_type fields:
//
//	logger := telemetry.FromContext(ctx).NewComponentLogger("executor")
//	logger.WithError(err).Error("step failed")
//
// # Metrics
//
// Metrics are registered on a private registry. The metrics endpoint is only
// started by long-running commands such as plan --watch.
//
// # Events
//
// EventPublisher delivers run, step, policy and state events to subscribers.
// The CLI subscribes a recorder that writes events to the state store.
package telemetry
