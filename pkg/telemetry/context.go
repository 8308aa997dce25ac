package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles logging, tracing, metrics and events.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return NewTelemetryWithLogger(cfg, logger)
}

// NewTelemetryWithLogger is like NewTelemetry but uses an existing logger.
func NewTelemetryWithLogger(cfg *Config, logger *Logger) (*Telemetry, error) {
	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment)
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromTelemetryContext retrieves the telemetry instance from the context.
func FromTelemetryContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return nil
}

// Shutdown drains events and flushes traces.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
}

type runSpanKey struct{}
type runTimerKey struct{}
type stepSpanKey struct{}
type stepTimerKey struct{}

// WithRunContext starts run-level telemetry: span, run-scoped logger,
// started metric and event. Without telemetry in ctx it returns ctx.
func WithRunContext(ctx context.Context, runID, command string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartRunSpan(ctx, runID, command)
	logger := tel.Logger.WithRunID(runID).WithField("command", command)
	spanCtx = logger.WithContext(spanCtx)

	tel.Metrics.RecordRunStarted(command)
	_ = tel.Events.PublishRunStarted(runID, command)

	spanCtx = context.WithValue(spanCtx, runSpanKey{}, span)
	return context.WithValue(spanCtx, runTimerKey{}, NewTimer())
}

// EndRunContext completes the run context started by WithRunContext.
func EndRunContext(ctx context.Context, runID, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(runSpanKey{}).(trace.Span); ok {
		span.SetAttributes(AttrRunID.String(runID))
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	timer, ok := ctx.Value(runTimerKey{}).(*Timer)
	if !ok {
		timer = NewTimer()
	}
	duration := timer.Duration()
	tel.Metrics.RecordRunCompleted(status, duration)

	if err != nil {
		_ = tel.Events.PublishRunFailed(runID, status, err.Error())
	} else {
		_ = tel.Events.PublishRunCompleted(runID, status, duration)
	}
}

// WithStepContext starts step-level telemetry. Without telemetry in ctx it
// returns ctx.
func WithStepContext(ctx context.Context, runID, entryID, entryType, action string) context.Context {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return ctx
	}

	spanCtx, span := tel.Tracer.StartStepSpan(ctx, entryID, entryType, action)
	logger := tel.Logger.WithRunID(runID).WithEntry(entryID, entryType).WithField("action", action)
	spanCtx = logger.WithContext(spanCtx)

	_ = tel.Events.PublishStepStarted(runID, entryID, action)

	spanCtx = context.WithValue(spanCtx, stepSpanKey{}, span)
	return context.WithValue(spanCtx, stepTimerKey{}, NewTimer())
}

// EndStepContext completes the step context started by WithStepContext.
func EndStepContext(ctx context.Context, runID, entryID, entryType, action, status string, err error) {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return
	}

	if span, ok := ctx.Value(stepSpanKey{}).(trace.Span); ok {
		if err != nil {
			RecordError(span, err)
		} else {
			RecordSuccess(span)
		}
		span.End()
	}

	var timer *Timer
	if t, ok := ctx.Value(stepTimerKey{}).(*Timer); ok {
		timer = t
	} else {
		timer = NewTimer()
	}
	duration := timer.Duration()

	tel.Metrics.RecordStepExecution(action, status, duration, entryType)
	_ = tel.Events.PublishStepFinished(runID, entryID, action, status, duration, err)
}

// RecordHandlerCall wraps a handler callback with a span and call metrics.
func RecordHandlerCall(ctx context.Context, handler, operation string, fn func(context.Context) error) error {
	tel := FromTelemetryContext(ctx)
	if tel == nil {
		return fn(ctx)
	}

	spanCtx, span := tel.Tracer.StartHandlerSpan(ctx, handler, operation)
	defer span.End()

	err := fn(spanCtx)
	tel.Metrics.RecordHandlerCall(handler, operation, err != nil)
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	return err
}
