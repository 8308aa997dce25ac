package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openfroyo/stateful/pkg/telemetry"
)

// Reconciler runs one full deploy cycle against a state backend: lock, load
// the prior graph, plan, gate, approve, apply and persist.
type Reconciler struct {
	planner  *Planner
	executor *Executor
	backend  StateBackend
	recorder RunRecorder
	gate     PlanGate
	approve  PlanApprover
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithRunRecorder records every applied run.
func WithRunRecorder(recorder RunRecorder) ReconcilerOption {
	return func(r *Reconciler) {
		r.recorder = recorder
	}
}

// WithPlanGate checks plans before they are applied.
func WithPlanGate(gate PlanGate) ReconcilerOption {
	return func(r *Reconciler) {
		r.gate = gate
	}
}

// WithApprover asks for confirmation before applying. Without one every
// plan is applied.
func WithApprover(approve PlanApprover) ReconcilerOption {
	return func(r *Reconciler) {
		r.approve = approve
	}
}

// NewReconciler creates a reconciler.
func NewReconciler(planner *Planner, executor *Executor, backend StateBackend, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		planner:  planner,
		executor: executor,
		backend:  backend,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReconcileResult is the outcome of a reconcile cycle.
type ReconcileResult struct {
	Plan *Plan

	// Approved is false when the approver declined the plan.
	Approved bool

	// Apply and Run are nil when nothing was applied.
	Apply *ApplyResult
	Run   *Run
}

// Reconcile drives prior state towards desired while holding the state lock.
// Step failures do not make the returned error non-nil; they are reported in
// Apply.Errors and the partial graph is still saved. The error is non-nil
// when the lock, planning, the gate or persistence fails.
func (r *Reconciler) Reconcile(ctx context.Context, desired EntryStates, lock LockInfo) (result *ReconcileResult, err error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("reconciler")

	unlock, err := r.backend.Lock(ctx, lock)
	if err != nil {
		return nil, err
	}
	defer func() {
		if uerr := unlock(); uerr != nil {
			logger.WithError(uerr).Warn("failed to release state lock")
			if err == nil {
				err = fmt.Errorf("release state lock: %w", uerr)
			}
		}
	}()

	prior, err := r.backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load state from %s backend: %w", r.backend.Name(), err)
	}

	plan, err := r.planner.Plan(ctx, desired, prior)
	if err != nil {
		return nil, err
	}
	recordPlan(ctx, lock.Operation, plan)

	result = &ReconcileResult{Plan: plan}
	if plan.IsEmpty() {
		logger.Info("no changes")
		return result, nil
	}

	if r.gate != nil {
		if err := r.gate.Check(ctx, plan, desired, prior); err != nil {
			return result, err
		}
	}

	if r.approve != nil {
		ok, err := r.approve(ctx, plan)
		if err != nil {
			return result, err
		}
		if !ok {
			logger.Info("plan not approved")
			return result, nil
		}
	}
	result.Approved = true

	applied, err := r.executor.Apply(ctx, plan, desired, prior)
	if err != nil {
		return result, err
	}
	result.Apply = applied

	run := &Run{
		ID:          applied.RunID,
		PlanID:      plan.ID,
		Command:     lock.Operation,
		Status:      applied.Status(),
		StartedAt:   applied.StartedAt,
		CompletedAt: &applied.CompletedAt,
		User:        lock.Owner,
		Summary:     Summarize(applied.Outcomes),
	}
	result.Run = run

	// Handlers already ran, so their results are persisted even when ctx
	// was cancelled mid-apply.
	persistCtx := context.WithoutCancel(ctx)

	var errs []error
	if err := r.backend.Save(persistCtx, applied.Entries); err != nil {
		errs = append(errs, fmt.Errorf("save state to %s backend: %w", r.backend.Name(), err))
	} else {
		recordPersisted(persistCtx, run.ID, r.backend.Name(), applied.Entries)
	}
	if r.recorder != nil {
		if err := r.recorder.RecordRun(persistCtx, run, applied.Outcomes); err != nil {
			errs = append(errs, fmt.Errorf("record run %s: %w", run.ID, err))
		}
	}
	return result, errors.Join(errs...)
}

// CountByAction returns the number of steps per action.
func (p *Plan) CountByAction() map[string]int {
	counts := make(map[string]int, 4)
	if p == nil {
		return counts
	}
	for _, s := range p.Steps {
		counts[string(s.Action)]++
	}
	return counts
}

// CountByType returns the number of entries per type.
func (g EntryStates) CountByType() map[string]int {
	counts := make(map[string]int)
	for _, e := range g {
		counts[e.Type]++
	}
	return counts
}

func recordPlan(ctx context.Context, command string, plan *Plan) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.RecordPlan(command, plan.CountByAction())
	}
}

func recordPersisted(ctx context.Context, runID, backend string, entries EntryStates) {
	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		tel.Metrics.SetEntryCounts(entries.CountByType())
		_ = tel.Events.PublishStatePersisted(runID, backend, len(entries))
	}
}
