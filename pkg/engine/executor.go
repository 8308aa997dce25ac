package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stateful/pkg/telemetry"
)

// Executor applies a plan level by level. Steps within a level run
// concurrently; a level fully settles before the next one starts.
type Executor struct {
	// handlers resolves the handler for each entry type
	handlers HandlerLookup

	// parallelism caps concurrent steps per level; 0 means unbounded
	parallelism int

	// command labels runs in telemetry (deploy, destroy)
	command string
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithParallelism caps the number of steps running at once within a level.
func WithParallelism(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithCommand labels runs started by this executor.
func WithCommand(command string) ExecutorOption {
	return func(e *Executor) {
		e.command = command
	}
}

// NewExecutor creates an executor backed by the given handlers.
func NewExecutor(handlers HandlerLookup, opts ...ExecutorOption) *Executor {
	e := &Executor{handlers: handlers, command: "apply"}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stagedEntries is the in-progress output graph. Each entry ID is written
// exactly once per apply.
type stagedEntries struct {
	mu      sync.RWMutex
	entries EntryStates
}

func (s *stagedEntries) put(e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[e.ID]; exists {
		return NewPermanentError(fmt.Sprintf("entry %s staged twice", e.ID), nil).
			WithCode(ErrCodeInternal).
			WithEntry(e.ID)
	}
	s.entries[e.ID] = e
	return nil
}

func (s *stagedEntries) get(id string) (*Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

// dependent returns the first staged entry that depends on id, or "".
func (s *stagedEntries) dependent(id string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if deps := s.entries.Dependents(id); len(deps) > 0 {
		return deps[0]
	}
	return ""
}

// applyRun holds the shared state of one Apply call.
type applyRun struct {
	runID   string
	desired EntryStates
	prior   EntryStates
	staged  *stagedEntries

	mu       sync.Mutex
	errs     []error
	skipped  []string
	outcomes []StepOutcome

	// retired holds superseded resources to delete after the last level;
	// retiring marks the entry IDs they belong to.
	retired  []*Entry
	retiring map[string]bool
}

func (r *applyRun) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *applyRun) record(o StepOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	if o.Status == StepStatusSkipped {
		r.skipped = append(r.skipped, o.EntryID)
	}
}

func (r *applyRun) retire(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retired = append(r.retired, e)
	r.retiring[e.ID] = true
}

// stage writes e to the output graph, recording any double write as an error.
func (r *applyRun) stage(e *Entry) {
	if e == nil {
		return
	}
	if err := r.staged.put(e); err != nil {
		r.fail(err)
	}
}

// fallback stages the prior record for id, if any.
func (r *applyRun) fallback(id string) {
	if prev, ok := r.prior[id]; ok {
		r.stage(prev.Clone())
	}
}

// Apply executes plan against the desired and prior graphs. It always
// completes the full pass: handler failures are collected in the result and
// the affected entries keep their prior records. The returned error is
// non-nil only when the plan does not match the graphs.
func (e *Executor) Apply(ctx context.Context, plan *Plan, desired, prior EntryStates) (*ApplyResult, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	if err := e.checkPlan(plan, desired, prior); err != nil {
		return nil, err
	}

	run := &applyRun{
		runID:    uuid.New().String(),
		desired:  desired,
		prior:    prior,
		staged:   &stagedEntries{entries: make(EntryStates, len(desired))},
		retiring: make(map[string]bool),
	}
	started := time.Now()

	ctx = telemetry.WithRunContext(ctx, run.runID, e.command)
	logger := telemetry.FromContext(ctx).NewComponentLogger("executor")

	// Entries without a step carry their prior record forward unchanged.
	stepped := make(map[string]Action, len(plan.Steps))
	for _, step := range plan.Steps {
		stepped[step.EntryID] = step.Action
	}
	for _, id := range desired.IDs() {
		if _, ok := stepped[id]; !ok {
			run.fallback(id)
		}
	}

	// Superseded resources left by earlier applies are retried after the
	// last level. Deleted entries handle theirs in the delete step.
	for _, id := range prior.Retiring() {
		if stepped[id] == ActionDelete {
			continue
		}
		for _, old := range prior[id].Superseded {
			run.retire(old.Clone())
		}
	}

	for level, steps := range plan.Levels() {
		if len(steps) == 0 {
			continue
		}
		if ctx.Err() != nil {
			e.cancelSteps(ctx, run, steps)
			continue
		}
		logger.WithFields(map[string]interface{}{
			"level": level,
			"steps": len(steps),
		}).Debug("executing level")
		e.executeLevel(ctx, run, steps)
	}

	var remaining []*Entry
	if ctx.Err() != nil {
		remaining = e.abandonRetired(ctx, run)
	} else {
		remaining = e.deleteRetired(ctx, run)
	}
	e.settleRetired(run, remaining)

	result := &ApplyResult{
		RunID:       run.runID,
		Entries:     run.staged.entries,
		Errors:      run.errs,
		Skipped:     run.skipped,
		Outcomes:    run.outcomes,
		StartedAt:   started,
		CompletedAt: time.Now(),
	}
	sort.Strings(result.Skipped)
	sort.Slice(result.Outcomes, func(i, j int) bool {
		if result.Outcomes[i].Order != result.Outcomes[j].Order {
			return result.Outcomes[i].Order < result.Outcomes[j].Order
		}
		return result.Outcomes[i].EntryID < result.Outcomes[j].EntryID
	})

	var runErr error
	if result.HasErrors() {
		runErr = fmt.Errorf("%d step(s) failed", len(result.Errors))
	}
	telemetry.EndRunContext(ctx, run.runID, string(result.Status()), runErr)

	logger.WithFields(map[string]interface{}{
		"run_id":  run.runID,
		"status":  result.Status(),
		"errors":  len(result.Errors),
		"skipped": len(result.Skipped),
	}).Info("apply finished")

	return result, nil
}

// checkPlan verifies that every step resolves against the graphs and has a
// handler, and that every entry without a step exists in both graphs.
func (e *Executor) checkPlan(plan *Plan, desired, prior EntryStates) error {
	stepped := make(map[string]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		if err := step.Action.Validate(); err != nil {
			return NewPermanentError("plan is invalid", err).WithCode(ErrCodeValidation).WithEntry(step.EntryID)
		}
		if stepped[step.EntryID] {
			return NewPermanentError("plan has duplicate steps", nil).WithCode(ErrCodeValidation).WithEntry(step.EntryID)
		}
		stepped[step.EntryID] = true

		source := desired
		if step.Action == ActionDelete {
			source = prior
		}
		entry, ok := source[step.EntryID]
		if !ok {
			return NewPermanentError(fmt.Sprintf("plan step %s %s has no source entry", step.Action, step.EntryID), nil).
				WithCode(ErrCodeValidation).WithEntry(step.EntryID)
		}
		if (step.Action == ActionUpdate || step.Action == ActionReplace) && prior[step.EntryID] == nil {
			return NewPermanentError(fmt.Sprintf("plan step %s %s has no prior entry", step.Action, step.EntryID), nil).
				WithCode(ErrCodeValidation).WithEntry(step.EntryID)
		}
		if _, ok := e.handlers.Lookup(entry.Type); !ok {
			return newPlanningError(ErrCodeHandlerNotFound, step.EntryID, &HandlerNotFoundError{Type: entry.Type, EntryID: step.EntryID})
		}
		if prev, ok := prior[step.EntryID]; ok && step.Action == ActionReplace {
			if _, ok := e.handlers.Lookup(prev.Type); !ok {
				return newPlanningError(ErrCodeHandlerNotFound, step.EntryID, &HandlerNotFoundError{Type: prev.Type, EntryID: step.EntryID})
			}
		}
	}

	for id := range desired {
		if !stepped[id] && prior[id] == nil {
			return NewPermanentError(fmt.Sprintf("entry %s is new but has no create step", id), nil).
				WithCode(ErrCodeValidation).WithEntry(id)
		}
	}
	for id := range prior {
		if desired[id] == nil && !stepped[id] {
			return NewPermanentError(fmt.Sprintf("entry %s was removed but has no delete step", id), nil).
				WithCode(ErrCodeValidation).WithEntry(id)
		}
	}
	return nil
}

// executeLevel runs one level and waits for every step to settle.
func (e *Executor) executeLevel(ctx context.Context, run *applyRun, steps []Step) {
	workerCount := len(steps)
	if e.parallelism > 0 && e.parallelism < workerCount {
		workerCount = e.parallelism
	}

	workQueue := make(chan Step, len(steps))
	for _, step := range steps {
		workQueue <- step
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range workQueue {
				e.executeStep(ctx, run, step)
			}
		}()
	}
	wg.Wait()
}

// executeStep runs a single step and stages its outcome.
func (e *Executor) executeStep(ctx context.Context, run *applyRun, step Step) {
	outcome := StepOutcome{
		EntryID:   step.EntryID,
		Type:      step.Type,
		Action:    step.Action,
		Order:     step.Order,
		StartedAt: time.Now(),
	}

	stepCtx := telemetry.WithStepContext(ctx, run.runID, step.EntryID, step.Type, string(step.Action))
	logger := telemetry.FromContext(stepCtx)

	var err error
	if reason := e.blocked(run, step); reason != "" {
		outcome.Status = StepStatusSkipped
		outcome.Code = ErrCodeDependencyFailed
		outcome.Error = reason
		logger.WithField("reason", reason).Warn("skipping step")
		run.fallback(step.EntryID)
	} else {
		err = telemetry.RecordHandlerCall(stepCtx, step.Type, string(step.Action), func(ctx context.Context) error {
			return e.invoke(ctx, run, step)
		})
		if err != nil {
			stepErr := &StepError{
				EntryID: step.EntryID,
				Type:    step.Type,
				Action:  step.Action,
				Code:    ErrCodeHandlerFailed,
				Err:     err,
			}
			run.fail(stepErr)
			run.fallback(step.EntryID)
			outcome.Status = StepStatusFailed
			outcome.Code = ErrCodeHandlerFailed
			outcome.Error = err.Error()
			logger.WithError(err).Error("step failed")
			err = stepErr
		} else {
			outcome.Status = StepStatusSucceeded
			logger.Debug("step succeeded")
		}
	}

	outcome.CompletedAt = time.Now()
	outcome.Duration = outcome.CompletedAt.Sub(outcome.StartedAt)
	run.record(outcome)
	telemetry.EndStepContext(stepCtx, run.runID, step.EntryID, step.Type, string(step.Action), string(outcome.Status), err)
}

// blocked returns why a step must not run, or "". A create, update or
// replace is blocked by a declared dependency with no record in the output
// graph. A delete is blocked while an entry in the output graph still
// depends on it, which happens when that dependent's own step failed.
func (e *Executor) blocked(run *applyRun, step Step) string {
	if step.Action == ActionDelete {
		if dependent := run.staged.dependent(step.EntryID); dependent != "" {
			return fmt.Sprintf("still required by %s", dependent)
		}
		return ""
	}
	for _, dep := range run.desired[step.EntryID].Dependencies {
		if _, ok := run.staged.get(dep); !ok {
			return fmt.Sprintf("dependency %s has no applied record", dep)
		}
	}
	return ""
}

// invoke calls the handler for a step and stages the result on success.
func (e *Executor) invoke(ctx context.Context, run *applyRun, step Step) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	if step.Action == ActionDelete {
		current := run.prior[step.EntryID]
		for _, old := range current.Superseded {
			if err := e.deleteOne(ctx, run, old); err != nil {
				return fmt.Errorf("delete superseded resource: %w", err)
			}
		}
		return e.deleteOne(ctx, run, current)
	}

	candidate := run.desired[step.EntryID]
	current := run.prior[step.EntryID]
	handler, _ := e.handlers.Lookup(candidate.Type)
	sc := NewStepContext(run.runID, candidate, step.Action, run.staged.get)

	var result json.RawMessage
	switch step.Action {
	case ActionCreate:
		result, err = handler.Create(ctx, candidate.Clone(), sc)
	case ActionUpdate:
		result, err = handler.Update(ctx, candidate.Clone(), current.Clone(), sc)
	case ActionReplace:
		result, err = e.replace(ctx, run, handler, candidate, current, sc)
	}
	if err != nil {
		return err
	}

	staged := candidate.Clone()
	switch {
	case result != nil:
		staged.Result = append(json.RawMessage(nil), result...)
	case current != nil:
		staged.Result = current.Clone().Result
	}
	run.stage(staged)
	return nil
}

// replace runs a Replace step. When the handler reports that the live
// resource cannot be swapped in place, or the entry changed type, the
// candidate is created now and the current resource is deleted after the
// last level.
func (e *Executor) replace(ctx context.Context, run *applyRun, handler StepHandler, candidate, current *Entry, sc *StepContext) (json.RawMessage, error) {
	if candidate.Type == current.Type {
		result, err := handler.Replace(ctx, candidate.Clone(), current.Clone(), sc)
		var rre *ReplaceResourceError
		if !errors.As(err, &rre) {
			return result, err
		}
		telemetry.FromContext(ctx).Debug("replace requires create-then-delete")
	}

	result, err := handler.Create(ctx, candidate.Clone(), sc)
	if err != nil {
		return nil, err
	}
	old := current.Clone()
	old.Superseded = nil
	run.retire(old)
	return result, nil
}

// deleteRetired deletes resources superseded by two-phase replaces and
// returns the ones that could not be deleted. Their dependents were migrated
// in earlier levels.
func (e *Executor) deleteRetired(ctx context.Context, run *applyRun) []*Entry {
	if len(run.retired) == 0 {
		return nil
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		remaining []*Entry
	)
	for _, old := range run.retired {
		wg.Add(1)
		go func(old *Entry) {
			defer wg.Done()
			if err := e.deleteOne(ctx, run, old); err != nil {
				run.fail(&StepError{
					EntryID: old.ID,
					Type:    old.Type,
					Action:  ActionDelete,
					Code:    ErrCodeReplaceResource,
					Err:     fmt.Errorf("delete superseded resource: %w", err),
				})
				telemetry.FromContext(ctx).WithField("entry_id", old.ID).WithError(err).
					Error("failed to delete superseded resource")
				mu.Lock()
				remaining = append(remaining, old)
				mu.Unlock()
			}
		}(old)
	}
	wg.Wait()
	return remaining
}

// abandonRetired reports every superseded resource as not deleted because
// the apply was cancelled.
func (e *Executor) abandonRetired(ctx context.Context, run *applyRun) []*Entry {
	for _, old := range run.retired {
		run.fail(&StepError{
			EntryID: old.ID,
			Type:    old.Type,
			Action:  ActionDelete,
			Code:    ErrCodeCancelled,
			Err:     NewPermanentError("superseded resource not deleted: apply cancelled", ctx.Err()).WithCode(ErrCodeCancelled),
		})
	}
	return run.retired
}

// settleRetired records the superseded resources still alive on their
// entries in the output graph so the next apply retries them.
func (e *Executor) settleRetired(run *applyRun, remaining []*Entry) {
	alive := make(map[*Entry]bool, len(remaining))
	for _, old := range remaining {
		alive[old] = true
	}
	left := make(map[string][]*Entry)
	for _, old := range run.retired {
		if alive[old] {
			left[old.ID] = append(left[old.ID], old)
		}
	}

	run.staged.mu.Lock()
	defer run.staged.mu.Unlock()
	for id := range run.retiring {
		entry, ok := run.staged.entries[id]
		if !ok {
			if len(left[id]) > 0 {
				run.fail(NewPermanentError(fmt.Sprintf("superseded resources of %s have no entry to track them", id), nil).
					WithCode(ErrCodeReplaceResource).
					WithEntry(id))
			}
			continue
		}
		entry.Superseded = left[id]
	}
}

// deleteOne calls the delete handler for a record, resolving its
// dependencies from the prior graph.
func (e *Executor) deleteOne(ctx context.Context, run *applyRun, entry *Entry) error {
	handler, ok := e.handlers.Lookup(entry.Type)
	if !ok {
		return &HandlerNotFoundError{Type: entry.Type, EntryID: entry.ID}
	}
	sc := NewStepContext(run.runID, entry, ActionDelete, func(id string) (*Entry, bool) {
		dep, ok := run.prior[id]
		return dep, ok
	})
	return safeDelete(ctx, handler, entry.Clone(), sc)
}

func safeDelete(ctx context.Context, handler StepHandler, entry *Entry, sc *StepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return handler.Delete(ctx, entry, sc)
}

// cancelSteps marks steps of a level that never started and keeps their
// prior records.
func (e *Executor) cancelSteps(ctx context.Context, run *applyRun, steps []Step) {
	for _, step := range steps {
		run.fallback(step.EntryID)
		run.fail(&StepError{
			EntryID: step.EntryID,
			Type:    step.Type,
			Action:  step.Action,
			Code:    ErrCodeCancelled,
			Err:     NewPermanentError("apply cancelled", ctx.Err()).WithCode(ErrCodeCancelled),
		})
		now := time.Now()
		run.record(StepOutcome{
			EntryID:     step.EntryID,
			Type:        step.Type,
			Action:      step.Action,
			Order:       step.Order,
			Status:      StepStatusCancelled,
			StartedAt:   now,
			CompletedAt: now,
			Error:       ctx.Err().Error(),
			Code:        ErrCodeCancelled,
		})
	}
}
