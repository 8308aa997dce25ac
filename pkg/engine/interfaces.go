package engine

import (
	"context"
	"time"
)

// UnlockFunc releases a state lock acquired with StateBackend.Lock.
type UnlockFunc func() error

// LockInfo describes the holder of a state lock.
type LockInfo struct {
	// ID is the unique identifier of the lock.
	ID string `json:"id"`

	// Owner identifies who holds the lock (user@host).
	Owner string `json:"owner"`

	// Operation is the command holding the lock (deploy, destroy, state rm).
	Operation string `json:"operation"`

	// Created is when the lock was acquired.
	Created time.Time `json:"created"`
}

// StateBackend persists the applied entry graph between runs.
type StateBackend interface {
	// Load returns the last saved graph. A backend with no state returns
	// an empty graph and no error.
	Load(ctx context.Context) (EntryStates, error)

	// Save replaces the stored graph.
	Save(ctx context.Context, entries EntryStates) error

	// Lock acquires the exclusive state lock. A held lock yields an error
	// classified as conflict with code ErrCodeStateLocked.
	Lock(ctx context.Context, info LockInfo) (UnlockFunc, error)

	// Name returns the backend kind (file, sqlite, sftp).
	Name() string
}

// RunRecorder keeps the history of apply runs.
type RunRecorder interface {
	// RecordRun stores a finished run and its step outcomes.
	RecordRun(ctx context.Context, run *Run, outcomes []StepOutcome) error

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)

	// GetRunOutcomes returns the step outcomes of one run.
	GetRunOutcomes(ctx context.Context, runID string) ([]StepOutcome, error)
}

// PlanGate inspects a plan before it is applied.
type PlanGate interface {
	// Check returns an error classified with ErrCodePolicyViolation when
	// the plan must not be applied.
	Check(ctx context.Context, plan *Plan, desired, prior EntryStates) error
}

// PlanApprover decides whether a computed plan should be applied.
type PlanApprover func(ctx context.Context, plan *Plan) (bool, error)

// NewStateLockedError builds the error returned when a lock is already held.
func NewStateLockedError(holder LockInfo, err error) *EngineError {
	e := NewConflictError("state is locked", err).WithCode(ErrCodeStateLocked)
	if holder.ID != "" {
		e = e.WithDetail("lock_id", holder.ID).
			WithDetail("owner", holder.Owner).
			WithDetail("operation", holder.Operation).
			WithDetail("created", holder.Created)
	}
	return e
}

// IsStateLocked reports whether err is a held-lock error.
func IsStateLocked(err error) bool {
	return IsConflict(err) && hasCode(err, ErrCodeStateLocked)
}

// IsPolicyViolation reports whether err is a plan gate rejection.
func IsPolicyViolation(err error) bool {
	return hasCode(err, ErrCodePolicyViolation)
}
