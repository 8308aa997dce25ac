// Package engine reconciles a desired graph of resource entries against the
// graph recorded by the previous apply.
//
// # Overview
//
// A reconcile cycle has two phases:
//
//  1. Plan - diff desired against prior and order the resulting steps (Planner)
//  2. Apply - run the steps level by level through handlers (Executor)
//
// Reconciler wraps both with locking, a policy gate, approval and
// persistence through a StateBackend.
//
// # Core Types
//
//   - Entry: one resource unit with an ID, a handler type, dependency IDs,
//     opaque JSON parameters and the result of its last apply
//   - EntryStates: a graph of entries keyed by ID
//   - Step: a planned create, update, replace or delete with its order
//   - Plan: ordered steps, the step DAG and a summary
//   - ApplyResult: the new graph plus per-step outcomes and errors
//
// # Handlers
//
// Each entry type has a StepHandler in a Registry. Handlers decide equality,
// diff and classification, and perform the side effects:
//
//	type StepHandler interface {
//	    Equals(candidate, current *Entry) bool
//	    Preview(candidate, current *Entry) *Preview
//	    Classify(candidate, current *Entry, preview *Preview) ChangeKind
//	    Create(ctx context.Context, candidate *Entry, sc *StepContext) (json.RawMessage, error)
//	    Update(ctx context.Context, candidate, current *Entry, sc *StepContext) (json.RawMessage, error)
//	    Replace(ctx context.Context, candidate, current *Entry, sc *StepContext) (json.RawMessage, error)
//	    Delete(ctx context.Context, current *Entry, sc *StepContext) error
//	}
//
// Embedding FieldPolicy provides Equals, Preview and Classify driven by a
// list of immutable parameter paths.
//
// # Ordering
//
// Creates and updates wait on their stepped dependencies. Deletes wait on
// every stepped entry that depended on them. Replaces wait only on
// dependents that are being deleted. Steps sharing an order run
// concurrently.
//
// # Failure Handling
//
// A failed step keeps the entry's prior record in the output graph and adds
// a *StepError to the result. A step whose dependency has no record is
// skipped. The apply pass always completes so successful work is persisted.
//
// # Error Classification
//
// Structural problems are returned as *EngineError values classified as
// permanent, wrapping one of EntriesNotFoundError, HandlerNotFoundError,
// CorruptedStateReferencesError or CyclicDependencyError:
//
//	var cyc *engine.CyclicDependencyError
//	if errors.As(err, &cyc) {
//	    fmt.Println(cyc.Cycle)
//	}
package engine
