package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// StepHandler is implemented once per resource type. Equals, Preview and
// Classify are pure; side effects are confined to the four mutating calls.
type StepHandler interface {
	// Equals reports whether candidate and current denote the same
	// underlying resource, short-circuiting the diff.
	Equals(candidate, current *Entry) bool

	// Preview returns the structural diff between candidate and current,
	// or nil when nothing meaningful changed.
	Preview(candidate, current *Entry) *Preview

	// Classify decides whether a previewed change applies in place.
	Classify(candidate, current *Entry, preview *Preview) ChangeKind

	// Create provisions the resource. It must be safe to retry.
	Create(ctx context.Context, candidate *Entry, sc *StepContext) (json.RawMessage, error)

	// Update mutates the resource in place. A nil result keeps the prior result.
	Update(ctx context.Context, candidate, current *Entry, sc *StepContext) (json.RawMessage, error)

	// Replace recreates the resource. It returns *ReplaceResourceError when
	// the current resource is live and cannot be swapped in place.
	Replace(ctx context.Context, candidate, current *Entry, sc *StepContext) (json.RawMessage, error)

	// Delete tears the resource down. Deleting an absent resource is not an error.
	Delete(ctx context.Context, current *Entry, sc *StepContext) error
}

// HandlerLookup resolves a handler by exact type match.
type HandlerLookup interface {
	Lookup(entryType string) (StepHandler, bool)
}

// Registry maps resource type tags to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]StepHandler)}
}

// Register adds a handler for a type. Registering a type twice is an error.
func (r *Registry) Register(entryType string, handler StepHandler) error {
	if entryType == "" {
		return NewPermanentError("handler type is required", nil).WithCode(ErrCodeValidation)
	}
	if handler == nil {
		return NewPermanentError(fmt.Sprintf("handler for %s is nil", entryType), nil).
			WithCode(ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[entryType]; exists {
		return NewConflictError(fmt.Sprintf("handler for %s already registered", entryType), nil).
			WithCode(ErrCodeConflict)
	}
	r.handlers[entryType] = handler
	return nil
}

// MustRegister is like Register but panics on error. Intended for startup wiring.
func (r *Registry) MustRegister(entryType string, handler StepHandler) {
	if err := r.Register(entryType, handler); err != nil {
		panic(err)
	}
}

// Lookup returns the handler registered for a type.
func (r *Registry) Lookup(entryType string) (StepHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[entryType]
	return h, ok
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// StepContext is handed to a handler's mutating calls. It resolves the
// entry's dependencies as already applied in this run (Create, Update,
// Replace) or as recorded in the prior graph (Delete).
type StepContext struct {
	// EntryID is the entry the step acts on.
	EntryID string

	// Action is the step's action.
	Action Action

	// RunID identifies the apply run.
	RunID string

	deps    []string
	resolve func(id string) (*Entry, bool)
}

// NewStepContext builds a step context for entry. resolve looks up a
// dependency by ID and reports whether it has an applied record.
func NewStepContext(runID string, entry *Entry, action Action, resolve func(id string) (*Entry, bool)) *StepContext {
	sc := &StepContext{
		EntryID: entry.ID,
		Action:  action,
		RunID:   runID,
		resolve: resolve,
	}
	if entry.Dependencies != nil {
		sc.deps = append([]string(nil), entry.Dependencies...)
	}
	return sc
}

// Dependencies returns copies of the resolved dependency entries in
// declaration order. When types are given only entries of those types are
// returned. Dependencies with no applied record are omitted.
func (sc *StepContext) Dependencies(types ...string) []*Entry {
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}

	out := make([]*Entry, 0, len(sc.deps))
	for _, id := range sc.deps {
		e, ok := sc.Dependency(id)
		if !ok {
			continue
		}
		if filter != nil && !filter[e.Type] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Dependency returns a copy of one declared dependency.
func (sc *StepContext) Dependency(id string) (*Entry, bool) {
	declared := false
	for _, dep := range sc.deps {
		if dep == id {
			declared = true
			break
		}
	}
	if !declared || sc.resolve == nil {
		return nil, false
	}
	e, ok := sc.resolve(id)
	if !ok || e == nil {
		return nil, false
	}
	return e.Clone(), true
}
