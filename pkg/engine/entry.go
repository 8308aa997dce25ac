package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Entry is one resource unit in a reconciliation graph.
type Entry struct {
	// ID is unique within a graph and stable across plan/apply cycles.
	ID string `json:"id" validate:"required"`

	// Type selects the handler from the registry.
	Type string `json:"type" validate:"required"`

	// Dependencies are entry IDs this entry's creation/update waits on.
	Dependencies []string `json:"dependencies,omitempty" validate:"dive,required"`

	// Parameters is the handler-defined desired configuration.
	Parameters json.RawMessage `json:"parameters,omitempty"`

	// Result is the handler-defined outcome of the last successful apply.
	Result json.RawMessage `json:"result,omitempty"`

	// Superseded holds records of resources this entry replaced whose
	// deletion has not succeeded yet. The next apply retries them.
	Superseded []*Entry `json:"superseded,omitempty"`
}

// Validate checks the entry's own fields.
func (e *Entry) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("invalid entry %q: %w", e.ID, err)
	}
	seen := make(map[string]bool, len(e.Dependencies))
	for _, dep := range e.Dependencies {
		if dep == e.ID {
			return fmt.Errorf("invalid entry %q: depends on itself", e.ID)
		}
		if seen[dep] {
			return fmt.Errorf("invalid entry %q: duplicate dependency %q", e.ID, dep)
		}
		seen[dep] = true
	}
	for name, raw := range map[string]json.RawMessage{"parameters": e.Parameters, "result": e.Result} {
		if len(raw) > 0 && !json.Valid(raw) {
			return fmt.Errorf("invalid entry %q: %s is not valid JSON", e.ID, name)
		}
	}
	return nil
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := &Entry{ID: e.ID, Type: e.Type}
	if e.Dependencies != nil {
		c.Dependencies = append([]string(nil), e.Dependencies...)
	}
	if e.Parameters != nil {
		c.Parameters = append(json.RawMessage(nil), e.Parameters...)
	}
	if e.Result != nil {
		c.Result = append(json.RawMessage(nil), e.Result...)
	}
	for _, old := range e.Superseded {
		c.Superseded = append(c.Superseded, old.Clone())
	}
	return c
}

// HasResult reports whether the entry was applied at least once.
func (e *Entry) HasResult() bool {
	return len(bytes.TrimSpace(e.Result)) > 0 && !bytes.Equal(bytes.TrimSpace(e.Result), []byte("null"))
}

// DecodeParameters unmarshals the entry's parameters into v.
func (e *Entry) DecodeParameters(v interface{}) error {
	if len(e.Parameters) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Parameters, v); err != nil {
		return fmt.Errorf("decode parameters of %s: %w", e.ID, err)
	}
	return nil
}

// DecodeResult unmarshals the entry's result into v.
func (e *Entry) DecodeResult(v interface{}) error {
	if !e.HasResult() {
		return nil
	}
	if err := json.Unmarshal(e.Result, v); err != nil {
		return fmt.Errorf("decode result of %s: %w", e.ID, err)
	}
	return nil
}

// EntryStates is a graph: a mapping from entry ID to entry.
type EntryStates map[string]*Entry

// IDs returns the entry IDs in sorted order.
func (g EntryStates) IDs() []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy of the graph.
func (g EntryStates) Clone() EntryStates {
	if g == nil {
		return nil
	}
	out := make(EntryStates, len(g))
	for id, e := range g {
		out[id] = e.Clone()
	}
	return out
}

// Dependents returns the IDs of entries that list id as a dependency, sorted.
func (g EntryStates) Dependents(id string) []string {
	var out []string
	for _, e := range g {
		for _, dep := range e.Dependencies {
			if dep == id {
				out = append(out, e.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Retiring returns the IDs of entries that still carry superseded
// resources, sorted.
func (g EntryStates) Retiring() []string {
	var out []string
	for id, e := range g {
		if len(e.Superseded) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Validate checks every entry, that map keys match entry IDs, that every
// dependency resolves within the graph, and that dependencies are acyclic.
// name labels the graph in returned errors.
func (g EntryStates) Validate(name string) error {
	for _, id := range g.IDs() {
		e := g[id]
		if e == nil {
			return NewPermanentError(fmt.Sprintf("%s graph has nil entry", name), nil).
				WithCode(ErrCodeValidation).WithEntry(id)
		}
		if e.ID != id {
			return NewPermanentError(
				fmt.Sprintf("%s graph key %q does not match entry ID %q", name, id, e.ID), nil,
			).WithCode(ErrCodeValidation).WithEntry(id)
		}
		if err := e.Validate(); err != nil {
			return NewPermanentError(fmt.Sprintf("%s graph is invalid", name), err).
				WithCode(ErrCodeValidation).WithEntry(id)
		}
		for _, dep := range e.Dependencies {
			if _, ok := g[dep]; !ok {
				return newPlanningError(ErrCodeCorruptedState, id, &CorruptedStateReferencesError{
					Graph:               name,
					EntryID:             id,
					MissingDependencyID: dep,
				})
			}
		}
	}

	if cycle := findCycle(g.IDs(), func(id string) []string { return g[id].Dependencies }); cycle != nil {
		return newPlanningError(ErrCodeCyclicDependency, cycle[0], &CyclicDependencyError{
			Graph: name,
			Cycle: cycle,
		})
	}
	return nil
}
