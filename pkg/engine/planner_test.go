package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPlanner_Plan_EmptyGraphs(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	_, err := NewPlanner(reg).Plan(context.Background(), EntryStates{}, nil)
	var notFound *EntriesNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected EntriesNotFoundError, got: %v", err)
	}
	if !IsPermanent(err) {
		t.Errorf("Expected planning error to be permanent")
	}
}

func TestPlanner_Plan_UnknownHandler(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	desired := newGraph(newEntry("a", "bucket", `{}`))
	_, err := NewPlanner(reg).Plan(context.Background(), desired, nil)

	var hnf *HandlerNotFoundError
	if !errors.As(err, &hnf) {
		t.Fatalf("Expected HandlerNotFoundError, got: %v", err)
	}
	if hnf.Type != "bucket" || hnf.EntryID != "a" {
		t.Errorf("Expected type bucket for entry a, got %s for %s", hnf.Type, hnf.EntryID)
	}
}

func TestPlanner_Plan_UnknownHandlerInPriorOnly(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	prior := newGraph(newEntry("old", "bucket", `{}`))
	_, err := NewPlanner(reg).Plan(context.Background(), nil, prior)

	var hnf *HandlerNotFoundError
	if !errors.As(err, &hnf) {
		t.Fatalf("Expected HandlerNotFoundError, got: %v", err)
	}
}

func TestPlanner_Plan_CorruptedReferences(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	tests := []struct {
		name      string
		desired   EntryStates
		prior     EntryStates
		wantGraph string
	}{
		{
			name:      "desired",
			desired:   newGraph(newEntry("b", "file", `{}`, "a")),
			wantGraph: "desired",
		},
		{
			name:      "prior",
			desired:   newGraph(newEntry("a", "file", `{}`)),
			prior:     newGraph(newEntry("b", "file", `{}`, "missing")),
			wantGraph: "prior",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanner(reg).Plan(context.Background(), tt.desired, tt.prior)

			var csr *CorruptedStateReferencesError
			if !errors.As(err, &csr) {
				t.Fatalf("Expected CorruptedStateReferencesError, got: %v", err)
			}
			if csr.Graph != tt.wantGraph {
				t.Errorf("Expected graph %s, got %s", tt.wantGraph, csr.Graph)
			}
			if csr.EntryID != "b" {
				t.Errorf("Expected entry b, got %s", csr.EntryID)
			}
		})
	}
}

func TestPlanner_Plan_CyclicDependencies(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	desired := newGraph(
		newEntry("a", "file", `{}`, "c"),
		newEntry("b", "file", `{}`, "a"),
		newEntry("c", "file", `{}`, "b"),
	)
	_, err := NewPlanner(reg).Plan(context.Background(), desired, nil)

	var cyc *CyclicDependencyError
	if !errors.As(err, &cyc) {
		t.Fatalf("Expected CyclicDependencyError, got: %v", err)
	}
	if len(cyc.Cycle) != 4 || cyc.Cycle[0] != cyc.Cycle[len(cyc.Cycle)-1] {
		t.Errorf("Expected closed cycle of three entries, got %v", cyc.Cycle)
	}
}

func TestPlanner_Plan_InvalidEntries(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	tests := []struct {
		name    string
		desired EntryStates
	}{
		{name: "self dependency", desired: newGraph(newEntry("a", "file", `{}`, "a"))},
		{name: "duplicate dependency", desired: newGraph(
			newEntry("a", "file", `{}`),
			newEntry("b", "file", `{}`, "a", "a"),
		)},
		{name: "missing type", desired: newGraph(newEntry("a", "", `{}`))},
		{name: "invalid parameters", desired: newGraph(newEntry("a", "file", `{not json`))},
		{name: "key mismatch", desired: EntryStates{"x": newEntry("a", "file", `{}`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlanner(reg).Plan(context.Background(), tt.desired, nil)
			if err == nil {
				t.Fatal("Expected validation error, got nil")
			}
			if !IsPermanent(err) {
				t.Errorf("Expected permanent error, got: %v", err)
			}
		})
	}
}

// A depends on nothing, B depends on A. Creating both orders A before B.
func TestPlanner_Plan_CreateOrdering(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	desired := newGraph(
		newEntry("A", "file", `{"path":"/a"}`),
		newEntry("B", "file", `{"path":"/b"}`, "A"),
	)
	plan := mustPlan(t, reg, desired, nil)

	want := []string{"A:create@0", "B:create@1"}
	if diff := cmp.Diff(want, stepActions(plan)); diff != "" {
		t.Errorf("Unexpected steps (-want +got):\n%s", diff)
	}
	if plan.Summary.ToCreate != 2 || plan.Summary.Depth != 2 {
		t.Errorf("Expected 2 creates over 2 levels, got %+v", plan.Summary)
	}
}

// Removing both entries deletes B before A.
func TestPlanner_Plan_DeleteOrdering(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	prior := newGraph(
		withResult(newEntry("A", "file", `{"path":"/a"}`), `{}`),
		withResult(newEntry("B", "file", `{"path":"/b"}`, "A"), `{}`),
	)
	plan := mustPlan(t, reg, EntryStates{}, prior)

	want := []string{"B:delete@0", "A:delete@1"}
	if diff := cmp.Diff(want, stepActions(plan)); diff != "" {
		t.Errorf("Unexpected steps (-want +got):\n%s", diff)
	}
}

func TestPlanner_Plan_EqualEntriesHaveNoStep(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	desired := newGraph(
		newEntry("a", "file", `{"path":"/a","mode":"0644"}`),
		newEntry("b", "file", `{"path":"/b"}`, "a"),
	)
	prior := newGraph(
		withResult(newEntry("a", "file", `{"mode":"0644","path":"/a"}`), `{"inode":1}`),
		withResult(newEntry("b", "file", `{"path":"/b"}`, "a"), `{"inode":2}`),
	)
	plan := mustPlan(t, reg, desired, prior)

	if !plan.IsEmpty() {
		t.Fatalf("Expected empty plan, got %v", stepActions(plan))
	}
	if plan.Summary.Unchanged != 2 {
		t.Errorf("Expected 2 unchanged entries, got %d", plan.Summary.Unchanged)
	}
}

func TestPlanner_Plan_UpdateVersusReplace(t *testing.T) {
	h := newMockHandler("disk", &callLog{})
	h.Immutable = []string{"size"}
	reg := newTestRegistry(t, h)

	prior := newGraph(
		withResult(newEntry("label-only", "disk", `{"size":10,"label":"a"}`), `{}`),
		withResult(newEntry("resized", "disk", `{"size":10,"label":"a"}`), `{}`),
	)
	desired := newGraph(
		newEntry("label-only", "disk", `{"size":10,"label":"b"}`),
		newEntry("resized", "disk", `{"size":20,"label":"a"}`),
	)
	plan := mustPlan(t, reg, desired, prior)

	want := []string{"label-only:update@0", "resized:replace@0"}
	if diff := cmp.Diff(want, stepActions(plan)); diff != "" {
		t.Errorf("Unexpected steps (-want +got):\n%s", diff)
	}

	step, _ := plan.Step("resized")
	if step.Preview == nil || step.Preview.Updated != 1 {
		t.Errorf("Expected replace preview with one updated field, got %+v", step.Preview)
	}
}

func TestPlanner_Plan_TypeChangeIsReplace(t *testing.T) {
	log := &callLog{}
	reg := newTestRegistry(t, newMockHandler("file", log), newMockHandler("link", log))

	prior := newGraph(withResult(newEntry("a", "file", `{"path":"/a"}`), `{}`))
	desired := newGraph(newEntry("a", "link", `{"path":"/a"}`))

	plan := mustPlan(t, reg, desired, prior)
	want := []string{"a:replace@0"}
	if diff := cmp.Diff(want, stepActions(plan)); diff != "" {
		t.Errorf("Unexpected steps (-want +got):\n%s", diff)
	}
	if plan.Steps[0].Type != "link" {
		t.Errorf("Expected replace step to carry the new type, got %s", plan.Steps[0].Type)
	}
}

func TestPlanner_Plan_DependencyChangeIsUpdate(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	prior := newGraph(
		withResult(newEntry("a", "file", `{}`), `{}`),
		withResult(newEntry("b", "file", `{}`), `{}`),
		withResult(newEntry("c", "file", `{}`, "a"), `{}`),
	)
	desired := newGraph(
		newEntry("a", "file", `{}`),
		newEntry("b", "file", `{}`),
		newEntry("c", "file", `{}`, "b"),
	)
	plan := mustPlan(t, reg, desired, prior)

	want := []string{"c:update@0"}
	if diff := cmp.Diff(want, stepActions(plan)); diff != "" {
		t.Errorf("Unexpected steps (-want +got):\n%s", diff)
	}
	changes := plan.Steps[0].Preview.AllChanges()
	if len(changes) != 1 || changes[0].Path != DependenciesPath {
		t.Errorf("Expected a single dependencies change, got %+v", changes)
	}
}

// A replaced entry waits on dependents that are going away, but not on
// dependents that stay.
func TestPlanner_Plan_ReplaceOrdering(t *testing.T) {
	h := newMockHandler("vm", &callLog{})
	h.Immutable = []string{"image"}
	reg := newTestRegistry(t, h)

	prior := newGraph(
		withResult(newEntry("net", "vm", `{"image":"v1"}`), `{}`),
		withResult(newEntry("gone", "vm", `{}`, "net"), `{}`),
		withResult(newEntry("kept", "vm", `{"n":1}`, "net"), `{}`),
	)
	desired := newGraph(
		newEntry("net", "vm", `{"image":"v2"}`),
		newEntry("kept", "vm", `{"n":2}`, "net"),
	)
	plan := mustPlan(t, reg, desired, prior)

	want := []string{"gone:delete@0", "net:replace@1", "kept:update@2"}
	if diff := cmp.Diff(want, stepActions(plan)); diff != "" {
		t.Errorf("Unexpected steps (-want +got):\n%s", diff)
	}
}

// A deleted entry waits on stepped prior dependents that are only updated
// when no other ordering prevents it.
func TestPlanner_Plan_DeleteWaitsOnUpdatedDependent(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	prior := newGraph(
		withResult(newEntry("old", "file", `{}`), `{}`),
		withResult(newEntry("app", "file", `{"v":1}`, "old"), `{}`),
	)
	desired := newGraph(newEntry("app", "file", `{"v":2}`))
	plan := mustPlan(t, reg, desired, prior)

	want := []string{"app:update@0", "old:delete@1"}
	if diff := cmp.Diff(want, stepActions(plan)); diff != "" {
		t.Errorf("Unexpected steps (-want +got):\n%s", diff)
	}
}

// Moving a dependent off an entry that is deleted, onto one that is
// replaced, orders without a cycle: the delete runs last so the updated
// dependent no longer references it.
func TestPlanner_Plan_RewireAroundReplace(t *testing.T) {
	log := &callLog{}
	h := newMockHandler("vm", log)
	h.Immutable = []string{"zone"}
	reg := newTestRegistry(t, h)

	prior := newGraph(
		withResult(newEntry("z", "vm", `{"zone":"a"}`), `{}`),
		withResult(newEntry("x", "vm", `{}`, "z"), `{}`),
		withResult(newEntry("y", "vm", `{"v":1}`, "x"), `{}`),
	)
	desired := newGraph(
		newEntry("z", "vm", `{"zone":"b"}`),
		newEntry("y", "vm", `{"v":1}`, "z"),
	)
	plan := mustPlan(t, reg, desired, prior)

	want := []string{"z:replace@0", "y:update@1", "x:delete@2"}
	if diff := cmp.Diff(want, stepActions(plan)); diff != "" {
		t.Errorf("Unexpected steps (-want +got):\n%s", diff)
	}

	result := mustApply(t, NewExecutor(reg), plan, desired, prior)
	if result.HasErrors() {
		t.Fatalf("Expected no errors, got %v", result.Errors)
	}
	if diff := cmp.Diff([]string{"replace:z", "update:y", "delete:x"}, log.snapshot()); diff != "" {
		t.Errorf("Unexpected calls (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"y", "z"}, result.Entries.IDs()); diff != "" {
		t.Errorf("Unexpected output entries (-want +got):\n%s", diff)
	}
}

// Every step's order is greater than the order of each stepped dependency.
func TestPlanner_Plan_MonotonicOrder(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	desired := newGraph(
		newEntry("root", "file", `{}`),
		newEntry("l1a", "file", `{}`, "root"),
		newEntry("l1b", "file", `{}`, "root"),
		newEntry("l2", "file", `{}`, "l1a", "l1b"),
		newEntry("side", "file", `{}`),
		newEntry("l3", "file", `{}`, "l2", "side"),
	)
	prior := newGraph(
		withResult(newEntry("side", "file", `{}`), `{}`),
	)
	plan := mustPlan(t, reg, desired, prior)

	orders := make(map[string]int)
	for _, s := range plan.Steps {
		orders[s.EntryID] = s.Order
	}
	for _, s := range plan.Steps {
		for _, dep := range desired[s.EntryID].Dependencies {
			depOrder, stepped := orders[dep]
			if stepped && depOrder >= s.Order {
				t.Errorf("Expected %s (order %d) after %s (order %d)", s.EntryID, s.Order, dep, depOrder)
			}
		}
	}
	if _, stepped := orders["side"]; stepped {
		t.Errorf("Expected unchanged entry side to have no step")
	}
	if orders["l3"] != 3 {
		t.Errorf("Expected l3 at order 3, got %d", orders["l3"])
	}

	for i := 1; i < len(plan.Steps); i++ {
		a, b := plan.Steps[i-1], plan.Steps[i]
		if a.Order > b.Order || (a.Order == b.Order && a.EntryID > b.EntryID) {
			t.Errorf("Expected steps sorted by order then id, got %s before %s", a.EntryID, b.EntryID)
		}
	}
}

func TestPlanner_Plan_Summary(t *testing.T) {
	h := newMockHandler("file", &callLog{})
	h.Immutable = []string{"path"}
	reg := newTestRegistry(t, h)

	prior := newGraph(
		withResult(newEntry("same", "file", `{"path":"/s"}`), `{}`),
		withResult(newEntry("upd", "file", `{"path":"/u","mode":1}`), `{}`),
		withResult(newEntry("rep", "file", `{"path":"/r"}`), `{}`),
		withResult(newEntry("del", "file", `{"path":"/d"}`), `{}`),
	)
	desired := newGraph(
		newEntry("same", "file", `{"path":"/s"}`),
		newEntry("upd", "file", `{"path":"/u","mode":2}`),
		newEntry("rep", "file", `{"path":"/r2"}`),
		newEntry("new", "file", `{"path":"/n"}`),
	)
	plan := mustPlan(t, reg, desired, prior)

	want := PlanSummary{
		TotalEntries: 5,
		ToCreate:     1,
		ToUpdate:     1,
		ToReplace:    1,
		ToDelete:     1,
		Unchanged:    1,
		Depth:        1,
	}
	if diff := cmp.Diff(want, plan.Summary); diff != "" {
		t.Errorf("Unexpected summary (-want +got):\n%s", diff)
	}
	if !plan.Summary.HasChanges() {
		t.Errorf("Expected summary to report changes")
	}
	if got := plan.CountByAction(); got["create"] != 1 || got["delete"] != 1 {
		t.Errorf("Unexpected counts by action: %v", got)
	}
}

func TestPlanner_Plan_DoesNotMutateInputs(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))

	desired := newGraph(newEntry("a", "file", `{"x":1}`))
	prior := newGraph(withResult(newEntry("a", "file", `{"x":0}`), `{"r":1}`))
	desiredCopy, priorCopy := desired.Clone(), prior.Clone()

	mustPlan(t, reg, desired, prior)

	if diff := cmp.Diff(desiredCopy, desired); diff != "" {
		t.Errorf("Desired graph was mutated (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(priorCopy, prior); diff != "" {
		t.Errorf("Prior graph was mutated (-want +got):\n%s", diff)
	}
}
