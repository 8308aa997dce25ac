package engine

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDiffEntries_Nested(t *testing.T) {
	current := newEntry("a", "svc", `{"name":"web","spec":{"replicas":1,"image":"v1","ports":[80]},"old":true}`)
	candidate := newEntry("a", "svc", `{"name":"web","spec":{"replicas":3,"image":"v1","ports":[80,443]},"new":1}`)

	p := DiffEntries(candidate, current)
	if p == nil {
		t.Fatal("Expected a preview, got nil")
	}
	if p.Created != 1 || p.Updated != 2 || p.Removed != 1 {
		t.Errorf("Expected 1 created, 2 updated, 1 removed, got %d/%d/%d", p.Created, p.Updated, p.Removed)
	}
	if p.Nested["spec"] == nil || p.Nested["spec"].Updated != 2 {
		t.Errorf("Expected nested spec preview with 2 updates, got %+v", p.Nested["spec"])
	}

	var paths []string
	for _, c := range p.AllChanges() {
		paths = append(paths, c.Path)
	}
	want := []string{"new", "old", "spec.ports", "spec.replicas"}
	if diff := cmp.Diff(want, paths); diff != "" {
		t.Errorf("Unexpected change paths (-want +got):\n%s", diff)
	}
}

func TestDiffEntries_NoChange(t *testing.T) {
	a := newEntry("a", "svc", `{"x":{"y":1},"z":[1,2]}`)
	b := newEntry("a", "svc", `{"z":[1,2],"x":{"y":1}}`)
	if p := DiffEntries(a, b); p != nil {
		t.Errorf("Expected nil preview, got %+v", p)
	}
}

func TestDiffEntries_Ignore(t *testing.T) {
	current := newEntry("a", "svc", `{"meta":{"updated":"mon"},"size":1}`)
	candidate := newEntry("a", "svc", `{"meta":{"updated":"tue"},"size":1}`, "dep")

	if p := DiffEntries(candidate, current, "meta", DependenciesPath); p != nil {
		t.Errorf("Expected ignored paths to produce no preview, got %+v", p)
	}
	p := DiffEntries(candidate, current, "meta")
	if p.Total() != 1 || p.Changes[0].Path != DependenciesPath {
		t.Errorf("Expected only the dependency change, got %+v", p)
	}
}

func TestDiffEntries_ScalarParameters(t *testing.T) {
	p := DiffEntries(newEntry("a", "svc", `"v2"`), newEntry("a", "svc", `"v1"`))
	if p.Total() != 1 || p.Changes[0].Path != "" || p.Changes[0].Action != ChangeActionModify {
		t.Errorf("Expected a single root modification, got %+v", p)
	}

	p = DiffEntries(newEntry("a", "svc", `{"x":1}`), newEntry("a", "svc", ""))
	if p.Total() != 1 || p.Changes[0].Action != ChangeActionAdd {
		t.Errorf("Expected a root addition, got %+v", p)
	}
}

func TestFieldPolicy_Classify(t *testing.T) {
	policy := FieldPolicy{Immutable: []string{"spec.image", "zone"}}

	tests := []struct {
		name      string
		current   string
		candidate string
		want      ChangeKind
	}{
		{name: "mutable field", current: `{"tags":{"a":"1"}}`, candidate: `{"tags":{"a":"2"}}`, want: ChangeUpdate},
		{name: "immutable leaf", current: `{"zone":"a"}`, candidate: `{"zone":"b"}`, want: ChangeRequiresReplace},
		{name: "immutable nested", current: `{"spec":{"image":"v1"}}`, candidate: `{"spec":{"image":"v2"}}`, want: ChangeRequiresReplace},
		{name: "parent of immutable added", current: `{}`, candidate: `{"spec":{"image":"v1"}}`, want: ChangeRequiresReplace},
		{name: "sibling of immutable", current: `{"spec":{"image":"v1","cpu":1}}`, candidate: `{"spec":{"image":"v1","cpu":2}}`, want: ChangeUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			current := newEntry("a", "svc", tt.current)
			candidate := newEntry("a", "svc", tt.candidate)
			preview := policy.Preview(candidate, current)
			if got := policy.Classify(candidate, current, preview); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestFieldPolicy_ClassifyDependencies(t *testing.T) {
	current := newEntry("a", "svc", `{}`, "x")
	candidate := newEntry("a", "svc", `{}`, "y")

	update := FieldPolicy{}
	if got := update.Classify(candidate, current, update.Preview(candidate, current)); got != ChangeUpdate {
		t.Errorf("Expected update, got %s", got)
	}
	replace := FieldPolicy{Immutable: []string{DependenciesPath}}
	if got := replace.Classify(candidate, current, replace.Preview(candidate, current)); got != ChangeRequiresReplace {
		t.Errorf("Expected requires_replace, got %s", got)
	}
	if got := replace.Classify(candidate, current, nil); got != ChangeUnchanged {
		t.Errorf("Expected unchanged for nil preview, got %s", got)
	}
}

func TestFieldPolicy_Equals(t *testing.T) {
	var p FieldPolicy
	a := newEntry("a", "svc", `{"x":1,"y":[1]}`, "d1", "d2")
	b := newEntry("a", "svc", `{"y":[1],"x":1}`, "d2", "d1")
	if !p.Equals(a, b) {
		t.Error("Expected entries with reordered keys and dependencies to be equal")
	}
	c := newEntry("a", "other", `{"x":1,"y":[1]}`, "d1", "d2")
	if p.Equals(a, c) {
		t.Error("Expected entries of different types to differ")
	}
}
