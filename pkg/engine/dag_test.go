package engine

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func buildDAG(t *testing.T, ids []string, edges [][2]string) (*DAGBuilder, *ExecutionGraph, error) {
	t.Helper()
	builder := NewDAGBuilder()
	for _, id := range ids {
		if err := builder.AddStep(&Step{EntryID: id, Action: ActionCreate}); err != nil {
			t.Fatalf("Failed to add step %s: %v", id, err)
		}
	}
	for _, e := range edges {
		if err := builder.AddEdge(e[0], e[1]); err != nil {
			t.Fatalf("Failed to add edge %s -> %s: %v", e[0], e[1], err)
		}
	}
	graph, err := builder.Build()
	return builder, graph, err
}

func TestDAGBuilder_Build_Empty(t *testing.T) {
	_, graph, err := buildDAG(t, nil, nil)
	if err != nil {
		t.Fatalf("Expected no error for empty builder, got: %v", err)
	}
	if len(graph.Nodes) != 0 || len(graph.Edges) != 0 || graph.Depth != 0 {
		t.Errorf("Expected empty graph, got %+v", graph)
	}
}

func TestDAGBuilder_Build_Linear(t *testing.T) {
	builder, graph, err := buildDAG(t, []string{"a", "b", "c"}, [][2]string{{"a", "b"}, {"b", "c"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"a"}, {"b"}, {"c"}}
	if diff := cmp.Diff(want, builder.GetLevels()); diff != "" {
		t.Errorf("Unexpected levels (-want +got):\n%s", diff)
	}
	if graph.Depth != 3 {
		t.Errorf("Expected depth 3, got %d", graph.Depth)
	}
	if diff := cmp.Diff([]string{"a"}, graph.Roots); diff != "" {
		t.Errorf("Unexpected roots (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b"}, graph.Nodes["c"].Dependencies); diff != "" {
		t.Errorf("Unexpected dependencies of c (-want +got):\n%s", diff)
	}
}

func TestDAGBuilder_Build_Diamond(t *testing.T) {
	builder, graph, err := buildDAG(t,
		[]string{"top", "left", "right", "bottom"},
		[][2]string{{"top", "left"}, {"top", "right"}, {"left", "bottom"}, {"right", "bottom"}},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := [][]string{{"top"}, {"left", "right"}, {"bottom"}}
	if diff := cmp.Diff(want, builder.GetLevels()); diff != "" {
		t.Errorf("Unexpected levels (-want +got):\n%s", diff)
	}
	if len(graph.Edges) != 4 {
		t.Errorf("Expected 4 edges, got %d", len(graph.Edges))
	}
	if diff := cmp.Diff([]string{"left", "right"}, graph.Nodes["bottom"].Dependencies); diff != "" {
		t.Errorf("Unexpected dependencies of bottom (-want +got):\n%s", diff)
	}
}

// A step's level is one past its deepest predecessor, not its shallowest.
func TestDAGBuilder_Build_LongestPath(t *testing.T) {
	builder, _, err := buildDAG(t,
		[]string{"a", "b", "c", "d"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"a", "d"}, {"c", "d"}},
	)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	want := [][]string{{"a"}, {"b"}, {"c"}, {"d"}}
	if diff := cmp.Diff(want, builder.GetLevels()); diff != "" {
		t.Errorf("Unexpected levels (-want +got):\n%s", diff)
	}
}

func TestDAGBuilder_Build_WritesStepOrder(t *testing.T) {
	builder := NewDAGBuilder()
	a := &Step{EntryID: "a", Action: ActionDelete}
	b := &Step{EntryID: "b", Action: ActionDelete}
	_ = builder.AddStep(a)
	_ = builder.AddStep(b)
	_ = builder.AddEdge("b", "a")

	if _, err := builder.Build(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if a.Order != 1 || b.Order != 0 {
		t.Errorf("Expected orders a=1 b=0, got a=%d b=%d", a.Order, b.Order)
	}
}

func TestDAGBuilder_DetectCycles(t *testing.T) {
	_, _, err := buildDAG(t,
		[]string{"a", "b", "c"},
		[][2]string{{"a", "b"}, {"b", "c"}, {"c", "a"}},
	)
	if err == nil {
		t.Fatal("Expected cycle error, got nil")
	}
	if !strings.Contains(err.Error(), "circular") {
		t.Errorf("Expected circular ordering error, got: %v", err)
	}
}

func TestDAGBuilder_DuplicateStep(t *testing.T) {
	builder := NewDAGBuilder()
	if err := builder.AddStep(&Step{EntryID: "a"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := builder.AddStep(&Step{EntryID: "a"}); err == nil {
		t.Error("Expected duplicate step error, got nil")
	}
	if err := builder.AddStep(&Step{}); err == nil {
		t.Error("Expected empty ID error, got nil")
	}
}

func TestDAGBuilder_UnknownEdge(t *testing.T) {
	builder := NewDAGBuilder()
	_ = builder.AddStep(&Step{EntryID: "a"})
	if err := builder.AddEdge("a", "missing"); err == nil {
		t.Error("Expected unknown step error, got nil")
	}
	if err := builder.AddEdge("missing", "a"); err == nil {
		t.Error("Expected unknown step error, got nil")
	}
}

func TestDAGBuilder_DuplicateEdgeIgnored(t *testing.T) {
	_, graph, err := buildDAG(t, []string{"a", "b"}, [][2]string{{"a", "b"}, {"a", "b"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(graph.Edges) != 1 {
		t.Errorf("Expected 1 edge, got %d", len(graph.Edges))
	}
}

func TestDAGBuilder_Reaches(t *testing.T) {
	builder, _, err := buildDAG(t, []string{"a", "b", "c", "d"}, [][2]string{{"a", "b"}, {"b", "c"}})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tests := []struct {
		from, to string
		want     bool
	}{
		{"a", "c", true},
		{"a", "a", true},
		{"c", "a", false},
		{"a", "d", false},
	}
	for _, tt := range tests {
		if got := builder.Reaches(tt.from, tt.to); got != tt.want {
			t.Errorf("Reaches(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestToDOT(t *testing.T) {
	reg := newTestRegistry(t, newMockHandler("file", &callLog{}))
	desired := newGraph(
		newEntry("a", "file", `{}`),
		newEntry("b", "file", `{}`, "a"),
	)
	plan := mustPlan(t, reg, desired, nil)

	dot := ToDOT(plan)
	for _, want := range []string{"digraph Plan", "cluster_level_0", "cluster_level_1", `"a" -> "b"`, "lightgreen"} {
		if !strings.Contains(dot, want) {
			t.Errorf("Expected DOT output to contain %q", want)
		}
	}
}
