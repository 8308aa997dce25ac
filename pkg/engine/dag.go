package engine

import (
	"fmt"
	"sort"
	"strings"
)

// DAGBuilder orders steps into execution levels. Nodes are steps keyed by
// entry ID; an edge From -> To means From must settle before To starts.
type DAGBuilder struct {
	// steps maps entry IDs to their steps
	steps map[string]*Step

	// adjacencyList maps step IDs to the steps that wait on them
	adjacencyList map[string][]string

	// reverseAdjacencyList maps step IDs to the steps they wait on
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of incoming edges for each node
	inDegree map[string]int

	// levels maps execution level to step IDs at that level
	levels [][]string
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		steps:                make(map[string]*Step),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
		levels:               make([][]string, 0),
	}
}

// AddStep registers a step node.
func (b *DAGBuilder) AddStep(step *Step) error {
	if step.EntryID == "" {
		return NewPermanentError("step has empty entry ID", nil).WithCode(ErrCodeValidation)
	}
	if _, exists := b.steps[step.EntryID]; exists {
		return NewPermanentError(fmt.Sprintf("duplicate step for entry %s", step.EntryID), nil).
			WithCode(ErrCodeValidation)
	}
	b.steps[step.EntryID] = step
	b.adjacencyList[step.EntryID] = nil
	b.reverseAdjacencyList[step.EntryID] = nil
	b.inDegree[step.EntryID] = 0
	return nil
}

// AddEdge records that from must settle before to. Duplicate edges are ignored.
func (b *DAGBuilder) AddEdge(from, to string) error {
	if _, ok := b.steps[from]; !ok {
		return NewPermanentError(fmt.Sprintf("edge references unknown step %s", from), nil).
			WithCode(ErrCodeInternal)
	}
	if _, ok := b.steps[to]; !ok {
		return NewPermanentError(fmt.Sprintf("edge references unknown step %s", to), nil).
			WithCode(ErrCodeInternal)
	}
	for _, existing := range b.adjacencyList[from] {
		if existing == to {
			return nil
		}
	}
	b.adjacencyList[from] = append(b.adjacencyList[from], to)
	b.reverseAdjacencyList[to] = append(b.reverseAdjacencyList[to], from)
	b.inDegree[to]++
	return nil
}

// Reaches reports whether to is reachable from from along existing edges.
func (b *DAGBuilder) Reaches(from, to string) bool {
	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == to {
			return true
		}
		for _, next := range b.adjacencyList[id] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

// Build detects cycles, computes levels, writes each step's Order and
// returns the execution graph.
func (b *DAGBuilder) Build() (*ExecutionGraph, error) {
	if len(b.steps) == 0 {
		return &ExecutionGraph{
			Nodes: make(map[string]*GraphNode),
			Edges: make([]GraphEdge, 0),
			Roots: make([]string, 0),
		}, nil
	}

	ids := b.sortedIDs()
	if cycle := findCycle(ids, func(id string) []string { return b.reverseAdjacencyList[id] }); cycle != nil {
		return nil, NewPermanentError(
			fmt.Sprintf("circular step ordering detected: %s", formatCycle(cycle)), nil,
		).WithCode(ErrCodeCyclicDependency)
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	return b.buildExecutionGraph(), nil
}

// computeLevels assigns execution levels with Kahn's algorithm. A step's
// level is one greater than the highest level among the steps it waits on.
func (b *DAGBuilder) computeLevels() error {
	inDegreeCopy := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegreeCopy[id] = degree
	}

	currentLevel := make([]string, 0)
	for id, degree := range inDegreeCopy {
		if degree == 0 {
			currentLevel = append(currentLevel, id)
		}
	}

	b.levels = b.levels[:0]
	processedCount := 0
	for len(currentLevel) > 0 {
		sort.Strings(currentLevel)
		b.levels = append(b.levels, currentLevel)
		processedCount += len(currentLevel)

		nextLevel := make([]string, 0)
		for _, nodeID := range currentLevel {
			for _, dependent := range b.adjacencyList[nodeID] {
				inDegreeCopy[dependent]--
				if inDegreeCopy[dependent] == 0 {
					nextLevel = append(nextLevel, dependent)
				}
			}
		}
		currentLevel = nextLevel
	}

	if processedCount != len(b.steps) {
		return NewPermanentError("failed to level all steps - possible cycle", nil).
			WithCode(ErrCodeInternal)
	}
	return nil
}

func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes: make(map[string]*GraphNode, len(b.steps)),
		Edges: make([]GraphEdge, 0),
		Roots: make([]string, 0),
		Depth: len(b.levels),
	}

	for level, ids := range b.levels {
		for _, id := range ids {
			step := b.steps[id]
			step.Order = level

			deps := append([]string(nil), b.reverseAdjacencyList[id]...)
			dependents := append([]string(nil), b.adjacencyList[id]...)
			sort.Strings(deps)
			sort.Strings(dependents)
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Action:       step.Action,
				Level:        level,
				Dependencies: deps,
				Dependents:   dependents,
			}
			if level == 0 {
				graph.Roots = append(graph.Roots, id)
			}
		}
	}

	for _, from := range b.sortedIDs() {
		to := append([]string(nil), b.adjacencyList[from]...)
		sort.Strings(to)
		for _, t := range to {
			graph.Edges = append(graph.Edges, GraphEdge{From: from, To: t})
		}
	}
	return graph
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.steps))
	for id := range b.steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// findCycle runs a depth-first search over ids following next and returns
// the first cycle found as a path that starts and ends on the same ID.
func findCycle(ids []string, next func(id string) []string) []string {
	visited := make(map[string]bool, len(ids))
	onStack := make(map[string]bool, len(ids))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, n := range next(id) {
			if !visited[n] {
				if cycle := visit(n); cycle != nil {
					return cycle
				}
			} else if onStack[n] {
				for i, p := range path {
					if p == n {
						cycle := append([]string(nil), path[i:]...)
						return append(cycle, n)
					}
				}
			}
		}

		onStack[id] = false
		path = path[:len(path)-1]
		return nil
	}

	for _, id := range ids {
		if !visited[id] {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// ToDOT generates a Graphviz DOT representation of a plan.
func ToDOT(plan *Plan) string {
	var sb strings.Builder

	sb.WriteString("digraph Plan {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, steps := range plan.Levels() {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_level_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Level %d\";\n", level))
		sb.WriteString("    style=dashed;\n")
		for _, step := range steps {
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s %s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				step.EntryID, step.EntryID, step.Action, step.Type, actionColor(step.Action)))
		}
		sb.WriteString("  }\n\n")
	}

	if plan.Graph != nil {
		for _, edge := range plan.Graph.Edges {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", edge.From, edge.To))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	return strings.Join(cycle, " -> ")
}

func actionColor(a Action) string {
	switch a {
	case ActionCreate:
		return "lightgreen"
	case ActionUpdate:
		return "lightblue"
	case ActionReplace:
		return "orange"
	case ActionDelete:
		return "lightcoral"
	default:
		return "white"
	}
}
