package engine

import (
	"time"
)

// Step is a planned action for one entry.
type Step struct {
	// EntryID identifies the entry this step acts on.
	EntryID string `json:"entry_id"`

	// Type is the entry's handler type.
	Type string `json:"type"`

	// Action is the operation to perform.
	Action Action `json:"action"`

	// Order is the execution level. Steps sharing an order run concurrently.
	Order int `json:"order"`

	// Preview is the diff of parameters and dependencies, recorded under
	// DependenciesPath. Absent for creates and deletes.
	Preview *Preview `json:"preview,omitempty"`
}

// Change represents a single field change inside a preview.
type Change struct {
	// Path is the dotted path to the field being changed (e.g., "tags.env").
	Path string `json:"path"`

	// Before is the value before the change.
	Before interface{} `json:"before,omitempty"`

	// After is the value after the change.
	After interface{} `json:"after,omitempty"`

	// Action describes the change action (add, remove, modify).
	Action ChangeAction `json:"action"`
}

// ChangeAction represents the type of change being made.
type ChangeAction string

const (
	// ChangeActionAdd indicates a new field is being added.
	ChangeActionAdd ChangeAction = "add"

	// ChangeActionRemove indicates a field is being removed.
	ChangeActionRemove ChangeAction = "remove"

	// ChangeActionModify indicates a field value is being changed.
	ChangeActionModify ChangeAction = "modify"
)

// Plan is the planner's output: ordered steps plus the graph they form.
type Plan struct {
	// ID is the unique identifier for this plan.
	ID string `json:"id"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// Steps are sorted by order, then entry ID.
	Steps []Step `json:"steps"`

	// Graph is the step DAG used to compute orders.
	Graph *ExecutionGraph `json:"graph,omitempty"`

	// Summary provides high-level statistics about the plan.
	Summary PlanSummary `json:"summary"`

	// Retiring lists entries whose superseded resources are still to be
	// deleted from an earlier apply.
	Retiring []string `json:"retiring,omitempty"`
}

// IsEmpty reports whether the plan has no steps and nothing to retire.
func (p *Plan) IsEmpty() bool {
	return p == nil || (len(p.Steps) == 0 && len(p.Retiring) == 0)
}

// Levels groups the plan's steps by order.
func (p *Plan) Levels() [][]Step {
	if p.IsEmpty() {
		return nil
	}
	depth := 0
	for _, s := range p.Steps {
		if s.Order+1 > depth {
			depth = s.Order + 1
		}
	}
	levels := make([][]Step, depth)
	for _, s := range p.Steps {
		levels[s.Order] = append(levels[s.Order], s)
	}
	return levels
}

// Step returns the step for an entry, if planned.
func (p *Plan) Step(entryID string) (Step, bool) {
	if p == nil {
		return Step{}, false
	}
	for _, s := range p.Steps {
		if s.EntryID == entryID {
			return s, true
		}
	}
	return Step{}, false
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	// TotalEntries is the number of distinct entries across both graphs.
	TotalEntries int `json:"total_entries"`

	ToCreate  int `json:"to_create"`
	ToUpdate  int `json:"to_update"`
	ToReplace int `json:"to_replace"`
	ToDelete  int `json:"to_delete"`

	// Unchanged is the number of entries with no step.
	Unchanged int `json:"unchanged"`

	// ToRetire is the number of entries with superseded resources pending
	// deletion.
	ToRetire int `json:"to_retire,omitempty"`

	// Depth is the number of execution levels.
	Depth int `json:"depth"`
}

// HasChanges reports whether the summary counts any step.
func (s PlanSummary) HasChanges() bool {
	return s.ToCreate+s.ToUpdate+s.ToReplace+s.ToDelete+s.ToRetire > 0
}

// ExecutionGraph represents the DAG of steps.
type ExecutionGraph struct {
	// Nodes maps entry IDs to graph nodes.
	Nodes map[string]*GraphNode `json:"nodes"`

	// Edges are the ordering constraints between steps.
	Edges []GraphEdge `json:"edges"`

	// Roots are the entry IDs with no stepped predecessors.
	Roots []string `json:"roots"`

	// Depth is the number of levels.
	Depth int `json:"depth"`
}

// GraphNode represents a step in the execution graph.
type GraphNode struct {
	ID     string `json:"id"`
	Action Action `json:"action"`
	Level  int    `json:"level"`

	// Dependencies are steps that must settle before this one.
	Dependencies []string `json:"dependencies,omitempty"`

	// Dependents are steps waiting on this one.
	Dependents []string `json:"dependents,omitempty"`
}

// GraphEdge is an ordering constraint: From settles before To starts.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StepOutcome records how a step ended during apply.
type StepOutcome struct {
	EntryID     string        `json:"entry_id"`
	Type        string        `json:"type"`
	Action      Action        `json:"action"`
	Order       int           `json:"order"`
	Status      StepStatus    `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`
	Error       string        `json:"error,omitempty"`

	// Code classifies failed, skipped and cancelled outcomes.
	Code string `json:"code,omitempty"`
}

// ApplyResult is the outcome of an apply pass.
type ApplyResult struct {
	// RunID identifies the apply run.
	RunID string `json:"run_id"`

	// Entries is the new graph to persist.
	Entries EntryStates `json:"entries"`

	// Errors holds one error per failed handler call.
	Errors []error `json:"-"`

	// Skipped lists entries whose step did not run: a dependency had no
	// applied record, or a delete was still referenced by a kept entry.
	Skipped []string `json:"skipped,omitempty"`

	// Outcomes holds one record per executed or skipped step.
	Outcomes []StepOutcome `json:"outcomes"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// HasErrors reports whether any step failed.
func (r *ApplyResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Status derives the run status from the recorded outcomes.
func (r *ApplyResult) Status() RunStatus {
	var succeeded, failed, cancelled int
	for _, o := range r.Outcomes {
		switch o.Status {
		case StepStatusSucceeded:
			succeeded++
		case StepStatusFailed, StepStatusSkipped:
			failed++
		case StepStatusCancelled:
			cancelled++
		}
	}
	for _, err := range r.Errors {
		if IsCancelled(err) {
			cancelled++
		}
	}
	switch {
	case cancelled > 0:
		return RunStatusCancelled
	case failed == 0 && len(r.Errors) == 0:
		return RunStatusSucceeded
	case succeeded > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// Run is a persisted record of an apply.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	// PlanID is the plan that was applied.
	PlanID string `json:"plan_id"`

	// Command is the CLI command that started the run (deploy, destroy).
	Command string `json:"command"`

	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// User is the identity of who initiated the run.
	User string `json:"user,omitempty"`

	Summary RunSummary `json:"summary"`
}

// RunSummary provides statistics about a run's steps.
type RunSummary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summarize counts outcomes into a RunSummary.
func Summarize(outcomes []StepOutcome) RunSummary {
	s := RunSummary{Total: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case StepStatusSucceeded:
			s.Succeeded++
		case StepStatusFailed:
			s.Failed++
		case StepStatusSkipped, StepStatusCancelled:
			s.Skipped++
		}
	}
	return s
}
