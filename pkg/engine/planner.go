package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/stateful/pkg/telemetry"
)

// Planner diffs a desired graph against a prior graph and orders the
// resulting steps into dependency-safe levels. It has no side effects.
type Planner struct {
	// handlers resolves the handler for each entry type
	handlers HandlerLookup
}

// NewPlanner creates a planner backed by the given handlers.
func NewPlanner(handlers HandlerLookup) *Planner {
	return &Planner{handlers: handlers}
}

// Plan computes the ordered steps that turn prior into desired.
//
// Structural problems are fatal: both graphs empty, an unregistered type, a
// dependency that does not resolve, or a dependency cycle.
func (p *Planner) Plan(ctx context.Context, desired, prior EntryStates) (*Plan, error) {
	logger := telemetry.FromContext(ctx).NewComponentLogger("planner")

	if len(desired) == 0 && len(prior) == 0 {
		return nil, newPlanningError(ErrCodeEntriesNotFound, "", &EntriesNotFoundError{})
	}
	if err := desired.Validate("desired"); err != nil {
		return nil, err
	}
	if err := prior.Validate("prior"); err != nil {
		return nil, err
	}
	if err := p.checkHandlers(desired, prior); err != nil {
		return nil, err
	}

	steps := make(map[string]*Step)
	unchanged := 0

	for _, id := range desired.IDs() {
		step, err := p.classify(desired[id], prior[id])
		if err != nil {
			return nil, err
		}
		if step == nil {
			unchanged++
			continue
		}
		steps[id] = step
	}

	for _, id := range prior.IDs() {
		if _, kept := desired[id]; kept {
			continue
		}
		steps[id] = &Step{EntryID: id, Type: prior[id].Type, Action: ActionDelete}
	}

	graph, err := p.order(steps, desired, prior)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Steps:     make([]Step, 0, len(steps)),
		Graph:     graph,
		Retiring:  prior.Retiring(),
	}
	for _, step := range steps {
		plan.Steps = append(plan.Steps, *step)
	}
	sort.Slice(plan.Steps, func(i, j int) bool {
		if plan.Steps[i].Order != plan.Steps[j].Order {
			return plan.Steps[i].Order < plan.Steps[j].Order
		}
		return plan.Steps[i].EntryID < plan.Steps[j].EntryID
	})
	plan.Summary = summarize(plan.Steps, desired, prior, unchanged, graph.Depth)
	plan.Summary.ToRetire = len(plan.Retiring)

	logger.WithFields(map[string]interface{}{
		"plan_id":   plan.ID,
		"create":    plan.Summary.ToCreate,
		"update":    plan.Summary.ToUpdate,
		"replace":   plan.Summary.ToReplace,
		"delete":    plan.Summary.ToDelete,
		"unchanged": plan.Summary.Unchanged,
		"retiring":  plan.Summary.ToRetire,
		"levels":    plan.Summary.Depth,
	}).Debug("plan computed")

	return plan, nil
}

// checkHandlers ensures every entry in either graph has a handler.
func (p *Planner) checkHandlers(graphs ...EntryStates) error {
	for _, g := range graphs {
		for _, id := range g.IDs() {
			entry := g[id]
			types := []string{entry.Type}
			for _, old := range entry.Superseded {
				types = append(types, old.Type)
			}
			for _, t := range types {
				if _, ok := p.handlers.Lookup(t); !ok {
					return newPlanningError(ErrCodeHandlerNotFound, id, &HandlerNotFoundError{
						Type:    t,
						EntryID: id,
					})
				}
			}
		}
	}
	return nil
}

// classify returns the step for an entry present in the desired graph, or
// nil when no action is needed.
func (p *Planner) classify(candidate, current *Entry) (*Step, error) {
	step := &Step{EntryID: candidate.ID, Type: candidate.Type}

	if current == nil {
		step.Action = ActionCreate
		return step, nil
	}

	// A type change cannot be handled by either handler alone.
	if candidate.Type != current.Type {
		step.Action = ActionReplace
		step.Preview = DiffEntries(candidate, current)
		return step, nil
	}

	handler, _ := p.handlers.Lookup(candidate.Type)
	if handler.Equals(candidate, current) {
		return nil, nil
	}

	preview := handler.Preview(candidate, current)
	if preview == nil {
		return nil, nil
	}

	switch kind := handler.Classify(candidate, current, preview); kind {
	case ChangeUnchanged:
		return nil, nil
	case ChangeUpdate:
		step.Action = ActionUpdate
	case ChangeRequiresReplace:
		step.Action = ActionReplace
	default:
		return nil, NewPermanentError(fmt.Sprintf("handler for %s returned unknown change kind %s", candidate.Type, kind), nil).
			WithCode(ErrCodeInternal).
			WithEntry(candidate.ID)
	}
	step.Preview = preview
	return step, nil
}

// order builds the step DAG and assigns each step its level.
//
// Required edges: Create, Update and Replace steps wait on the stepped
// dependencies they declare in the desired graph, and a Delete waits on
// every prior dependent that is deleted or replaced. These never form a
// cycle for acyclic graphs.
//
// Preferred edges: a Delete also waits on prior dependents that are only
// updated, and a Replace waits on prior dependents that are deleted. A
// preferred edge is dropped when the required ordering already runs the
// other way; the executor then refuses deletes that are still referenced.
func (p *Planner) order(steps map[string]*Step, desired, prior EntryStates) (*ExecutionGraph, error) {
	builder := NewDAGBuilder()

	ids := make([]string, 0, len(steps))
	for id := range steps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := builder.AddStep(steps[id]); err != nil {
			return nil, err
		}
	}

	type edge struct{ from, to string }
	var preferred []edge

	for _, id := range ids {
		step := steps[id]

		if step.Action != ActionDelete {
			for _, dep := range desired[id].Dependencies {
				if _, stepped := steps[dep]; stepped {
					if err := builder.AddEdge(dep, id); err != nil {
						return nil, err
					}
				}
			}
		}

		if !step.Action.IsDestructive() {
			continue
		}
		for _, dependent := range prior.Dependents(id) {
			depStep, stepped := steps[dependent]
			if !stepped {
				continue
			}
			required := step.Action == ActionDelete &&
				(depStep.Action == ActionDelete || depStep.Action == ActionReplace)
			if !required {
				if step.Action == ActionDelete || depStep.Action == ActionDelete {
					preferred = append(preferred, edge{from: dependent, to: id})
				}
				continue
			}
			if err := builder.AddEdge(dependent, id); err != nil {
				return nil, err
			}
		}
	}

	for _, e := range preferred {
		if builder.Reaches(e.to, e.from) {
			continue
		}
		if err := builder.AddEdge(e.from, e.to); err != nil {
			return nil, err
		}
	}

	return builder.Build()
}

func summarize(steps []Step, desired, prior EntryStates, unchanged, depth int) PlanSummary {
	total := len(desired)
	for id := range prior {
		if _, ok := desired[id]; !ok {
			total++
		}
	}

	s := PlanSummary{TotalEntries: total, Unchanged: unchanged, Depth: depth}
	for _, step := range steps {
		switch step.Action {
		case ActionCreate:
			s.ToCreate++
		case ActionUpdate:
			s.ToUpdate++
		case ActionReplace:
			s.ToReplace++
		case ActionDelete:
			s.ToDelete++
		}
	}
	return s
}
