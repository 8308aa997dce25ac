package policy

import (
	"encoding/json"
	"time"

	"github.com/openfroyo/stateful/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the apply.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that block the apply.
	SeverityCritical Severity = "critical"
)

// IsBlocking reports whether a violation of this severity stops the apply.
func (s Severity) IsBlocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Violations are read from the
	// package's deny set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with the engine.
	Builtin bool `json:"builtin,omitempty"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// EntryID is the entry that violated the policy, empty for plan-wide
	// violations.
	EntryID string `json:"entry_id,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Details contains the remaining fields of the deny value.
	Details map[string]interface{} `json:"details,omitempty"`

	// Remediation provides suggested fixes.
	Remediation string `json:"remediation,omitempty"`

	DetectedAt time.Time `json:"detected_at"`
}

// PolicyResult represents the result of evaluating all enabled policies.
type PolicyResult struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, sorted by policy then entry.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not stop evaluation.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations that stop the apply.
func (r *PolicyResult) Blocking() []PolicyViolation {
	var out []PolicyViolation
	for _, v := range r.Violations {
		if v.Severity.IsBlocking() {
			out = append(out, v)
		}
	}
	return out
}

// PolicyInput is the document policies see as input.
type PolicyInput struct {
	Plan    PlanInput             `json:"plan"`
	Desired map[string]EntryInput `json:"desired"`
	Prior   map[string]EntryInput `json:"prior"`
	Context PolicyContext         `json:"context"`
}

// PlanInput is the plan as seen by policies.
type PlanInput struct {
	ID      string             `json:"id"`
	Steps   []StepInput        `json:"steps"`
	Summary engine.PlanSummary `json:"summary"`
}

// StepInput is one planned step as seen by policies.
type StepInput struct {
	EntryID     string          `json:"entry_id"`
	Type        string          `json:"type"`
	Action      engine.Action   `json:"action"`
	Order       int             `json:"order"`
	Destructive bool            `json:"destructive"`
	Changes     []engine.Change `json:"changes,omitempty"`
}

// EntryInput is an entry as seen by policies.
type EntryInput struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// Workspace is the name of the workspace being reconciled.
	Workspace string `json:"workspace,omitempty"`

	// Operation is the command being run (deploy, destroy).
	Operation string `json:"operation,omitempty"`

	// User is the user performing the operation.
	User string `json:"user,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// NewPolicyInput builds the policy input for a plan.
func NewPolicyInput(plan *engine.Plan, desired, prior engine.EntryStates, pctx PolicyContext) *PolicyInput {
	input := &PolicyInput{
		Desired: entryInputs(desired),
		Prior:   entryInputs(prior),
		Context: pctx,
	}
	if input.Context.Timestamp.IsZero() {
		input.Context.Timestamp = time.Now()
	}
	if plan == nil {
		input.Plan.Steps = []StepInput{}
		return input
	}

	input.Plan.ID = plan.ID
	input.Plan.Summary = plan.Summary
	input.Plan.Steps = make([]StepInput, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		step := StepInput{
			EntryID:     s.EntryID,
			Type:        s.Type,
			Action:      s.Action,
			Order:       s.Order,
			Destructive: s.Action.IsDestructive(),
		}
		if s.Preview != nil {
			step.Changes = s.Preview.AllChanges()
		}
		input.Plan.Steps = append(input.Plan.Steps, step)
	}
	return input
}

func entryInputs(g engine.EntryStates) map[string]EntryInput {
	out := make(map[string]EntryInput, len(g))
	for id, e := range g {
		out[id] = EntryInput{
			ID:           e.ID,
			Type:         e.Type,
			Dependencies: e.Dependencies,
			Parameters:   e.Parameters,
			Result:       e.Result,
		}
	}
	return out
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Description string    `json:"description"`
	Policies    []Policy  `json:"policies"`
	CreatedAt   time.Time `json:"created_at"`
}
