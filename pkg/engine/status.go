package engine

import (
	"encoding/json"
	"fmt"
)

// Action is the operation a step performs on an entry.
type Action string

const (
	// ActionCreate provisions an entry that exists only in the desired graph.
	ActionCreate Action = "create"

	// ActionUpdate mutates an existing entry in place.
	ActionUpdate Action = "update"

	// ActionReplace destroys and recreates an existing entry.
	ActionReplace Action = "replace"

	// ActionDelete tears down an entry that exists only in the prior graph.
	ActionDelete Action = "delete"
)

// IsDestructive returns true if the action destroys the current resource.
func (a Action) IsDestructive() bool {
	return a == ActionDelete || a == ActionReplace
}

// Symbol returns the short marker used when rendering plans.
func (a Action) Symbol() string {
	switch a {
	case ActionCreate:
		return "+"
	case ActionUpdate:
		return "~"
	case ActionReplace:
		return "-/+"
	case ActionDelete:
		return "-"
	default:
		return "?"
	}
}

// Validate checks if the action is valid.
func (a Action) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDelete:
		return nil
	default:
		return fmt.Errorf("invalid action: %s", a)
	}
}

// ChangeKind is a handler's classification of a candidate against the
// current entry.
type ChangeKind int

const (
	// ChangeUnchanged means no step is needed.
	ChangeUnchanged ChangeKind = iota

	// ChangeUpdate means the resource can be updated in place.
	ChangeUpdate

	// ChangeRequiresReplace means the resource must be recreated.
	ChangeRequiresReplace
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeUnchanged:
		return "unchanged"
	case ChangeUpdate:
		return "update"
	case ChangeRequiresReplace:
		return "requires_replace"
	default:
		return fmt.Sprintf("change_kind(%d)", int(k))
	}
}

// RunStatus represents the overall status of an apply run.
type RunStatus string

const (
	// RunStatusPending indicates the run is recorded but not yet started.
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is currently executing.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every step succeeded.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates no step succeeded.
	RunStatusFailed RunStatus = "failed"

	// RunStatusCancelled indicates the run was cancelled before finishing.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusPartial indicates some steps failed while others succeeded.
	RunStatusPartial RunStatus = "partial"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed ||
		s == RunStatusCancelled || s == RunStatusPartial
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusSucceeded,
		RunStatusFailed, RunStatusCancelled, RunStatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// MarshalJSON implements json.Marshaler for RunStatus.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements json.Unmarshaler for RunStatus.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}

// StepStatus represents the outcome of a single step.
type StepStatus string

const (
	// StepStatusSucceeded indicates the handler call succeeded.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the handler call returned an error.
	StepStatusFailed StepStatus = "failed"

	// StepStatusSkipped indicates the step never ran because a dependency
	// had no applied record.
	StepStatusSkipped StepStatus = "skipped"

	// StepStatusCancelled indicates the context was cancelled before the step ran.
	StepStatusCancelled StepStatus = "cancelled"
)

// IsSuccess returns true if the step completed without error.
func (s StepStatus) IsSuccess() bool {
	return s == StepStatusSucceeded
}
