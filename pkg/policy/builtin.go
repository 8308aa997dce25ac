package policy

import (
	"time"
)

// Built-in policy names.
const (
	PreventDestroyPolicy = "prevent-destroy"
	MassDeletionPolicy   = "mass-deletion"
)

// DefaultMassDeletionThreshold is the number of deletions a plan may carry
// before mass-deletion warns.
const DefaultMassDeletionThreshold = 10

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		preventDestroyPolicy(),
		massDeletionPolicy(),
	}
}

// preventDestroyPolicy refuses to delete or replace protected entries.
func preventDestroyPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        PreventDestroyPolicy,
		Description: "Denies delete and replace steps on entries whose parameters set prevent_destroy",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package stateful.policies.prevent_destroy

import rego.v1

protected(id) if input.prior[id].parameters.prevent_destroy == true

protected(id) if input.desired[id].parameters.prevent_destroy == true

deny contains violation if {
	some step in input.plan.steps
	step.action in {"delete", "replace"}
	protected(step.entry_id)

	violation := {
		"message": sprintf("cannot %s %s: prevent_destroy is set", [step.action, step.entry_id]),
		"severity": "error",
		"entry": step.entry_id,
		"remediation": "remove prevent_destroy from the entry parameters and deploy before destroying it",
	}
}`,
	}
}

// massDeletionPolicy warns when a plan deletes many entries at once.
func massDeletionPolicy() Policy {
	now := time.Now()
	return Policy{
		Name:        MassDeletionPolicy,
		Description: "Warns when a plan deletes more entries than the configured threshold",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Tags:        []string{"safety", "review"},
		CreatedAt:   now,
		UpdatedAt:   now,
		Rego: `package stateful.policies.mass_deletion

import rego.v1

default threshold := 10

threshold := data.stateful.config.mass_deletion_threshold

deletions := [step.entry_id |
	some step in input.plan.steps
	step.action == "delete"
]

deny contains violation if {
	threshold > 0
	count(deletions) > threshold

	violation := {
		"message": sprintf("plan deletes %d entries, more than the threshold of %d", [count(deletions), threshold]),
		"severity": "warning",
		"deletions": deletions,
	}
}`,
	}
}
