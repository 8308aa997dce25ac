// Package policy gates plans with Open Policy Agent (OPA) Rego policies.
//
// The Engine implements engine.PlanGate. Before a plan is applied, every
// enabled policy is evaluated against a PolicyInput holding the plan steps,
// the desired and prior entries, and a context document:
//
//	{
//	  "plan": {"id": "...", "steps": [{"entry_id": "db", "type": "postgres",
//	           "action": "delete", "order": 0, "destructive": true}], "summary": {...}},
//	  "desired": {"web": {"id": "web", "type": "vm", "parameters": {...}}},
//	  "prior":   {"db":  {"id": "db", "type": "postgres", "parameters": {...}}},
//	  "context": {"workspace": "prod", "operation": "deploy", "timestamp": "..."}
//	}
//
// Violations are read from the deny set of each policy's package. A deny
// value is either a message string or an object with message, severity,
// entry and remediation fields; other fields are kept as details. Without
// a severity the policy's default applies. Violations of severity error or
// critical block the plan: Check returns an error classified with
// engine.ErrCodePolicyViolation.
//
// # Usage
//
//	eng, err := policy.NewEngine(ctx,
//	    policy.WithMassDeletionThreshold(5),
//	    policy.WithDisabled("mass-deletion"),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	r := engine.NewReconciler(planner, executor, backend, engine.WithPlanGate(eng))
//
// # Built-in Policies
//
// prevent-destroy denies delete and replace steps on entries whose prior
// or desired parameters set prevent_destroy to true.
//
// mass-deletion warns when a plan deletes more entries than the threshold
// (10 by default), read from data.stateful.config.mass_deletion_threshold.
//
// # Custom Policies
//
// Policies are loaded from .rego files (named after the file, default
// severity warning) and .json definitions. Files ending in _test.rego are
// skipped. A custom policy with a built-in's name replaces it.
//
//	package custom.vms
//
//	import rego.v1
//
//	deny contains violation if {
//	    some id, e in input.desired
//	    e.type == "vm"
//	    e.parameters.size == "xlarge"
//	    violation := {"message": sprintf("%s is too large", [id]), "entry": id, "severity": "error"}
//	}
package policy
