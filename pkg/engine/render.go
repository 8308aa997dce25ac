package engine

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RenderPlan formats a plan for terminal output, level by level, with the
// preview of every update and replace.
func RenderPlan(plan *Plan) string {
	var sb strings.Builder

	if plan.IsEmpty() {
		sb.WriteString("No changes. Infrastructure matches the desired state.\n")
		return sb.String()
	}

	for level, steps := range plan.Levels() {
		fmt.Fprintf(&sb, "Level %d:\n", level)
		for _, step := range steps {
			fmt.Fprintf(&sb, "  %-3s %s (%s)", step.Action.Symbol(), step.EntryID, step.Type)
			if step.Action == ActionReplace {
				sb.WriteString(" must be replaced")
			}
			sb.WriteString("\n")
			for _, c := range step.Preview.AllChanges() {
				renderChange(&sb, c)
			}
		}
	}

	if len(plan.Retiring) > 0 {
		fmt.Fprintf(&sb, "Superseded resources still to delete: %s\n", strings.Join(plan.Retiring, ", "))
	}

	s := plan.Summary
	fmt.Fprintf(&sb, "\nPlan: %d to create, %d to update, %d to replace, %d to delete.\n",
		s.ToCreate, s.ToUpdate, s.ToReplace, s.ToDelete)
	return sb.String()
}

func renderChange(sb *strings.Builder, c Change) {
	path := c.Path
	if path == "" {
		path = "(parameters)"
	}
	switch c.Action {
	case ChangeActionAdd:
		fmt.Fprintf(sb, "        + %s = %s\n", path, renderValue(c.After))
	case ChangeActionRemove:
		fmt.Fprintf(sb, "        - %s = %s\n", path, renderValue(c.Before))
	default:
		fmt.Fprintf(sb, "        ~ %s: %s -> %s\n", path, renderValue(c.Before), renderValue(c.After))
	}
}

func renderValue(v interface{}) string {
	if v == nil {
		return "null"
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// RenderApplyResult formats the outcome of an apply for terminal output.
func RenderApplyResult(result *ApplyResult) string {
	var sb strings.Builder

	for _, o := range result.Outcomes {
		fmt.Fprintf(&sb, "  %-9s %-7s %s", o.Status, o.Action, o.EntryID)
		if o.Error != "" {
			fmt.Fprintf(&sb, ": %s", o.Error)
		}
		sb.WriteString("\n")
	}

	summary := Summarize(result.Outcomes)
	fmt.Fprintf(&sb, "\nApply %s: %d succeeded, %d failed, %d skipped.\n",
		result.Status(), summary.Succeeded, summary.Failed, summary.Skipped)

	// Superseded-resource deletes have no outcome of their own.
	extra := len(result.Errors) - summary.Failed - countCancelled(result.Outcomes)
	if extra > 0 {
		msgs := make([]string, 0, extra)
		for _, err := range result.Errors {
			msgs = append(msgs, err.Error())
		}
		sort.Strings(msgs)
		sb.WriteString("Errors:\n")
		for _, m := range msgs {
			fmt.Fprintf(&sb, "  %s\n", m)
		}
	}
	return sb.String()
}

func countCancelled(outcomes []StepOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Status == StepStatusCancelled {
			n++
		}
	}
	return n
}
