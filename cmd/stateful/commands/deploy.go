package commands

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stateful/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Apply the plan and save the resulting state",
		Long: `Plan, check policies, ask for confirmation and apply.

The state lock is held for the whole run. Steps run level by level. A failed
step keeps its last applied record: dependents still run against that record,
and are skipped only when the failed entry was never applied. A delete is
skipped while a kept entry still depends on it. The graph of applied entries
is saved even when some steps fail or the run is interrupted, and the command
then exits non-zero.`,
		Example: `  # Deploy interactively
  stateful deploy

  # Deploy without confirmation (CI)
  stateful deploy --auto-approve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Bool("auto_approve", autoApprove).Msg("Deploying")
			return reconcile(cmd, "deploy", autoApprove, false)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip interactive approval")

	return cmd
}

func newDestroyCommand() *cobra.Command {
	var autoApprove bool

	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete every recorded entry",
		Long: `Plan against an empty desired graph and apply it. Entries are deleted in
reverse dependency order. Policies still apply, so entries with
prevent_destroy set block the run.`,
		Example: `  stateful destroy --auto-approve`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Bool("auto_approve", autoApprove).Msg("Destroying")
			return reconcile(cmd, "destroy", autoApprove, true)
		},
	}

	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "skip interactive approval")

	return cmd
}

// reconcile runs one locked plan/apply/persist cycle. destroy plans
// against an empty desired graph.
func reconcile(cmd *cobra.Command, operation string, autoApprove, destroy bool) error {
	ctx, s, err := openSession(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	out := cmd.OutOrStdout()

	desired := engine.EntryStates{}
	if !destroy {
		desired, err = s.loadDesired(ctx)
		if err != nil {
			return err
		}
	}

	gate, err := s.policyGate(ctx, operation)
	if err != nil {
		return err
	}

	planner, executor := s.engines(operation)
	opts := []engine.ReconcilerOption{engine.WithPlanGate(gate)}
	if recorder, ok := s.backend.(engine.RunRecorder); ok {
		opts = append(opts, engine.WithRunRecorder(recorder))
	}
	opts = append(opts, engine.WithApprover(func(ctx context.Context, plan *engine.Plan) (bool, error) {
		fmt.Fprint(out, engine.RenderPlan(plan))
		if autoApprove {
			return true, nil
		}
		return confirm(cmd.InOrStdin(), out, operation)
	}))

	result, err := engine.NewReconciler(planner, executor, s.backend, opts...).
		Reconcile(ctx, desired, lockInfo(operation))
	if err != nil {
		var empty *engine.EntriesNotFoundError
		if errors.As(err, &empty) {
			fmt.Fprintln(out, "Nothing to do: no entries declared and no recorded state.")
			return nil
		}
		if engine.IsPolicyViolation(err) {
			fmt.Fprintln(out, "Plan blocked by policy.")
		}
		return err
	}

	switch {
	case result.Plan.IsEmpty():
		fmt.Fprint(out, engine.RenderPlan(result.Plan))
		return nil
	case !result.Approved:
		fmt.Fprintf(out, "Plan not approved; %s cancelled.\n", operation)
		return nil
	}

	if jsonOutput {
		if err := writeJSON(out, result.Apply); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out, engine.RenderApplyResult(result.Apply))
	}

	if result.Apply.HasErrors() {
		return fmt.Errorf("%s finished with %d failed step(s): %w",
			operation, len(result.Apply.Errors), errors.Join(result.Apply.Errors...))
	}
	return nil
}

// confirm asks the operator to type "yes".
func confirm(in io.Reader, out io.Writer, operation string) (bool, error) {
	fmt.Fprintf(out, "\nDo you want to %s these changes? Only 'yes' will be accepted.\n  Enter a value: ", operation)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}
	return strings.TrimSpace(line) == "yes", nil
}
