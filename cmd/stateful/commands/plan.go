package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stateful/pkg/config"
	"github.com/openfroyo/stateful/pkg/engine"
	"github.com/openfroyo/stateful/pkg/policy"
	"github.com/openfroyo/stateful/pkg/telemetry"
)

func newPlanCommand() *cobra.Command {
	var (
		outFile string
		dotFile string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the steps a deploy would take",
		Long: `Compare the desired entries with the recorded state and print the plan.

The plan:
  - Classifies each entry as create, update, replace or delete
  - Orders steps by dependency level
  - Shows a preview of every changed field
  - Reports policy violations without blocking

With --watch the plan is recomputed whenever a manifest or policy changes.`,
		Example: `  # Show the plan
  stateful plan

  # Save the plan and its execution graph
  stateful plan --out plan.json --dot plan.dot

  # Recompute on every manifest change
  stateful plan --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().
				Str("out", outFile).
				Str("dot", dotFile).
				Bool("watch", watch).
				Msg("Generating plan")

			ctx, s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			gate, err := s.policyGate(ctx, "plan")
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			run := func(ctx context.Context) error {
				return s.plan(ctx, out, gate, outFile, dotFile)
			}
			if !watch {
				return run(ctx)
			}

			s.tel.Metrics.StartMetricsServer(s.tel.Logger)
			logger := telemetry.FromContext(ctx).NewComponentLogger("plan-watch")
			if err := run(ctx); err != nil {
				logger.WithError(err).Error("plan failed")
			}

			paths := s.ws.ManifestPaths()
			if s.ws.Policy.Dir != "" {
				paths = append(paths, s.ws.Resolve(s.ws.Policy.Dir))
			}
			return config.NewWatcher(paths, 0).Run(ctx, func(ctx context.Context, changed []string) {
				if policyChanged(changed, s.ws) {
					if err := gate.ReloadPolicies(ctx); err != nil {
						logger.WithError(err).Error("failed to reload policies")
						return
					}
				}
				fmt.Fprintf(out, "\n--- %d file(s) changed, replanning ---\n", len(changed))
				if err := run(ctx); err != nil {
					logger.WithError(err).Error("plan failed")
				}
			})
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&dotFile, "dot", "", "write the execution graph in DOT format to this file")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "replan when manifests or policies change")

	return cmd
}

// plan computes and prints one plan.
func (s *session) plan(ctx context.Context, out io.Writer, gate *policy.Engine, outFile, dotFile string) error {
	desired, err := s.loadDesired(ctx)
	if err != nil {
		return err
	}
	prior, err := s.backend.Load(ctx)
	if err != nil {
		return err
	}

	planner, _ := s.engines("plan")
	plan, err := planner.Plan(ctx, desired, prior)
	if err != nil {
		var empty *engine.EntriesNotFoundError
		if errors.As(err, &empty) {
			fmt.Fprintln(out, "No entries declared and no recorded state.")
			return nil
		}
		return err
	}

	result, err := gate.EvaluatePlan(ctx, plan, desired, prior)
	if err != nil {
		return err
	}

	if outFile != "" {
		if err := writeJSONFile(outFile, plan); err != nil {
			return err
		}
	}
	if dotFile != "" {
		if err := os.WriteFile(dotFile, []byte(engine.ToDOT(plan)), 0o644); err != nil {
			return fmt.Errorf("failed to write DOT graph: %w", err)
		}
	}

	if jsonOutput {
		return writeJSON(out, struct {
			Plan   *engine.Plan         `json:"plan"`
			Policy *policy.PolicyResult `json:"policy"`
		}{plan, result})
	}
	fmt.Fprint(out, engine.RenderPlan(plan))
	renderPolicyResult(out, result)
	return nil
}

func renderPolicyResult(w io.Writer, result *policy.PolicyResult) {
	if result == nil {
		return
	}
	if len(result.Violations) > 0 {
		fmt.Fprintf(w, "\nPolicy violations:\n")
		for _, v := range result.Violations {
			fmt.Fprintf(w, "  [%s] %s: %s\n", v.Severity, v.Policy, v.Message)
			if v.Remediation != "" {
				fmt.Fprintf(w, "      %s\n", v.Remediation)
			}
		}
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}

// policyChanged reports whether any changed file is a policy in the
// workspace policy directory.
func policyChanged(changed []string, ws *config.Workspace) bool {
	if ws.Policy.Dir == "" {
		return false
	}
	dir := filepath.Clean(ws.Resolve(ws.Policy.Dir)) + string(filepath.Separator)
	for _, path := range changed {
		if policy.IsPolicyFile(path) && strings.HasPrefix(filepath.Clean(path), dir) {
			return true
		}
	}
	return false
}

func writeJSONFile(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := writeJSON(f, v); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
