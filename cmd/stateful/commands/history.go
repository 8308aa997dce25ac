package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/stateful/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit int
		runID string
		prune int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past runs",
		Long: `List deploy and destroy runs with their step counts. Requires the sqlite
state backend, which records every run and its step outcomes.`,
		Example: `  # Last 20 runs
  stateful history

  # Step outcomes of one run
  stateful history --run 0b6f...

  # Keep only the 50 newest runs
  stateful history --prune 50`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			store, ok := s.backend.(*stores.SQLiteStore)
			if !ok {
				return fmt.Errorf("run history requires the sqlite backend (workspace uses %s)", s.backend.Name())
			}
			out := cmd.OutOrStdout()

			if cmd.Flags().Changed("prune") {
				removed, err := store.PruneRuns(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Pruned %d run(s).\n", removed)
				return nil
			}

			if runID != "" {
				outcomes, err := store.GetRunOutcomes(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, outcomes)
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "LEVEL\tENTRY\tACTION\tSTATUS\tDURATION\tERROR")
				for _, o := range outcomes {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
						o.Order, o.EntryID, o.Action, o.Status, o.Duration.Round(time.Millisecond), o.Error)
				}
				return tw.Flush()
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(out, runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs recorded.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tCOMMAND\tSTATUS\tSTARTED\tSTEPS\tFAILED\tUSER")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
					r.ID, r.Command, r.Status, r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Summary.Total, r.Summary.Failed, r.User)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the step outcomes of this run")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the newest N runs")

	return cmd
}
