package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stateful/pkg/engine"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect and edit recorded state",
		Long: `Inspect and edit the graph of applied entries kept by the state backend.

Editing commands hold the state lock. Removing an entry from state does not
delete the underlying resource.`,
	}

	cmd.AddCommand(newStateListCommand())
	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateRmCommand())
	cmd.AddCommand(newStateForceUnlockCommand())

	return cmd
}

func newStateListCommand() *cobra.Command {
	var entryType string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded entries",
		Example: `  # List every entry
  stateful state list

  # List entries of one type
  stateful state list --type vm`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			entries, err := s.backend.Load(ctx)
			if err != nil {
				return err
			}

			var selected []*engine.Entry
			for _, id := range entries.IDs() {
				if entryType == "" || entries[id].Type == entryType {
					selected = append(selected, entries[id])
				}
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return writeJSON(out, selected)
			}
			if len(selected) == 0 {
				fmt.Fprintln(out, "No entries recorded.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tDEPENDENCIES")
			for _, e := range selected {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", e.ID, e.Type, strings.Join(e.Dependencies, ","))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&entryType, "type", "t", "", "only list entries of this type")

	return cmd
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a recorded entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			entries, err := s.backend.Load(ctx)
			if err != nil {
				return err
			}
			e, ok := entries[args[0]]
			if !ok {
				return engine.NewPermanentError(fmt.Sprintf("entry not found: %s", args[0]), nil).
					WithCode(engine.ErrCodeNotFound)
			}
			return writeJSON(cmd.OutOrStdout(), e)
		},
	}
}

func newStateRmCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <id>",
		Short: "Forget a recorded entry",
		Long: `Remove an entry from state without calling its handler. The next deploy
treats it as absent and creates it again if it is still declared.

Entries that other recorded entries depend on cannot be removed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			id := args[0]
			log.Info().Str("entry", id).Msg("Removing entry from state")

			ctx, s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			unlock, err := s.backend.Lock(ctx, lockInfo("state rm"))
			if err != nil {
				return err
			}
			defer func() {
				if uerr := unlock(); uerr != nil && err == nil {
					err = fmt.Errorf("release state lock: %w", uerr)
				}
			}()

			entries, err := s.backend.Load(ctx)
			if err != nil {
				return err
			}
			if _, ok := entries[id]; !ok {
				return engine.NewPermanentError(fmt.Sprintf("entry not found: %s", id), nil).
					WithCode(engine.ErrCodeNotFound)
			}
			if dependents := entries.Dependents(id); len(dependents) > 0 {
				return engine.NewPermanentError(
					fmt.Sprintf("cannot remove %s: required by %s", id, strings.Join(dependents, ", ")), nil).
					WithCode(engine.ErrCodeValidation).
					WithEntry(id)
			}

			delete(entries, id)
			if err := s.backend.Save(ctx, entries); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state.\n", id)
			return nil
		},
	}
}

func newStateForceUnlockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "force-unlock [lock-id]",
		Short: "Release a stale state lock",
		Long: `Release the state lock held by a crashed or interrupted run. Without a lock
ID the current holder is shown.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, s, err := openSession(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				holder, err := s.backend.LockHolder(ctx)
				if err != nil {
					return err
				}
				if holder == nil {
					fmt.Fprintln(out, "State is not locked.")
					return nil
				}
				fmt.Fprintf(out, "Locked by %s (%s) since %s, lock ID %s\n",
					holder.Owner, holder.Operation, holder.Created.Format("2006-01-02 15:04:05"), holder.ID)
				return nil
			}

			log.Warn().Str("lock_id", args[0]).Msg("Forcing state unlock")
			if err := s.backend.ForceUnlock(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(out, "State unlocked.")
			return nil
		},
	}
}
