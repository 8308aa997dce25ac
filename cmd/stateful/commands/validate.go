package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stateful/pkg/engine"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace",
		Long: `Validate the workspace without touching state.

This command checks:
  - stateful.yaml against its schema
  - Manifest syntax, entry fields and duplicate IDs
  - Handler scripts and modules compile
  - Every entry type has a handler and every dependency exists
  - Policies compile`,
		Example: `  # Validate the workspace in the current directory
  stateful validate

  # Validate another workspace
  stateful validate -c ./infra/stateful.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info().Str("config", configPath).Msg("Validating workspace")

			ctx, s, err := openSession(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer s.Close(ctx)

			desired, err := s.loadDesired(ctx)
			if err != nil {
				return err
			}
			if err := desired.Validate("desired"); err != nil {
				return err
			}
			for _, id := range desired.IDs() {
				e := desired[id]
				if _, ok := s.registry.Lookup(e.Type); !ok {
					return &engine.HandlerNotFoundError{Type: e.Type, EntryID: e.ID}
				}
			}

			gate, err := s.policyGate(ctx, "validate")
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Workspace %q is valid: %d entries, %d handlers, %d policies\n",
				s.ws.Name, len(desired), len(s.registry.Types()), len(gate.ListPolicies()))
			return nil
		},
	}

	return cmd
}
