package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/stateful/pkg/config"
	"github.com/openfroyo/stateful/pkg/stores"
)

const exampleManifest = `# Desired entries. Each entry names its type, which selects a handler
# declared in stateful.yaml, and the entries it depends on.
entries: {}
`

func newInitCommand() *cobra.Command {
	var (
		name    string
		backend string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a workspace",
		Long: `Initialize a workspace with a stateful.yaml file, a manifests directory and
a state directory.

The file backend keeps state in a JSON document; the sqlite backend also keeps
run history and events.`,
		Example: `  # Initialize the current directory
  stateful init

  # Initialize with run history kept in SQLite
  stateful init --backend sqlite ./infra`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			if name == "" {
				abs, err := filepath.Abs(dir)
				if err != nil {
					return err
				}
				name = filepath.Base(abs)
			}

			log.Info().
				Str("dir", dir).
				Str("name", name).
				Str("backend", backend).
				Msg("Initializing workspace")

			ws := config.DefaultWorkspace(name)
			switch stores.BackendType(backend) {
			case stores.BackendFile:
			case stores.BackendSQLite:
				ws.Backend = stores.BackendConfig{Type: stores.BackendSQLite, Path: ".stateful/state.db"}
			default:
				return fmt.Errorf("unsupported backend %q (want file or sqlite)", backend)
			}
			if err := ws.Validate(); err != nil {
				return fmt.Errorf("invalid workspace: %w", err)
			}

			wsPath := filepath.Join(dir, config.WorkspaceFile)
			if _, err := os.Stat(wsPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", wsPath)
			}

			for _, d := range []string{dir, filepath.Join(dir, ".stateful"), filepath.Join(dir, "manifests")} {
				if err := os.MkdirAll(d, 0o755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", d, err)
				}
			}
			if err := ws.Save(wsPath); err != nil {
				return err
			}

			manifestPath := filepath.Join(dir, "manifests", "entries.yaml")
			if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
				if err := os.WriteFile(manifestPath, []byte(exampleManifest), 0o644); err != nil {
					return fmt.Errorf("failed to write manifest: %w", err)
				}
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Initialized workspace %q in %s\n\n", name, dir)
			fmt.Fprintf(out, "Next steps:\n")
			fmt.Fprintf(out, "  1. Declare handlers in %s\n", config.WorkspaceFile)
			fmt.Fprintf(out, "  2. Add entries under manifests/\n")
			fmt.Fprintf(out, "  3. Run: stateful plan\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "workspace name (default: directory name)")
	cmd.Flags().StringVar(&backend, "backend", string(stores.BackendFile), "state backend (file, sqlite)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing workspace file")

	return cmd
}
