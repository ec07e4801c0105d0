package cmd

import (
	"fmt"
	"strings"

	"github.com/Layr-Labs/deferred-check/pkg/dropChecker"
	"github.com/spf13/cobra"
)

func newChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain",
		Short: "Print the migration history in dependency order",
		Long: `Prints one line per revision, parents before children:

  <revision> <parents|-> <file>`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, l, _, err := setup()
			if err != nil {
				return err
			}
			defer l.Sync() //nolint:errcheck

			if err := cfg.ValidateMigrationsPath(); err != nil {
				return err
			}

			checker := dropChecker.NewDropChecker(&dropChecker.DropCheckerConfig{
				MigrationsPath: cfg.DbMigrationsPath,
			}, nil, l, nil)
			graph, err := checker.LoadHistory()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, n := range graph.Ordered() {
				parents := "-"
				if len(n.Script.DownRevisions) > 0 {
					parents = strings.Join(n.Script.DownRevisions, ",")
				}
				if _, err := fmt.Fprintf(out, "%s %s %s\n", n.Revision(), parents, n.Script.File); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
