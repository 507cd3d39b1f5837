package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-recon/internal/observability"
	"github.com/xkilldash9x/scalpel-recon/internal/tools"
)

// newToolsCmd creates the `tools` command, which lists the catalogue and
// where each binary resolved.
func newToolsCmd(toolOpts ...tools.Option) *cobra.Command {
	var missingOnly bool

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List catalogued tools and whether they are installed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			catalog := tools.NewRegistry(cfg.Tools, observability.GetLogger(), toolOpts...)

			out := cmd.OutOrStdout()
			installed := 0
			infos := catalog.Describe()
			for _, info := range infos {
				if info.Available {
					installed++
					if missingOnly {
						continue
					}
					fmt.Fprintf(out, "  %-14s %-14s %s\n", info.Name, info.Binary, info.Path)
					continue
				}
				fmt.Fprintf(out, "  %-14s %-14s (not found)\n", info.Name, info.Binary)
			}
			fmt.Fprintf(out, "%d/%d tools available\n", installed, len(infos))
			return nil
		},
	}

	cmd.Flags().BoolVar(&missingOnly, "missing", false, "Only list tools whose binary is not installed")
	return cmd
}
