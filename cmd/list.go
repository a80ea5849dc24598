package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists registered platforms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reg := services.Registry()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "PLATFORM\tENABLED\tDESCRIPTION")
			for _, d := range reg.All() {
				fmt.Fprintf(tw, "%s\t%t\t%s\n", d.Platform, reg.IsEnabled(d.Platform), d.Description)
			}
			return tw.Flush()
		},
	}
}
