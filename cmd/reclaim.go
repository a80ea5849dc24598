package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReclaimCmd() *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Fails runs whose heartbeat has expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := services.Reclaim(cmd.Context(), maxAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d stale runs\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", time.Hour, "heartbeat age after which a running run is abandoned")
	return cmd
}
