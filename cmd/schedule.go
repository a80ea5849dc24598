package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newScheduleCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Runs every enabled platform that is due",
		Long: `Runs one scheduler pass: each enabled platform whose cron schedule has
fired since its last completed run is indexed in turn. Suitable for an
external cron or Cloud Scheduler job. --force ignores schedules.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			services, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := services.RunDue(cmd.Context(), force)
			for _, run := range runs {
				printRun(cmd.OutOrStdout(), run)
			}
			if err != nil {
				services.Logger().Error("scheduler pass finished with errors", zap.Error(err))
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "run every enabled platform regardless of schedule")
	return cmd
}
