package cmd

import (
	"github.com/pyama86/mixstatus/handler"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the services, service_events and job_runs tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()
		return handler.Migrate(ctx, configPath)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
