package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pyama86/mixstatus/handler"
	"github.com/pyama86/mixstatus/workflow"
	"github.com/spf13/cobra"
)

var triggerData string

var triggerCmd = &cobra.Command{
	Use:   "trigger <event>",
	Short: "Send an event and run the triggered functions in this process until they finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		var data json.RawMessage
		if triggerData != "" {
			if !json.Valid([]byte(triggerData)) {
				return fmt.Errorf("--data must be JSON")
			}
			data = json.RawMessage(triggerData)
		}

		// 他のワーカーに渡さずこのプロセスで実行する
		app, err := handler.Build(ctx, configPath, "memory")
		if err != nil {
			return err
		}
		defer app.Close()

		// 常駐プロセスのランを横取りしないよう再開はしない
		if err := app.Engine.StartWorkers(ctx); err != nil {
			return err
		}
		ids, err := app.Engine.Send(ctx, workflow.Event{Name: args[0], Data: data})
		if err != nil {
			return err
		}
		if err := app.Engine.Wait(ctx); err != nil {
			return err
		}

		for _, id := range ids {
			run, err := app.Engine.Runs().FindRun(ctx, id)
			if err != nil || run == nil {
				continue
			}
			slog.Info("Run finished",
				slog.String("run_id", run.ID),
				slog.String("function", run.Function),
				slog.String("state", string(run.State)),
				slog.String("output", run.Output),
				slog.String("error", run.Error))
		}
		return nil
	},
}

func init() {
	triggerCmd.Flags().StringVar(&triggerData, "data", "", "event data as JSON")
	rootCmd.AddCommand(triggerCmd)
}
