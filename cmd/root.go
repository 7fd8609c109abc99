package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/pyama86/mixstatus/handler"
	"github.com/spf13/cobra"
)

var (
	configPath string
	debug      bool
)

var rootCmd = &cobra.Command{
	Use:   "mixstatus",
	Short: "mixstatus ingests third-party status feeds and normalizes their events",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debug {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run job workers, schedules and the HTTP trigger surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// デフォルトはホームディレクトリのmixstatus.toml
	home, err := os.UserHomeDir()
	if err != nil {
		slog.Error("Failed to get user home directory", slog.Any("err", err))
		os.Exit(1)
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", path.Join(home, "mixstatus.toml"), "config file path")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(serveCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serve() error {
	ctx, cancel := signalContext()
	defer cancel()

	if err := handler.Handle(ctx, configPath); err != nil {
		return err
	}
	slog.Info("Server stopped")
	return nil
}
