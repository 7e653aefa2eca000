package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antoniostano/stroop/internal/config"
	"github.com/antoniostano/stroop/internal/observability"
)

var (
	logLevel string
	logDev   bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "stroop",
	Short: "Stroop color-word task with synchronized event markers",
	Long: `stroop presents Stroop blocks and writes an event marker for every
phase of every trial, to the marker stream and optionally to a serial
trigger line.

Use "serve" for the HTTP API and browser display, "run" to present one
block in this terminal.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		if cmd.Flags().Changed("log-level") {
			cfg.LogLevel = logLevel
		}
		if cmd.Flags().Changed("log-dev") {
			cfg.LogDevelopment = logDev
		}
		logger, err = observability.NewLogger(cfg.LogLevel, cfg.LogDevelopment)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logDev, "log-dev", false, "human readable console logs")

	rootCmd.AddCommand(serveCmd, runCmd, tableCmd, probeCmd, portsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "stroop: %v\n", err)
		os.Exit(1)
	}
}
