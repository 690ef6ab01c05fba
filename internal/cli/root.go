// Package cli implements the gofib command line interface: running job
// files, analyzing their dependency structure, benchmarking the scheduler,
// and serving the monitoring API.
package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/me/gofib/internal/config"
	"github.com/me/gofib/internal/logging"
)

var (
	flagConfig    string
	flagDebug     bool
	flagLogLevel  string
	flagLogFormat string
	flagWorkers   int

	logger *slog.Logger
	cfg    config.Config
)

// NewRootCmd creates the root cobra command for the gofib CLI.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "gofib",
		Short: "Fiber-based work-stealing job scheduler",
		Long:  "gofib runs declarative job graphs on a pool of work-stealing fiber workers.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Default()
			if flagConfig != "" {
				loaded, err := config.Load(flagConfig)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			if cmd.Flags().Changed("log-level") || flagConfig == "" {
				cfg.Engine.LogLevel = flagLogLevel
			}
			if cmd.Flags().Changed("log-format") || flagConfig == "" {
				cfg.Engine.LogFormat = flagLogFormat
			}
			if flagDebug {
				cfg.Engine.LogLevel = "debug"
			}
			if flagWorkers > 0 {
				cfg.Engine.Workers = flagWorkers
			}
			logger = logging.NewLogger(logging.ParseLevel(cfg.Engine.LogLevel), cfg.Engine.LogFormat)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flagConfig, "config", "", "Path to YAML config file")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Shorthand for --log-level=debug")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "Log format (text, json, pretty)")
	root.PersistentFlags().IntVar(&flagWorkers, "workers", 0, "Worker thread count (0 for one per CPU)")

	root.AddCommand(
		newRunCmd(),
		newAnalyzeCmd(),
		newBenchCmd(),
		newMonitorCmd(),
	)

	return root
}
