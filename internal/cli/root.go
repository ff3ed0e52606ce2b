// Package cli implements the logstream command line.
package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/logstream/common/config"
	"github.com/telhawk-systems/logstream/common/logging"
	"github.com/telhawk-systems/logstream/internal/sink"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "logstream",
	Short: "Stream log query results and event channels",
	Long: `logstream polls asynchronous log queries and event channels on a remote
logging service, reassembles their pages into ordered per-job streams and
optionally correlates L2 and L3 traffic records by session.

Results are written to stdout and to any sinks enabled in the configuration
(NATS, JetStream, OpenSearch).`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Close()
		}
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $LOGSTREAM_CONFIG_DIR/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().String("output", sink.FormatJSON, "record output format: json, yaml")
}

func setup(cmd *cobra.Command, _ []string) error {
	var err error
	if cfgFile != "" {
		cfg, err = config.LoadFile(cfgFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}

	// Logs go to stderr; stdout carries records.
	l, err := logging.NewTo(cmd.ErrOrStderr(), logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		l.Warn("Could not open log file, logging to console only",
			slog.String("path", cfg.Logging.File), logging.Error(err))
	}
	logger = l.With(logging.Service("logstream"))
	logging.SetDefault(logger)
	return nil
}

// newStream builds the stdout sink for the --output format.
func newStream(cmd *cobra.Command, opts ...sink.StreamOption) (*sink.Stream, error) {
	format, _ := cmd.Flags().GetString("output")
	return sink.NewStream(cmd.OutOrStdout(), format, opts...)
}
