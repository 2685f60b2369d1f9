// Package cmd implements the CLI commands for loopcam.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/loopcam/internal/config"
	"github.com/jmylchreest/loopcam/internal/observability"
	"github.com/jmylchreest/loopcam/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "loopcam",
	Short:   "Loop recorder for cameras with streaming S3 upload",
	Version: version.Short(),
	Long: `loopcam keeps the last few seconds of H.264 video from a camera in memory
and, when asked to stop, uploads that window to S3 (or a local directory)
starting at a decodable header frame.

It can also take single still snaps, repeat them on a cron schedule, and
clean up multipart uploads left behind by interrupted runs.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags
	// Note: These flags are NOT bound to viper. loadConfig checks whether they
	// were explicitly set using Changed() and only then overrides the
	// config/env values. This preserves the priority: CLI flag > env var >
	// config > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml, $HOME/.loopcam/config.yaml or /etc/loopcam/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "text", "log format (text, json)")
}

// loadConfig reads the configuration, applies explicitly set flags through
// override, validates the result and installs the default logger.
func loadConfig(cmd *cobra.Command, override func(*config.Config, *cobra.Command) error) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		level, _ := flags.GetString("log-level")
		cfg.Logging.Level = strings.ToLower(level)
	}
	if flags.Changed("log-format") {
		format, _ := flags.GetString("log-format")
		cfg.Logging.Format = strings.ToLower(format)
	}
	// Handle "warning" as an alias for "warn"
	if cfg.Logging.Level == "warning" {
		cfg.Logging.Level = "warn"
	}

	if override != nil {
		if err := override(cfg, cmd); err != nil {
			return nil, nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating config: %w", err)
	}

	logger := observability.NewLoggerWithWriter(cfg.Logging, os.Stderr)
	observability.SetDefault(logger)

	return cfg, logger, nil
}
