package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/loopcam/internal/config"
)

const redacted = "[REDACTED]"

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing loopcam configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format.

With no config file and no LOOPCAM_ environment variables this shows every
option with its default value. Redirect it to a file to create a template:

  loopcam config dump > config.yaml

Configuration can be set via:
  - Config file (./config.yaml, $HOME/.loopcam/config.yaml, /etc/loopcam/config.yaml)
  - Environment variables (LOOPCAM_STORAGE_BUCKET, LOOPCAM_CAPTURE_DEVICE, etc.)
  - Command-line flags (for some options)

Environment variables use the LOOPCAM_ prefix and underscores for nesting.
Example: storage.bucket -> LOOPCAM_STORAGE_BUCKET

Credentials are redacted unless --show-secrets is given.`,
	RunE: runConfigDump,
}

func init() {
	configDumpCmd.Flags().Bool("show-secrets", false, "print credentials instead of redacting them")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// redactSecrets blanks credentials that are set.
func redactSecrets(cfg *config.Config) {
	for _, s := range []*string{
		&cfg.Storage.AccessKey,
		&cfg.Storage.SecretKey,
		&cfg.Storage.SessionToken,
		&cfg.Database.DSN,
	} {
		if *s != "" {
			*s = redacted
		}
	}
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if show, _ := cmd.Flags().GetBool("show-secrets"); !show {
		redactSecrets(cfg)
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "# loopcam Configuration File")
	fmt.Fprintln(out, "# ===========================")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "# Duration format: 30s, 5m, 1h")
	fmt.Fprintln(out, "# Size format: 5MiB, 8MB, or a raw byte count")
	fmt.Fprintln(out, "#")
	fmt.Fprintln(out, "")
	fmt.Fprint(out, string(yamlData))

	return nil
}
