package cmd

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/batchflow/internal/config"
	"github.com/zjrosen/batchflow/internal/log"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Create and edit the config file",
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a commented default config file",
	Long: `Write the default config to PATH (default: --config, or
~/.config/batchflow/config.yaml). An existing file is kept unless --force.`,
	Args: cobra.MaximumNArgs(1),
	// Runs before a config exists, so skip loading one.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := cfgFile
		if len(args) == 1 {
			path = args[0]
		}
		if path == "" {
			path = config.DefaultConfigPath()
		}
		if _, err := os.Stat(path); err == nil && !configForce {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if err := config.WriteDefaultConfig(path); err != nil {
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return err
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set KEY VALUE",
	Short: "Set one config value, keeping comments",
	Long: `Set a dotted config key in the active config file, creating it if needed.
The resulting config must still be valid.

Examples:
  batchflow config set scheduler.concurrency 8
  batchflow config set executor.base_url https://ops.example.com/v1/operations
  batchflow config set tracing.enabled true`,
	Args: cobra.ExactArgs(2),
	// The current file may be the invalid one being fixed.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path := usedConfigPath()
		original, readErr := os.ReadFile(path) //nolint:gosec // G304: path is the active config file
		if readErr != nil && !errors.Is(readErr, os.ErrNotExist) {
			// Without the original there is nothing to roll back to.
			return fmt.Errorf("reading config %s: %w", path, readErr)
		}
		if err := config.SetValue(path, args[0], parseScalar(args[1])); err != nil {
			return err
		}

		if _, err := readConfig(viper.New(), path); err != nil {
			if rerr := restoreConfig(path, original, readErr); rerr != nil {
				return errors.Join(err, rerr)
			}
			return err
		}
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", args[0], path)
		return err
	},
}

// restoreConfig undoes a SetValue that produced an invalid config. A file
// that did not exist before is removed; one that could not be read is
// left alone.
func restoreConfig(path string, original []byte, readErr error) error {
	var err error
	switch {
	case errors.Is(readErr, os.ErrNotExist):
		err = os.Remove(path)
	case readErr == nil:
		err = os.WriteFile(path, original, 0o600)
	default:
		return nil
	}
	if err != nil {
		log.ErrorErr(log.CatConfig, "Restore config failed", err, "path", path)
		return fmt.Errorf("restoring config %s: %w", path, err)
	}
	return nil
}

// parseScalar types a command-line value the way YAML would.
func parseScalar(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

var versionCmd = &cobra.Command{
	Use:               "version",
	Short:             "Print the version",
	Args:              cobra.NoArgs,
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "batchflow %s\n", version)
		return err
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configSetCmd)
	rootCmd.AddCommand(configCmd, versionCmd)
}
