package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/nerrad567/pebble-core/internal/infrastructure/config"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// configEnv names the environment variable that overrides the config path.
const configEnv = "PEBBLE_CONFIG"

// rootOptions carries flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "pebblecore",
		Short: "Lifecycle service for pebble IoT devices",
		Long: `Pebble Core ingests registration, binding and data events for pebble
devices and keeps the device registry, binding and data relations in SQLite.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"config file (default $"+configEnv+" or "+defaultConfigPath+")")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newTokenCmd(opts),
		newVersionCmd(),
	)

	return cmd
}

// path resolves the config file: --config, then PEBBLE_CONFIG, then the default.
func (o *rootOptions) path() (path string, explicit bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	if env := os.Getenv(configEnv); env != "" {
		return env, true
	}
	return defaultConfigPath, false
}

// load reads the configuration. A missing file at the default location
// falls back to built-in defaults; a missing file that was asked for
// explicitly is an error.
func (o *rootOptions) load() (*config.Config, string, error) {
	path, explicit := o.path()

	cfg, err := config.Load(path)
	if err == nil {
		return cfg, path, nil
	}
	if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}

	cfg, err = config.Default()
	if err != nil {
		return nil, "", fmt.Errorf("loading default config: %w", err)
	}
	return cfg, "", nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "pebblecore %s\ncommit: %s\nbuilt: %s\n", version, commit, date)
		},
	}
}
