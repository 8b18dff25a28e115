package main

import (
	"fmt"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"taskbroker/internal/config"
	tblog "taskbroker/internal/logging"
	"taskbroker/internal/version"
)

var log = logging.Logger("cli")

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	logLevel   string
}

// load reads the configuration and applies the log level. An explicit
// --log-level wins over the file.
func (g *globalFlags) load() (config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.logLevel != "" {
		cfg.LogLevel = g.logLevel
	}
	if err := tblog.Setup(cfg.LogLevel); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newRootCmd creates the root taskbroker command with all subcommands attached.
func newRootCmd() *cobra.Command {
	var g globalFlags

	cmd := &cobra.Command{
		Use:           "taskbroker",
		Short:         "Task broker between the dispatcher and analysis service workers",
		Long:          "taskbroker hands queued analysis tasks to connected service workers,\nshort-circuits cached results and forwards worker outcomes downstream.",
		Version:       fmt.Sprintf("taskbroker %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (YAML, or TOML by .toml extension)")
	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	cmd.AddCommand(
		newServeCmd(&g),
		newConfigCmd(),
		newQueueCmd(&g),
		newServiceCmd(&g),
		newHeuristicCmd(&g),
		newHashListCmd(&g, safelist),
		newHashListCmd(&g, badlist),
		newReapCmd(&g),
		newStatusCmd(&g),
		newVersionCmd(),
	)

	return cmd
}

// newVersionCmd creates the "taskbroker version" subcommand.
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskbroker version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "taskbroker %s\n", version.String())
			return nil
		},
	}
}
