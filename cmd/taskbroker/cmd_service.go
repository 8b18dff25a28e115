package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskbroker/pkg/datastore"
)

// newServiceCmd creates the "taskbroker service" command group.
func newServiceCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "List, enable and disable registered services",
	}
	cmd.AddCommand(
		newServiceListCmd(g),
		newServiceToggleCmd(g, "enable", true),
		newServiceToggleCmd(g, "disable", false),
	)
	return cmd
}

func newServiceListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered services at their current version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			services, err := store.ListAllServices(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tVERSION\tENABLED\tCATEGORY\tTIMEOUT")
			for _, s := range services {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%ds\n", s.Name, s.Version, s.Enabled, s.Category, s.Timeout)
			}
			return tw.Flush()
		},
	}
}

func newServiceToggleCmd(g *globalFlags, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <name>",
		Short: fmt.Sprintf("%s every version of a service", verb),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.SetServiceEnabled(ctx, args[0], enabled); err != nil {
				if errors.Is(err, datastore.ErrNotFound) {
					return fmt.Errorf("service %s is not registered", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", args[0], verb)
			return nil
		},
	}
}
