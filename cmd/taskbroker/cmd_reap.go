package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"taskbroker/pkg/broker"
	"taskbroker/pkg/dispatchclient"
	"taskbroker/pkg/queue"
)

// newReapCmd creates the "taskbroker reap" subcommand.
func newReapCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail the queued tasks of disabled or removed services once",
		Long:  "Runs a single stale queue sweep: every queue whose service is disabled\nor no longer registered is drained, each task failing as non-recoverable.",
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
			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			q := queue.NewRedis(rdb)
			client := dispatchclient.New(q, queue.NewRedisIssues(rdb), store)
			reaper := broker.NewReaper(q, store, client, cfg.Broker.ReaperInterval.Std())
			n, err := reaper.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "failed %d stale task(s)\n", n)
			return nil
		},
	}
}
