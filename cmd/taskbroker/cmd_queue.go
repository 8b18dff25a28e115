package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"taskbroker/pkg/dispatchclient"
	"taskbroker/pkg/protocol"
	"taskbroker/pkg/queue"
)

// newQueueCmd creates the "taskbroker queue" command group.
func newQueueCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and feed the service task queues",
		Long:  "Works against the redis queue backend; the memory backend is only\nreachable from inside serve.",
	}
	cmd.AddCommand(newQueuePushCmd(g), newQueueLengthCmd(g))
	return cmd
}

func newQueuePushCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "push [task.json]",
		Short: "Queue a task for its service",
		Long:  "Reads a task document from the given file, or stdin when omitted,\nand appends it to the queue of its service_name.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}

			var r io.Reader = cmd.InOrStdin()
			if len(args) == 1 {
				f, err := os.Open(args[0])
				if err != nil {
					return xerrors.Errorf("open task: %w", err)
				}
				defer func() { _ = f.Close() }()
				r = f
			}
			data, err := io.ReadAll(r)
			if err != nil {
				return xerrors.Errorf("read task: %w", err)
			}
			task, err := protocol.ParseTask(json.RawMessage(data))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()

			client := dispatchclient.New(queue.NewRedis(rdb), queue.NewRedisIssues(rdb), nil)
			if err := client.Submit(ctx, task); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s for %s\n", task.SID, task.ServiceName)
			return nil
		},
	}
}

func newQueueLengthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "length [service]",
		Short: "Show queue depths",
		Long:  "Prints the depth of one service queue, or of every non-empty queue.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rdb, err := openRedis(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = rdb.Close() }()
			q := queue.NewRedis(rdb)

			names := args
			if len(names) == 0 {
				if names, err = q.Services(ctx); err != nil {
					return err
				}
				sort.Strings(names)
			}
			w := cmd.OutOrStdout()
			for _, name := range names {
				n, err := q.Length(ctx, name)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%d\n", name, n)
			}
			return nil
		},
	}
}
