package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskbroker/pkg/heuristics"
	"taskbroker/pkg/protocol"
)

// newHeuristicCmd creates the "taskbroker heuristic" command group.
func newHeuristicCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "heuristic",
		Short: "Manage heuristic definitions used to score results",
	}
	cmd.AddCommand(newHeuristicAddCmd(g), newHeuristicListCmd(g))
	return cmd
}

func newHeuristicAddCmd(g *globalFlags) *cobra.Command {
	var h protocol.Heuristic

	cmd := &cobra.Command{
		Use:   "add <heur_id>",
		Short: "Create or update a heuristic",
		Long:  "Saves a heuristic definition. IDs are upper-cased, e.g. EXTRACT.1.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h.HeurID = strings.ToUpper(args[0])
			if h.Name == "" {
				return fmt.Errorf("--name is required")
			}
			if h.AttackID != "" && !heuristics.ValidAttackID(h.AttackID) {
				return fmt.Errorf("invalid attack id %q", h.AttackID)
			}
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

			changed, err := store.SaveHeuristics(ctx, []protocol.Heuristic{h})
			if err != nil {
				return err
			}
			if len(changed) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s unchanged\n", h.HeurID)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", h.HeurID)
			return nil
		},
	}

	cmd.Flags().StringVar(&h.Name, "name", "", "heuristic name")
	cmd.Flags().StringVar(&h.Description, "description", "", "heuristic description")
	cmd.Flags().IntVar(&h.Score, "score", 0, "score added to results that raise it")
	cmd.Flags().StringVar(&h.AttackID, "attack-id", "", "ATT&CK technique, tactic, software or group id")
	cmd.Flags().StringVar(&h.FileType, "filetype", "*", "file type the heuristic applies to")
	cmd.Flags().StringVar(&h.Classification, "classification", "", "classification marking")
	return cmd
}

func newHeuristicListCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List heuristic definitions",
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

			hs, err := store.ListAllHeuristics(ctx)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSCORE\tATTACK\tNAME")
			for _, h := range hs {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", h.HeurID, h.Score, h.AttackID, h.Name)
			}
			return tw.Flush()
		},
	}
}
