package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"taskbroker/pkg/datastore"
	"taskbroker/pkg/protocol"
)

// hashList binds one of the two lists to its store methods.
type hashList struct {
	name string
	save func(s *datastore.Store, ctx context.Context, item protocol.ListItem) error
	get  func(s *datastore.Store, ctx context.Context, qhash string) (*protocol.ListItem, error)
}

var (
	safelist = hashList{name: "safelist", save: (*datastore.Store).SaveSafelist, get: (*datastore.Store).GetSafelist}
	badlist  = hashList{name: "badlist", save: (*datastore.Store).SaveBadlist, get: (*datastore.Store).GetBadlist}
)

// newHashListCmd creates the "taskbroker safelist" or "taskbroker badlist"
// command group.
func newHashListCmd(g *globalFlags, l hashList) *cobra.Command {
	cmd := &cobra.Command{
		Use:   l.name,
		Short: fmt.Sprintf("Manage the %s services query by hash or tag", l.name),
	}
	cmd.AddCommand(newHashListAddCmd(g, l), newHashListGetCmd(g, l))
	return cmd
}

func newHashListAddCmd(g *globalFlags, l hashList) *cobra.Command {
	var (
		item     protocol.ListItem
		tag      protocol.ListTag
		source   protocol.ListSource
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a file hash or a tag to the " + l.name,
		Long:  "Adds a file by --sha256, --sha1 or --md5, or a tag by --tag-type and --tag-value.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			item.Type = protocol.ListTypeFile
			if tag.Type != "" || tag.Value != "" {
				item.Type = protocol.ListTypeTag
				item.Tag = &tag
			}
			item.Enabled = !disabled
			if source.Name != "" {
				item.Sources = []protocol.ListSource{source}
			}
			if err := item.Validate(); err != nil {
				return err
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

			if err := l.save(store, ctx, item); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s to %s\n", item.ID(), l.name)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&item.Hashes.SHA256, "sha256", "", "file sha256")
	f.StringVar(&item.Hashes.SHA1, "sha1", "", "file sha1")
	f.StringVar(&item.Hashes.MD5, "md5", "", "file md5")
	f.StringVar(&item.Hashes.SSDeep, "ssdeep", "", "file ssdeep hash")
	f.StringVar(&item.Hashes.TLSH, "tlsh", "", "file tlsh hash")
	f.StringVar(&tag.Type, "tag-type", "", "tag type, e.g. network.static.domain")
	f.StringVar(&tag.Value, "tag-value", "", "tag value")
	f.StringVar(&item.Classification, "classification", "", "classification marking")
	f.StringVar(&source.Name, "source", "", "who listed the item")
	f.StringVar(&source.Type, "source-type", "user", "source type (user or external)")
	f.StringSliceVar(&source.Reason, "reason", nil, "why the item is listed")
	f.BoolVar(&disabled, "disabled", false, "store the item disabled")
	return cmd
}

func newHashListGetCmd(g *globalFlags, l hashList) *cobra.Command {
	return &cobra.Command{
		Use:   "get <hash>",
		Short: "Show the " + l.name + " item matching a hash or item id",
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

			item, err := l.get(store, ctx, args[0])
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(item)
		},
	}
}
