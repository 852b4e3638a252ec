package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/paulswartz/data-platform/pkg/config"
	"github.com/paulswartz/data-platform/pkg/dmap"
	"github.com/paulswartz/data-platform/pkg/storage"
	"github.com/paulswartz/data-platform/pkg/watermark"
)

func newEndpointsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "endpoints",
		Short: "List the endpoint catalog and resolved URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return printEndpoints(cmd.OutOrStdout(), cfg)
		},
	}
}

func printEndpoints(out io.Writer, cfg *config.Config) error {
	dc := dmapConfig(cfg)
	selected := map[string]bool{}
	if eps, err := selectEndpoints(cfg); err == nil {
		for _, ep := range eps {
			selected[ep.LogicalID] = true
		}
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tCATEGORY\tENVIRONMENT\tSELECTED\tURL")
	for _, ep := range dmap.Endpoints() {
		u, err := dc.EndpointURL(ep)
		if err != nil {
			u = "error: " + err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
			ep.LogicalID, ep.Category, dc.EnvironmentFor(ep.LogicalID), selected[ep.LogicalID], u)
	}
	return w.Flush()
}

func newStateCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show stored watermarks and the next listing cursors",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			return printState(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
}

func printState(ctx context.Context, out io.Writer, cfg *config.Config) error {
	opener := storage.NewOpener(storageOptions(cfg), nil)
	defer opener.Close()

	dir, key := splitStateURL(cfg.Sync.StateURL)
	b, err := opener.Open(ctx, dir)
	if err != nil {
		return err
	}
	store, err := watermark.Load(ctx, b, key)
	if store == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(out, "warning: %v\n", err)
	}
	if store.Len() == 0 {
		fmt.Fprintf(out, "no watermarks in %s\n", cfg.Sync.StateURL)
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tLAST_UPDATED\tNEXT_CURSOR")
	for _, id := range store.IDs() {
		mark, _ := store.Get(id)
		fmt.Fprintf(w, "%s\t%s\t%s\n", id, dmap.FormatTimestamp(mark), dmap.FormatTimestamp(*store.NextCursor(id)))
	}
	return w.Flush()
}
