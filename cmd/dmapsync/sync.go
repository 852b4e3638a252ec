package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/paulswartz/data-platform/internal/pipeline"
	"github.com/paulswartz/data-platform/internal/syncer"
	"github.com/paulswartz/data-platform/pkg/config"
	"github.com/paulswartz/data-platform/pkg/normalize"
)

func newSyncCommand(opts *options) *cobra.Command {
	var endpointIDs []string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Fetch, normalize and land new dataset versions",
		Long: `Sync lists every selected endpoint from its watermark, archives and
normalizes each new dataset version and lands it as partitioned columnar
files. Versions that fail to normalize are quarantined with their error.

Example:
  dmapsync sync --config dmapsync.yaml --endpoint citation --endpoint device_event`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if len(endpointIDs) > 0 {
				cfg.Sync.Endpoints = endpointIDs
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, cfg, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringSliceVarP(&endpointIDs, "endpoint", "e", nil, "Logical id to sync, repeatable (default: every endpoint selected by the config)")
	return cmd
}

// runSync wires the pipeline and driver from cfg and performs one run.
func runSync(ctx context.Context, cfg *config.Config, out io.Writer) error {
	endpoints, err := selectEndpoints(cfg)
	if err != nil {
		return err
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))

	var buckets pipeline.Buckets
	if buckets.Archive, err = a.opener.Open(ctx, cfg.Sync.ArchiveURL); err != nil {
		return err
	}
	if buckets.Quarantine, err = a.opener.Open(ctx, cfg.Sync.QuarantineURL); err != nil {
		return err
	}
	if buckets.Land, err = a.opener.Open(ctx, cfg.Sync.LandURL); err != nil {
		return err
	}
	stateDir, stateKey := splitStateURL(cfg.Sync.StateURL)
	state, err := a.opener.Open(ctx, stateDir)
	if err != nil {
		return err
	}

	normalizer := normalize.New(ruleConfig(cfg.Normalize), normalize.WithLogger(a.logger))
	p, err := pipeline.New(a.client, a.client, normalizer, buckets, pipelineConfig(cfg),
		pipeline.WithLogger(a.logger),
		pipeline.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	driver, err := syncer.NewDriver(p, state, syncer.Config{
		StateKey:          stateKey,
		Endpoints:         endpoints,
		StrictConvergence: cfg.Sync.StrictConvergence,
	}, syncer.WithLogger(a.logger))
	if err != nil {
		return err
	}

	report, runErr := driver.Run(ctx)
	if report != nil {
		printReport(out, report)
	}
	a.writeMetrics()
	return runErr
}

func printReport(out io.Writer, report *syncer.Report) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ENDPOINT\tLISTED\tLANDED\tQUARANTINED\tREQUEUED\tROWS\tWATERMARK\tSTATUS")
	for _, ep := range report.Endpoints {
		mark := "-"
		if t, ok := report.Watermarks[ep.Endpoint.LogicalID]; ok {
			mark = t.UTC().Format(time.RFC3339Nano)
		}
		status := "ok"
		switch {
		case ep.Err != nil:
			status = ep.Err.Error()
		case ep.ConvergenceErr != nil:
			status = "not converged"
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\t%s\n",
			ep.Endpoint.LogicalID,
			ep.Listed,
			ep.Count(pipeline.Landed),
			ep.Count(pipeline.QuarantineFailed),
			ep.Requeued,
			ep.Rows(),
			mark,
			status)
	}
	_ = w.Flush()
	fmt.Fprintf(out, "run %s finished in %s\n", report.RunID, report.Finished.Sub(report.Started).Round(time.Millisecond))
}
