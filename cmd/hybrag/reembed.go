package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/engine/ingest"
	"github.com/hybrag/hybrag/engine/semantic"
	"github.com/hybrag/hybrag/pkg/fn"
)

func (c *cli) reembedCmd() *cobra.Command {
	var (
		opts   ingest.ReindexOptions
		noBar  bool
		noSave bool
	)
	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "Re-embed every cataloged photo",
		Long: `Reembed walks the catalog in creation order, embeds items in batches and
upserts them. Progress is checkpointed after every batch; --resume continues
an interrupted run and --reset clears the namespace first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := c.app.Config
			if opts.BatchSize <= 0 {
				opts.BatchSize = cfg.Ingest.BatchSize
			}
			opts.BatchRetry = fn.RetryOpts{
				MaxAttempts: cfg.Ingest.MaxRetries,
				InitialWait: time.Second,
				MaxWait:     30 * time.Second,
				Jitter:      true,
				Retryable:   domain.IsRetryable,
				OnRetry: func(attempt int, err error) {
					c.app.Log.WarnContext(ctx, "reembed batch failed, retrying", "attempt", attempt, "error", err)
				},
			}
			cat, err := c.app.Catalog(ctx)
			if err != nil {
				return err
			}
			orch, err := c.app.Orchestrator(ctx)
			if err != nil {
				return err
			}
			if !noSave {
				cp, err := ingest.OpenCheckpoint(cfg.Ingest.CheckpointPath)
				if err != nil {
					return err
				}
				defer cp.Close()
				opts.Checkpoint = cp
			}

			total, err := cat.Count(ctx)
			if err != nil {
				return err
			}
			if !noBar {
				bar := progressbar.NewOptions(total,
					progressbar.OptionSetWriter(c.errOut),
					progressbar.OptionEnableColorCodes(true),
					progressbar.OptionSetWidth(40),
					progressbar.OptionShowCount(),
					progressbar.OptionSetDescription("[cyan]Re-embedding[reset]"),
					progressbar.OptionSetTheme(progressbar.Theme{
						Saucer:        "[green]=[reset]",
						SaucerHead:    "[green]>[reset]",
						SaucerPadding: " ",
						BarStart:      "[",
						BarEnd:        "]",
					}),
					progressbar.OptionOnCompletion(func() { fmt.Fprintln(c.errOut) }),
				)
				opts.OnBatch = func(items int) { _ = bar.Set(items) }
				defer func() { _ = bar.Finish() }()
			}

			stats, err := orch.Reindex(ctx, cat, opts)
			if err != nil {
				return err
			}
			resumed := ""
			if stats.Resumed {
				resumed = " (resumed)"
			}
			fmt.Fprintf(c.out, "re-embedded %d items in %d batches in %s%s\n",
				stats.Items, stats.Batches, stats.Duration.Round(time.Millisecond), resumed)
			return nil
		},
	}
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 0, "items per batch (default from config)")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "delete every vector in the namespace first")
	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "continue after the last checkpointed batch")
	cmd.Flags().StringVar(&opts.Namespace, "namespace", "", "target namespace (default from config)")
	cmd.Flags().BoolVar(&noBar, "no-progress", false, "disable the progress bar")
	cmd.Flags().BoolVar(&noSave, "no-checkpoint", false, "do not record progress")
	return cmd
}

func (c *cli) resetCmd() *cobra.Command {
	var (
		namespace string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and recreate the vector index",
		Long: `Reset drops and recreates the collection on backends that support it
(qdrant, opensearch) and otherwise deletes every vector of the namespace.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if namespace == "" {
				namespace = c.app.Config.Store.Namespace
			}
			if !yes {
				return fmt.Errorf("refusing to reset %s without --yes", strings.TrimSpace(c.app.Config.Store.Backend+" "+namespace))
			}
			store, err := c.app.Store(ctx)
			if err != nil {
				return err
			}
			full, err := semantic.ResetIndex(ctx, store, namespace)
			if err != nil {
				return err
			}
			if full {
				fmt.Fprintf(c.out, "recreated %s index\n", store.Backend())
			} else {
				fmt.Fprintf(c.out, "deleted all vectors in namespace %q\n", namespace)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "namespace to clear (default from config)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
