package main

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/hybrag/hybrag/engine/ingest"
	"github.com/hybrag/hybrag/pkg/natsutil"
)

func (c *cli) consumerOptions() ingest.ConsumerOptions {
	ic := c.app.Config.Ingest
	subject := ic.Subject
	if subject == "" {
		subject = ingest.IngestSubject
	}
	return ingest.ConsumerOptions{
		Subject:    subject,
		DLQSubject: ic.DLQSubject,
		MaxRetries: ic.MaxRetries,
		Timeout:    ic.MessageTimeout,
	}
}

func (c *cli) connect() (*nats.Conn, error) {
	url := c.app.Config.Ingest.NATSURL
	nc, err := nats.Connect(url, nats.Name("hybrag"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

func (c *cli) consumeCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Ingest items published on NATS until interrupted",
		Long: `Consume subscribes to the ingest subject and embeds every item it receives.
Failed items are requeued with a retry count and sent to the dead-letter
subject after the configured number of attempts. Metrics are served on
--metrics-addr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			log := c.app.Log
			if metricsAddr == "" {
				metricsAddr = c.app.Config.Metrics.Addr
			}
			orch, err := c.app.Orchestrator(ctx)
			if err != nil {
				return err
			}
			nc, err := c.connect()
			if err != nil {
				return err
			}
			defer nc.Drain()

			opts := c.consumerOptions()
			sub, err := orch.StartConsumer(nc, opts)
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()

			c.app.Registry.ServeAsync(ctx, metricsAddr, log)
			log.Info("consuming", "subject", sub.Subject, "dlq", opts.DLQSubject, "metrics", metricsAddr)
			<-ctx.Done()
			log.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "metrics listen address (default from config)")
	return cmd
}

func (c *cli) publishCmd() *cobra.Command {
	var f itemFlags
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Catalog a photo and queue it for ingestion",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			item, err := f.item()
			if err != nil {
				return err
			}
			cat, err := c.app.Catalog(ctx)
			if err != nil {
				return err
			}
			if item, err = cat.Create(ctx, item); err != nil {
				return err
			}
			nc, err := c.connect()
			if err != nil {
				return err
			}
			defer nc.Close()

			subject := c.consumerOptions().Subject
			if err := natsutil.Publish(ctx, nc, subject, ingest.MessageFor(item)); err != nil {
				return err
			}
			if err := nc.FlushWithContext(ctx); err != nil {
				return err
			}
			fmt.Fprintf(c.out, "queued %s on %s\n", item.ID, subject)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
