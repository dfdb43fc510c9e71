// Command hybrag ingests construction-site photos into a vector index and
// answers filtered similarity searches over them.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hybrag/hybrag/engine/app"
	"github.com/hybrag/hybrag/engine/config"
)

type cli struct {
	cfgFile string
	app     *app.App
	out     io.Writer
	errOut  io.Writer
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "hybrag",
		Short: "Photo embedding and similarity search for construction sites",
		Long: `hybrag embeds site photos with a remote model, stores the vectors in a
pluggable vector database and searches them by text or by example, filtered
by building and shot date.

Example usage:
  hybrag ingest --ref photos/a.jpg --building A --date 2024-06-15
  hybrag ingest-dir ./photos --building A
  hybrag search "tower crane" --building A --from 2024-06-01
  hybrag reembed --resume`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			c.app = app.New(cfg, app.NewLogger(cfg.Log, c.errOut))
			return nil
		},
	}
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default: defaults and HYBRAG_* environment)")

	root.AddCommand(
		c.ingestCmd(),
		c.ingestDirCmd(),
		c.searchCmd(),
		c.reembedCmd(),
		c.resetCmd(),
		c.consumeCmd(),
		c.publishCmd(),
	)
	return root
}

// execute runs one command line and releases whatever it opened.
func execute(ctx context.Context, args []string, out, errOut io.Writer) (err error) {
	c := &cli{out: out, errOut: errOut}
	root := newRootCmd(c)
	root.SetArgs(args)
	defer func() {
		if c.app != nil {
			err = errors.Join(err, c.app.Close())
		}
	}()
	return root.ExecuteContext(ctx)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := execute(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
