package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/spf13/cobra"

	"github.com/hybrag/hybrag/engine/domain"
)

// itemFlags are the per-item fields shared by ingest and publish.
type itemFlags struct {
	id       string
	ref      string
	building string
	date     string
	notes    string
}

func (f *itemFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.id, "id", "", "item id (default: generated)")
	cmd.Flags().StringVar(&f.ref, "ref", "", "image reference: path, URL or object key")
	cmd.Flags().StringVar(&f.building, "building", "", "building the photo belongs to")
	cmd.Flags().StringVar(&f.date, "date", "", "shot date, YYYY-MM-DD or YYYYMMDD")
	cmd.Flags().StringVar(&f.notes, "notes", "", "free-text notes")
	_ = cmd.MarkFlagRequired("ref")
	_ = cmd.MarkFlagRequired("date")
}

func (f *itemFlags) item() (domain.MediaItem, error) {
	shot, err := domain.ParseDate(f.date)
	if err != nil {
		return domain.MediaItem{}, domain.NewValidationError("date", f.date, domain.ErrInvalidDate)
	}
	return domain.MediaItem{ID: f.id, Ref: f.ref, Building: f.building, ShotDate: shot, Notes: f.notes}, nil
}

func (c *cli) ingestCmd() *cobra.Command {
	var f itemFlags
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Catalog and embed a single photo",
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
			orch, err := c.app.Orchestrator(ctx)
			if err != nil {
				return err
			}
			id, err := orch.IngestOne(ctx, item)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.out, id)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// defaultImagePattern matches common photo files at any depth.
const defaultImagePattern = "**/*.{jpg,jpeg,png,webp,JPG,JPEG,PNG}"

type dirOptions struct {
	pattern  string
	building string
	date     string
	refBase  string
	batch    int
}

// collectItems globs root and builds one item per matching file. Refs are
// slash-separated paths relative to root, prefixed with refBase. A file's
// modification date is used when no date is given.
func collectItems(fsys fs.FS, opts dirOptions) ([]domain.MediaItem, error) {
	if !doublestar.ValidatePattern(opts.pattern) {
		return nil, domain.NewValidationError("pattern", opts.pattern, domain.ErrInvalidInput)
	}
	var fixed time.Time
	if opts.date != "" {
		var err error
		if fixed, err = domain.ParseDate(opts.date); err != nil {
			return nil, domain.NewValidationError("date", opts.date, domain.ErrInvalidDate)
		}
	}

	var items []domain.MediaItem
	err := doublestar.GlobWalk(fsys, opts.pattern, func(p string, d fs.DirEntry) error {
		if d.IsDir() {
			return nil
		}
		shot := fixed
		if shot.IsZero() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			y, m, dd := info.ModTime().Date()
			shot = time.Date(y, m, dd, 0, 0, 0, 0, time.UTC)
		}
		ref := p
		if opts.refBase != "" {
			ref = strings.TrimSuffix(opts.refBase, "/") + "/" + p
		}
		items = append(items, domain.MediaItem{Ref: ref, Building: opts.building, ShotDate: shot})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (c *cli) ingestDirCmd() *cobra.Command {
	opts := dirOptions{pattern: defaultImagePattern}
	cmd := &cobra.Command{
		Use:   "ingest-dir <dir>",
		Short: "Catalog and embed every photo under a directory",
		Long: `Walk a directory with a doublestar pattern, catalog every match and embed
them in batches. References are stored relative to the directory unless
--ref-base is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			root, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("invalid path: %w", err)
			}
			if opts.refBase == "" {
				opts.refBase = filepath.ToSlash(root)
			}
			if opts.batch <= 0 {
				return domain.NewValidationError("batch", fmt.Sprint(opts.batch), domain.ErrInvalidInput)
			}
			items, err := collectItems(os.DirFS(root), opts)
			if err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Fprintf(c.out, "no files matched %q under %s\n", opts.pattern, root)
				return nil
			}

			cat, err := c.app.Catalog(ctx)
			if err != nil {
				return err
			}
			orch, err := c.app.Orchestrator(ctx)
			if err != nil {
				return err
			}
			for i := range items {
				if items[i], err = cat.Create(ctx, items[i]); err != nil {
					return err
				}
			}
			stored := 0
			for start := 0; start < len(items); start += opts.batch {
				end := min(start+opts.batch, len(items))
				ids, err := orch.IngestBatch(ctx, items[start:end])
				if err != nil {
					return fmt.Errorf("batch %d-%d: %w", start, end, err)
				}
				stored += len(ids)
			}
			fmt.Fprintf(c.out, "ingested %d items from %s\n", stored, root)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.pattern, "pattern", defaultImagePattern, "doublestar pattern relative to dir")
	cmd.Flags().StringVar(&opts.building, "building", "", "building for every item")
	cmd.Flags().StringVar(&opts.date, "date", "", "shot date for every item (default: file modification date)")
	cmd.Flags().StringVar(&opts.refBase, "ref-base", "", "prefix for stored references (default: absolute dir)")
	cmd.Flags().IntVar(&opts.batch, "batch", 16, "items per embedding batch")
	return cmd
}
