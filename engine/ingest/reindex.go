package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/fn"
	"github.com/hybrag/hybrag/pkg/repo"
)

// DefaultBatchSize is the reindex batch size.
const DefaultBatchSize = 32

// ItemSource streams items in (created_at, id) order.
type ItemSource = repo.Lister[domain.MediaItem]

// ReindexOptions configures Reindex.
type ReindexOptions struct {
	BatchSize int
	// Reset clears the namespace (and any saved progress) first.
	Reset     bool
	Namespace string
	// Resume continues after the last batch recorded in Checkpoint.
	Resume     bool
	Checkpoint *Checkpoint
	// OnBatch is called after each stored batch with the running item count.
	OnBatch func(items int)
	// BatchRetry re-runs a failed batch. The zero value runs each batch once.
	BatchRetry fn.RetryOpts
}

// ReindexStats summarizes a run.
type ReindexStats struct {
	Batches  int
	Items    int
	Resumed  bool
	Last     repo.Cursor
	Duration time.Duration
}

func jobKey(namespace string) string {
	if namespace == "" {
		return "reindex:default"
	}
	return "reindex:" + namespace
}

// Reindex re-embeds every item of src in fixed-size batches and upserts
// them. Progress is saved after every batch when a checkpoint is set, so an
// interrupted run can resume; batches may be re-sent on resume.
func (o *Orchestrator) Reindex(ctx context.Context, src ItemSource, opts ReindexOptions) (ReindexStats, error) {
	start := time.Now()
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	ns := opts.Namespace
	if ns == "" {
		ns = o.deps.Namespace
	}
	job := jobKey(ns)
	log := o.log.With("namespace", ns)

	var stats ReindexStats
	if opts.Reset {
		if err := o.deps.Store.DeleteAll(ctx, ns); err != nil {
			return stats, fmt.Errorf("reindex reset: %w", err)
		}
		if opts.Checkpoint != nil {
			if err := opts.Checkpoint.Clear(job); err != nil {
				return stats, fmt.Errorf("reindex reset checkpoint: %w", err)
			}
		}
		log.InfoContext(ctx, "reindex reset namespace")
	}

	cursor := repo.Cursor{}
	if opts.Resume && !opts.Reset && opts.Checkpoint != nil {
		p, ok, err := opts.Checkpoint.Load(job)
		if err != nil {
			return stats, err
		}
		if ok {
			cursor = p.Cursor
			stats.Batches, stats.Items, stats.Resumed = p.Batches, p.Items, true
			log.InfoContext(ctx, "reindex resuming", "batches", p.Batches, "count", p.Items, "cursor", p.Cursor.String())
		}
	}

	batch := fn.RetryStage(opts.BatchRetry, NewBatchPipeline(o.deps, ns))
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		items, err := src.ListAfter(ctx, cursor, opts.BatchSize)
		if err != nil {
			return stats, fmt.Errorf("reindex list after %q: %w", cursor.String(), err)
		}
		if len(items) == 0 {
			break
		}
		if _, err := o.ingestBatch(ctx, items, batch); err != nil {
			return stats, fmt.Errorf("reindex batch %d: %w", stats.Batches+1, err)
		}

		last := items[len(items)-1]
		cursor = repo.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
		stats.Batches++
		stats.Items += len(items)
		stats.Last = cursor
		if opts.Checkpoint != nil {
			if err := opts.Checkpoint.Save(job, Progress{Cursor: cursor, Batches: stats.Batches, Items: stats.Items}); err != nil {
				log.WarnContext(ctx, "reindex checkpoint save failed", "error", err)
			}
		}
		if opts.OnBatch != nil {
			opts.OnBatch(stats.Items)
		}
		if len(items) < opts.BatchSize {
			break
		}
	}

	if opts.Checkpoint != nil {
		if err := opts.Checkpoint.Clear(job); err != nil {
			log.WarnContext(ctx, "reindex checkpoint clear failed", "error", err)
		}
	}
	stats.Duration = time.Since(start)
	log.InfoContext(ctx, "reindex done", "batches", stats.Batches, "count", stats.Items, "duration", stats.Duration)
	return stats, nil
}
