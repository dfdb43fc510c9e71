// Package ingest embeds media items and writes them to the vector store,
// one at a time, in batches, as a resumable reindex, or from a NATS subject.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/oops"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/engine/semantic"
	"github.com/hybrag/hybrag/pkg/fn"
	"github.com/hybrag/hybrag/pkg/metrics"
)

// Embedder produces image vectors.
type Embedder interface {
	ImageEmbed(ctx context.Context, ref string) ([]float32, error)
	ImageEmbedBatch(ctx context.Context, refs []string) ([][]float32, error)
}

// Deps holds the collaborators of the ingestion pipeline.
type Deps struct {
	Embedder Embedder
	Store    semantic.VectorStore
	// Namespace is used when a call does not name one.
	Namespace string
	// RefKey is the metadata field holding the item reference:
	// domain.MetaImageURL (default) or domain.MetaS3Key.
	RefKey  string
	Metrics *metrics.Engine
	Logger  *slog.Logger
}

// Embedded is an item with its vector.
type Embedded struct {
	Item   domain.MediaItem
	Vector []float32
}

// --- Pipeline Stages ---

// Validate checks one item.
var Validate fn.Stage[domain.MediaItem, domain.MediaItem] = func(_ context.Context, item domain.MediaItem) fn.Result[domain.MediaItem] {
	if err := domain.ValidateItem(item); err != nil {
		return fn.Err[domain.MediaItem](fmt.Errorf("item %q: %w", item.ID, err))
	}
	return fn.Ok(item)
}

// ValidateBatch checks every item before any of them is embedded.
var ValidateBatch fn.Stage[[]domain.MediaItem, []domain.MediaItem] = func(ctx context.Context, items []domain.MediaItem) fn.Result[[]domain.MediaItem] {
	for i, item := range items {
		if r := Validate(ctx, item); r.IsErr() {
			_, err := r.Unwrap()
			return fn.Err[[]domain.MediaItem](fmt.Errorf("batch item %d: %w", i, err))
		}
	}
	return fn.Ok(items)
}

// NewEmbed creates a stage embedding one item's image.
func NewEmbed(e Embedder) fn.Stage[domain.MediaItem, Embedded] {
	return func(ctx context.Context, item domain.MediaItem) fn.Result[Embedded] {
		v, err := e.ImageEmbed(ctx, item.Ref)
		if err != nil {
			err = fmt.Errorf("embed %s: %w", item.ID, err)
		}
		return fn.MapResult(fn.FromPair(v, err), func(v []float32) Embedded {
			return Embedded{Item: item, Vector: v}
		})
	}
}

// NewEmbedBatch creates a stage embedding a batch with one call. A vector
// count that differs from the item count aborts the batch.
func NewEmbedBatch(e Embedder) fn.Stage[[]domain.MediaItem, []Embedded] {
	return func(ctx context.Context, items []domain.MediaItem) fn.Result[[]Embedded] {
		refs := make([]string, len(items))
		for i, it := range items {
			refs[i] = it.Ref
		}
		vecs, err := e.ImageEmbedBatch(ctx, refs)
		if err != nil {
			return fn.Err[[]Embedded](fmt.Errorf("embed batch of %d: %w", len(items), err))
		}
		if len(vecs) != len(items) {
			return fn.Err[[]Embedded](oops.Code(domain.CodeIngestVectorMismatch).
				With("items", len(items), "vectors", len(vecs)).
				Wrapf(domain.ErrMalformedResponse, "embed batch returned %d vectors for %d items", len(vecs), len(items)))
		}
		out := make([]Embedded, len(items))
		for i := range items {
			out[i] = Embedded{Item: items[i], Vector: vecs[i]}
		}
		return fn.Ok(out)
	}
}

// NewStore creates a stage upserting one embedded item.
func NewStore(s semantic.VectorStore, namespace, refKey string) fn.Stage[Embedded, string] {
	return func(ctx context.Context, e Embedded) fn.Result[string] {
		meta := e.Item.Metadata(refKey, e.Item.Ref)
		if err := s.Upsert(ctx, e.Item.ID, e.Vector, meta, namespace); err != nil {
			return fn.Err[string](fmt.Errorf("upsert %s: %w", e.Item.ID, err))
		}
		return fn.Ok(e.Item.ID)
	}
}

// NewStoreBatch creates a stage upserting a batch with one call.
func NewStoreBatch(s semantic.VectorStore, namespace, refKey string) fn.Stage[[]Embedded, []string] {
	return func(ctx context.Context, batch []Embedded) fn.Result[[]string] {
		records := make([]semantic.Record, len(batch))
		ids := make([]string, len(batch))
		for i, e := range batch {
			records[i] = semantic.Record{ID: e.Item.ID, Vector: e.Vector, Metadata: e.Item.Metadata(refKey, e.Item.Ref)}
			ids[i] = e.Item.ID
		}
		if err := s.UpsertBatch(ctx, records, namespace); err != nil {
			return fn.Err[[]string](fmt.Errorf("upsert batch of %d: %w", len(records), err))
		}
		return fn.Ok(ids)
	}
}

// LoggedTap returns a stage that logs entry with the stage name.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return fn.TapStage(func(ctx context.Context, _ T) {
		log.DebugContext(ctx, "stage.enter", "stage", name)
	})
}

// NewPipeline wires Validate → Embed → Store for one item.
func NewPipeline(deps Deps, namespace string) fn.Stage[domain.MediaItem, string] {
	log := loggerOf(deps)
	validated := fn.Then(LoggedTap[domain.MediaItem]("validate", log), Validate)
	embedded := fn.Then(validated, fn.Then(LoggedTap[domain.MediaItem]("embed", log),
		fn.Logged("embed", log, NewEmbed(deps.Embedder))))
	stored := fn.Then(embedded, fn.Then(LoggedTap[Embedded]("store", log),
		fn.Logged("store", log, NewStore(deps.Store, namespace, deps.RefKey))))
	return fn.TracedStage("ingest.one", stored)
}

// NewBatchPipeline wires ValidateBatch → EmbedBatch → StoreBatch.
func NewBatchPipeline(deps Deps, namespace string) fn.Stage[[]domain.MediaItem, []string] {
	log := loggerOf(deps)
	embedded := fn.Then(ValidateBatch, fn.Then(LoggedTap[[]domain.MediaItem]("embed_batch", log),
		fn.Logged("embed_batch", log, NewEmbedBatch(deps.Embedder))))
	stored := fn.Then(embedded, fn.Then(LoggedTap[[]Embedded]("store_batch", log),
		fn.Logged("store_batch", log, NewStoreBatch(deps.Store, namespace, deps.RefKey))))
	return fn.TracedStage("ingest.batch", stored)
}

func loggerOf(deps Deps) *slog.Logger {
	if deps.Logger == nil {
		return slog.Default()
	}
	return deps.Logger
}

// Orchestrator runs the ingestion pipelines.
type Orchestrator struct {
	deps  Deps
	one   fn.Stage[domain.MediaItem, string]
	batch fn.Stage[[]domain.MediaItem, []string]
	log   *slog.Logger
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.RefKey == "" {
		deps.RefKey = domain.MetaImageURL
	}
	return &Orchestrator{
		deps:  deps,
		one:   NewPipeline(deps, deps.Namespace),
		batch: NewBatchPipeline(deps, deps.Namespace),
		log:   loggerOf(deps),
	}
}

// IngestOne embeds and stores item, returning its id.
func (o *Orchestrator) IngestOne(ctx context.Context, item domain.MediaItem) (string, error) {
	start := time.Now()
	id, err := o.one(ctx, item).Unwrap()
	if err != nil {
		return "", err
	}
	o.deps.Metrics.Ingested(1)
	o.log.InfoContext(ctx, "ingested item", "id", id, "building", item.Building, "duration", time.Since(start))
	return id, nil
}

// IngestBatch embeds items with one batch call and stores them with one
// upsert. Any failure aborts the whole batch.
func (o *Orchestrator) IngestBatch(ctx context.Context, items []domain.MediaItem) ([]string, error) {
	return o.ingestBatch(ctx, items, o.batch)
}

func (o *Orchestrator) ingestBatch(ctx context.Context, items []domain.MediaItem, stage fn.Stage[[]domain.MediaItem, []string]) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	start := time.Now()
	ids, err := stage(ctx, items).Unwrap()
	if err != nil {
		return nil, err
	}
	o.deps.Metrics.Ingested(len(ids))
	o.log.InfoContext(ctx, "ingested batch", "count", len(ids), "duration", time.Since(start))
	return ids, nil
}
