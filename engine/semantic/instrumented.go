package semantic

import (
	"context"
	"time"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/metrics"
)

// Instrumented records latency and outcome of every store call.
type Instrumented struct {
	VectorStore
	m *metrics.Engine
}

// WithMetrics wraps s. A nil m returns s unchanged.
func WithMetrics(s VectorStore, m *metrics.Engine) VectorStore {
	if m == nil {
		return s
	}
	return &Instrumented{VectorStore: s, m: m}
}

func (i *Instrumented) Upsert(ctx context.Context, id string, vector []float32, meta map[string]any, namespace string) (err error) {
	defer i.observe("upsert", time.Now(), &err)
	return i.VectorStore.Upsert(ctx, id, vector, meta, namespace)
}

func (i *Instrumented) UpsertBatch(ctx context.Context, records []Record, namespace string) (err error) {
	defer i.observe("upsert_batch", time.Now(), &err)
	return i.VectorStore.UpsertBatch(ctx, records, namespace)
}

func (i *Instrumented) DeleteIDs(ctx context.Context, ids []string, namespace string) (err error) {
	defer i.observe("delete_ids", time.Now(), &err)
	return i.VectorStore.DeleteIDs(ctx, ids, namespace)
}

func (i *Instrumented) DeleteAll(ctx context.Context, namespace string) (err error) {
	defer i.observe("delete_all", time.Now(), &err)
	return i.VectorStore.DeleteAll(ctx, namespace)
}

func (i *Instrumented) Search(ctx context.Context, query []float32, topK int, filters domain.Filters, namespace string) (_ []SearchResult, err error) {
	defer i.observe("search", time.Now(), &err)
	return i.VectorStore.Search(ctx, query, topK, filters, namespace)
}

// Unwrap returns the wrapped store.
func (i *Instrumented) Unwrap() VectorStore { return i.VectorStore }

func (i *Instrumented) observe(op string, start time.Time, err *error) {
	i.m.Store(i.Backend(), op, start, *err)
}
