package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/engine/semantic"
	"github.com/hybrag/hybrag/pkg/fn"
	"github.com/hybrag/hybrag/pkg/repo"
)

// sliceSource serves items already sorted by (created_at, id).
type sliceSource struct {
	items []domain.MediaItem
	calls int
}

func (s *sliceSource) ListAfter(_ context.Context, after repo.Cursor, limit int) ([]domain.MediaItem, error) {
	s.calls++
	var out []domain.MediaItem
	for _, it := range s.items {
		c := repo.Cursor{CreatedAt: it.CreatedAt, ID: it.ID}
		if !after.IsZero() && !after.Less(c) {
			continue
		}
		out = append(out, it)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func openCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	cp, err := OpenCheckpoint(filepath.Join(t.TempDir(), "checkpoint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cp.Close() })
	return cp
}

func TestReindexStreamsInBatches(t *testing.T) {
	emb := &fakeEmbedder{}
	store := semantic.NewMemory(2)
	o := newTestOrchestrator(emb, store, nil)

	var progress []int
	stats, err := o.Reindex(context.Background(), &sliceSource{items: items(70)}, ReindexOptions{
		OnBatch: func(n int) { progress = append(progress, n) },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Batches)
	assert.Equal(t, 70, stats.Items)
	assert.Equal(t, "item-069", stats.Last.ID)
	assert.Equal(t, []int{32, 64, 70}, progress)
	assert.Equal(t, 3, emb.batches)
	assert.Equal(t, 70, store.Len(""))
}

func TestReindexStopsAfterFullLastBatch(t *testing.T) {
	src := &sliceSource{items: items(64)}
	stats, err := newTestOrchestrator(&fakeEmbedder{}, semantic.NewMemory(2), nil).
		Reindex(context.Background(), src, ReindexOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Batches)
	assert.Equal(t, 3, src.calls)
}

func TestReindexResetClearsNamespace(t *testing.T) {
	ctx := context.Background()
	store := semantic.NewMemory(2)
	require.NoError(t, store.Upsert(ctx, "stale", []float32{1, 1}, nil, "site-a"))
	require.NoError(t, store.Upsert(ctx, "other", []float32{1, 1}, nil, "site-b"))
	o := newTestOrchestrator(&fakeEmbedder{}, store, nil)

	_, err := o.Reindex(ctx, &sliceSource{items: items(5)}, ReindexOptions{Reset: true, Namespace: "site-a", BatchSize: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, store.Len("site-a"))
	assert.Equal(t, 1, store.Len("site-b"))
}

func TestReindexResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	all := items(10)
	emb := &fakeEmbedder{fail: map[string]error{all[6].Ref: domain.Transport("embed", errors.New("timeout"))}}
	store := semantic.NewMemory(2)
	o := newTestOrchestrator(emb, store, nil)
	cp := openCheckpoint(t)
	src := &sliceSource{items: all}

	_, err := o.Reindex(ctx, src, ReindexOptions{BatchSize: 3, Checkpoint: cp})
	require.ErrorIs(t, err, domain.ErrTransport)

	p, ok, err := cp.Load(jobKey(""))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, p.Batches)
	assert.Equal(t, 6, p.Items)
	assert.Equal(t, "item-005", p.Cursor.ID)

	emb.fail = nil
	emb.embedded = nil
	stats, err := o.Reindex(ctx, src, ReindexOptions{BatchSize: 3, Checkpoint: cp, Resume: true})
	require.NoError(t, err)
	assert.True(t, stats.Resumed)
	assert.Equal(t, 4, stats.Batches)
	assert.Equal(t, 10, stats.Items)
	assert.Equal(t, []string{all[6].Ref, all[7].Ref, all[8].Ref, all[9].Ref}, emb.embedded)
	assert.Equal(t, 10, store.Len(""))

	_, ok, err = cp.Load(jobKey(""))
	require.NoError(t, err)
	assert.False(t, ok, "a finished run clears its checkpoint")
}

func TestReindexResetIgnoresCheckpoint(t *testing.T) {
	ctx := context.Background()
	cp := openCheckpoint(t)
	all := items(4)
	require.NoError(t, cp.Save(jobKey(""), Progress{Cursor: repo.Cursor{CreatedAt: all[3].CreatedAt, ID: all[3].ID}, Batches: 9, Items: 99}))

	emb := &fakeEmbedder{}
	stats, err := newTestOrchestrator(emb, semantic.NewMemory(2), nil).
		Reindex(ctx, &sliceSource{items: all}, ReindexOptions{Checkpoint: cp, Resume: true, Reset: true})
	require.NoError(t, err)
	assert.False(t, stats.Resumed)
	assert.Equal(t, 4, stats.Items)
	assert.Len(t, emb.embedded, 4)
}

func TestReindexHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestOrchestrator(&fakeEmbedder{}, semantic.NewMemory(2), nil).
		Reindex(ctx, &sliceSource{items: items(3)}, ReindexOptions{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCheckpointRoundTrip(t *testing.T) {
	cp := openCheckpoint(t)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	want := Progress{Cursor: repo.Cursor{CreatedAt: at, ID: "x"}, Batches: 2, Items: 64, UpdatedAt: at}

	require.NoError(t, cp.Save("job", want))
	got, ok, err := cp.Load("job")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Cursor.CreatedAt.Equal(at))
	assert.Equal(t, "x", got.Cursor.ID)
	assert.Equal(t, 2, got.Batches)
	assert.Equal(t, 64, got.Items)
	assert.True(t, got.UpdatedAt.Equal(at))

	require.NoError(t, cp.Clear("job"))
	_, ok, err = cp.Load("job")
	require.NoError(t, err)
	assert.False(t, ok)
}

// flakyEmbedder fails the first n batch calls with a transport error.
type flakyEmbedder struct {
	*fakeEmbedder
	n int
}

func (f *flakyEmbedder) ImageEmbedBatch(ctx context.Context, refs []string) ([][]float32, error) {
	if f.n > 0 {
		f.n--
		return nil, domain.Transport("embed", errors.New("connection reset"))
	}
	return f.fakeEmbedder.ImageEmbedBatch(ctx, refs)
}

func TestReindexRetriesTransientBatchFailure(t *testing.T) {
	ctx := context.Background()
	emb := &flakyEmbedder{fakeEmbedder: &fakeEmbedder{}, n: 2}
	store := semantic.NewMemory(2)
	var retries []int

	stats, err := newTestOrchestrator(emb, store, nil).Reindex(ctx, &sliceSource{items: items(4)}, ReindexOptions{
		BatchSize: 4,
		BatchRetry: fn.RetryOpts{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			Retryable:   domain.IsRetryable,
			OnRetry:     func(attempt int, _ error) { retries = append(retries, attempt) },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Items)
	assert.Equal(t, []int{1, 2}, retries)
	assert.Equal(t, 4, store.Len(""))
}

func TestReindexDoesNotRetryPermanentFailure(t *testing.T) {
	ctx := context.Background()
	all := items(2)
	emb := &fakeEmbedder{fail: map[string]error{all[0].Ref: domain.Unavailable("embed", "http", errors.New("401"))}}

	_, err := newTestOrchestrator(emb, semantic.NewMemory(2), nil).Reindex(ctx, &sliceSource{items: all}, ReindexOptions{
		BatchRetry: fn.RetryOpts{MaxAttempts: 5, InitialWait: time.Millisecond, Retryable: domain.IsRetryable},
	})
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, 1, emb.batches)
}
