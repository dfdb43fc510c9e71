package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounterAndGauge(t *testing.T) {
	r := New()
	c := r.Counter("test_total", "A test counter")
	c.Inc()
	c.Add(5)
	assert.Equal(t, int64(6), c.Value())
	assert.Same(t, c, r.Counter("test_total", ""))

	g := r.Gauge("test_gauge", "")
	g.Set(42)
	g.Inc()
	g.Dec()
	g.Dec()
	assert.Equal(t, int64(41), g.Value())
}

func TestHistogramBuckets(t *testing.T) {
	h := New().Histogram("latency_seconds", "", []float64{1.0, 0.1, 0.5})
	for _, v := range []float64{0.05, 0.1, 0.3, 0.8, 2.0} {
		h.Observe(v)
	}
	buckets, counts, sum, count := h.snapshot()
	assert.Equal(t, []float64{0.1, 0.5, 1.0}, buckets)
	assert.Equal(t, []uint64{2, 1, 1}, counts)
	assert.Equal(t, uint64(5), count)
	assert.InDelta(t, 3.25, sum, 1e-9)
}

func TestWithLabels(t *testing.T) {
	assert.Equal(t, `foo_total{backend="qdrant",op="search"}`, WithLabels("foo_total", "backend", "qdrant", "op", "search"))
	assert.Equal(t, "bar", WithLabels("bar"))
	assert.Equal(t, "bar", WithLabels("bar", "odd"))
}

func TestRender(t *testing.T) {
	r := New()
	r.Counter(WithLabels("requests_total", "method", "GET"), "Total requests").Add(7)
	r.Counter(WithLabels("requests_total", "method", "POST"), "").Add(3)
	r.Gauge("inflight", "In flight").Set(5)
	h := r.Histogram(WithLabels("op_seconds", "op", "upsert"), "Op latency", []float64{0.1, 1})
	h.Observe(0.05)
	h.Observe(0.3)

	out := r.Render()
	assert.Contains(t, out, "# HELP requests_total Total requests\n# TYPE requests_total counter\n")
	assert.Contains(t, out, `requests_total{method="GET"} 7`)
	assert.Contains(t, out, `requests_total{method="POST"} 3`)
	assert.Contains(t, out, "inflight 5")
	assert.Contains(t, out, `op_seconds_bucket{le="0.1",op="upsert"} 1`)
	assert.Contains(t, out, `op_seconds_bucket{le="1",op="upsert"} 2`)
	assert.Contains(t, out, `op_seconds_bucket{le="+Inf",op="upsert"} 2`)
	assert.Contains(t, out, `op_seconds_count{op="upsert"} 2`)
}

func TestHandler(t *testing.T) {
	r := New()
	r.Counter("test_total", "test").Inc()

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, rec.Body.String(), "test_total 1")
}

func TestServe_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New().Serve(ctx, "127.0.0.1:0", nil) }()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestEngine(t *testing.T) {
	reg := New()
	e := NewEngine(reg)
	e.Embed("http", "text", time.Now(), nil)
	e.Embed("http", "text", time.Now(), errors.New("boom"))
	e.Store("memory", "upsert", time.Now(), nil)
	e.Poll("pending")
	e.Ingested(3)
	e.IngestFailed()
	e.DeadLettered()

	out := reg.Render()
	assert.Contains(t, out, `hybrag_embed_requests_total{provider="http",kind="text",outcome="ok"} 1`)
	assert.Contains(t, out, `hybrag_embed_requests_total{provider="http",kind="text",outcome="error"} 1`)
	assert.Contains(t, out, `hybrag_store_ops_total{backend="memory",op="upsert",outcome="ok"} 1`)
	assert.Contains(t, out, `hybrag_embed_async_polls_total{state="pending"} 1`)
	assert.Contains(t, out, "hybrag_ingested_items_total 3")
	assert.Contains(t, out, "hybrag_ingest_dlq_total 1")

	var nilEngine *Engine
	assert.NotPanics(t, func() { nilEngine.Embed("x", "text", time.Now(), nil) })
}
