package metrics

import (
	"time"
)

// Engine is the metric set recorded by the embedding, storage and ingestion
// layers. A nil *Engine records nothing.
type Engine struct {
	reg *Registry
}

// NewEngine registers the engine metrics on reg.
func NewEngine(reg *Registry) *Engine {
	return &Engine{reg: reg}
}

// Registry returns the underlying registry.
func (e *Engine) Registry() *Registry {
	if e == nil {
		return nil
	}
	return e.reg
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Embed records one embedding call. kind is text, image or image_batch.
func (e *Engine) Embed(provider, kind string, start time.Time, err error) {
	if e == nil {
		return
	}
	e.reg.Counter(WithLabels("hybrag_embed_requests_total", "provider", provider, "kind", kind, "outcome", outcome(err)),
		"Embedding requests by provider, kind and outcome").Inc()
	e.reg.Histogram(WithLabels("hybrag_embed_duration_seconds", "provider", provider),
		"Embedding call latency", nil).Since(start)
}

// Poll records one asynchronous output poll. state is ready, pending or failed.
func (e *Engine) Poll(state string) {
	if e == nil {
		return
	}
	e.reg.Counter(WithLabels("hybrag_embed_async_polls_total", "state", state),
		"Asynchronous inference output polls").Inc()
}

// Store records one vector store operation.
func (e *Engine) Store(backend, op string, start time.Time, err error) {
	if e == nil {
		return
	}
	e.reg.Counter(WithLabels("hybrag_store_ops_total", "backend", backend, "op", op, "outcome", outcome(err)),
		"Vector store operations").Inc()
	e.reg.Histogram(WithLabels("hybrag_store_duration_seconds", "backend", backend, "op", op),
		"Vector store latency", nil).Since(start)
}

// Ingested adds n successfully stored items.
func (e *Engine) Ingested(n int) {
	if e == nil {
		return
	}
	e.reg.Counter("hybrag_ingested_items_total", "Items embedded and stored").Add(int64(n))
}

// IngestFailed counts a failed ingestion message.
func (e *Engine) IngestFailed() {
	if e == nil {
		return
	}
	e.reg.Counter("hybrag_ingest_errors_total", "Failed ingestion attempts").Inc()
}

// DeadLettered counts a message moved to the dead-letter subject.
func (e *Engine) DeadLettered() {
	if e == nil {
		return
	}
	e.reg.Counter("hybrag_ingest_dlq_total", "Messages sent to the dead-letter subject").Inc()
}
