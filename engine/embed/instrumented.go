package embed

import (
	"context"
	"time"

	"github.com/hybrag/hybrag/pkg/metrics"
)

// Instrumented records latency and outcome of every embedding call.
type Instrumented struct {
	Client
	provider string
	m        *metrics.Engine
}

// WithMetrics wraps c. A nil m returns c unchanged.
func WithMetrics(c Client, provider string, m *metrics.Engine) Client {
	if m == nil {
		return c
	}
	return &Instrumented{Client: c, provider: provider, m: m}
}

func (i *Instrumented) TextEmbed(ctx context.Context, text string) (v []float32, err error) {
	defer func(start time.Time) { i.m.Embed(i.provider, "text", start, err) }(time.Now())
	return i.Client.TextEmbed(ctx, text)
}

func (i *Instrumented) ImageEmbed(ctx context.Context, ref string) (v []float32, err error) {
	defer func(start time.Time) { i.m.Embed(i.provider, "image", start, err) }(time.Now())
	return i.Client.ImageEmbed(ctx, ref)
}

func (i *Instrumented) ImageEmbedBatch(ctx context.Context, refs []string) (vs [][]float32, err error) {
	defer func(start time.Time) { i.m.Embed(i.provider, "image_batch", start, err) }(time.Now())
	return i.Client.ImageEmbedBatch(ctx, refs)
}
