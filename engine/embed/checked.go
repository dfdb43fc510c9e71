package embed

import (
	"context"
	"fmt"

	"github.com/hybrag/hybrag/engine/domain"
)

// Checked rejects vectors whose width differs from the configured dim.
type Checked struct {
	Client
	dim int
}

// NewChecked wraps c so every returned vector has exactly dim elements.
func NewChecked(c Client, dim int) *Checked {
	return &Checked{Client: c, dim: dim}
}

func (c *Checked) Dim() int { return c.dim }

func (c *Checked) TextEmbed(ctx context.Context, text string) ([]float32, error) {
	v, err := c.Client.TextEmbed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(v) != c.dim {
		return nil, domain.DimensionMismatch("text embed", c.dim, len(v))
	}
	return v, nil
}

func (c *Checked) ImageEmbed(ctx context.Context, ref string) ([]float32, error) {
	v, err := c.Client.ImageEmbed(ctx, ref)
	if err != nil {
		return nil, err
	}
	if len(v) != c.dim {
		return nil, domain.DimensionMismatch("image embed", c.dim, len(v))
	}
	return v, nil
}

func (c *Checked) ImageEmbedBatch(ctx context.Context, refs []string) ([][]float32, error) {
	vs, err := c.Client.ImageEmbedBatch(ctx, refs)
	if err != nil {
		return nil, err
	}
	if len(vs) != len(refs) {
		return nil, domain.Malformed("image embed batch", nil, fmt.Sprintf("got %d vectors for %d images", len(vs), len(refs)))
	}
	for i, v := range vs {
		if len(v) != c.dim {
			return nil, fmt.Errorf("image %d: %w", i, domain.DimensionMismatch("image embed batch", c.dim, len(v)))
		}
	}
	return vs, nil
}
