// Package embed turns text and image references into fixed-width embedding
// vectors through a remote or local inference endpoint.
//
// Providers differ only in how a request reaches the model (an Invoker).
// Remote handles request shaping, response-shape normalization and batching
// on top of any Invoker; Checked guarantees the configured width.
package embed

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/fn"
)

// Client is the embedding contract used by ingestion and search.
type Client interface {
	TextEmbed(ctx context.Context, text string) ([]float32, error)
	ImageEmbed(ctx context.Context, ref string) ([]float32, error)
	ImageEmbedBatch(ctx context.Context, refs []string) ([][]float32, error)
	Dim() int
}

// Request is the JSON payload sent to inference endpoints.
type Request struct {
	Text      string   `json:"text,omitempty"`
	ImageURL  string   `json:"image_url,omitempty"`
	ImageURLs []string `json:"image_urls,omitempty"`
	Normalize bool     `json:"normalize"`
}

// IsImage reports whether the request carries image input.
func (r Request) IsImage() bool { return r.ImageURL != "" || len(r.ImageURLs) > 0 }

// Invoker sends one request and returns the raw response body.
type Invoker interface {
	Invoke(ctx context.Context, req Request) ([]byte, error)
	Name() string
}

// RefResolver maps a stored media reference to the URL the model fetches.
type RefResolver func(ref string) (string, error)

// IdentityRefs passes references through unchanged.
func IdentityRefs(ref string) (string, error) { return ref, nil }

// BaseURLRefs resolves relative references against base. Absolute URLs are
// left alone.
func BaseURLRefs(base string) (RefResolver, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" {
		return nil, domain.Configuration("embed.image_base_url", "invalid base url %q", base)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	return func(ref string) (string, error) {
		r, err := url.Parse(ref)
		if err != nil {
			return "", domain.NewValidationError("ref", ref, err)
		}
		if r.IsAbs() {
			return ref, nil
		}
		return u.ResolveReference(&url.URL{Path: strings.TrimPrefix(r.Path, "/")}).String(), nil
	}, nil
}

// Remote embeds through an Invoker.
type Remote struct {
	inv           Invoker
	dim           int
	resolve       RefResolver
	parallelism   int
	batchRequests bool
	log           *slog.Logger
}

// Option configures a Remote.
type Option func(*Remote)

// WithRefResolver sets how image references become URLs.
func WithRefResolver(r RefResolver) Option { return func(c *Remote) { c.resolve = r } }

// WithParallelism bounds concurrent per-item calls in ImageEmbedBatch.
func WithParallelism(n int) Option { return func(c *Remote) { c.parallelism = n } }

// WithBatchRequests sends a whole batch as one {"image_urls": [...]} request
// before falling back to per-item calls.
func WithBatchRequests(on bool) Option { return func(c *Remote) { c.batchRequests = on } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(c *Remote) { c.log = l } }

// NewRemote creates a client over inv.
func NewRemote(inv Invoker, dim int, opts ...Option) *Remote {
	c := &Remote{inv: inv, dim: dim, resolve: IdentityRefs, parallelism: 1, log: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	if c.parallelism <= 0 {
		c.parallelism = 1
	}
	return c
}

func (c *Remote) Dim() int { return c.dim }

func (c *Remote) TextEmbed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, domain.NewValidationError("text", text, domain.ErrInvalidInput)
	}
	return c.embedOne(ctx, Request{Text: text, Normalize: true})
}

func (c *Remote) ImageEmbed(ctx context.Context, ref string) ([]float32, error) {
	u, err := c.resolveRef(ref)
	if err != nil {
		return nil, err
	}
	return c.embedOne(ctx, Request{ImageURL: u, Normalize: true})
}

func (c *Remote) ImageEmbedBatch(ctx context.Context, refs []string) ([][]float32, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	urls := make([]string, len(refs))
	for i, ref := range refs {
		u, err := c.resolveRef(ref)
		if err != nil {
			return nil, err
		}
		urls[i] = u
	}

	if c.batchRequests && len(urls) > 1 {
		body, err := c.inv.Invoke(ctx, Request{ImageURLs: urls, Normalize: true})
		if err != nil {
			return nil, err
		}
		vecs, err := ExtractBatch(body, len(urls))
		if err == nil {
			return vecs, nil
		}
		c.log.WarnContext(ctx, "batch response not usable, embedding per item",
			"provider", c.inv.Name(), "count", len(urls), "error", err)
	}

	embedAll := fn.BatchStage(c.parallelism, func(ctx context.Context, u string) fn.Result[[]float32] {
		return fn.FromPair(c.embedOne(ctx, Request{ImageURL: u, Normalize: true}))
	})
	out, err := embedAll(ctx, urls).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("embed batch of %d: %w", len(urls), err)
	}
	return out, nil
}

func (c *Remote) resolveRef(ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", domain.NewValidationError("ref", ref, domain.ErrInvalidInput)
	}
	return c.resolve(ref)
}

func (c *Remote) embedOne(ctx context.Context, req Request) ([]float32, error) {
	body, err := c.inv.Invoke(ctx, req)
	if err != nil {
		return nil, err
	}
	return Extract(body)
}
