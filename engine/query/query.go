// Package query turns a free-text or by-example photo query into a filtered,
// re-ranked similarity search. Text queries are normalized, spell-corrected,
// expanded through a synonym table and embedded as the mean of the expanded
// terms.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/engine/semantic"
	"github.com/hybrag/hybrag/pkg/fn"
)

// Embedder produces query vectors.
type Embedder interface {
	TextEmbed(ctx context.Context, text string) ([]float32, error)
	ImageEmbed(ctx context.Context, ref string) ([]float32, error)
}

// Searcher runs the filtered nearest-neighbor lookup.
type Searcher interface {
	Search(ctx context.Context, query []float32, topK int, filters domain.Filters, namespace string) ([]semantic.SearchResult, error)
}

// ItemLookup resolves an item id for query-by-example.
type ItemLookup interface {
	Get(ctx context.Context, id string) (domain.MediaItem, error)
}

// Options configures the pipeline.
type Options struct {
	TopK          int
	Namespace     string
	BuildingBoost float32
	SearchTimeout time.Duration
	// MediaURL rewrites stored image references into absolute URLs on the
	// way out. Nil leaves them unchanged.
	MediaURL func(ref string) (string, error)
}

// DefaultOptions returns the defaults used by the CLI.
func DefaultOptions() Options {
	return Options{
		TopK:          domain.DefaultTopK,
		BuildingBoost: DefaultBuildingBoost,
		SearchTimeout: 10 * time.Second,
	}
}

// Request is one search.
type Request struct {
	Query     string         `json:"q,omitempty"`
	ItemID    string         `json:"query_image_id,omitempty"`
	Filters   domain.Filters `json:"filters"`
	TopK      int            `json:"k,omitempty"`
	Namespace string         `json:"namespace,omitempty"`
}

// Answer is the ranked result of a search.
type Answer struct {
	Query     string                  `json:"query,omitempty"`
	Terms     []string                `json:"terms,omitempty"`
	Namespace string                  `json:"namespace"`
	Results   []semantic.SearchResult `json:"results"`
}

// Service is the query pipeline.
type Service struct {
	embed    Embedder
	search   Searcher
	items    ItemLookup
	speller  SpellChecker
	synonyms Synonyms
	opts     Options
	logger   *slog.Logger
}

// Option customizes a Service.
type Option func(*Service)

// WithSpellChecker replaces the no-op checker.
func WithSpellChecker(s SpellChecker) Option { return func(q *Service) { q.speller = s } }

// WithSynonyms replaces the default synonym table.
func WithSynonyms(s Synonyms) Option { return func(q *Service) { q.synonyms = s } }

// WithItems enables SearchByItem.
func WithItems(l ItemLookup) Option { return func(q *Service) { q.items = l } }

// New creates a Service.
func New(embed Embedder, search Searcher, opts Options, logger *slog.Logger, extra ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		embed:    embed,
		search:   search,
		speller:  NoSpell{},
		synonyms: DefaultSynonyms(),
		opts:     opts,
		logger:   logger,
	}
	for _, o := range extra {
		o(s)
	}
	return s
}

// Normalize lowercases and trims q, then spell-corrects each word. A checker
// failure leaves the query uncorrected.
func (s *Service) Normalize(ctx context.Context, q string) string {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return q
	}
	words := strings.Fields(q)
	corrected := make([]string, len(words))
	for i, w := range words {
		fixed, err := s.speller.Correct(ctx, w)
		if err != nil {
			s.logger.WarnContext(ctx, "spell correction failed, using query as typed", "error", err)
			return strings.Join(words, " ")
		}
		if fixed == "" {
			fixed = w
		}
		corrected[i] = fixed
	}
	return strings.Join(corrected, " ")
}

// Search dispatches on the request: text when Query is set, by example when
// ItemID is set.
func (s *Service) Search(ctx context.Context, req Request) (*Answer, error) {
	switch {
	case strings.TrimSpace(req.Query) != "":
		return s.SearchText(ctx, req)
	case req.ItemID != "":
		return s.SearchByItem(ctx, req)
	default:
		return nil, domain.NewValidationError("q", "", fmt.Errorf("provide a query or an item id"))
	}
}

// SearchText runs the text pipeline.
func (s *Service) SearchText(ctx context.Context, req Request) (*Answer, error) {
	if _, err := req.Filters.Range(); err != nil {
		return nil, err
	}
	q := s.Normalize(ctx, req.Query)
	if q == "" {
		return nil, domain.NewValidationError("q", req.Query, domain.ErrInvalidInput)
	}
	terms := s.synonyms.Expand(q)

	embedTerms := fn.TracedStage("query.embed", func(ctx context.Context, terms []string) fn.Result[[]float32] {
		return fn.FromPair(s.meanEmbedding(ctx, terms))
	})
	vec, err := embedTerms(ctx, terms).Unwrap()
	if err != nil {
		return nil, fmt.Errorf("query: embed %q: %w", q, err)
	}

	ans, err := s.run(ctx, vec, req)
	if err != nil {
		return nil, err
	}
	ans.Query = q
	ans.Terms = terms
	return ans, nil
}

// SearchByItem uses the image embedding of a cataloged item as the query.
func (s *Service) SearchByItem(ctx context.Context, req Request) (*Answer, error) {
	if s.items == nil {
		return nil, domain.Configuration("query", "item lookup is not configured")
	}
	if _, err := req.Filters.Range(); err != nil {
		return nil, err
	}
	item, err := s.items.Get(ctx, req.ItemID)
	if err != nil {
		return nil, fmt.Errorf("query: item %s: %w", req.ItemID, err)
	}
	vec, err := s.embed.ImageEmbed(ctx, item.Ref)
	if err != nil {
		return nil, fmt.Errorf("query: embed item %s: %w", item.ID, err)
	}
	return s.run(ctx, vec, req)
}

func (s *Service) meanEmbedding(ctx context.Context, terms []string) ([]float32, error) {
	var sum []float64
	for _, t := range terms {
		v, err := s.embed.TextEmbed(ctx, t)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		if len(v) != len(sum) {
			return nil, domain.DimensionMismatch("query mean embedding", len(sum), len(v))
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	out := make([]float32, len(sum))
	for i, x := range sum {
		out[i] = float32(x / float64(len(terms)))
	}
	return out, nil
}

func (s *Service) run(ctx context.Context, vec []float32, req Request) (*Answer, error) {
	topK := req.TopK
	if topK <= 0 {
		topK = s.opts.TopK
	}
	topK = domain.NormalizeTopK(topK)
	ns := req.Namespace
	if ns == "" {
		ns = s.opts.Namespace
	}

	searchCtx := ctx
	if s.opts.SearchTimeout > 0 {
		var cancel context.CancelFunc
		searchCtx, cancel = context.WithTimeout(ctx, s.opts.SearchTimeout)
		defer cancel()
	}
	start := time.Now()
	results, err := s.search.Search(searchCtx, vec, topK, req.Filters, ns)
	if err != nil {
		return nil, fmt.Errorf("query: search: %w", err)
	}
	s.logger.InfoContext(ctx, "query search done", "count", len(results), "namespace", ns, "duration", time.Since(start))

	results = Rerank(results, req.Filters.Building, s.opts.BuildingBoost)
	if s.opts.MediaURL != nil {
		s.absolutize(results)
	}
	return &Answer{Namespace: ns, Results: results}, nil
}

// absolutize rewrites image_url metadata in place on copies of the maps.
func (s *Service) absolutize(results []semantic.SearchResult) {
	for i := range results {
		ref, ok := results[i].Metadata[domain.MetaImageURL].(string)
		if !ok || ref == "" {
			continue
		}
		u, err := s.opts.MediaURL(ref)
		if err != nil {
			continue
		}
		meta := make(map[string]any, len(results[i].Metadata))
		for k, v := range results[i].Metadata {
			meta[k] = v
		}
		meta[domain.MetaImageURL] = u
		results[i].Metadata = meta
	}
}
