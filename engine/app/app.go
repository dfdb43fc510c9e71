// Package app wires configuration into the embedding client, vector store,
// catalog, query service and ingestion orchestrator. Remote clients are
// built on first use and shared by every caller.
package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/hybrag/hybrag/engine/catalog"
	"github.com/hybrag/hybrag/engine/config"
	"github.com/hybrag/hybrag/engine/embed"
	"github.com/hybrag/hybrag/engine/ingest"
	"github.com/hybrag/hybrag/engine/query"
	"github.com/hybrag/hybrag/engine/semantic"
	"github.com/hybrag/hybrag/pkg/metrics"
)

// App is the process-wide context.
type App struct {
	Config   *config.Config
	Log      *slog.Logger
	Registry *metrics.Registry
	Metrics  *metrics.Engine

	embedder *LazyEmbedder
	store    *LazyStore
	catalog  *Lazy[*catalog.Catalog]
	query    *Lazy[*query.Service]
	ingest   *Lazy[*ingest.Orchestrator]
}

// Option overrides a component, mostly for tests.
type Option func(*App)

// WithEmbedder uses c instead of building one from config.
func WithEmbedder(c embed.Client) Option { return func(a *App) { a.embedder = Ready(c) } }

// WithStore uses s instead of building one from config.
func WithStore(s semantic.VectorStore) Option { return func(a *App) { a.store = Ready(s) } }

// WithRegistry records metrics on reg.
func WithRegistry(reg *metrics.Registry) Option {
	return func(a *App) {
		a.Registry = reg
		a.Metrics = metrics.NewEngine(reg)
	}
}

// New creates the App. Nothing is dialed until first use.
func New(cfg *config.Config, log *slog.Logger, opts ...Option) *App {
	if log == nil {
		log = slog.Default()
	}
	reg := metrics.New()
	a := &App{Config: cfg, Log: log, Registry: reg, Metrics: metrics.NewEngine(reg)}

	a.embedder = NewLazy(func(ctx context.Context) (embed.Client, error) {
		return embed.Open(ctx, cfg.EmbedOptions(), a.Log.With("component", "embed"), a.Metrics)
	})
	a.store = NewLazy(func(ctx context.Context) (semantic.VectorStore, error) {
		s, err := semantic.Open(ctx, cfg.StoreOptions(), a.Log.With("component", "store"))
		if err != nil {
			return nil, err
		}
		return semantic.WithMetrics(s, a.Metrics), nil
	})
	a.catalog = NewLazy(func(ctx context.Context) (*catalog.Catalog, error) {
		return catalog.Open(ctx, cfg.Catalog.Path)
	})
	a.query = NewLazy(a.buildQuery)
	a.ingest = NewLazy(a.buildOrchestrator)

	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *App) Embedder(ctx context.Context) (embed.Client, error) { return a.embedder.Get(ctx) }

func (a *App) Store(ctx context.Context) (semantic.VectorStore, error) { return a.store.Get(ctx) }

func (a *App) Catalog(ctx context.Context) (*catalog.Catalog, error) { return a.catalog.Get(ctx) }

// Query returns the search service.
func (a *App) Query(ctx context.Context) (*query.Service, error) { return a.query.Get(ctx) }

// Orchestrator returns the ingestion orchestrator.
func (a *App) Orchestrator(ctx context.Context) (*ingest.Orchestrator, error) {
	return a.ingest.Get(ctx)
}

func (a *App) buildQuery(ctx context.Context) (*query.Service, error) {
	emb, err := a.Embedder(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	cat, err := a.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	qc := a.Config.Query
	synonyms := query.DefaultSynonyms()
	if qc.SynonymsFile != "" {
		if synonyms, err = query.LoadSynonyms(qc.SynonymsFile); err != nil {
			return nil, err
		}
	}
	var speller query.SpellChecker = query.NoSpell{}
	if qc.SpellCheck {
		vocab := append(append([]string{}, query.DefaultVocabulary...), qc.Vocabulary...)
		speller = query.NewFuzzySpeller(append(vocab, synonyms.Words()...), 2)
	}

	opts := query.Options{
		TopK:          qc.TopK,
		Namespace:     a.Config.Store.Namespace,
		BuildingBoost: float32(qc.BuildingBoost),
		SearchTimeout: qc.SearchTimeout,
	}
	if qc.MediaBaseURL != "" {
		resolve, err := embed.BaseURLRefs(qc.MediaBaseURL)
		if err != nil {
			return nil, err
		}
		opts.MediaURL = resolve
	}
	return query.New(emb, store, opts, a.Log.With("component", "query"),
		query.WithSpellChecker(speller),
		query.WithSynonyms(synonyms),
		query.WithItems(cat),
	), nil
}

func (a *App) buildOrchestrator(ctx context.Context) (*ingest.Orchestrator, error) {
	emb, err := a.Embedder(ctx)
	if err != nil {
		return nil, err
	}
	store, err := a.Store(ctx)
	if err != nil {
		return nil, err
	}
	return ingest.New(ingest.Deps{
		Embedder:  emb,
		Store:     store,
		Namespace: a.Config.Store.Namespace,
		RefKey:    a.Config.Store.RefKey,
		Metrics:   a.Metrics,
		Logger:    a.Log.With("component", "ingest"),
	}), nil
}

// Close releases whatever was built.
func (a *App) Close() error {
	var errs []error
	if a.store.Built() {
		s, _ := a.store.Get(context.Background())
		errs = append(errs, s.Close())
	}
	if a.catalog.Built() {
		c, _ := a.catalog.Get(context.Background())
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Level))); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
