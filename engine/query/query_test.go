package query

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/engine/semantic"
)

type fakeEmbedder struct {
	mu     sync.Mutex
	text   map[string][]float32
	images map[string][]float32
	calls  []string
}

func (f *fakeEmbedder) TextEmbed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, text)
	v, ok := f.text[text]
	if !ok {
		return nil, domain.Transport("fake embed", errors.New("unknown term "+text))
	}
	return v, nil
}

func (f *fakeEmbedder) ImageEmbed(_ context.Context, ref string) ([]float32, error) {
	v, ok := f.images[ref]
	if !ok {
		return nil, domain.Transport("fake embed", errors.New("unknown image "+ref))
	}
	return v, nil
}

type fakeItems map[string]domain.MediaItem

func (f fakeItems) Get(_ context.Context, id string) (domain.MediaItem, error) {
	it, ok := f[id]
	if !ok {
		return domain.MediaItem{}, domain.NotFound("get", "catalog", id)
	}
	return it, nil
}

type failingSpeller struct{}

func (failingSpeller) Correct(context.Context, string) (string, error) {
	return "", errors.New("dictionary unavailable")
}

func seededStore(t *testing.T) *semantic.MemoryStore {
	t.Helper()
	s := semantic.NewMemory(2)
	ctx := context.Background()
	add := func(id, building string, ymd int, v []float32) {
		meta := map[string]any{
			domain.MetaBuilding: building,
			domain.MetaShotYMD:  ymd,
			domain.MetaImageURL: "/media/" + id + ".jpg",
		}
		require.NoError(t, s.Upsert(ctx, id, v, meta, ""))
	}
	add("a", "north", 20240601, []float32{1, 0})
	add("b", "south", 20240615, []float32{0.8, 0.6})
	add("c", "north", 20240701, []float32{0, 1})
	return s
}

func TestNormalize(t *testing.T) {
	s := New(&fakeEmbedder{}, nil, DefaultOptions(), nil,
		WithSpellChecker(NewFuzzySpeller(DefaultVocabulary, 2)))

	assert.Equal(t, "excavator", s.Normalize(context.Background(), "  EXCAVATR "))
	assert.Equal(t, "tower crane", s.Normalize(context.Background(), "Tower  Crane"))
	assert.Equal(t, "", s.Normalize(context.Background(), "   "))
}

func TestNormalizeSpellFailureKeepsQuery(t *testing.T) {
	s := New(&fakeEmbedder{}, nil, DefaultOptions(), nil, WithSpellChecker(failingSpeller{}))
	assert.Equal(t, "excavatr site", s.Normalize(context.Background(), " Excavatr SITE"))
}

func TestSearchTextAveragesSynonyms(t *testing.T) {
	emb := &fakeEmbedder{text: map[string][]float32{
		"bulldozer": {1, 0},
		"dozer":     {0, 1},
	}}
	s := New(emb, seededStore(t), DefaultOptions(), nil)

	ans, err := s.Search(context.Background(), Request{Query: "Bulldozer", TopK: 3})
	require.NoError(t, err)
	assert.Equal(t, "bulldozer", ans.Query)
	assert.Equal(t, []string{"bulldozer", "dozer"}, ans.Terms)
	assert.Equal(t, []string{"bulldozer", "dozer"}, emb.calls)

	// the mean [0.5,0.5] is closest to b
	require.Len(t, ans.Results, 3)
	assert.Equal(t, "b", ans.Results[0].ID)
}

func TestSearchTextWithoutSynonymEntry(t *testing.T) {
	emb := &fakeEmbedder{text: map[string][]float32{"scaffold": {0, 1}}}
	s := New(emb, seededStore(t), DefaultOptions(), nil)

	ans, err := s.Search(context.Background(), Request{Query: "scaffold", TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"scaffold"}, ans.Terms)
	require.Len(t, ans.Results, 1)
	assert.Equal(t, "c", ans.Results[0].ID)
	assert.InDelta(t, 1.0, ans.Results[0].Score, 1e-6)
}

func TestSearchAppliesFilters(t *testing.T) {
	emb := &fakeEmbedder{text: map[string][]float32{"scaffold": {0, 1}}}
	s := New(emb, seededStore(t), DefaultOptions(), nil)

	ans, err := s.Search(context.Background(), Request{
		Query:   "scaffold",
		Filters: domain.Filters{Building: "north", DateTo: "2024-06-30"},
	})
	require.NoError(t, err)
	require.Len(t, ans.Results, 1)
	assert.Equal(t, "a", ans.Results[0].ID)
}

func TestSearchRejectsBadInput(t *testing.T) {
	s := New(&fakeEmbedder{}, seededStore(t), DefaultOptions(), nil)

	_, err := s.Search(context.Background(), Request{})
	require.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = s.Search(context.Background(), Request{Query: "crane", Filters: domain.Filters{DateFrom: "June"}})
	require.ErrorIs(t, err, domain.ErrInvalidDate)
}

func TestSearchEmbedFailure(t *testing.T) {
	s := New(&fakeEmbedder{text: map[string][]float32{}}, seededStore(t), DefaultOptions(), nil)
	_, err := s.Search(context.Background(), Request{Query: "crane"})
	require.ErrorIs(t, err, domain.ErrTransport)
}

func TestSearchByItem(t *testing.T) {
	emb := &fakeEmbedder{images: map[string][]float32{"site/c.jpg": {0, 1}}}
	items := fakeItems{"c": {ID: "c", Ref: "site/c.jpg", Building: "north"}}
	s := New(emb, seededStore(t), DefaultOptions(), nil, WithItems(items))

	ans, err := s.Search(context.Background(), Request{ItemID: "c", TopK: 2})
	require.NoError(t, err)
	require.Len(t, ans.Results, 2)
	assert.Equal(t, "c", ans.Results[0].ID)

	_, err = s.Search(context.Background(), Request{ItemID: "missing"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSearchByItemNeedsLookup(t *testing.T) {
	s := New(&fakeEmbedder{}, seededStore(t), DefaultOptions(), nil)
	_, err := s.SearchByItem(context.Background(), Request{ItemID: "c"})
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestSearchRewritesMediaURLs(t *testing.T) {
	emb := &fakeEmbedder{text: map[string][]float32{"scaffold": {0, 1}}}
	opts := DefaultOptions()
	opts.MediaURL = func(ref string) (string, error) {
		if strings.HasPrefix(ref, "http") {
			return ref, nil
		}
		return "https://photos.example.com" + ref, nil
	}
	store := seededStore(t)
	s := New(emb, store, opts, nil)

	ans, err := s.Search(context.Background(), Request{Query: "scaffold", TopK: 1})
	require.NoError(t, err)
	assert.Equal(t, "https://photos.example.com/media/c.jpg", ans.Results[0].Metadata[domain.MetaImageURL])

	again, err := store.Search(context.Background(), []float32{0, 1}, 1, domain.Filters{}, "")
	require.NoError(t, err)
	assert.Equal(t, "/media/c.jpg", again[0].Metadata[domain.MetaImageURL])
}

func TestSearchUsesDefaultNamespace(t *testing.T) {
	store := semantic.NewMemory(2)
	require.NoError(t, store.Upsert(context.Background(), "x", []float32{1, 0}, map[string]any{}, "site-a"))
	emb := &fakeEmbedder{text: map[string][]float32{"wall": {1, 0}}}
	opts := DefaultOptions()
	opts.Namespace = "site-a"
	opts.SearchTimeout = time.Second

	ans, err := New(emb, store, opts, nil).Search(context.Background(), Request{Query: "wall"})
	require.NoError(t, err)
	assert.Equal(t, "site-a", ans.Namespace)
	require.Len(t, ans.Results, 1)

	ans, err = New(emb, store, opts, nil).Search(context.Background(), Request{Query: "wall", Namespace: "site-b"})
	require.NoError(t, err)
	assert.Empty(t, ans.Results)
}

func TestRerank(t *testing.T) {
	in := []semantic.SearchResult{
		{ID: "s1", Score: 0.80, Metadata: map[string]any{domain.MetaBuilding: "south"}},
		{ID: "n1", Score: 0.80, Metadata: map[string]any{domain.MetaBuilding: "north"}},
		{ID: "s2", Score: 0.81, Metadata: map[string]any{domain.MetaBuilding: "south"}},
		{ID: "s3", Score: 0.70, Metadata: map[string]any{}},
	}

	out := Rerank(in, "north", DefaultBuildingBoost)
	ids := make([]string, len(out))
	for i, r := range out {
		ids[i] = r.ID
	}
	assert.Equal(t, []string{"n1", "s2", "s1", "s3"}, ids)
	assert.InDelta(t, 0.82, out[0].Score, 1e-6)
	assert.InDelta(t, 0.80, in[1].Score, 1e-6, "input is not modified")

	out = Rerank(in, "", DefaultBuildingBoost)
	assert.Equal(t, "s2", out[0].ID)
	assert.Equal(t, "s1", out[1].ID)
	assert.Equal(t, "n1", out[2].ID)
}

func TestSynonyms(t *testing.T) {
	syn := DefaultSynonyms()
	assert.Equal(t, []string{"crane", "tower crane", "mobile crane"}, syn.Expand("crane"))
	assert.Equal(t, []string{"tower crane"}, syn.Expand("tower crane"))
	assert.Contains(t, syn.Words(), "masonry")
}

func TestLoadSynonyms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "synonyms.yaml")
	require.NoError(t, os.WriteFile(path, []byte("Rebar:\n  - rebar\n  - Reinforcing Bar\n\"\": [ignored]\n"), 0o644))

	syn, err := LoadSynonyms(path)
	require.NoError(t, err)
	assert.Equal(t, Synonyms{"rebar": {"rebar", "reinforcing bar"}}, syn)

	_, err = LoadSynonyms(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, domain.ErrConfiguration)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("crane: {tower: 1"), 0o644))
	_, err = LoadSynonyms(bad)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestFuzzySpellerLearn(t *testing.T) {
	sp := NewFuzzySpeller(nil, 1)
	w, err := sp.Correct(context.Background(), "girdr")
	require.NoError(t, err)
	assert.Equal(t, "girdr", w)

	sp.Learn("Girder")
	w, err = sp.Correct(context.Background(), "girdr")
	require.NoError(t, err)
	assert.Equal(t, "girder", w)
}
