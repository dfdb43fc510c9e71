package semantic

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybrag/hybrag/engine/domain"
)

// fakeOpenSearch emulates the handful of endpoints the store calls.
type fakeOpenSearch struct {
	index   string
	exists  bool
	creates int
	calls   int
	docs    map[string]map[string]any
	bodies  map[string][]byte
	params  map[string]url.Values
}

func newFakeOpenSearch(index string) *fakeOpenSearch {
	return &fakeOpenSearch{index: index, docs: map[string]map[string]any{}, bodies: map[string][]byte{}, params: map[string]url.Values{}}
}

func respond(status int, body any) *http.Response {
	b, _ := json.Marshal(body)
	return &http.Response{StatusCode: status, Header: http.Header{}, Body: io.NopCloser(bytes.NewReader(b))}
}

func (f *fakeOpenSearch) Perform(req *http.Request) (*http.Response, error) {
	f.calls++
	var body []byte
	if req.Body != nil {
		body, _ = io.ReadAll(req.Body)
	}
	p := strings.TrimPrefix(req.URL.Path, "/")
	idx, rest, _ := strings.Cut(p, "/")
	f.bodies[req.Method+" "+rest] = body
	f.params[req.Method+" "+rest] = req.URL.Query()

	switch {
	case req.Method == http.MethodHead && rest == "":
		if f.exists {
			return respond(200, nil), nil
		}
		return respond(404, nil), nil
	case req.Method == http.MethodPut && rest == "":
		f.exists = true
		f.creates++
		return respond(200, map[string]any{"acknowledged": true}), nil
	case req.Method == http.MethodDelete && rest == "":
		f.exists = false
		f.docs = map[string]map[string]any{}
		return respond(200, map[string]any{"acknowledged": true}), nil
	case strings.HasPrefix(rest, "_doc/"):
		id, _ := url.PathUnescape(strings.TrimPrefix(rest, "_doc/"))
		var doc map[string]any
		_ = json.Unmarshal(body, &doc)
		f.docs[id] = doc
		return respond(201, map[string]any{"result": "created"}), nil
	case rest == "_bulk" || idx == "_bulk":
		return f.bulk(body), nil
	case rest == "_delete_by_query":
		var q struct {
			Query struct {
				Term map[string]string `json:"term"`
			} `json:"query"`
		}
		_ = json.Unmarshal(body, &q)
		for id, doc := range f.docs {
			if doc[NamespaceKey] == q.Query.Term[NamespaceKey] {
				delete(f.docs, id)
			}
		}
		return respond(200, map[string]any{"deleted": 1}), nil
	case rest == "_search":
		return f.search(body), nil
	}
	return respond(400, map[string]any{"error": "unexpected " + req.Method + " " + req.URL.Path}), nil
}

func (f *fakeOpenSearch) bulk(body []byte) *http.Response {
	sc := bufio.NewScanner(bytes.NewReader(body))
	sc.Buffer(make([]byte, 1<<20), 1<<20)
	var items []map[string]any
	for sc.Scan() {
		var action map[string]map[string]string
		_ = json.Unmarshal(sc.Bytes(), &action)
		if a, ok := action["index"]; ok {
			sc.Scan()
			var doc map[string]any
			_ = json.Unmarshal(sc.Bytes(), &doc)
			f.docs[a["_id"]] = doc
			items = append(items, map[string]any{"index": map[string]any{"_id": a["_id"], "status": 201}})
		}
		if a, ok := action["delete"]; ok {
			status := 200
			if _, found := f.docs[a["_id"]]; !found {
				status = 404
			}
			delete(f.docs, a["_id"])
			items = append(items, map[string]any{"delete": map[string]any{"_id": a["_id"], "status": status}})
		}
	}
	errs := false
	for _, it := range items {
		if d, ok := it["delete"].(map[string]any); ok && d["status"] == 404 {
			errs = true
		}
	}
	return respond(200, map[string]any{"errors": errs, "items": items})
}

func (f *fakeOpenSearch) search(body []byte) *http.Response {
	var q struct {
		Size  int `json:"size"`
		Query struct {
			Knn map[string]struct {
				Vector []float32 `json:"vector"`
				K      int       `json:"k"`
				Filter struct {
					Bool struct {
						Filter []map[string]map[string]any `json:"filter"`
					} `json:"bool"`
				} `json:"filter"`
			} `json:"knn"`
		} `json:"query"`
	}
	_ = json.Unmarshal(body, &q)
	knn := q.Query.Knn[openSearchVectorField]

	type hit struct {
		ID     string         `json:"_id"`
		Score  float64        `json:"_score"`
		Source map[string]any `json:"_source"`
	}
	var hits []hit
	for id, doc := range f.docs {
		if !openSearchMatches(knn.Filter.Bool.Filter, doc) {
			continue
		}
		raw, _ := json.Marshal(doc[openSearchVectorField])
		var vec []float32
		_ = json.Unmarshal(raw, &vec)
		src := withoutKeys(doc, openSearchVectorField)
		hits = append(hits, hit{ID: id, Score: (1 + float64(Cosine(knn.Vector, vec))) / 2, Source: src})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > q.Size {
		hits = hits[:q.Size]
	}
	return respond(200, map[string]any{"hits": map[string]any{"hits": hits}})
}

func openSearchMatches(clauses []map[string]map[string]any, doc map[string]any) bool {
	for _, c := range clauses {
		for field, want := range c["term"] {
			if doc[field] != want {
				return false
			}
		}
		for field, rng := range c["range"] {
			n := doc[field].(float64)
			bounds := rng.(map[string]any)
			if gte, ok := bounds["gte"].(float64); ok && n < gte {
				return false
			}
			if lte, ok := bounds["lte"].(float64); ok && n > lte {
				return false
			}
		}
	}
	return true
}

func TestOpenSearchStore_Conformance(t *testing.T) {
	fake := newFakeOpenSearch("media")
	s := NewOpenSearchWithTransport(fake, "media", testDim, nil)
	runConformance(t, s)
	assert.Equal(t, 1, fake.creates)
	assert.Contains(t, fake.docs, "other:a")
}

func TestOpenSearchStore_DimensionChecked(t *testing.T) {
	fake := newFakeOpenSearch("media")
	s := NewOpenSearchWithTransport(fake, "media", testDim, nil)
	assertDimChecked(t, s, func() int { return fake.calls })
}

func TestOpenSearchStore_IndexMapping(t *testing.T) {
	fake := newFakeOpenSearch("media")
	s := NewOpenSearchWithTransport(fake, "media", testDim, nil)
	require.NoError(t, s.EnsureIndex(context.Background()))

	var mapping struct {
		Mappings struct {
			Properties map[string]map[string]any `json:"properties"`
		} `json:"mappings"`
	}
	require.NoError(t, json.Unmarshal(fake.bodies["PUT "], &mapping))
	vec := mapping.Mappings.Properties[openSearchVectorField]
	assert.Equal(t, "knn_vector", vec["type"])
	assert.Equal(t, float64(testDim), vec["dimension"])
	assert.Equal(t, "keyword", mapping.Mappings.Properties[NamespaceKey]["type"])
}

func TestOpenSearchStore_Reset(t *testing.T) {
	fake := newFakeOpenSearch("media")
	s := NewOpenSearchWithTransport(fake, "media", testDim, nil)
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "a", vecA, nil, ""))
	require.NoError(t, s.Reset(ctx))
	assert.Empty(t, fake.docs)
	assert.Equal(t, 2, fake.creates)
}

func TestOpenSearchStore_WritesVisibleOnReturn(t *testing.T) {
	fake := newFakeOpenSearch("media")
	s := NewOpenSearchWithTransport(fake, "media", testDim, nil)
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, "a", vecA, nil, ""))
	require.NoError(t, s.UpsertBatch(ctx, []Record{{ID: "b", Vector: vecB}}, ""))
	require.NoError(t, s.DeleteAll(ctx, ""))

	var indexed bool
	for key, q := range fake.params {
		if strings.HasPrefix(key, "PUT _doc/") {
			indexed = true
			assert.Equal(t, "wait_for", q.Get("refresh"), key)
		}
	}
	assert.True(t, indexed)
	assert.Equal(t, "wait_for", fake.params["POST _bulk"].Get("refresh"))
	assert.Equal(t, "true", fake.params["POST _delete_by_query"].Get("refresh"))
}

func TestOpenSearchStore_StatusClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusServiceUnavailable, domain.ErrTransport},
		{http.StatusTooManyRequests, domain.ErrTransport},
		{http.StatusUnauthorized, domain.ErrBackendUnavailable},
	}
	for _, tt := range tests {
		s := NewOpenSearchWithTransport(statusTransport(tt.status), "media", testDim, nil)
		_, err := s.Search(context.Background(), vecA, 3, domain.Filters{}, "")
		require.ErrorIs(t, err, tt.want, tt.status)
		assert.Equal(t, domain.IsRetryable(err), tt.want == domain.ErrTransport, tt.status)
	}
}

// statusTransport answers every request with the same status.
type statusTransport int

func (s statusTransport) Perform(*http.Request) (*http.Response, error) {
	return respond(int(s), map[string]any{"error": http.StatusText(int(s))}), nil
}
