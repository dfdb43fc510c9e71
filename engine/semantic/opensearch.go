package semantic

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/fn"
)

const (
	openSearchVectorField = "embedding"
	openSearchBulkSize    = 500
	// Writes return once they are visible to search.
	openSearchRefresh     = "wait_for"
)

// OpenSearchOptions configures the k-NN index client.
type OpenSearchOptions struct {
	Addresses []string
	Username  string
	Password  string
	Index     string
	// InsecureSkipVerify disables TLS verification for self-signed clusters.
	InsecureSkipVerify bool
}

// OpenSearchStore keeps vectors in a k-NN index (lucene engine, cosine
// space). Namespaces are a keyword field; document ids are "namespace:id".
type OpenSearchStore struct {
	transport opensearchapi.Transport
	index     string
	dim       int
	log       *slog.Logger

	mu      sync.Mutex
	ensured bool
}

// NewOpenSearch creates a store. The index is created on first use.
func NewOpenSearch(opts OpenSearchOptions, dim int, log *slog.Logger) (*OpenSearchStore, error) {
	if len(opts.Addresses) == 0 || opts.Index == "" {
		return nil, domain.Configuration("opensearch", "addresses and index are required")
	}
	cfg := opensearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
	}
	if opts.InsecureSkipVerify {
		cfg.Transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}} //nolint:gosec
	}
	client, err := opensearch.NewClient(cfg)
	if err != nil {
		return nil, domain.Configuration("opensearch", "client: %v", err)
	}
	return NewOpenSearchWithTransport(client, opts.Index, dim, log), nil
}

// NewOpenSearchWithTransport builds a store over any opensearchapi transport.
func NewOpenSearchWithTransport(t opensearchapi.Transport, index string, dim int, log *slog.Logger) *OpenSearchStore {
	if log == nil {
		log = slog.Default()
	}
	return &OpenSearchStore{transport: t, index: index, dim: dim, log: log}
}

func (o *OpenSearchStore) Dim() int        { return o.dim }
func (o *OpenSearchStore) Backend() string { return string(KindOpenSearch) }
func (o *OpenSearchStore) Close() error    { return nil }

// EnsureIndex creates the k-NN index if it doesn't exist.
func (o *OpenSearchStore) EnsureIndex(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ensured {
		return nil
	}
	res, err := opensearchapi.IndicesExistsRequest{Index: []string{o.index}}.Do(ctx, o.transport)
	if err != nil {
		return domain.Unavailable("index exists", "opensearch", err)
	}
	drain(res)
	switch res.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		if err := o.createIndex(ctx); err != nil {
			return err
		}
	default:
		return domain.Unavailable("index exists", "opensearch", fmt.Errorf("status %d", res.StatusCode))
	}
	o.ensured = true
	return nil
}

func (o *OpenSearchStore) createIndex(ctx context.Context) error {
	body := map[string]any{
		"settings": map[string]any{"index": map[string]any{"knn": true}},
		"mappings": map[string]any{
			"properties": map[string]any{
				openSearchVectorField: map[string]any{
					"type":      "knn_vector",
					"dimension": o.dim,
					"method": map[string]any{
						"name":       "hnsw",
						"space_type": "cosinesimil",
						"engine":     "lucene",
					},
				},
				domain.MetaID:       map[string]any{"type": "keyword"},
				domain.MetaBuilding: map[string]any{"type": "keyword"},
				domain.MetaShotDate: map[string]any{"type": "keyword"},
				domain.MetaShotYMD:  map[string]any{"type": "integer"},
				NamespaceKey:        map[string]any{"type": "keyword"},
			},
		},
	}
	res, err := opensearchapi.IndicesCreateRequest{Index: o.index, Body: jsonReader(body)}.Do(ctx, o.transport)
	if err := o.check("create index", res, err); err != nil {
		return err
	}
	o.log.Info("opensearch index created", "index", o.index, "dim", o.dim)
	return nil
}

// Reset drops and recreates the index.
func (o *OpenSearchStore) Reset(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ensured = false
	res, err := opensearchapi.IndicesDeleteRequest{Index: []string{o.index}}.Do(ctx, o.transport)
	if err != nil {
		return domain.Unavailable("delete index", "opensearch", err)
	}
	drain(res)
	if res.IsError() && res.StatusCode != http.StatusNotFound {
		return domain.Unavailable("delete index", "opensearch", fmt.Errorf("status %d", res.StatusCode))
	}
	if err := o.createIndex(ctx); err != nil {
		return err
	}
	o.ensured = true
	return nil
}

func (o *OpenSearchStore) Upsert(ctx context.Context, id string, vector []float32, meta map[string]any, namespace string) error {
	if err := checkDim("opensearch upsert", o.dim, vector); err != nil {
		return err
	}
	if err := o.EnsureIndex(ctx); err != nil {
		return err
	}
	res, err := opensearchapi.IndexRequest{
		Index:      o.index,
		DocumentID: openSearchDocID(namespace, id),
		Body:       jsonReader(openSearchDoc(id, vector, meta, namespace)),
		Refresh:    openSearchRefresh,
	}.Do(ctx, o.transport)
	return o.check("index document", res, err)
}

func (o *OpenSearchStore) UpsertBatch(ctx context.Context, records []Record, namespace string) error {
	if err := checkRecords("opensearch upsert", o.dim, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	if err := o.EnsureIndex(ctx); err != nil {
		return err
	}
	for _, chunk := range fn.Chunk(records, openSearchBulkSize) {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, r := range chunk {
			_ = enc.Encode(map[string]any{"index": map[string]any{"_index": o.index, "_id": openSearchDocID(namespace, r.ID)}})
			if err := enc.Encode(openSearchDoc(r.ID, r.Vector, r.Metadata, namespace)); err != nil {
				return domain.NewValidationError("metadata", r.ID, err)
			}
		}
		if err := o.bulk(ctx, &buf); err != nil {
			return err
		}
	}
	return nil
}

func (o *OpenSearchStore) DeleteIDs(ctx context.Context, ids []string, namespace string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := o.EnsureIndex(ctx); err != nil {
		return err
	}
	for _, chunk := range fn.Chunk(ids, openSearchBulkSize) {
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, id := range chunk {
			_ = enc.Encode(map[string]any{"delete": map[string]any{"_index": o.index, "_id": openSearchDocID(namespace, id)}})
		}
		if err := o.bulk(ctx, &buf); err != nil {
			return err
		}
	}
	return nil
}

func (o *OpenSearchStore) DeleteAll(ctx context.Context, namespace string) error {
	if err := o.EnsureIndex(ctx); err != nil {
		return err
	}
	body := map[string]any{"query": map[string]any{"term": map[string]any{NamespaceKey: namespaceValue(namespace)}}}
	res, err := opensearchapi.DeleteByQueryRequest{
		Index:   []string{o.index},
		Body:    jsonReader(body),
		Refresh: opensearchapi.BoolPtr(true),
	}.Do(ctx, o.transport)
	return o.check("delete by query", res, err)
}

func (o *OpenSearchStore) Search(ctx context.Context, query []float32, topK int, filters domain.Filters, namespace string) ([]SearchResult, error) {
	if err := checkDim("opensearch search", o.dim, query); err != nil {
		return nil, err
	}
	r, err := filters.Range()
	if err != nil {
		return nil, err
	}
	if err := o.EnsureIndex(ctx); err != nil {
		return nil, err
	}
	k := domain.NormalizeTopK(topK)

	clauses := []any{map[string]any{"term": map[string]any{NamespaceKey: namespaceValue(namespace)}}}
	if filters.Building != "" {
		clauses = append(clauses, map[string]any{"term": map[string]any{domain.MetaBuilding: filters.Building}})
	}
	if !r.IsZero() {
		rng := map[string]any{}
		if r.From != 0 {
			rng["gte"] = r.From
		}
		if r.To != 0 {
			rng["lte"] = r.To
		}
		clauses = append(clauses, map[string]any{"range": map[string]any{domain.MetaShotYMD: rng}})
	}
	body := map[string]any{
		"size":    k,
		"_source": map[string]any{"excludes": []string{openSearchVectorField}},
		"query": map[string]any{
			"knn": map[string]any{
				openSearchVectorField: map[string]any{
					"vector": query,
					"k":      k,
					"filter": map[string]any{"bool": map[string]any{"filter": clauses}},
				},
			},
		},
	}

	res, err := opensearchapi.SearchRequest{Index: []string{o.index}, Body: jsonReader(body)}.Do(ctx, o.transport)
	if err != nil {
		return nil, domain.Unavailable("search", "opensearch", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, o.statusErr("search", res)
	}

	var parsed struct {
		Hits struct {
			Hits []struct {
				ID     string         `json:"_id"`
				Score  float64        `json:"_score"`
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, domain.Unavailable("search", "opensearch", err)
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.StoreMalformed("search", "opensearch", raw, err.Error())
	}

	results := make([]SearchResult, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		meta := withoutKeys(h.Source, NamespaceKey, openSearchVectorField)
		id, _ := meta[domain.MetaID].(string)
		if id == "" {
			id = h.ID
		}
		// lucene cosinesimil scores are (1 + cos) / 2.
		results = append(results, SearchResult{ID: id, Score: float32(2*h.Score - 1), Metadata: meta})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (o *OpenSearchStore) bulk(ctx context.Context, body io.Reader) error {
	res, err := opensearchapi.BulkRequest{Index: o.index, Body: body, Refresh: openSearchRefresh}.Do(ctx, o.transport)
	if err != nil {
		return domain.Unavailable("bulk", "opensearch", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return o.statusErr("bulk", res)
	}
	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			ID     string          `json:"_id"`
			Status int             `json:"status"`
			Error  json.RawMessage `json:"error"`
		} `json:"items"`
	}
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		return domain.Unavailable("bulk", "opensearch", err)
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return domain.StoreMalformed("bulk", "opensearch", raw, err.Error())
	}
	if !parsed.Errors {
		return nil
	}
	for _, item := range parsed.Items {
		for action, r := range item {
			if action == "delete" && r.Status == http.StatusNotFound {
				continue
			}
			if r.Status >= 300 {
				return openSearchStatusErr("bulk", r.Status,
					fmt.Errorf("%s %s: status %d: %s", action, r.ID, r.Status, r.Error))
			}
		}
	}
	return nil
}

func (o *OpenSearchStore) check(op string, res *opensearchapi.Response, err error) error {
	if err != nil {
		return domain.Unavailable(op, "opensearch", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return o.statusErr(op, res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

func (o *OpenSearchStore) statusErr(op string, res *opensearchapi.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 2048))
	if res.StatusCode == http.StatusNotFound {
		return domain.NotFound(op, "opensearch", o.index)
	}
	return openSearchStatusErr(op, res.StatusCode, fmt.Errorf("status %d: %s", res.StatusCode, raw))
}

// openSearchStatusErr classifies 429 and 5xx as transient.
func openSearchStatusErr(op string, code int, err error) error {
	if code == http.StatusTooManyRequests || code >= 500 {
		return domain.StoreTransport(op, "opensearch", err)
	}
	return domain.Unavailable(op, "opensearch", err)
}

func openSearchDocID(namespace, id string) string {
	return namespaceValue(namespace) + ":" + id
}

func openSearchDoc(id string, vector []float32, meta map[string]any, namespace string) map[string]any {
	doc := withoutKeys(meta)
	doc[domain.MetaID] = id
	doc[NamespaceKey] = namespaceValue(namespace)
	doc[openSearchVectorField] = vector
	return doc
}

func jsonReader(v any) io.Reader {
	b, _ := json.Marshal(v)
	return bytes.NewReader(b)
}

func drain(res *opensearchapi.Response) {
	if res != nil && res.Body != nil {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}
}
