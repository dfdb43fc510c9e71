package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/fn"
)

// pineconeUpsertBatch bounds vectors per upsert request.
const pineconeUpsertBatch = 100

// pineconeIndex is the subset of *pinecone.IndexConnection the store uses.
type pineconeIndex interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	DeleteVectorsById(ctx context.Context, ids []string) error
	DeleteAllVectorsInNamespace(ctx context.Context) error
	Close() error
}

// PineconeOptions configures the managed index.
type PineconeOptions struct {
	APIKey string
	Index  string
	// Host skips the DescribeIndex lookup when set.
	Host string
}

// PineconeStore keeps vectors in a Pinecone index using native namespaces.
type PineconeStore struct {
	dim     int
	index   string
	connect func(namespace string) (pineconeIndex, error)
	log     *slog.Logger

	mu    sync.Mutex
	conns map[string]pineconeIndex
}

// NewPinecone resolves the index host and returns a store. A missing index is
// a configuration error. With Host set the index name is optional and no
// control-plane call is made.
func NewPinecone(ctx context.Context, opts PineconeOptions, dim int, log *slog.Logger) (*PineconeStore, error) {
	if opts.APIKey == "" || (opts.Index == "" && opts.Host == "") {
		return nil, domain.Configuration("pinecone", "api key and index name (or host) are required")
	}
	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: opts.APIKey})
	if err != nil {
		return nil, domain.Configuration("pinecone", "client: %v", err)
	}
	host := opts.Host
	if host == "" {
		idx, err := pc.DescribeIndex(ctx, opts.Index)
		if err != nil {
			if isPineconeNotFound(err) {
				return nil, domain.Configuration("pinecone", "index %q does not exist", opts.Index)
			}
			return nil, backendErr("describe index", "pinecone", err)
		}
		host = idx.Host
	}
	connect := func(namespace string) (pineconeIndex, error) {
		return pc.Index(pinecone.NewIndexConnParams{Host: host, Namespace: namespace})
	}
	name := opts.Index
	if name == "" {
		name = host
	}
	return NewPineconeWithConnector(name, dim, connect, log), nil
}

// NewPineconeWithConnector builds a store that opens index connections with
// connect, one per namespace.
func NewPineconeWithConnector(index string, dim int, connect func(namespace string) (pineconeIndex, error), log *slog.Logger) *PineconeStore {
	if log == nil {
		log = slog.Default()
	}
	return &PineconeStore{dim: dim, index: index, connect: connect, log: log, conns: make(map[string]pineconeIndex)}
}

func (p *PineconeStore) Dim() int        { return p.dim }
func (p *PineconeStore) Backend() string { return string(KindPinecone) }

// Close closes every cached namespace connection.
func (p *PineconeStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for ns, c := range p.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("namespace %q: %w", ns, err))
		}
		delete(p.conns, ns)
	}
	return errors.Join(errs...)
}

func (p *PineconeStore) conn(namespace string) (pineconeIndex, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.conns[namespace]; ok {
		return c, nil
	}
	c, err := p.connect(namespace)
	if err != nil {
		return nil, backendErr("connect", "pinecone", err)
	}
	p.conns[namespace] = c
	return c, nil
}

func (p *PineconeStore) Upsert(ctx context.Context, id string, vector []float32, meta map[string]any, namespace string) error {
	return p.UpsertBatch(ctx, []Record{{ID: id, Vector: vector, Metadata: meta}}, namespace)
}

func (p *PineconeStore) UpsertBatch(ctx context.Context, records []Record, namespace string) error {
	if err := checkRecords("pinecone upsert", p.dim, records); err != nil {
		return err
	}
	vectors := make([]*pinecone.Vector, len(records))
	for i, r := range records {
		md, err := pineconeMetadata(r.Metadata)
		if err != nil {
			return domain.NewValidationError("metadata", r.ID, err)
		}
		vectors[i] = &pinecone.Vector{Id: r.ID, Values: r.Vector, Metadata: md}
	}
	if len(vectors) == 0 {
		return nil
	}
	c, err := p.conn(namespace)
	if err != nil {
		return err
	}
	for _, chunk := range fn.Chunk(vectors, pineconeUpsertBatch) {
		if _, err := c.UpsertVectors(ctx, chunk); err != nil {
			return backendErr(fmt.Sprintf("upsert %d vectors", len(chunk)), "pinecone", err)
		}
	}
	return nil
}

func (p *PineconeStore) DeleteIDs(ctx context.Context, ids []string, namespace string) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := p.conn(namespace)
	if err != nil {
		return err
	}
	for _, chunk := range fn.Chunk(ids, 1000) {
		if err := c.DeleteVectorsById(ctx, chunk); err != nil && !isPineconeNotFound(err) {
			return backendErr("delete ids", "pinecone", err)
		}
	}
	return nil
}

// DeleteAll clears the namespace. A namespace that was never written is
// already empty.
func (p *PineconeStore) DeleteAll(ctx context.Context, namespace string) error {
	c, err := p.conn(namespace)
	if err != nil {
		return err
	}
	if err := c.DeleteAllVectorsInNamespace(ctx); err != nil {
		if isPineconeNotFound(err) {
			p.log.Debug("pinecone namespace already empty", "namespace", namespace)
			return nil
		}
		return backendErr("delete namespace", "pinecone", err)
	}
	return nil
}

func (p *PineconeStore) Search(ctx context.Context, query []float32, topK int, filters domain.Filters, namespace string) ([]SearchResult, error) {
	if err := checkDim("pinecone search", p.dim, query); err != nil {
		return nil, err
	}
	filter, err := pineconeFilter(filters)
	if err != nil {
		return nil, err
	}
	c, err := p.conn(namespace)
	if err != nil {
		return nil, err
	}
	resp, err := c.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          query,
		TopK:            uint32(domain.NormalizeTopK(topK)),
		MetadataFilter:  filter,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, backendErr("query", "pinecone", err)
	}
	results := make([]SearchResult, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		meta := map[string]any{}
		if m.Vector.Metadata != nil {
			meta = m.Vector.Metadata.AsMap()
		}
		results = append(results, SearchResult{ID: m.Vector.Id, Score: m.Score, Metadata: meta})
	}
	sortResults(results)
	return results, nil
}

func pineconeMetadata(meta map[string]any) (*pinecone.Metadata, error) {
	clean := make(map[string]any, len(meta))
	for k, v := range meta {
		if v != nil {
			clean[k] = v
		}
	}
	return structpb.NewStruct(clean)
}

// pineconeFilter builds {"building":{"$eq":b},"shot_ymd":{"$gte":f,"$lte":t}}.
func pineconeFilter(f domain.Filters) (*pinecone.MetadataFilter, error) {
	r, err := f.Range()
	if err != nil {
		return nil, err
	}
	filter := map[string]any{}
	if f.Building != "" {
		filter[domain.MetaBuilding] = map[string]any{"$eq": f.Building}
	}
	if !r.IsZero() {
		rng := map[string]any{}
		if r.From != 0 {
			rng["$gte"] = r.From
		}
		if r.To != 0 {
			rng["$lte"] = r.To
		}
		filter[domain.MetaShotYMD] = rng
	}
	if len(filter) == 0 {
		return nil, nil
	}
	return structpb.NewStruct(filter)
}

func isPineconeNotFound(err error) bool {
	if status.Code(err) == codes.NotFound {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404")
}
