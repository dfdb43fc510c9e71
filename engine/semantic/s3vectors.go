package semantic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors/document"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors/types"
	"github.com/aws/smithy-go"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/fn"
)

const (
	s3vPutBatch    = 200
	s3vDeleteBatch = 500
	s3vMaxTopK     = 100
	// s3vOverfetch widens the candidate set when the date range is applied
	// after the query.
	s3vOverfetch = 4
)

// S3VectorsAPI is the subset of *s3vectors.Client the store uses.
type S3VectorsAPI interface {
	PutVectors(ctx context.Context, in *s3vectors.PutVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.PutVectorsOutput, error)
	QueryVectors(ctx context.Context, in *s3vectors.QueryVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.QueryVectorsOutput, error)
	ListVectors(ctx context.Context, in *s3vectors.ListVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.ListVectorsOutput, error)
	DeleteVectors(ctx context.Context, in *s3vectors.DeleteVectorsInput, optFns ...func(*s3vectors.Options)) (*s3vectors.DeleteVectorsOutput, error)
}

// S3VectorsOptions locates the vector index.
type S3VectorsOptions struct {
	Bucket string
	Index  string
}

// S3VectorsStore keeps vectors in an S3 Vectors index. The building filter
// and namespace are pushed down; the date range is applied client-side.
type S3VectorsStore struct {
	client S3VectorsAPI
	opts   S3VectorsOptions
	dim    int
	log    *slog.Logger
}

// NewS3Vectors creates a store over client.
func NewS3Vectors(client S3VectorsAPI, opts S3VectorsOptions, dim int, log *slog.Logger) (*S3VectorsStore, error) {
	if opts.Bucket == "" || opts.Index == "" {
		return nil, domain.Configuration("s3vectors", "vector bucket and index are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &S3VectorsStore{client: client, opts: opts, dim: dim, log: log}, nil
}

func (s *S3VectorsStore) Dim() int        { return s.dim }
func (s *S3VectorsStore) Backend() string { return string(KindS3Vectors) }
func (s *S3VectorsStore) Close() error    { return nil }

// vectorKey scopes ids by namespace, since keys are unique per index.
func (s *S3VectorsStore) vectorKey(namespace, id string) string {
	if namespace == "" {
		return id
	}
	return namespace + "/" + id
}

func (s *S3VectorsStore) Upsert(ctx context.Context, id string, vector []float32, meta map[string]any, namespace string) error {
	return s.UpsertBatch(ctx, []Record{{ID: id, Vector: vector, Metadata: meta}}, namespace)
}

func (s *S3VectorsStore) UpsertBatch(ctx context.Context, records []Record, namespace string) error {
	if err := checkRecords("s3vectors upsert", s.dim, records); err != nil {
		return err
	}
	vectors := make([]types.PutInputVector, len(records))
	for i, r := range records {
		meta := withoutKeys(r.Metadata)
		meta[domain.MetaID] = r.ID
		meta[NamespaceKey] = namespaceValue(namespace)
		for k, v := range meta {
			if v == nil {
				delete(meta, k)
			}
		}
		vectors[i] = types.PutInputVector{
			Key:      aws.String(s.vectorKey(namespace, r.ID)),
			Data:     &types.VectorDataMemberFloat32{Value: r.Vector},
			Metadata: document.NewLazyDocument(meta),
		}
	}
	for _, chunk := range fn.Chunk(vectors, s3vPutBatch) {
		_, err := s.client.PutVectors(ctx, &s3vectors.PutVectorsInput{
			VectorBucketName: aws.String(s.opts.Bucket),
			IndexName:        aws.String(s.opts.Index),
			Vectors:          chunk,
		})
		if err != nil {
			return s.wrap(fmt.Sprintf("put %d vectors", len(chunk)), err)
		}
	}
	return nil
}

func (s *S3VectorsStore) DeleteIDs(ctx context.Context, ids []string, namespace string) error {
	keys := fn.Map(fn.Unique(ids), func(id string) string { return s.vectorKey(namespace, id) })
	return s.deleteKeys(ctx, keys)
}

// DeleteAll pages through the index and deletes every vector of the
// namespace.
func (s *S3VectorsStore) DeleteAll(ctx context.Context, namespace string) error {
	ns := namespaceValue(namespace)
	var keys []string
	var token *string
	for {
		out, err := s.client.ListVectors(ctx, &s3vectors.ListVectorsInput{
			VectorBucketName: aws.String(s.opts.Bucket),
			IndexName:        aws.String(s.opts.Index),
			NextToken:        token,
			ReturnMetadata:   true,
		})
		if err != nil {
			return s.wrap("list vectors", err)
		}
		for _, v := range out.Vectors {
			meta, err := decodeDocument(v.Metadata)
			if err != nil {
				return domain.StoreMalformed("list vectors", "s3vectors", nil, fmt.Sprintf("metadata of %s: %v", aws.ToString(v.Key), err))
			}
			if got, _ := meta[NamespaceKey].(string); got != ns {
				continue
			}
			keys = append(keys, aws.ToString(v.Key))
		}
		if aws.ToString(out.NextToken) == "" {
			break
		}
		token = out.NextToken
	}
	return s.deleteKeys(ctx, keys)
}

func (s *S3VectorsStore) deleteKeys(ctx context.Context, keys []string) error {
	for _, chunk := range fn.Chunk(keys, s3vDeleteBatch) {
		_, err := s.client.DeleteVectors(ctx, &s3vectors.DeleteVectorsInput{
			VectorBucketName: aws.String(s.opts.Bucket),
			IndexName:        aws.String(s.opts.Index),
			Keys:             chunk,
		})
		if err != nil {
			return s.wrap(fmt.Sprintf("delete %d vectors", len(chunk)), err)
		}
	}
	return nil
}

func (s *S3VectorsStore) Search(ctx context.Context, query []float32, topK int, filters domain.Filters, namespace string) ([]SearchResult, error) {
	if err := checkDim("s3vectors search", s.dim, query); err != nil {
		return nil, err
	}
	match, err := newMatcher(filters)
	if err != nil {
		return nil, err
	}
	k := domain.NormalizeTopK(topK)
	fetch := k
	if !match.dates.IsZero() {
		fetch = min(k*s3vOverfetch, s3vMaxTopK)
	}

	filter := map[string]any{NamespaceKey: map[string]any{"$eq": namespaceValue(namespace)}}
	if filters.Building != "" {
		filter[domain.MetaBuilding] = map[string]any{"$eq": filters.Building}
	}
	out, err := s.client.QueryVectors(ctx, &s3vectors.QueryVectorsInput{
		VectorBucketName: aws.String(s.opts.Bucket),
		IndexName:        aws.String(s.opts.Index),
		QueryVector:      &types.VectorDataMemberFloat32{Value: query},
		TopK:             aws.Int32(int32(min(fetch, s3vMaxTopK))),
		Filter:           document.NewLazyDocument(filter),
		ReturnMetadata:   true,
		ReturnDistance:   true,
	})
	if err != nil {
		return nil, s.wrap("query vectors", err)
	}

	results := make([]SearchResult, 0, len(out.Vectors))
	for _, v := range out.Vectors {
		meta, err := decodeDocument(v.Metadata)
		if err != nil {
			return nil, domain.StoreMalformed("query vectors", "s3vectors", nil, fmt.Sprintf("metadata of %s: %v", aws.ToString(v.Key), err))
		}
		if !match.match(meta) {
			continue
		}
		id, _ := meta[domain.MetaID].(string)
		if id == "" {
			id = aws.ToString(v.Key)
		}
		var score float32
		if v.Distance != nil {
			score = 1 - *v.Distance
		}
		results = append(results, SearchResult{ID: id, Score: score, Metadata: withoutKeys(meta, NamespaceKey)})
	}
	sortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func decodeDocument(doc document.Interface) (map[string]any, error) {
	meta := map[string]any{}
	if doc == nil {
		return meta, nil
	}
	if err := doc.UnmarshalSmithyDocument(&meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *S3VectorsStore) wrap(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotFoundException" {
		return domain.Configuration("s3vectors "+op, "vector bucket %q or index %q does not exist", s.opts.Bucket, s.opts.Index)
	}
	return backendErr(op, "s3vectors", err)
}
