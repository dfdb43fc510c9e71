package semantic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/fn"
)

// s3DeleteBatch is the DeleteObjects key limit.
const s3DeleteBatch = 1000

// S3API is the subset of *s3.Client the object-storage store uses.
type S3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Options locates the objects of an index.
type S3Options struct {
	Bucket string
	Prefix string
	Index  string
}

// S3Store uses plain object storage as an index: one JSON object per record
// at {prefix}/{index}[/{namespace}]/{id}.json. Search is an exact scan.
type S3Store struct {
	client S3API
	opts   S3Options
	dim    int
	log    *slog.Logger
}

// NewS3 creates an object-storage store over client.
func NewS3(client S3API, opts S3Options, dim int, log *slog.Logger) (*S3Store, error) {
	if opts.Bucket == "" || opts.Index == "" {
		return nil, domain.Configuration("s3", "bucket and index are required")
	}
	if log == nil {
		log = slog.Default()
	}
	opts.Prefix = strings.Trim(opts.Prefix, "/")
	return &S3Store{client: client, opts: opts, dim: dim, log: log}, nil
}

func (s *S3Store) Dim() int        { return s.dim }
func (s *S3Store) Backend() string { return string(KindS3) }
func (s *S3Store) Close() error    { return nil }

// dir is the key prefix of a namespace, with a trailing slash.
func (s *S3Store) dir(namespace string) string {
	parts := []string{s.opts.Prefix, s.opts.Index}
	if namespace != "" {
		parts = append(parts, url.PathEscape(namespace))
	}
	return strings.TrimPrefix(path.Join(parts...), "/") + "/"
}

func (s *S3Store) key(namespace, id string) string {
	return s.dir(namespace) + url.PathEscape(id) + ".json"
}

// s3Doc is the stored object: metadata fields plus id and embedding.
type s3Doc struct {
	ID        string
	Embedding []float32
	Metadata  map[string]any
}

func (d s3Doc) MarshalJSON() ([]byte, error) {
	out := withoutKeys(d.Metadata)
	out[domain.MetaID] = d.ID
	out["embedding"] = d.Embedding
	return json.Marshal(out)
}

func (d *s3Doc) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(raw["embedding"], &d.Embedding); err != nil {
		return fmt.Errorf("embedding: %w", err)
	}
	delete(raw, "embedding")
	d.Metadata = make(map[string]any, len(raw))
	for k, v := range raw {
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			return fmt.Errorf("%s: %w", k, err)
		}
		d.Metadata[k] = val
	}
	d.ID, _ = d.Metadata[domain.MetaID].(string)
	return nil
}

func (s *S3Store) Upsert(ctx context.Context, id string, vector []float32, meta map[string]any, namespace string) error {
	return s.UpsertBatch(ctx, []Record{{ID: id, Vector: vector, Metadata: meta}}, namespace)
}

// UpsertBatch writes one object per record. Object storage has no multi-put,
// so a failure mid-batch leaves the earlier objects written.
func (s *S3Store) UpsertBatch(ctx context.Context, records []Record, namespace string) error {
	if err := checkRecords("s3 upsert", s.dim, records); err != nil {
		return err
	}
	for _, r := range records {
		body, err := json.Marshal(s3Doc{ID: r.ID, Embedding: r.Vector, Metadata: r.Metadata})
		if err != nil {
			return domain.NewValidationError("metadata", r.ID, err)
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(s.opts.Bucket),
			Key:         aws.String(s.key(namespace, r.ID)),
			Body:        bytes.NewReader(body),
			ContentType: aws.String("application/json"),
		})
		if err != nil {
			return s.wrap("put "+r.ID, err)
		}
	}
	return nil
}

func (s *S3Store) DeleteIDs(ctx context.Context, ids []string, namespace string) error {
	keys := fn.Map(fn.Unique(ids), func(id string) string { return s.key(namespace, id) })
	return s.deleteKeys(ctx, keys)
}

func (s *S3Store) DeleteAll(ctx context.Context, namespace string) error {
	var keys []string
	err := s.list(ctx, namespace, func(key string) error {
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}
	return s.deleteKeys(ctx, keys)
}

func (s *S3Store) deleteKeys(ctx context.Context, keys []string) error {
	for _, chunk := range fn.Chunk(keys, s3DeleteBatch) {
		objs := make([]types.ObjectIdentifier, len(chunk))
		for i, k := range chunk {
			objs[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}
		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.opts.Bucket),
			Delete: &types.Delete{Objects: objs},
		})
		if err != nil {
			return s.wrap(fmt.Sprintf("delete %d objects", len(chunk)), err)
		}
		if out != nil && len(out.Errors) > 0 {
			e := out.Errors[0]
			return domain.Unavailable("delete objects", "s3",
				fmt.Errorf("%s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
	}
	return nil
}

// list calls visit for every record key directly under the namespace.
func (s *S3Store) list(ctx context.Context, namespace string, visit func(key string) error) error {
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.opts.Bucket),
		Prefix:    aws.String(s.dir(namespace)),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return s.wrap("list", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if !strings.HasSuffix(key, ".json") {
				continue
			}
			if err := visit(key); err != nil {
				return err
			}
		}
	}
	return nil
}

// Search scans every object of the namespace. Objects that fail to load or
// parse and vectors of the wrong width are skipped.
func (s *S3Store) Search(ctx context.Context, query []float32, topK int, filters domain.Filters, namespace string) ([]SearchResult, error) {
	if err := checkDim("s3 search", s.dim, query); err != nil {
		return nil, err
	}
	match, err := newMatcher(filters)
	if err != nil {
		return nil, err
	}
	best := newTopK(domain.NormalizeTopK(topK))
	skipped := 0
	err = s.list(ctx, namespace, func(key string) error {
		doc, err := s.load(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			skipped++
			s.log.Debug("s3 search: skipping object", "key", key, "error", err)
			return nil
		}
		if len(doc.Embedding) != s.dim {
			skipped++
			return nil
		}
		if !match.match(doc.Metadata) {
			return nil
		}
		best.offer(SearchResult{ID: doc.ID, Score: Cosine(query, doc.Embedding), Metadata: withoutKeys(doc.Metadata)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.log.Warn("s3 search skipped unreadable objects", "index", s.opts.Index, "count", skipped)
	}
	return best.results(), nil
}

func (s *S3Store) load(ctx context.Context, key string) (s3Doc, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return s3Doc{}, err
	}
	defer out.Body.Close()
	raw, err := io.ReadAll(out.Body)
	if err != nil {
		return s3Doc{}, err
	}
	var doc s3Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return s3Doc{}, err
	}
	if doc.ID == "" {
		doc.ID = strings.TrimSuffix(path.Base(key), ".json")
	}
	return doc, nil
}

func (s *S3Store) wrap(op string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchBucket" {
		return domain.Configuration("s3 "+op, "bucket %q does not exist", s.opts.Bucket)
	}
	return backendErr(op, "s3", err)
}
