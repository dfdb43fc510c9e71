package semantic

import (
	"context"
	"log/slog"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3vectors"

	"github.com/hybrag/hybrag/engine/domain"
)

// Kind selects a backend.
type Kind string

const (
	KindPinecone   Kind = "pinecone"
	KindQdrant     Kind = "qdrant"
	KindOpenSearch Kind = "opensearch"
	KindS3         Kind = "s3"
	KindS3Vectors  Kind = "s3vectors"
	KindMemory     Kind = "memory"
)

// Kinds lists every supported backend.
var Kinds = []Kind{KindPinecone, KindQdrant, KindOpenSearch, KindS3, KindS3Vectors, KindMemory}

// ParseKind validates a backend name.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", domain.Configuration("store.backend", "unknown backend %q", s)
}

// Options carries the settings of every backend; only the selected one is
// read.
type Options struct {
	Backend    Kind
	Dim        int
	Region     string
	Pinecone   PineconeOptions
	Qdrant     QdrantOptions
	OpenSearch OpenSearchOptions
	S3         S3Options
	S3Vectors  S3VectorsOptions
}

// Open constructs the selected backend.
func Open(ctx context.Context, opts Options, log *slog.Logger) (VectorStore, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Dim <= 0 {
		return nil, domain.Configuration("store", "dim must be positive, got %d", opts.Dim)
	}
	log = log.With("backend", string(opts.Backend))

	switch opts.Backend {
	case KindMemory:
		return NewMemory(opts.Dim), nil
	case KindQdrant:
		return NewQdrant(opts.Qdrant, opts.Dim, log)
	case KindPinecone:
		return NewPinecone(ctx, opts.Pinecone, opts.Dim, log)
	case KindOpenSearch:
		return NewOpenSearch(opts.OpenSearch, opts.Dim, log)
	case KindS3, KindS3Vectors:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
		if err != nil {
			return nil, domain.Configuration("aws", "load config: %v", err)
		}
		if opts.Backend == KindS3 {
			return NewS3(s3.NewFromConfig(cfg), opts.S3, opts.Dim, log)
		}
		return NewS3Vectors(s3vectors.NewFromConfig(cfg), opts.S3Vectors, opts.Dim, log)
	default:
		_, err := ParseKind(string(opts.Backend))
		return nil, err
	}
}
