// Package config loads hybrag settings from defaults, an optional YAML file
// and HYBRAG_* environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/viper"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/engine/embed"
	"github.com/hybrag/hybrag/engine/semantic"
)

// EnvPrefix prefixes every environment override, e.g. HYBRAG_STORE_BACKEND.
const EnvPrefix = "HYBRAG"

// Config is the top-level configuration.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Embed   EmbedConfig   `mapstructure:"embed"`
	Store   StoreConfig   `mapstructure:"store"`
	Query   QueryConfig   `mapstructure:"query"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Ingest  IngestConfig  `mapstructure:"ingest"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// EmbedConfig selects and tunes the embedding provider.
type EmbedConfig struct {
	Provider      string        `mapstructure:"provider"`
	Dim           int           `mapstructure:"dim"`
	Region        string        `mapstructure:"region"`
	Endpoint      string        `mapstructure:"endpoint"`
	APIKey        string        `mapstructure:"api_key"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSec    float64       `mapstructure:"rate_per_sec"`
	Async         bool          `mapstructure:"async"`
	InputBucket   string        `mapstructure:"input_bucket"`
	InputPrefix   string        `mapstructure:"input_prefix"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	PollDeadline  time.Duration `mapstructure:"poll_deadline"`
	OllamaURL     string        `mapstructure:"ollama_url"`
	OllamaModel   string        `mapstructure:"ollama_model"`
	ImageBaseURL  string        `mapstructure:"image_base_url"`
	Parallelism   int           `mapstructure:"parallelism"`
	BatchRequests bool          `mapstructure:"batch_requests"`
}

// StoreConfig selects the vector backend.
type StoreConfig struct {
	Backend    string           `mapstructure:"backend"`
	Namespace  string           `mapstructure:"namespace"`
	Region     string           `mapstructure:"region"`
	RefKey     string           `mapstructure:"ref_key"`
	Pinecone   PineconeConfig   `mapstructure:"pinecone"`
	Qdrant     QdrantConfig     `mapstructure:"qdrant"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	S3         S3Config         `mapstructure:"s3"`
	S3Vectors  S3VectorsConfig  `mapstructure:"s3vectors"`
}

type PineconeConfig struct {
	APIKey string `mapstructure:"api_key"`
	Index  string `mapstructure:"index"`
	Host   string `mapstructure:"host"`
}

type QdrantConfig struct {
	Addr       string `mapstructure:"addr"`
	APIKey     string `mapstructure:"api_key"`
	TLS        bool   `mapstructure:"tls"`
	Collection string `mapstructure:"collection"`
}

type OpenSearchConfig struct {
	Addresses          []string `mapstructure:"addresses"`
	Username           string   `mapstructure:"username"`
	Password           string   `mapstructure:"password"`
	Index              string   `mapstructure:"index"`
	InsecureSkipVerify bool     `mapstructure:"insecure_skip_verify"`
}

type S3Config struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
	Index  string `mapstructure:"index"`
}

type S3VectorsConfig struct {
	Bucket string `mapstructure:"bucket"`
	Index  string `mapstructure:"index"`
}

// QueryConfig tunes the search pipeline.
type QueryConfig struct {
	TopK          int           `mapstructure:"top_k"`
	BuildingBoost float64       `mapstructure:"building_boost"`
	SynonymsFile  string        `mapstructure:"synonyms_file"`
	SpellCheck    bool          `mapstructure:"spell_check"`
	Vocabulary    []string      `mapstructure:"vocabulary"`
	SearchTimeout time.Duration `mapstructure:"search_timeout"`
	MediaBaseURL  string        `mapstructure:"media_base_url"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// IngestConfig covers reindexing and the NATS consumer.
type IngestConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	CheckpointPath string        `mapstructure:"checkpoint_path"`
	NATSURL        string        `mapstructure:"nats_url"`
	Subject        string        `mapstructure:"subject"`
	DLQSubject     string        `mapstructure:"dlq_subject"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MessageTimeout time.Duration `mapstructure:"message_timeout"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

func setDefaults(v *viper.Viper) {
	defaults := map[string]any{
		"log.level":  "info",
		"log.format": "json",

		"embed.provider":       embed.ProviderHTTP,
		"embed.dim":            domain.DefaultDim,
		"embed.region":         "us-east-1",
		"embed.endpoint":       "",
		"embed.api_key":        "",
		"embed.timeout":        embed.DefaultTimeout,
		"embed.rate_per_sec":   0.0,
		"embed.async":          false,
		"embed.input_bucket":   "",
		"embed.input_prefix":   "async-inputs/",
		"embed.poll_interval":  embed.DefaultPollInterval,
		"embed.poll_deadline":  embed.DefaultPollDeadline,
		"embed.ollama_url":     "http://localhost:11434",
		"embed.ollama_model":   "",
		"embed.image_base_url": "",
		"embed.parallelism":    4,
		"embed.batch_requests": false,

		"store.backend":                         string(semantic.KindMemory),
		"store.namespace":                       "",
		"store.region":                          "us-east-1",
		"store.ref_key":                         domain.MetaImageURL,
		"store.pinecone.api_key":                "",
		"store.pinecone.index":                  "",
		"store.pinecone.host":                   "",
		"store.qdrant.addr":                     "localhost:6334",
		"store.qdrant.api_key":                  "",
		"store.qdrant.tls":                      false,
		"store.qdrant.collection":               "hybrag_media",
		"store.opensearch.addresses":            []string{"https://localhost:9200"},
		"store.opensearch.username":             "",
		"store.opensearch.password":             "",
		"store.opensearch.index":                "hybrag-media",
		"store.opensearch.insecure_skip_verify": false,
		"store.s3.bucket":                       "",
		"store.s3.prefix":                       "vectors",
		"store.s3.index":                        "media",
		"store.s3vectors.bucket":                "",
		"store.s3vectors.index":                 "media",

		"query.top_k":          domain.DefaultTopK,
		"query.building_boost": 0.02,
		"query.synonyms_file":  "",
		"query.spell_check":    true,
		"query.vocabulary":     []string{},
		"query.search_timeout": 10 * time.Second,
		"query.media_base_url": "",

		"catalog.path": "hybrag.db",

		"ingest.batch_size":      32,
		"ingest.checkpoint_path": "hybrag-checkpoint.db",
		"ingest.nats_url":        "nats://localhost:4222",
		"ingest.subject":         "hybrag.ingest",
		"ingest.dlq_subject":     "hybrag.ingest.dlq",
		"ingest.max_retries":     3,
		"ingest.message_timeout": 5 * time.Minute,

		"metrics.addr": ":9090",
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// Load reads configuration from path (optional) with environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, oops.Code(domain.CodeConfigInvalid).With("path", path).
				Wrapf(fmt.Errorf("%w: %w", domain.ErrConfiguration, err), "reading config %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, oops.Code(domain.CodeConfigInvalid).
			Wrapf(fmt.Errorf("%w: %w", domain.ErrConfiguration, err), "unmarshalling config")
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, oops.Code(domain.CodeConfigInvalid).
			Wrapf(errors.Join(append([]error{domain.ErrConfiguration}, errs...)...), "validating config")
	}
	return &cfg, nil
}

// Validate collects every configuration problem rather than stopping at the
// first.
func (c *Config) Validate() []error {
	var errs []error
	errs = append(errs, c.validateEmbed()...)
	errs = append(errs, c.validateStore()...)
	errs = append(errs, c.validateQuery()...)
	errs = append(errs, c.validateIngest()...)
	if c.Catalog.Path == "" {
		errs = append(errs, invalid("catalog.path must not be empty"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, invalid("log.format must be one of [json, text], got %q", c.Log.Format))
	}
	return errs
}

func invalid(format string, args ...any) error {
	return oops.Code(domain.CodeConfigInvalid).Errorf("config: "+format, args...)
}

func missing(key, why string) error {
	return oops.Code(domain.CodeConfigMissing).With("key", key).Errorf("config: %s is required %s", key, why)
}

func (c *Config) validateEmbed() []error {
	var errs []error
	e := c.Embed
	if e.Dim <= 0 {
		errs = append(errs, invalid("embed.dim must be positive, got %d", e.Dim))
	}
	if e.Parallelism < 0 {
		errs = append(errs, invalid("embed.parallelism must not be negative, got %d", e.Parallelism))
	}
	switch strings.ToLower(e.Provider) {
	case embed.ProviderHTTP:
		if e.Endpoint == "" {
			errs = append(errs, missing("embed.endpoint", "for the http provider"))
		}
	case embed.ProviderSageMaker:
		if e.Endpoint == "" {
			errs = append(errs, missing("embed.endpoint", "for the sagemaker provider"))
		}
		if e.Async && e.InputBucket == "" {
			errs = append(errs, missing("embed.input_bucket", "for async inference"))
		}
		if e.Async && e.PollInterval >= e.PollDeadline {
			errs = append(errs, invalid("embed.poll_interval (%s) must be shorter than embed.poll_deadline (%s)", e.PollInterval, e.PollDeadline))
		}
	case embed.ProviderOllama:
		if e.OllamaModel == "" {
			errs = append(errs, missing("embed.ollama_model", "for the ollama provider"))
		}
	default:
		errs = append(errs, invalid("embed.provider must be one of [http, sagemaker, ollama], got %q", e.Provider))
	}
	return errs
}

func (c *Config) validateStore() []error {
	var errs []error
	s := c.Store
	kind, err := semantic.ParseKind(s.Backend)
	if err != nil {
		return append(errs, invalid("store.backend must be one of %v, got %q", semantic.Kinds, s.Backend))
	}
	switch s.RefKey {
	case domain.MetaImageURL, domain.MetaS3Key:
	default:
		errs = append(errs, invalid("store.ref_key must be one of [%s, %s], got %q", domain.MetaImageURL, domain.MetaS3Key, s.RefKey))
	}
	switch kind {
	case semantic.KindPinecone:
		if s.Pinecone.APIKey == "" {
			errs = append(errs, missing("store.pinecone.api_key", "for the pinecone backend"))
		}
		if s.Pinecone.Index == "" && s.Pinecone.Host == "" {
			errs = append(errs, missing("store.pinecone.index", "(or store.pinecone.host) for the pinecone backend"))
		}
	case semantic.KindQdrant:
		if s.Qdrant.Addr == "" || s.Qdrant.Collection == "" {
			errs = append(errs, missing("store.qdrant.addr", "with store.qdrant.collection for the qdrant backend"))
		}
	case semantic.KindOpenSearch:
		if len(s.OpenSearch.Addresses) == 0 || s.OpenSearch.Index == "" {
			errs = append(errs, missing("store.opensearch.addresses", "with store.opensearch.index for the opensearch backend"))
		}
	case semantic.KindS3:
		if s.S3.Bucket == "" {
			errs = append(errs, missing("store.s3.bucket", "for the s3 backend"))
		}
	case semantic.KindS3Vectors:
		if s.S3Vectors.Bucket == "" || s.S3Vectors.Index == "" {
			errs = append(errs, missing("store.s3vectors.bucket", "with store.s3vectors.index for the s3vectors backend"))
		}
	}
	return errs
}

func (c *Config) validateQuery() []error {
	var errs []error
	if c.Query.TopK <= 0 {
		errs = append(errs, invalid("query.top_k must be positive, got %d", c.Query.TopK))
	}
	if c.Query.BuildingBoost < 0 {
		errs = append(errs, invalid("query.building_boost must not be negative, got %g", c.Query.BuildingBoost))
	}
	return errs
}

func (c *Config) validateIngest() []error {
	var errs []error
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, invalid("ingest.batch_size must be positive, got %d", c.Ingest.BatchSize))
	}
	if c.Ingest.MaxRetries <= 0 {
		errs = append(errs, invalid("ingest.max_retries must be positive, got %d", c.Ingest.MaxRetries))
	}
	return errs
}

// EmbedOptions converts the embed section for embed.Open.
func (c *Config) EmbedOptions() embed.Options {
	e := c.Embed
	return embed.Options{
		Provider:      e.Provider,
		Dim:           e.Dim,
		Region:        e.Region,
		Endpoint:      e.Endpoint,
		APIKey:        e.APIKey,
		Timeout:       e.Timeout,
		RatePerSec:    e.RatePerSec,
		Async:         e.Async,
		InputBucket:   e.InputBucket,
		InputPrefix:   e.InputPrefix,
		PollInterval:  e.PollInterval,
		PollDeadline:  e.PollDeadline,
		OllamaURL:     e.OllamaURL,
		OllamaModel:   e.OllamaModel,
		ImageBaseURL:  e.ImageBaseURL,
		Parallelism:   e.Parallelism,
		BatchRequests: e.BatchRequests,
	}
}

// StoreOptions converts the store section for semantic.Open. The store
// width follows embed.dim.
func (c *Config) StoreOptions() semantic.Options {
	s := c.Store
	kind, _ := semantic.ParseKind(s.Backend)
	return semantic.Options{
		Backend:  kind,
		Dim:      c.Embed.Dim,
		Region:   s.Region,
		Pinecone: semantic.PineconeOptions{APIKey: s.Pinecone.APIKey, Index: s.Pinecone.Index, Host: s.Pinecone.Host},
		Qdrant: semantic.QdrantOptions{
			Addr: s.Qdrant.Addr, APIKey: s.Qdrant.APIKey, TLS: s.Qdrant.TLS, Collection: s.Qdrant.Collection,
		},
		OpenSearch: semantic.OpenSearchOptions{
			Addresses:          s.OpenSearch.Addresses,
			Username:           s.OpenSearch.Username,
			Password:           s.OpenSearch.Password,
			Index:              s.OpenSearch.Index,
			InsecureSkipVerify: s.OpenSearch.InsecureSkipVerify,
		},
		S3:        semantic.S3Options{Bucket: s.S3.Bucket, Prefix: s.S3.Prefix, Index: s.S3.Index},
		S3Vectors: semantic.S3VectorsOptions{Bucket: s.S3Vectors.Bucket, Index: s.S3Vectors.Index},
	}
}
