package embed

import (
	"context"
	"log/slog"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sagemakerruntime"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/metrics"
	"github.com/hybrag/hybrag/pkg/ollama"
)

// Provider names.
const (
	ProviderHTTP      = "http"
	ProviderSageMaker = "sagemaker"
	ProviderOllama    = "ollama"
)

// Options carries the settings of every provider; only the selected one is
// read.
type Options struct {
	Provider string
	Dim      int
	Region   string

	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	RatePerSec float64

	Async        bool
	InputBucket  string
	InputPrefix  string
	PollInterval time.Duration
	PollDeadline time.Duration

	OllamaURL   string
	OllamaModel string

	ImageBaseURL  string
	Parallelism   int
	BatchRequests bool
}

// Open builds the configured provider. The returned client enforces Dim.
func Open(ctx context.Context, opts Options, log *slog.Logger, m *metrics.Engine) (Client, error) {
	if log == nil {
		log = slog.Default()
	}
	if opts.Dim <= 0 {
		return nil, domain.Configuration("embed.dim", "dim must be positive, got %d", opts.Dim)
	}
	provider := strings.ToLower(strings.TrimSpace(opts.Provider))
	log = log.With("provider", provider)

	var inv Invoker
	switch provider {
	case ProviderHTTP:
		h, err := NewHTTPInvoker(HTTPOptions{
			Endpoint:   opts.Endpoint,
			APIKey:     opts.APIKey,
			Timeout:    opts.Timeout,
			RatePerSec: opts.RatePerSec,
		}, log)
		if err != nil {
			return nil, err
		}
		inv = h
	case ProviderSageMaker:
		cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
		if err != nil {
			return nil, domain.Configuration("aws", "load config: %v", err)
		}
		sm, err := NewSageMakerInvoker(sagemakerruntime.NewFromConfig(cfg), s3.NewFromConfig(cfg), SageMakerOptions{
			Endpoint:     opts.Endpoint,
			Async:        opts.Async,
			InputBucket:  opts.InputBucket,
			InputPrefix:  opts.InputPrefix,
			PollInterval: opts.PollInterval,
			PollDeadline: opts.PollDeadline,
		}, m, log)
		if err != nil {
			return nil, err
		}
		inv = sm
	case ProviderOllama:
		if opts.OllamaURL == "" || opts.OllamaModel == "" {
			return nil, domain.Configuration("embed.ollama", "ollama url and model are required")
		}
		inv = NewOllamaInvoker(ollama.NewClient(opts.OllamaURL, opts.OllamaModel, opts.Timeout))
	default:
		return nil, domain.Configuration("embed.provider", "unknown provider %q", opts.Provider)
	}

	ropts := []Option{
		WithLogger(log),
		WithParallelism(opts.Parallelism),
		WithBatchRequests(opts.BatchRequests),
	}
	if opts.ImageBaseURL != "" {
		resolve, err := BaseURLRefs(opts.ImageBaseURL)
		if err != nil {
			return nil, err
		}
		ropts = append(ropts, WithRefResolver(resolve))
	}
	client := NewChecked(NewRemote(inv, opts.Dim, ropts...), opts.Dim)
	return WithMetrics(client, provider, m), nil
}
