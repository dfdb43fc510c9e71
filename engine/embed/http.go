package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/fn"
	"github.com/hybrag/hybrag/pkg/resilience"
)

// DefaultTimeout bounds a synchronous inference call.
const DefaultTimeout = 8 * time.Second

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 32 << 20

// HTTPOptions configures an HTTPInvoker.
type HTTPOptions struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	// RatePerSec paces requests; zero disables pacing.
	RatePerSec float64
	Retry      fn.RetryOpts
	Breaker    resilience.BreakerOpts
}

// HTTPInvoker posts requests to a JSON inference endpoint.
type HTTPInvoker struct {
	endpoint string
	apiKey   string
	client   *http.Client
	limiter  *rate.Limiter
	retry    fn.RetryOpts
	breaker  *resilience.Breaker
	log      *slog.Logger
}

// NewHTTPInvoker creates an invoker for opts.Endpoint.
func NewHTTPInvoker(opts HTTPOptions, log *slog.Logger) (*HTTPInvoker, error) {
	if opts.Endpoint == "" {
		return nil, domain.Configuration("embed.endpoint", "endpoint is required for the http provider")
	}
	if log == nil {
		log = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retry := opts.Retry
	if retry.MaxAttempts == 0 {
		retry = fn.DefaultRetry
	}
	retry.Retryable = domain.IsRetryable
	retry.OnRetry = func(attempt int, err error) {
		log.Warn("embed request failed, retrying", "provider", "http", "attempt", attempt, "error", err)
	}

	bopts := opts.Breaker
	bopts.Counts = domain.IsRetryable
	bopts.OnStateChange = func(from, to resilience.State) {
		log.Warn("embed circuit breaker", "from", from.String(), "to", to.String())
	}

	inv := &HTTPInvoker{
		endpoint: opts.Endpoint,
		apiKey:   opts.APIKey,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		retry:   retry,
		breaker: resilience.NewBreaker(bopts),
		log:     log,
	}
	if opts.RatePerSec > 0 {
		inv.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), max(1, int(opts.RatePerSec)))
	}
	return inv, nil
}

func (h *HTTPInvoker) Name() string { return "http" }

// Invoke sends req, retrying transient failures.
func (h *HTTPInvoker) Invoke(ctx context.Context, req Request) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}
	return fn.Retry(ctx, h.retry, func(ctx context.Context) fn.Result[[]byte] {
		if h.limiter != nil {
			if err := h.limiter.Wait(ctx); err != nil {
				return fn.Err[[]byte](err)
			}
		}
		res := resilience.CallResult(h.breaker, ctx, func(ctx context.Context) fn.Result[[]byte] {
			return fn.FromPair(h.post(ctx, payload))
		})
		if _, err := res.Unwrap(); errors.Is(err, resilience.ErrCircuitOpen) {
			return fn.Err[[]byte](domain.Unavailable("embed", "http", err))
		}
		return res
	}).Unwrap()
}

func (h *HTTPInvoker) post(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, domain.Configuration("embed.endpoint", "build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, domain.Transport("embed http", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, domain.Transport("embed http read", err)
	}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, domain.Transport("embed http", statusError(resp.StatusCode, body))
	case resp.StatusCode >= 400:
		return nil, domain.Unavailable("embed", "http", statusError(resp.StatusCode, body))
	}
	return body, nil
}

func statusError(code int, body []byte) error {
	excerpt := string(body)
	if len(excerpt) > 200 {
		excerpt = excerpt[:200] + "..."
	}
	return fmt.Errorf("status %d: %s", code, excerpt)
}
