package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/pkg/fn"
	"github.com/hybrag/hybrag/pkg/resilience"
)

var fastRetry = fn.RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond}

func newTestInvoker(t *testing.T, url string, breaker resilience.BreakerOpts) *HTTPInvoker {
	t.Helper()
	inv, err := NewHTTPInvoker(HTTPOptions{Endpoint: url, APIKey: "secret", Retry: fastRetry, Breaker: breaker}, nil)
	require.NoError(t, err)
	return inv
}

func TestHTTPInvokerSendsPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://cdn.example.com/a.jpg", req.ImageURL)
		assert.True(t, req.Normalize)
		_, _ = w.Write([]byte(`{"embedding":[1,2]}`))
	}))
	defer srv.Close()

	body, err := newTestInvoker(t, srv.URL, resilience.BreakerOpts{}).Invoke(context.Background(),
		Request{ImageURL: "https://cdn.example.com/a.jpg", Normalize: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"embedding":[1,2]}`, string(body))
}

func TestHTTPInvokerRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusServiceUnavailable)
		case 2:
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`[0.5,0.5]`))
		}
	}))
	defer srv.Close()

	body, err := newTestInvoker(t, srv.URL, resilience.BreakerOpts{}).Invoke(context.Background(), Request{Text: "crane"})
	require.NoError(t, err)
	assert.Equal(t, `[0.5,0.5]`, string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPInvokerGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestInvoker(t, srv.URL, resilience.BreakerOpts{}).Invoke(context.Background(), Request{Text: "crane"})
	require.ErrorIs(t, err, domain.ErrTransport)
	assert.True(t, domain.IsRetryable(err))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPInvokerDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad image url", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestInvoker(t, srv.URL, resilience.BreakerOpts{}).Invoke(context.Background(), Request{Text: "crane"})
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.False(t, domain.IsRetryable(err))
	assert.NotContains(t, err.Error(), "secret")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPInvokerOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	inv := newTestInvoker(t, srv.URL, resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour})
	_, err := inv.Invoke(context.Background(), Request{Text: "crane"})
	require.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, int32(2), calls.Load())

	_, err = inv.Invoke(context.Background(), Request{Text: "crane"})
	require.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPInvokerHonorsCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := newTestInvoker(t, srv.URL, resilience.BreakerOpts{}).Invoke(ctx, Request{Text: "crane"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewHTTPInvokerRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPInvoker(HTTPOptions{}, nil)
	require.ErrorIs(t, err, domain.ErrConfiguration)
}
