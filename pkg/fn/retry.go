package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures Retry. MaxAttempts below 1 means a single attempt; a
// zero MaxWait leaves the backoff uncapped.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// Jitter scales each wait by a random factor in [0.5, 1.5).
	Jitter bool
	// Retryable reports whether a failed attempt may be retried. Nil retries
	// every error.
	Retryable func(error) bool
	// OnRetry is called with the number of the failed attempt before waiting.
	OnRetry func(attempt int, err error)
}

// DefaultRetry is the backoff used by remote embedding calls.
var DefaultRetry = RetryOpts{
	MaxAttempts: 3,
	InitialWait: 250 * time.Millisecond,
	MaxWait:     4 * time.Second,
	Jitter:      true,
}

// wait returns the pause after failed attempt n (1-based).
func (o RetryOpts) wait(n int) time.Duration {
	d := o.InitialWait
	for i := 1; i < n && (o.MaxWait <= 0 || d < o.MaxWait); i++ {
		d *= 2
	}
	if o.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 {
		d = min(d, o.MaxWait)
	}
	return d
}

// Retry calls f until it succeeds, the error is not retryable, attempts run
// out or ctx is done. The last failure is returned.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	for n := 1; ; n++ {
		res := f(ctx)
		if res.err == nil || n == attempts {
			return res
		}
		if opts.Retryable != nil && !opts.Retryable(res.err) {
			return res
		}
		if ctx.Err() != nil {
			return Err[T](ctx.Err())
		}
		if opts.OnRetry != nil {
			opts.OnRetry(n, res.err)
		}

		t := time.NewTimer(opts.wait(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
	}
}

// RetryStage retries stage with opts for each input.
func RetryStage[In, Out any](opts RetryOpts, stage Stage[In, Out]) Stage[In, Out] {
	return func(ctx context.Context, in In) Result[Out] {
		return Retry(ctx, opts, func(ctx context.Context) Result[Out] {
			return stage(ctx, in)
		})
	}
}
