package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybrag/hybrag/pkg/fn"
)

var errFail = errors.New("fail")

func failing(context.Context) error { return errFail }
func passing(context.Context) error { return nil }

func call(b *Breaker, ctx context.Context, f func(context.Context) error) error {
	_, err := CallResult(b, ctx, func(ctx context.Context) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, f(ctx))
	}).Unwrap()
	return err
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 3; i++ {
		_ = call(b, ctx, failing)
	}
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, call(b, ctx, passing), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	_ = call(b, ctx, failing)
	_ = call(b, ctx, failing)
	require.NoError(t, call(b, ctx, passing))
	_ = call(b, ctx, failing)
	_ = call(b, ctx, failing)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	var transitions []string
	b := NewBreaker(BreakerOpts{
		FailThreshold: 1,
		Timeout:       10 * time.Second,
		OnStateChange: func(from, to State) { transitions = append(transitions, from.String()+">"+to.String()) },
	})
	b.now = func() time.Time { return now }
	ctx := context.Background()

	_ = call(b, ctx, failing)
	assert.Equal(t, StateOpen, b.State())

	now = now.Add(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	require.NoError(t, call(b, ctx, passing))
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, []string{"closed>open", "open>half-open", "half-open>closed"}, transitions)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	b.now = func() time.Time { return now }
	ctx := context.Background()
	_ = call(b, ctx, failing)
	_ = call(b, ctx, failing)
	now = now.Add(2 * time.Second)
	assert.ErrorIs(t, call(b, ctx, failing), errFail)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_CountsFilter(t *testing.T) {
	permanent := errors.New("bad request")
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Counts: func(err error) bool {
		return !errors.Is(err, permanent)
	}})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_ = call(b, ctx, func(context.Context) error { return permanent })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestCallResult(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Minute})
	ctx := context.Background()
	r := CallResult(b, ctx, func(context.Context) fn.Result[int] { return fn.Ok(3) })
	assert.Equal(t, 3, r.Must())

	_ = CallResult(b, ctx, func(context.Context) fn.Result[int] { return fn.Err[int](errFail) })
	_, err := CallResult(b, ctx, func(context.Context) fn.Result[int] { return fn.Ok(1) }).Unwrap()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unknown", State(9).String())
}
