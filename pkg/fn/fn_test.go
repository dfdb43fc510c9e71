package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResult(t *testing.T) {
	v, err := Ok(42).Unwrap()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	e := Err[int](errors.New("fail"))
	assert.True(t, e.IsErr())
	assert.Panics(t, func() { e.Must() })

	assert.True(t, Err[int](nil).IsErr())
	assert.True(t, Result[string]{}.IsOk())
}

func TestMapResultAndFromPair(t *testing.T) {
	assert.Equal(t, "5", MapResult(Ok(5), strconv.Itoa).Must())
	assert.True(t, MapResult(Err[int](errors.New("x")), strconv.Itoa).IsErr())
	assert.Equal(t, 42, FromPair(strconv.Atoi("42")).Must())
	assert.True(t, FromPair(strconv.Atoi("nope")).IsErr())
}

func TestCollect_FirstError(t *testing.T) {
	_, err := Collect([]Result[int]{Ok(1), Err[int](errors.New("e1")), Err[int](errors.New("e2"))}).Unwrap()
	require.EqualError(t, err, "e1")
	assert.Empty(t, Collect([]Result[int]{}).Must())
}

func TestChunk(t *testing.T) {
	c := Chunk([]int{1, 2, 3, 4, 5}, 2)
	require.Len(t, c, 3)
	assert.Equal(t, []int{5}, c[2])
	assert.Nil(t, Chunk([]int{1}, 0))
	assert.Empty(t, Chunk([]int{}, 3))
}

func TestSliceHelpers(t *testing.T) {
	assert.Equal(t, []int{2, 4}, Map([]int{1, 2}, func(v int) int { return v * 2 }))
	assert.Equal(t, []string{"a", "b"}, Unique([]string{"a", "b", "a"}))
}

func TestParMapResult_PreservesOrder(t *testing.T) {
	var inflight, peak atomic.Int32
	out := ParMapResult([]int{1, 2, 3, 4, 5, 6}, 2, func(v int) Result[int] {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inflight.Add(-1)
		return Ok(v * 10)
	})
	assert.Equal(t, []int{10, 20, 30, 40, 50, 60}, Collect(out).Must())
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Empty(t, ParMapResult([]int{}, 4, func(v int) Result[int] { return Ok(v) }))
	assert.Len(t, ParMapResult([]int{1, 2}, 0, func(v int) Result[int] { return Ok(v) }), 2)
}

func TestThen_ShortCircuits(t *testing.T) {
	called := false
	fail := Stage[int, int](func(context.Context, int) Result[int] { return Err[int](errors.New("fail")) })
	track := Stage[int, string](func(_ context.Context, v int) Result[string] {
		called = true
		return Ok(strconv.Itoa(v))
	})
	r := Then(fail, track)(context.Background(), 1)
	assert.True(t, r.IsErr())
	assert.False(t, called)
}

func TestThenTracedAndLogged(t *testing.T) {
	inc := Stage[int, int](func(_ context.Context, v int) Result[int] { return Ok(v + 1) })
	p := TracedStage("inc", Logged("inc", nil, Then(Then(inc, inc), inc)))
	assert.Equal(t, 3, p(context.Background(), 0).Must())
}

func TestBatchStage_FailsOnAnyItem(t *testing.T) {
	stage := Stage[int, int](func(_ context.Context, v int) Result[int] {
		if v == 2 {
			return Err[int](errors.New("fail on 2"))
		}
		return Ok(v * 2)
	})
	assert.True(t, BatchStage(2, stage)(context.Background(), []int{1, 2, 3}).IsErr())
	assert.Equal(t, []int{2, 6}, BatchStage(2, stage)(context.Background(), []int{1, 3}).Must())
}

func TestTapStage(t *testing.T) {
	var seen int
	r := TapStage(func(_ context.Context, v int) { seen = v })(context.Background(), 7)
	assert.Equal(t, 7, r.Must())
	assert.Equal(t, 7, seen)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	var retried []int
	opts := RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond, OnRetry: func(a int, _ error) { retried = append(retried, a) }}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		if calls < 3 {
			return Err[int](errors.New("transient"))
		}
		return Ok(calls)
	})
	assert.Equal(t, 3, r.Must())
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	opts := RetryOpts{MaxAttempts: 5, InitialWait: time.Millisecond, Retryable: func(err error) bool {
		return !errors.Is(err, permanent)
	}}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](permanent)
	})
	assert.True(t, r.IsErr())
	assert.Equal(t, 1, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 3, InitialWait: time.Hour}, func(context.Context) Result[int] {
		return Err[int](errors.New("fail"))
	})
	_, err := r.Unwrap()
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryStage(t *testing.T) {
	calls := 0
	stage := RetryStage(RetryOpts{MaxAttempts: 2}, Stage[int, int](func(_ context.Context, v int) Result[int] {
		calls++
		if calls == 1 {
			return Err[int](errors.New("once"))
		}
		return Ok(v)
	}))
	assert.Equal(t, 4, stage(context.Background(), 4).Must())
}

func TestRetryOpts_WaitDoublesUpToCap(t *testing.T) {
	o := RetryOpts{InitialWait: 100 * time.Millisecond, MaxWait: time.Second}
	assert.Equal(t, 100*time.Millisecond, o.wait(1))
	assert.Equal(t, 200*time.Millisecond, o.wait(2))
	assert.Equal(t, 800*time.Millisecond, o.wait(4))
	assert.Equal(t, time.Second, o.wait(10))

	o.Jitter = true
	for n := 1; n < 5; n++ {
		assert.LessOrEqual(t, o.wait(n), time.Second)
	}
}
