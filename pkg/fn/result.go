package fn

import "errors"

// errMissing replaces a nil error handed to Err so a failed Result always
// carries one.
var errMissing = errors.New("fn: failed result without error")

// Result carries a stage's value or the error that stopped it. A Result is
// ok exactly when it holds no error.
type Result[T any] struct {
	val T
	err error
}

func Ok[T any](v T) Result[T] { return Result[T]{val: v} }

func Err[T any](err error) Result[T] {
	if err == nil {
		err = errMissing
	}
	return Result[T]{err: err}
}

// FromPair lifts a (value, error) return into a Result.
func FromPair[T any](v T, err error) Result[T] {
	if err != nil {
		return Err[T](err)
	}
	return Ok(v)
}

func (r Result[T]) IsOk() bool  { return r.err == nil }
func (r Result[T]) IsErr() bool { return r.err != nil }

// Unwrap turns the Result back into a (value, error) pair.
func (r Result[T]) Unwrap() (T, error) { return r.val, r.err }

// Must panics on a failed Result.
func (r Result[T]) Must() T {
	if r.err != nil {
		panic(r.err)
	}
	return r.val
}

// MapResult converts the value of an ok Result; failures pass through.
func MapResult[T, U any](r Result[T], f func(T) U) Result[U] {
	if r.err != nil {
		return Result[U]{err: r.err}
	}
	return Ok(f(r.val))
}

// Collect flattens results in order, or returns the first failure.
func Collect[T any](results []Result[T]) Result[[]T] {
	vals := make([]T, 0, len(results))
	for _, r := range results {
		if r.err != nil {
			return Result[[]T]{err: r.err}
		}
		vals = append(vals, r.val)
	}
	return Ok(vals)
}
