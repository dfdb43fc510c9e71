package app

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hybrag/hybrag/engine/embed"
	"github.com/hybrag/hybrag/engine/semantic"
)

// Lazy builds a value on first use. Concurrent first callers share one
// construction. Only a successful value is kept; after a failure the next
// caller builds again.
type Lazy[T any] struct {
	mu    sync.Mutex
	build func(context.Context) (T, error)
	val   T
	built atomic.Bool
}

// NewLazy wraps build.
func NewLazy[T any](build func(context.Context) (T, error)) *Lazy[T] {
	return &Lazy[T]{build: build}
}

// Ready wraps an already constructed value.
func Ready[T any](v T) *Lazy[T] {
	l := &Lazy[T]{val: v}
	l.built.Store(true)
	return l
}

// Get returns the value, constructing it if needed. The build runs detached
// from ctx cancellation. A caller whose ctx is already done gets ctx.Err().
func (l *Lazy[T]) Get(ctx context.Context) (T, error) {
	if l.built.Load() {
		return l.val, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.built.Load() {
		return l.val, nil
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	v, err := l.build(context.WithoutCancel(ctx))
	if err != nil {
		return zero, err
	}
	l.val = v
	l.built.Store(true)
	return v, nil
}

// Built reports whether a value was successfully constructed.
func (l *Lazy[T]) Built() bool {
	return l.built.Load()
}

type (
	LazyEmbedder = Lazy[embed.Client]
	LazyStore    = Lazy[semantic.VectorStore]
)
