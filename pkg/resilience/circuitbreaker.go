// Package resilience provides a circuit breaker for remote inference and
// storage calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hybrag/hybrag/pkg/fn"
)

// State is the breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures a Breaker. Zero fields take DefaultBreakerOpts.
type BreakerOpts struct {
	// FailThreshold consecutive counted failures open the breaker.
	FailThreshold int
	// Timeout is the open period before trial calls are let through.
	Timeout time.Duration
	// HalfOpenMax bounds concurrent trial calls.
	HalfOpenMax int
	// Counts selects the errors that count as failures; nil counts all.
	// Client-side rejections usually should not.
	Counts func(error) bool
	// OnStateChange runs under the breaker lock.
	OnStateChange func(from, to State)
}

var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker stops calling a dependency after repeated failures and lets a
// bounded number of trial calls through once Timeout has passed.
type Breaker struct {
	opts BreakerOpts
	now  func() time.Time

	mu          sync.Mutex
	state       State
	consecutive int
	reopenAt    time.Time
	trials      int
}

// NewBreaker creates a closed breaker.
func NewBreaker(opts BreakerOpts) *Breaker {
	opts.FailThreshold = positive(opts.FailThreshold, DefaultBreakerOpts.FailThreshold)
	opts.Timeout = positive(opts.Timeout, DefaultBreakerOpts.Timeout)
	opts.HalfOpenMax = positive(opts.HalfOpenMax, DefaultBreakerOpts.HalfOpenMax)
	return &Breaker{opts: opts, now: time.Now}
}

func positive[T int | time.Duration](v, fallback T) T {
	if v <= 0 {
		return fallback
	}
	return v
}

// State reports the current state, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	return b.state
}

func (b *Breaker) expire() {
	if b.state == StateOpen && !b.now().Before(b.reopenAt) {
		b.transition(StateHalfOpen)
	}
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.consecutive, b.trials = 0, 0
	if to == StateOpen {
		b.reopenAt = b.now().Add(b.opts.Timeout)
	}
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(from, to)
	}
}

func (b *Breaker) enter() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expire()
	switch {
	case b.state == StateOpen:
		return ErrCircuitOpen
	case b.state == StateHalfOpen && b.trials >= b.opts.HalfOpenMax:
		return ErrCircuitOpen
	case b.state == StateHalfOpen:
		b.trials++
	}
	return nil
}

func (b *Breaker) leave(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	failed := err != nil && (b.opts.Counts == nil || b.opts.Counts(err))
	switch {
	case failed && b.state == StateHalfOpen:
		b.transition(StateOpen)
	case failed:
		if b.consecutive++; b.consecutive >= b.opts.FailThreshold {
			b.transition(StateOpen)
		}
	case b.state == StateHalfOpen:
		b.transition(StateClosed)
	default:
		b.consecutive = 0
	}
}

// CallResult runs f through the breaker. An open breaker fails fast with
// ErrCircuitOpen without calling f.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	if err := b.enter(); err != nil {
		return fn.Err[T](err)
	}
	res := f(ctx)
	_, err := res.Unwrap()
	b.leave(err)
	return res
}
