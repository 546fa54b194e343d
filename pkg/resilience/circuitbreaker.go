// Package resilience provides per-source rate limiting and circuit breaking
// for calls to external enrichment providers.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/WessleyAI/warmpath/pkg/fn"
)

// State mirrors the breaker states.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripping, reject calls
	StateHalfOpen              // allowing a probe call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	Name string
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before entering half-open.
	Timeout time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
	// OnStateChange observes transitions.
	OnStateChange func(name string, from, to State)
	// IsSuccessful classifies errors that should not count as failures.
	IsSuccessful func(err error) bool
}

// DefaultBreakerOpts provides sensible defaults.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker is a closed/open/half-open circuit breaker around one source.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a circuit breaker with the given options.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	threshold := uint32(opts.FailThreshold)
	st := gobreaker.Settings{
		Name:        opts.Name,
		MaxRequests: uint32(opts.HalfOpenMax),
		Timeout:     opts.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
	}
	if opts.IsSuccessful != nil {
		st.IsSuccessful = opts.IsSuccessful
	}
	if opts.OnStateChange != nil {
		hook := opts.OnStateChange
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			hook(name, fromGobreaker(from), fromGobreaker(to))
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(st)}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cb.Name() }

// Call executes f through the circuit breaker.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, f(ctx)
	})
	return mapBreakerErr(err)
}

func mapBreakerErr(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// Do is a generic version of Call for functions that return a value.
func Do[T any](b *Breaker, ctx context.Context, f func(context.Context) (T, error)) (T, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		out, err := f(ctx)
		return out, err
	})
	if err != nil {
		var zero T
		return zero, mapBreakerErr(err)
	}
	out, _ := v.(T)
	return out, nil
}

// CallResult is a generic version of Call that works with fn.Result.
func CallResult[T any](b *Breaker, ctx context.Context, f func(context.Context) fn.Result[T]) fn.Result[T] {
	v, err := Do(b, ctx, func(ctx context.Context) (T, error) {
		return f(ctx).Unwrap()
	})
	return fn.FromPair(v, err)
}

// BreakerStage wraps an fn.Stage with circuit breaker protection.
func BreakerStage[In, Out any](b *Breaker, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		return CallResult(b, ctx, func(ctx context.Context) fn.Result[Out] {
			return stage(ctx, in)
		})
	}
}
