package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WessleyAI/warmpath/pkg/fn"
)

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	fail := errors.New("fail")

	for i := 0; i < 3; i++ {
		_ = b.Call(ctx, func(context.Context) error { return fail })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	err := b.Call(ctx, func(context.Context) error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	ctx := context.Background()
	fail := errors.New("fail")

	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return nil })
	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return fail })
	if b.State() != StateClosed {
		t.Fatalf("expected still closed, got %v", b.State())
	}
}

func TestBreakerHalfOpenRecovers(t *testing.T) {
	var transitions []State
	b := NewBreaker(BreakerOpts{
		Name:          "people",
		FailThreshold: 2,
		Timeout:       20 * time.Millisecond,
		OnStateChange: func(_ string, _, to State) { transitions = append(transitions, to) },
	})
	ctx := context.Background()
	fail := errors.New("fail")

	_ = b.Call(ctx, func(context.Context) error { return fail })
	_ = b.Call(ctx, func(context.Context) error { return fail })
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	time.Sleep(40 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if err := b.Call(ctx, func(context.Context) error { return nil }); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after probe, got %v", b.State())
	}
	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions: %v", transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions: %v", transitions)
		}
	}
}

func TestBreakerIgnoresClassifiedErrors(t *testing.T) {
	b := NewBreaker(BreakerOpts{
		FailThreshold: 1,
		IsSuccessful:  func(err error) bool { return err == nil || errors.Is(err, ErrRateLimited) },
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		err := b.Call(ctx, func(context.Context) error { return ErrRateLimited })
		if !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected passthrough, got %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Fatalf("rate limiting must not trip the breaker, got %v", b.State())
	}
}

func TestDo(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1})
	v, err := Do(b, context.Background(), func(context.Context) ([]string, error) {
		return []string{"a"}, nil
	})
	if err != nil || len(v) != 1 {
		t.Fatalf("got %v, %v", v, err)
	}
	_, _ = Do(b, context.Background(), func(context.Context) (int, error) { return 0, errors.New("x") })
	if _, err := Do(b, context.Background(), func(context.Context) (int, error) { return 1, nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerStage(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	ctx := context.Background()

	stage := BreakerStage(b, func(ctx context.Context, in int) fn.Result[int] {
		return fn.Err[int](errors.New("fail"))
	})

	_ = stage(ctx, 1)
	_ = stage(ctx, 2)

	r := stage(ctx, 3)
	if r.IsOk() {
		t.Fatal("expected error from tripped breaker")
	}
	_, err := r.Unwrap()
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	if StateHalfOpen.String() != "half-open" || State(9).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
}
