package resilience

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/warmpath/pkg/fn"
)

// ErrRateLimited is returned when a source has no budget left. Callers fail
// fast on it instead of blocking.
var ErrRateLimited = errors.New("rate limited")

// Budget is the request allowance of one external source.
type Budget struct {
	// PerSecond is the token refill rate. Zero disables the per-second bucket.
	PerSecond float64 `mapstructure:"per_second" yaml:"per_second"`
	// Burst is the bucket capacity.
	Burst int `mapstructure:"burst" yaml:"burst"`
	// PerHour caps calls in a rolling one-hour window. Zero disables it.
	PerHour int `mapstructure:"per_hour" yaml:"per_hour"`
}

// LimitError carries the exhausted source and when budget frees up.
type LimitError struct {
	Source     string
	Window     string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s: %s %s budget exhausted (retry after %s)", ErrRateLimited, e.Source, e.Window, e.RetryAfter.Round(time.Second))
}

func (e *LimitError) Unwrap() error { return ErrRateLimited }

type sourceState struct {
	budget Budget
	bucket *rate.Limiter
	window []time.Time // call timestamps inside the last hour, oldest first
}

// SourceLimiter tracks per-source budgets in process memory. Counters reset
// on restart.
type SourceLimiter struct {
	mu        sync.Mutex
	sources   map[string]*sourceState
	fallback  *Budget
	now       func() time.Time
	onLimited func(source string)
}

// LimiterOption configures a SourceLimiter.
type LimiterOption func(*SourceLimiter)

// WithClock injects the time source.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *SourceLimiter) { l.now = now }
}

// WithDefaultBudget applies b to sources that have no explicit budget.
// Without it unknown sources are unlimited.
func WithDefaultBudget(b Budget) LimiterOption {
	return func(l *SourceLimiter) { l.fallback = &b }
}

// WithLimitedHook is called every time a call is refused.
func WithLimitedHook(f func(source string)) LimiterOption {
	return func(l *SourceLimiter) { l.onLimited = f }
}

// NewSourceLimiter creates a limiter with one budget per source name.
func NewSourceLimiter(budgets map[string]Budget, opts ...LimiterOption) *SourceLimiter {
	l := &SourceLimiter{sources: make(map[string]*sourceState), now: time.Now}
	for _, o := range opts {
		o(l)
	}
	for name, b := range budgets {
		l.sources[name] = newSourceState(b)
	}
	return l
}

func newSourceState(b Budget) *sourceState {
	st := &sourceState{budget: b}
	if b.PerSecond > 0 {
		burst := b.Burst
		if burst <= 0 {
			burst = 1
		}
		st.bucket = rate.NewLimiter(rate.Limit(b.PerSecond), burst)
	}
	return st
}

// state returns the tracked state for source. Must hold mu.
func (l *SourceLimiter) state(source string) *sourceState {
	if st, ok := l.sources[source]; ok {
		return st
	}
	if l.fallback == nil {
		return nil
	}
	st := newSourceState(*l.fallback)
	l.sources[source] = st
	return st
}

// Allow consumes one call from source's budget, or returns a *LimitError
// wrapping ErrRateLimited.
func (l *SourceLimiter) Allow(source string) error {
	l.mu.Lock()
	err := l.allowLocked(source)
	l.mu.Unlock()
	if err != nil && l.onLimited != nil {
		l.onLimited(source)
	}
	return err
}

func (l *SourceLimiter) allowLocked(source string) error {
	st := l.state(source)
	if st == nil {
		return nil
	}
	now := l.now()
	st.prune(now)
	if st.budget.PerHour > 0 && len(st.window) >= st.budget.PerHour {
		return &LimitError{Source: source, Window: "hourly", RetryAfter: st.window[0].Add(time.Hour).Sub(now)}
	}
	if st.bucket != nil {
		r := st.bucket.ReserveN(now, 1)
		if !r.OK() {
			return &LimitError{Source: source, Window: "per-second"}
		}
		if d := r.DelayFrom(now); d > 0 {
			r.CancelAt(now)
			return &LimitError{Source: source, Window: "per-second", RetryAfter: d}
		}
	}
	if st.budget.PerHour > 0 {
		st.window = append(st.window, now)
	}
	return nil
}

// prune drops timestamps older than one hour.
func (st *sourceState) prune(now time.Time) {
	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(st.window) && !st.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		st.window = append(st.window[:0], st.window[i:]...)
	}
}

// AllowAll checks every source, stopping at the first exhausted one. Budget
// consumed by sources checked before the failure is not refunded.
func (l *SourceLimiter) AllowAll(sources []string) error {
	for _, s := range sources {
		if err := l.Allow(s); err != nil {
			return err
		}
	}
	return nil
}

// Check reports whether source has budget for one call without consuming
// it.
func (l *SourceLimiter) Check(source string) error {
	l.mu.Lock()
	err := l.checkLocked(source)
	l.mu.Unlock()
	if err != nil && l.onLimited != nil {
		l.onLimited(source)
	}
	return err
}

func (l *SourceLimiter) checkLocked(source string) error {
	st := l.state(source)
	if st == nil {
		return nil
	}
	now := l.now()
	st.prune(now)
	if st.budget.PerHour > 0 && len(st.window) >= st.budget.PerHour {
		return &LimitError{Source: source, Window: "hourly", RetryAfter: st.window[0].Add(time.Hour).Sub(now)}
	}
	if st.bucket != nil {
		if tokens := st.bucket.TokensAt(now); tokens < 1 {
			wait := time.Duration((1 - tokens) / float64(st.bucket.Limit()) * float64(time.Second))
			return &LimitError{Source: source, Window: "per-second", RetryAfter: wait}
		}
	}
	return nil
}

// CheckAll runs Check for every source, stopping at the first exhausted
// one. Nothing is consumed.
func (l *SourceLimiter) CheckAll(sources []string) error {
	for _, s := range sources {
		if err := l.Check(s); err != nil {
			return err
		}
	}
	return nil
}

// Usage reports calls made in the current hourly window per source.
func (l *SourceLimiter) Usage() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	out := make(map[string]int, len(l.sources))
	for name, st := range l.sources {
		st.prune(now)
		out[name] = len(st.window)
	}
	return out
}

// Sources lists the configured source names in sorted order.
func (l *SourceLimiter) Sources() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	names := make([]string, 0, len(l.sources))
	for n := range l.sources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Call executes f if source has budget, otherwise returns ErrRateLimited.
func (l *SourceLimiter) Call(ctx context.Context, source string, f func(context.Context) error) error {
	if err := l.Allow(source); err != nil {
		return err
	}
	return f(ctx)
}

// LimiterStage wraps an fn.Stage with a non-blocking budget check for source.
func LimiterStage[In, Out any](l *SourceLimiter, source string, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	return func(ctx context.Context, in In) fn.Result[Out] {
		if err := l.Allow(source); err != nil {
			return fn.Err[Out](err)
		}
		return stage(ctx, in)
	}
}
