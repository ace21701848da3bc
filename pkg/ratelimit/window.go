package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is the sliding window used when none is configured.
const DefaultWindow = time.Minute

// CallCounter reports how many calls a key completed since a point in time.
// The ledger satisfies it.
type CallCounter interface {
	CountRecentCalls(ctx context.Context, key string, since time.Time) (int, error)
}

// LimitFunc returns the per-window limit for a key. Zero or negative means
// unlimited.
type LimitFunc func(key string) int

// StaticLimit applies the same limit to every key.
func StaticLimit(n int) LimitFunc {
	return func(string) int { return n }
}

type WindowOption func(*WindowLimiter)

func WithWindow(d time.Duration) WindowOption {
	return func(l *WindowLimiter) {
		if d > 0 {
			l.window = d
		}
	}
}

func WithNowFunc(now func() time.Time) WindowOption {
	return func(l *WindowLimiter) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// WindowLimiter admits a call when the calls recorded in the trailing window
// plus the calls already admitted but not yet released stay under the limit.
// Admission for one key is serialised so concurrent callers cannot overshoot.
type WindowLimiter struct {
	counter CallCounter
	limits  LimitFunc
	window  time.Duration
	nowFn   func() time.Time

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	mu       sync.Mutex
	inflight int
}

var _ Limiter = (*WindowLimiter)(nil)

func NewWindowLimiter(counter CallCounter, limits LimitFunc, opts ...WindowOption) *WindowLimiter {
	if limits == nil {
		limits = StaticLimit(0)
	}
	l := &WindowLimiter{
		counter: counter,
		limits:  limits,
		window:  DefaultWindow,
		nowFn:   time.Now,
		keys:    make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *WindowLimiter) state(key string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		l.keys[key] = st
	}
	return st
}

func (l *WindowLimiter) Allow(ctx context.Context, key string) (func(), error) {
	limit := l.limits(key)
	if limit <= 0 {
		return func() {}, nil
	}

	st := l.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()

	recent, err := l.counter.CountRecentCalls(ctx, key, l.nowFn().Add(-l.window))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: count recent calls: %w", err)
	}
	if recent+st.inflight >= limit {
		return nil, fmt.Errorf("%w: %d calls in the last %s (limit %d)", ErrRateLimited, recent+st.inflight, l.window, limit)
	}
	st.inflight++

	var once sync.Once
	return func() {
		once.Do(func() {
			st.mu.Lock()
			st.inflight--
			st.mu.Unlock()
		})
	}, nil
}

// InFlight reports admitted calls for key that have not been released.
func (l *WindowLimiter) InFlight(key string) int {
	st := l.state(key)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inflight
}

func (l *WindowLimiter) Close() error { return nil }
