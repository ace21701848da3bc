// Package ratelimit admits or rejects tool calls per identity.
//
// Limiters hand back a release func with every admission. Callers must invoke
// it once the attempt has finished so in-flight bookkeeping stays accurate.
package ratelimit

import (
	"context"
	"errors"
)

// ErrRateLimited is returned when the key has exhausted its window.
var ErrRateLimited = errors.New("ratelimit: rate limit exceeded")

// Limiter decides whether a call identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns ErrRateLimited when the call must be rejected. Any other
	// error signals a limiter malfunction. On success release must be called
	// exactly once when the call completes.
	Allow(ctx context.Context, key string) (release func(), err error)

	Close() error
}

// NoopLimiter admits every call.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (func(), error) { return func() {}, nil }

func (NoopLimiter) Close() error { return nil }
