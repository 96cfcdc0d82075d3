// Package ratelimit provides fixed-window request limiting keyed by an
// arbitrary string, such as "email_send:user@example.com".
//
// All implementations fail closed: when the backing store cannot be
// reached the limiter returns an error and the caller must treat the
// request as denied. A limiter that cannot count must not admit traffic.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the limiter storage could not be reached.
var ErrUnavailable = errors.New("rate limit storage unavailable")

// Result is the outcome of a limit check.
type Result struct {
	// Allowed reports whether the request may proceed.
	Allowed bool
	// Remaining is the number of requests left in the current window.
	Remaining int
	// ResetAt is when the current window ends and the counter resets.
	ResetAt time.Time
}

// Limiter counts requests in fixed, non-overlapping windows.
type Limiter interface {
	// CheckAndConsume records a request for key and reports whether it
	// is allowed. Denied requests are still recorded. The
	// read-modify-write is atomic per key.
	CheckAndConsume(ctx context.Context, key string, maxRequests int, window time.Duration) (Result, error)
}

// Limit pairs a request budget with its window. Limits are policy and
// live in configuration, not in the limiter.
type Limit struct {
	MaxRequests int
	Window      time.Duration
}
