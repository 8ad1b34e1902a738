// Package ratelimit provides a sliding-window counter used for rate
// conditions, circuit breaker samples, and per-destination send limits.
// The window is divided into fixed sub-buckets so counts age out
// gradually instead of resetting all at once.
package ratelimit

import (
	"context"
	"time"
)

// NumBuckets is the most sub-buckets a window is divided into. Windows
// shorter than NumBuckets seconds use fewer, one-second buckets so the
// effective window never exceeds the configured one.
const NumBuckets = 60

// Result reports the counter state after an Increment or Peek.
type Result struct {
	// Allowed is false only when a positive limit was given and the
	// incremented count would exceed it. Count-only calls (limit <= 0)
	// always allow.
	Allowed bool
	// Current is the total across the window after the operation. On a
	// denied Increment the increment is not applied.
	Current int64
	Limit   int64
	// ResetAt is when the oldest populated bucket falls out of the window.
	ResetAt time.Time
	// RetryAfter is how long until the next attempt could succeed.
	// Zero when Allowed.
	RetryAfter time.Duration
	// Remaining is max(0, Limit-Current) when a limit applies.
	Remaining int64
}

// Counter is a windowed counter keyed by caller-chosen strings.
type Counter interface {
	// Increment adds cost to the window for key, enforcing limit when
	// limit > 0. The check and the increment are atomic: a denied call
	// leaves the count unchanged.
	Increment(ctx context.Context, key string, cost int64, window time.Duration, limit int64) (Result, error)
	// Peek reads the current window total without modifying it.
	Peek(ctx context.Context, key string, window time.Duration) (Result, error)
	// Reset drops all buckets for key.
	Reset(ctx context.Context, key string) error
}

func bucketSize(window time.Duration) time.Duration {
	size := window / NumBuckets
	if size < time.Second {
		size = time.Second
	}
	return size
}

// bucketCount is how many live buckets the window spans. Fewer than
// NumBuckets when the one-second bucket floor applies; always at least 1.
func bucketCount(window time.Duration, size time.Duration) int64 {
	count := int64(window / size)
	if count < 1 {
		count = 1
	}
	if count > NumBuckets {
		count = NumBuckets
	}
	return count
}

func buildResult(current, limit int64, allowed bool, oldestBucket, count int64, size time.Duration, now time.Time) Result {
	res := Result{
		Allowed: allowed,
		Current: current,
		Limit:   limit,
	}
	if oldestBucket > 0 {
		// The oldest bucket leaves the window count buckets after it
		// started, not when the bucket itself ends.
		res.ResetAt = time.Unix(0, 0).Add(time.Duration(oldestBucket+count) * size)
	} else {
		res.ResetAt = now
	}
	if limit > 0 {
		res.Remaining = limit - current
		if res.Remaining < 0 {
			res.Remaining = 0
		}
		if !allowed {
			res.RetryAfter = res.ResetAt.Sub(now)
			if res.RetryAfter < 0 {
				res.RetryAfter = 0
			}
		}
	}
	return res
}
