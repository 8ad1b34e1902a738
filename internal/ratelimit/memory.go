package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounter implements Counter in process memory with the same
// bucket math as the Redis implementation. It backs tests and
// single-instance deployments without Redis.
type MemoryCounter struct {
	mu   sync.Mutex
	keys map[string]map[int64]int64

	// Now is overridable for tests. Defaults to time.Now.
	Now func() time.Time
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		keys: make(map[string]map[int64]int64),
		Now:  time.Now,
	}
}

func (c *MemoryCounter) Increment(_ context.Context, key string, cost int64, window time.Duration, limit int64) (Result, error) {
	return c.run(key, cost, window, limit), nil
}

func (c *MemoryCounter) Peek(_ context.Context, key string, window time.Duration) (Result, error) {
	return c.run(key, 0, window, 0), nil
}

func (c *MemoryCounter) Reset(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.keys, key)
	return nil
}

func (c *MemoryCounter) run(key string, cost int64, window time.Duration, limit int64) Result {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := bucketSize(window)
	count := bucketCount(window, size)
	now := c.Now()
	currentBucket := now.Unix() / int64(size.Seconds())
	minBucket := currentBucket - count + 1

	buckets := c.keys[key]
	if buckets == nil {
		buckets = make(map[int64]int64)
		c.keys[key] = buckets
	}

	var total, oldest int64
	for b, n := range buckets {
		if b < minBucket {
			delete(buckets, b)
			continue
		}
		total += n
		if oldest == 0 || b < oldest {
			oldest = b
		}
	}

	if cost > 0 {
		if limit > 0 && total+cost > limit {
			return buildResult(total, limit, false, oldest, count, size, now)
		}
		buckets[currentBucket] += cost
		total += cost
		if oldest == 0 || currentBucket < oldest {
			oldest = currentBucket
		}
	}
	return buildResult(total, limit, true, oldest, count, size, now)
}
