package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript sums live buckets, drops stale ones, and applies
// the increment only when it fits under the limit. Check and increment
// happen in one script so concurrent callers cannot overshoot.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local bucket_size = tonumber(ARGV[2])
local num_buckets = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])
local limit = tonumber(ARGV[5])

local current_bucket = math.floor(now / bucket_size)
local min_bucket = current_bucket - num_buckets + 1

local total = 0
local oldest = 0
local stale = {}
local fields = redis.call('HGETALL', key)
for i = 1, #fields, 2 do
	local b = tonumber(fields[i])
	if b < min_bucket then
		stale[#stale + 1] = fields[i]
	else
		total = total + tonumber(fields[i + 1])
		if oldest == 0 or b < oldest then
			oldest = b
		end
	end
end
if #stale > 0 then
	redis.call('HDEL', key, unpack(stale))
end

if cost > 0 then
	if limit > 0 and total + cost > limit then
		return {0, total, oldest}
	end
	redis.call('HINCRBY', key, current_bucket, cost)
	redis.call('EXPIRE', key, (num_buckets + 1) * bucket_size)
	total = total + cost
	if oldest == 0 or current_bucket < oldest then
		oldest = current_bucket
	end
end
return {1, total, oldest}
`)

// RedisCounter implements Counter on a Redis hash per key, one field per
// bucket. When FailOpen is set, Redis errors report the call as allowed
// so a cache outage degrades to unlimited instead of blocking dispatch.
type RedisCounter struct {
	rdb      redis.UniversalClient
	failOpen bool
}

func NewRedisCounter(rdb redis.UniversalClient, failOpen bool) *RedisCounter {
	return &RedisCounter{rdb: rdb, failOpen: failOpen}
}

func (c *RedisCounter) Increment(ctx context.Context, key string, cost int64, window time.Duration, limit int64) (Result, error) {
	return c.run(ctx, key, cost, window, limit)
}

func (c *RedisCounter) Peek(ctx context.Context, key string, window time.Duration) (Result, error) {
	return c.run(ctx, key, 0, window, 0)
}

func (c *RedisCounter) Reset(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("reset counter %s: %w", key, err)
	}
	return nil
}

func (c *RedisCounter) run(ctx context.Context, key string, cost int64, window time.Duration, limit int64) (Result, error) {
	size := bucketSize(window)
	count := bucketCount(window, size)
	now := time.Now()

	raw, err := slidingWindowScript.Run(ctx, c.rdb, []string{key},
		now.Unix(), int64(size.Seconds()), count, cost, limit).Slice()
	if err != nil {
		if c.failOpen {
			slog.WarnContext(ctx, "rate counter unavailable, allowing",
				"key", key, "error", err)
			return Result{Allowed: true, Current: -1, Limit: limit}, nil
		}
		return Result{}, fmt.Errorf("run sliding window script: %w", err)
	}
	if len(raw) != 3 {
		return Result{}, fmt.Errorf("sliding window script returned %d values", len(raw))
	}

	allowed := raw[0].(int64) == 1
	current := raw[1].(int64)
	oldest := raw[2].(int64)
	return buildResult(current, limit, allowed, oldest, count, size, now), nil
}
