package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Token bucket state lives in a Redis hash per bucket. The script refills
// by elapsed time and consumes in one round trip so concurrent acquirers
// never read stale token counts.
const acquireLuaScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local nowMicros = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil or last == nil then
    tokens = capacity
    last = nowMicros
end

local elapsed = nowMicros - last
if elapsed < 0 then
    elapsed = 0
end
tokens = math.min(capacity, tokens + elapsed * rate / 1000000)

local allowed = 0
local waitMs = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    waitMs = math.ceil((cost - tokens) * 1000 / rate)
end

redis.call("HSET", key, "tokens", tostring(tokens), "last_refill", tostring(nowMicros))
redis.call("EXPIRE", key, 120)

return {allowed, waitMs}
`

// TokenBucket is a named distributed token bucket. Acquire fails open on
// Redis errors: an unavailable engine must not halt user traffic, and the
// hot-state layer's fail-safe covers duplicate-send risk.
type TokenBucket struct {
	redis    redis.Scripter
	logger   *zap.Logger
	script   *redis.Script
	name     string
	rate     int
	capacity int
}

// BurstCapacity derives bucket capacity from the refill rate:
// at least max(2·rate, 10), never more than 30·rate.
func BurstCapacity(ratePerSecond int) int {
	burst := 2 * ratePerSecond
	if burst < 10 {
		burst = 10
	}
	if cap := 30 * ratePerSecond; burst > cap {
		burst = cap
	}
	return burst
}

func NewTokenBucket(client redis.Scripter, logger *zap.Logger, name string, ratePerSecond int) *TokenBucket {
	return &TokenBucket{
		redis:    client,
		logger:   logger,
		script:   redis.NewScript(acquireLuaScript),
		name:     name,
		rate:     ratePerSecond,
		capacity: BurstCapacity(ratePerSecond),
	}
}

func (b *TokenBucket) Name() string { return b.name }
func (b *TokenBucket) Rate() int    { return b.rate }

func (b *TokenBucket) key() string {
	return fmt.Sprintf("rate_limit:%s", b.name)
}

// TryAcquire performs one scripted attempt. It returns whether the tokens
// were granted and, when refused, how long until enough tokens accrue.
func (b *TokenBucket) TryAcquire(ctx context.Context, cost int) (bool, time.Duration, error) {
	result, err := b.script.Run(ctx, b.redis, []string{b.key()},
		b.rate, b.capacity, cost, time.Now().UnixMicro()).Int64Slice()
	if err != nil {
		// Fail open.
		b.logger.Warn("rate limit check failed, allowing request",
			zap.String("bucket", b.name), zap.Error(err))
		return true, 0, err
	}
	if len(result) != 2 {
		return true, 0, fmt.Errorf("unexpected script result length %d", len(result))
	}

	allowed := result[0] == 1
	waitMs := result[1]
	return allowed, time.Duration(waitMs) * time.Millisecond, nil
}

// Acquire blocks until cost tokens are available or maxWait elapses.
func (b *TokenBucket) Acquire(ctx context.Context, cost int, maxWait time.Duration) (bool, time.Duration, error) {
	deadline := time.Now().Add(maxWait)

	for {
		allowed, wait, err := b.TryAcquire(ctx, cost)
		if err != nil {
			return true, 0, nil // fail-open already logged
		}
		if allowed {
			return true, 0, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 || wait > remaining {
			return false, wait, nil
		}

		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		select {
		case <-ctx.Done():
			return false, 0, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Tokens reads the current token count for status reporting.
func (b *TokenBucket) Tokens(ctx context.Context, client *redis.Client) (float64, error) {
	val, err := client.HGet(ctx, b.key(), "tokens").Float64()
	if err == redis.Nil {
		return float64(b.capacity), nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}
