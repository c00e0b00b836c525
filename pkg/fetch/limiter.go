package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// HostLimiter throttles outbound requests per host. Wait blocks until a
// request to the host may proceed or the context is done.
type HostLimiter interface {
	Wait(ctx context.Context, host string) error
}

// LocalHostLimiter is an in-process token bucket per host. It is the default
// when no Redis address is configured; each engine process then limits only
// its own traffic.
type LocalHostLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewLocalHostLimiter creates a limiter allowing rps requests per second with
// the given burst per host.
func NewLocalHostLimiter(rps float64, burst int) *LocalHostLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalHostLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *LocalHostLimiter) Wait(ctx context.Context, host string) error {
	l.mu.Lock()
	lim, ok := l.limiters[host]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.limiters[host] = lim
	}
	l.mu.Unlock()
	return lim.Wait(ctx)
}

// hostBucketScript is a token bucket evaluated atomically in Redis, shared by
// every worker process so the per-host budget holds fleet-wide.
// KEYS[1] = bucket key, ARGV[1] = refill rate/s, ARGV[2] = capacity,
// ARGV[3] = cost, ARGV[4] = now (seconds, fractional).
var hostBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = tokens + elapsed * rate
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return allowed
`)

// RedisHostLimiter coordinates per-host budgets across processes through a
// Redis token bucket. A Redis failure falls back to allowing the request; the
// local limiter layered underneath still bounds the damage.
type RedisHostLimiter struct {
	client *redis.Client
	rps    float64
	burst  int
	local  *LocalHostLimiter
}

// NewRedisHostLimiter connects to Redis at addr.
func NewRedisHostLimiter(addr string, rps float64, burst int) *RedisHostLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &RedisHostLimiter{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		rps:    rps,
		burst:  burst,
		local:  NewLocalHostLimiter(rps, burst),
	}
}

func (l *RedisHostLimiter) Wait(ctx context.Context, host string) error {
	if err := l.local.Wait(ctx, host); err != nil {
		return err
	}

	key := fmt.Sprintf("prospector:hostlimit:%s", host)
	for {
		now := float64(time.Now().UnixMicro()) / 1e6
		res, err := hostBucketScript.Run(ctx, l.client, []string{key},
			l.rps, l.burst, 1, now).Int64()
		if err != nil {
			return nil
		}
		if res == 1 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(float64(time.Second) / l.rps)):
		}
	}
}
