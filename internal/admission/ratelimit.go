package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript checks every window and records the hit only when all
// of them have room, so a rejected message never consumes quota.
// KEYS[i]  = sorted set for window i
// ARGV[1]  = now (unix ms)
// ARGV[2]  = member id for this hit
// ARGV[1+2i], ARGV[2+2i] = window length (ms) and limit for KEYS[i]
// Returns {blocking window index or 0, count in that window}.
var slidingWindowScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local member = ARGV[2]
for i, key in ipairs(KEYS) do
    local window = tonumber(ARGV[1 + 2 * i])
    local limit = tonumber(ARGV[2 + 2 * i])
    redis.call("ZREMRANGEBYSCORE", key, "-inf", now - window)
    local count = redis.call("ZCARD", key)
    if count >= limit then
        return {i, count}
    end
end
for i, key in ipairs(KEYS) do
    redis.call("ZADD", key, now, member)
    redis.call("PEXPIRE", key, tonumber(ARGV[1 + 2 * i]))
end
return {0, 0}
`)

// Limits configures the rate windows.
type Limits struct {
	Hourly        int
	Daily         int
	BreakerLimit  int
	BreakerWindow time.Duration
}

var DefaultLimits = Limits{
	Hourly:        30,
	Daily:         100,
	BreakerLimit:  50,
	BreakerWindow: 10 * time.Minute,
}

func (l Limits) withDefaults() Limits {
	if l.Hourly <= 0 {
		l.Hourly = DefaultLimits.Hourly
	}
	if l.Daily <= 0 {
		l.Daily = DefaultLimits.Daily
	}
	if l.BreakerLimit <= 0 {
		l.BreakerLimit = DefaultLimits.BreakerLimit
	}
	if l.BreakerWindow <= 0 {
		l.BreakerWindow = DefaultLimits.BreakerWindow
	}
	return l
}

// Window names reported in a Verdict.
const (
	WindowHourly  = "hourly"
	WindowDaily   = "daily"
	WindowBreaker = "breaker"
)

// Verdict is the result of one rate check.
type Verdict struct {
	Allowed bool
	Window  string
	Count   int64
}

// RateLimiter keeps per-conversation and global sliding windows in Redis.
type RateLimiter struct {
	rdb    redis.Scripter
	limits Limits
}

func NewRateLimiter(rdb redis.Scripter, limits Limits) (*RateLimiter, error) {
	if rdb == nil {
		return nil, errors.New("admission: redis client must not be nil")
	}
	return &RateLimiter{rdb: rdb, limits: limits.withDefaults()}, nil
}

type window struct {
	name  string
	key   string
	span  time.Duration
	limit int
}

func (r *RateLimiter) windows(conversationID string) []window {
	return []window{
		{name: WindowHourly, key: "ratelimit:hour:" + conversationID, span: time.Hour, limit: r.limits.Hourly},
		{name: WindowDaily, key: "ratelimit:day:" + conversationID, span: 24 * time.Hour, limit: r.limits.Daily},
		{name: WindowBreaker, key: "ratelimit:global", span: r.limits.BreakerWindow, limit: r.limits.BreakerLimit},
	}
}

// Allow records one message for conversationID unless a window is full.
func (r *RateLimiter) Allow(ctx context.Context, conversationID, member string, now time.Time) (Verdict, error) {
	ws := r.windows(conversationID)
	keys := make([]string, len(ws))
	args := []interface{}{now.UnixMilli(), member}
	for i, w := range ws {
		keys[i] = w.key
		args = append(args, w.span.Milliseconds(), w.limit)
	}

	res, err := slidingWindowScript.Run(ctx, r.rdb, keys, args...).Result()
	if err != nil {
		return Verdict{}, fmt.Errorf("admission: rate script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Verdict{}, fmt.Errorf("admission: unexpected rate script result %T", res)
	}
	idx, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	if idx == 0 {
		return Verdict{Allowed: true}, nil
	}
	if idx < 1 || int(idx) > len(ws) {
		return Verdict{}, fmt.Errorf("admission: rate script returned window %d", idx)
	}
	return Verdict{Window: ws[idx-1].name, Count: count}, nil
}
