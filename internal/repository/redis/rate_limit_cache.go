package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"waitlist-service/internal/client"
	"waitlist-service/internal/clock"
	"waitlist-service/internal/model"
)

const (
	signupPrefix = "waitlist:signup:"
	strictPrefix = "waitlist:strict:"
	globalPrefix = "waitlist:global:"
)

// slidingWindowScript prunes events older than the window, admits the new
// event only while the log is below the limit, and reports when the oldest
// surviving event leaves the window. Everything runs inside one EVAL, so
// concurrent callers on any instance cannot both take the last slot.
//
// KEYS[1] window key
// ARGV[1] now (unix ms), ARGV[2] window (ms), ARGV[3] limit, ARGV[4] member
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)

local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
	redis.call('ZADD', key, now, ARGV[4])
	count = count + 1
	allowed = 1
end
redis.call('PEXPIRE', key, window)

local reset = now + window
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if oldest[2] then
	reset = tonumber(oldest[2]) + window
end

return {allowed, count, reset}
`)

// RateLimitCache is the Redis-backed sliding-window counter store.
type RateLimitCache struct {
	client *client.RedisClient
	clock  clock.Clock
	logger *zap.Logger
}

func NewRateLimitCache(client *client.RedisClient, clk clock.Clock, logger *zap.Logger) *RateLimitCache {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimitCache{client: client, clock: clk, logger: logger}
}

// KeyFor maps a scope and caller key to its Redis key.
func KeyFor(scope model.RateLimitScope, key string) string {
	switch scope {
	case model.ScopeGlobal:
		return globalPrefix + key
	case model.ScopeStrict:
		return strictPrefix + key
	case model.ScopeIdentity:
		return signupPrefix + "id:" + key
	default:
		return signupPrefix + "addr:" + key
	}
}

// IncrementAndCheck records one event for key if the window has room.
func (c *RateLimitCache) IncrementAndCheck(ctx context.Context, scope model.RateLimitScope, key string, limit int, window time.Duration) (model.RateLimitState, error) {
	state := model.RateLimitState{Scope: scope, Key: key, Limit: limit}

	if c == nil || c.client == nil {
		return state, fmt.Errorf("rate limit cache: %w", model.ErrStoreUnavailable)
	}

	now := c.clock.Now()
	nowMs := now.UnixMilli()
	windowMs := window.Milliseconds()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	raw, err := c.client.RunScript(ctx, slidingWindowScript, []string{KeyFor(scope, key)},
		nowMs, windowMs, limit, member)
	if err != nil {
		return state, fmt.Errorf("sliding window %s: %w", scope, err)
	}

	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return state, fmt.Errorf("sliding window %s: unexpected script result %T", scope, raw)
	}

	allowed, err1 := toInt64(values[0])
	count, err2 := toInt64(values[1])
	resetMs, err3 := toInt64(values[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return state, fmt.Errorf("sliding window %s: malformed script result %v", scope, values)
	}

	state.Allowed = allowed == 1
	state.Remaining = limit - int(count)
	if state.Remaining < 0 {
		state.Remaining = 0
	}
	state.ResetAt = time.UnixMilli(resetMs)

	c.logger.Debug("Sliding window rate limit check",
		zap.String("scope", string(scope)),
		zap.Bool("allowed", state.Allowed),
		zap.Int64("count", count),
		zap.Int("limit", limit))

	return state, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
