package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waitlist-service/internal/client"
	"waitlist-service/internal/clock"
	"waitlist-service/internal/model"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *client.RedisClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	return mr, client.WrapRedisClient(rc)
}

func TestRateLimitCache_AdmitsUpToLimit(t *testing.T) {
	// Arrange
	_, rc := newTestRedis(t)
	clk := clock.NewManualClock(time.Unix(1_700_000_000, 0))
	cache := NewRateLimitCache(rc, clk, nil)
	ctx := context.Background()

	// Act & Assert
	for i := 1; i <= 3; i++ {
		state, err := cache.IncrementAndCheck(ctx, model.ScopeAddress, "10.0.0.1", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, state.Allowed, "attempt %d", i)
		assert.Equal(t, 3-i, state.Remaining)
		clk.Advance(time.Second)
	}

	state, err := cache.IncrementAndCheck(ctx, model.ScopeAddress, "10.0.0.1", 3, time.Hour)
	require.NoError(t, err)
	assert.False(t, state.Allowed)
	assert.Equal(t, 0, state.Remaining)
	assert.Equal(t, 3, state.Limit)
	assert.Equal(t, time.Unix(1_700_000_000, 0).Add(time.Hour), state.ResetAt,
		"reset is when the oldest event leaves the window")
}

func TestRateLimitCache_WindowSlides(t *testing.T) {
	_, rc := newTestRedis(t)
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewManualClock(start)
	cache := NewRateLimitCache(rc, clk, nil)
	ctx := context.Background()

	_, err := cache.IncrementAndCheck(ctx, model.ScopeAddress, "a", 2, time.Minute)
	require.NoError(t, err)
	clk.Advance(30 * time.Second)
	_, err = cache.IncrementAndCheck(ctx, model.ScopeAddress, "a", 2, time.Minute)
	require.NoError(t, err)

	blocked, err := cache.IncrementAndCheck(ctx, model.ScopeAddress, "a", 2, time.Minute)
	require.NoError(t, err)
	require.False(t, blocked.Allowed)

	// First event expires; one slot opens, the second event still counts.
	clk.Advance(31 * time.Second)
	state, err := cache.IncrementAndCheck(ctx, model.ScopeAddress, "a", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, state.Allowed)
	assert.Equal(t, 0, state.Remaining)
}

func TestRateLimitCache_RejectedAttemptsDoNotConsume(t *testing.T) {
	_, rc := newTestRedis(t)
	start := time.Unix(1_700_000_000, 0)
	clk := clock.NewManualClock(start)
	cache := NewRateLimitCache(rc, clk, nil)
	ctx := context.Background()

	_, err := cache.IncrementAndCheck(ctx, model.ScopeStrict, "a", 1, time.Minute)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		clk.Advance(5 * time.Second)
		state, err := cache.IncrementAndCheck(ctx, model.ScopeStrict, "a", 1, time.Minute)
		require.NoError(t, err)
		require.False(t, state.Allowed)
	}

	clk.Set(start.Add(time.Minute + time.Millisecond))
	state, err := cache.IncrementAndCheck(ctx, model.ScopeStrict, "a", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, state.Allowed)
}

func TestRateLimitCache_ScopesAreIndependent(t *testing.T) {
	mr, rc := newTestRedis(t)
	cache := NewRateLimitCache(rc, clock.NewManualClock(time.Unix(1_700_000_000, 0)), nil)
	ctx := context.Background()

	for _, scope := range []model.RateLimitScope{model.ScopeGlobal, model.ScopeAddress, model.ScopeIdentity, model.ScopeStrict} {
		state, err := cache.IncrementAndCheck(ctx, scope, "same", 1, time.Hour)
		require.NoError(t, err)
		assert.True(t, state.Allowed, string(scope))
	}

	assert.True(t, mr.Exists("waitlist:global:same"))
	assert.True(t, mr.Exists("waitlist:strict:same"))
	assert.True(t, mr.Exists("waitlist:signup:addr:same"))
	assert.True(t, mr.Exists("waitlist:signup:id:same"))
	assert.Equal(t, time.Hour, mr.TTL("waitlist:global:same"))
}

func TestRateLimitCache_ConcurrentCallersNeverOverAdmit(t *testing.T) {
	_, rc := newTestRedis(t)
	cache := NewRateLimitCache(rc, clock.NewSystemClock(), nil)
	ctx := context.Background()

	const limit = 10
	var admitted int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := cache.IncrementAndCheck(ctx, model.ScopeGlobal, "global", limit, time.Hour)
			if assert.NoError(t, err) && state.Allowed {
				atomic.AddInt64(&admitted, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(limit), admitted)
}

func TestRateLimitCache_StoreDown(t *testing.T) {
	mr, rc := newTestRedis(t)
	cache := NewRateLimitCache(rc, nil, nil)
	mr.Close()

	_, err := cache.IncrementAndCheck(context.Background(), model.ScopeAddress, "a", 1, time.Hour)

	assert.Error(t, err)
}

func TestRateLimitCache_NilClient(t *testing.T) {
	cache := NewRateLimitCache(nil, nil, nil)

	_, err := cache.IncrementAndCheck(context.Background(), model.ScopeAddress, "a", 1, time.Hour)

	assert.ErrorIs(t, err, model.ErrStoreUnavailable)
}
