package service

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"waitlist-service/internal/clock"
	"waitlist-service/internal/config"
	"waitlist-service/internal/hashing"
	"waitlist-service/internal/metrics"
	"waitlist-service/internal/model"
)

const globalKey = "global"

// RateLimitDecision is the combined outcome of one or more scope checks.
type RateLimitDecision struct {
	Allowed    bool
	Scope      model.RateLimitScope // first failing scope, or the last checked
	RetryAfter int                  // seconds, set when not allowed
	State      model.RateLimitState
	Fallback   bool // decided by the failure policy, not the store
}

// RateLimiter evaluates the sliding-window scopes against a shared counter
// store.
type RateLimiter struct {
	store      model.CounterStore
	hasher     *hashing.IdentityHasher
	clock      clock.Clock
	cfg        config.RateLimitConfig
	failClosed bool
	logger     *zap.Logger
}

// NewRateLimiter builds a limiter. A nil store is treated as unreachable and
// every check follows the failure policy: fail-closed in production,
// fail-open elsewhere.
func NewRateLimiter(
	store model.CounterStore,
	hasher *hashing.IdentityHasher,
	clk clock.Clock,
	cfg *config.Config,
	logger *zap.Logger,
) *RateLimiter {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		store:      store,
		hasher:     hasher,
		clock:      clk,
		cfg:        cfg.RateLimit,
		failClosed: cfg.IsProduction(),
		logger:     logger,
	}
}

// Check runs the global, address and identity scopes in that order and stops
// at the first rejection. The identity scope is skipped when identity is
// empty.
func (r *RateLimiter) Check(ctx context.Context, address, identity string) RateLimitDecision {
	decision := r.check(ctx, model.ScopeGlobal, globalKey, r.cfg.GlobalLimit)
	if !decision.Allowed {
		return decision
	}

	decision = r.check(ctx, model.ScopeAddress, address, r.cfg.AddressLimit)
	if !decision.Allowed || identity == "" {
		return decision
	}

	return r.CheckIdentity(ctx, identity)
}

// CheckIdentity runs the identity scope alone, keyed by the identity hash.
func (r *RateLimiter) CheckIdentity(ctx context.Context, identity string) RateLimitDecision {
	return r.check(ctx, model.ScopeIdentity, r.hasher.Hash(identity), r.identityLimit())
}

// ApplyStrictLimit charges the strict per-address window. Not part of the
// default pipeline; callers escalate a suspicious address through it.
func (r *RateLimiter) ApplyStrictLimit(ctx context.Context, address string) RateLimitDecision {
	return r.check(ctx, model.ScopeStrict, address, r.cfg.StrictLimit)
}

func (r *RateLimiter) identityLimit() int {
	if r.cfg.StrictMode && r.cfg.StrictLimit < r.cfg.IdentityLimit {
		return r.cfg.StrictLimit
	}
	return r.cfg.IdentityLimit
}

func (r *RateLimiter) check(ctx context.Context, scope model.RateLimitScope, key string, limit int) RateLimitDecision {
	if r.store == nil {
		return r.fallback(scope, key, limit, model.ErrStoreUnavailable)
	}

	checkCtx, cancel := withTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	state, err := r.store.IncrementAndCheck(checkCtx, scope, key, limit, r.cfg.Window)
	if err != nil {
		return r.fallback(scope, key, limit, err)
	}

	metrics.RecordRateLimit(string(scope), state.Allowed)

	decision := RateLimitDecision{Allowed: state.Allowed, Scope: scope, State: state}
	if !state.Allowed {
		decision.RetryAfter = r.retryAfter(state.ResetAt)
	}
	return decision
}

func (r *RateLimiter) fallback(scope model.RateLimitScope, key string, limit int, err error) RateLimitDecision {
	metrics.RecordRateLimitFallback(string(scope), r.failClosed)

	state := model.RateLimitState{Scope: scope, Key: key, Limit: limit}
	if r.failClosed {
		r.logger.Warn("Rate limit store unavailable, failing closed",
			zap.String("scope", string(scope)),
			zap.Error(err))
		wait := r.cfg.FailClosedWait
		state.ResetAt = r.clock.Now().Add(wait)
		return RateLimitDecision{
			Scope:      scope,
			RetryAfter: int(math.Max(1, math.Ceil(wait.Seconds()))),
			State:      state,
			Fallback:   true,
		}
	}

	r.logger.Warn("Rate limit store unavailable, failing open",
		zap.String("scope", string(scope)),
		zap.Error(err))
	state.Allowed = true
	state.Remaining = limit
	return RateLimitDecision{Allowed: true, Scope: scope, State: state, Fallback: true}
}

// retryAfter is ceil((resetAt - now) / 1s), never below one second.
func (r *RateLimiter) retryAfter(resetAt time.Time) int {
	secs := int(math.Ceil(resetAt.Sub(r.clock.Now()).Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// withTimeout bounds ctx by d. A non-positive d leaves ctx unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
