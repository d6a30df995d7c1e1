package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"waitlist-service/internal/client"
	"waitlist-service/internal/clock"
	"waitlist-service/internal/model"
)

const (
	blockedPrefix   = "waitlist:blocked:"
	blockedTotalKey = "waitlist:blocked:total"

	blockedRetention = 24 * time.Hour
	// blockedListCap bounds a single address's list; a flood from one
	// address should not grow one key without limit inside the horizon.
	blockedListCap = 1000
)

// blockedRecord is the JSON stored per list element. Timestamp is unix ms.
type blockedRecord struct {
	Reason    model.BlockedReason `json:"reason"`
	Timestamp int64               `json:"timestamp"`
}

// BlockedRequestCache keeps a per-address log of heuristic rejections for 24h
// and a global counter of all of them.
type BlockedRequestCache struct {
	client *client.RedisClient
	clock  clock.Clock
	logger *zap.Logger
}

func NewBlockedRequestCache(client *client.RedisClient, clk clock.Clock, logger *zap.Logger) *BlockedRequestCache {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BlockedRequestCache{client: client, clock: clk, logger: logger}
}

func blockedKey(address string) string {
	return blockedPrefix + address
}

// Record appends rec to its address log, refreshes the retention and bumps
// the global counter in one MULTI.
func (c *BlockedRequestCache) Record(ctx context.Context, rec model.BlockedRequest) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("blocked request cache: %w", model.ErrStoreUnavailable)
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = c.clock.Now()
	}

	payload, err := json.Marshal(blockedRecord{Reason: rec.Reason, Timestamp: rec.Timestamp.UnixMilli()})
	if err != nil {
		return fmt.Errorf("encode blocked record: %w", err)
	}

	key := blockedKey(rec.Address)
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, blockedListCap-1)
	pipe.Expire(ctx, key, blockedRetention)
	pipe.Incr(ctx, blockedTotalKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record blocked request: %w", err)
	}

	c.logger.Debug("Blocked request recorded",
		zap.String("reason", string(rec.Reason)),
		zap.String("address", rec.Address))
	return nil
}

// Recent returns up to limit of the newest records for address, newest first.
func (c *BlockedRequestCache) Recent(ctx context.Context, address string, limit int64) ([]model.BlockedRequest, error) {
	if c == nil || c.client == nil {
		return nil, fmt.Errorf("blocked request cache: %w", model.ErrStoreUnavailable)
	}
	if limit <= 0 {
		limit = 50
	}

	items, err := c.client.LRange(ctx, blockedKey(address), 0, limit-1)
	if err != nil {
		return nil, fmt.Errorf("read blocked requests: %w", err)
	}

	out := make([]model.BlockedRequest, 0, len(items))
	for _, item := range items {
		var rec blockedRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			c.logger.Warn("Skipping malformed blocked record", zap.Error(err))
			continue
		}
		out = append(out, model.BlockedRequest{
			Address:   address,
			Reason:    rec.Reason,
			Timestamp: time.UnixMilli(rec.Timestamp),
		})
	}
	return out, nil
}

// Total returns the global blocked-request counter.
func (c *BlockedRequestCache) Total(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, fmt.Errorf("blocked request cache: %w", model.ErrStoreUnavailable)
	}

	val, err := c.client.Get(ctx, blockedTotalKey)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("read blocked total: %w", err)
	}

	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid blocked total %q: %w", val, err)
	}
	return n, nil
}
