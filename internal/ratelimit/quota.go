package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// QuotaResult is the outcome of a daily quota check.
type QuotaResult struct {
	Allowed bool
	Used    int64
	Limit   int64
}

// TokenQuota tracks the prompt tokens each client spends per UTC day.
type TokenQuota struct {
	rdb redis.UniversalClient
	now func() time.Time
}

// NewTokenQuota creates a quota tracker. A nil client disables it.
func NewTokenQuota(rdb redis.UniversalClient) *TokenQuota {
	return &TokenQuota{rdb: rdb, now: time.Now}
}

func (q *TokenQuota) key(client string) string {
	return fmt.Sprintf("assistant:quota:tokens:%s:%s", client, q.now().UTC().Format("2006-01-02"))
}

// Check reports whether client is still under limit today. A limit of zero
// or less means unlimited.
func (q *TokenQuota) Check(ctx context.Context, client string, limit int64) (QuotaResult, error) {
	if q.rdb == nil || limit <= 0 {
		return QuotaResult{Allowed: true, Limit: limit}, nil
	}
	used, err := q.rdb.Get(ctx, q.key(client)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return QuotaResult{Allowed: true, Limit: limit}, fmt.Errorf("read token quota: %w", err)
	}
	return QuotaResult{Allowed: used < limit, Used: used, Limit: limit}, nil
}

// Consume adds tokens to client's counter for today. The counter expires an
// hour after the day ends.
func (q *TokenQuota) Consume(ctx context.Context, client string, tokens int) error {
	if q.rdb == nil || tokens <= 0 {
		return nil
	}
	now := q.now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)

	key := q.key(client)
	pipe := q.rdb.Pipeline()
	pipe.IncrBy(ctx, key, int64(tokens))
	pipe.Expire(ctx, key, endOfDay.Sub(now)+time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record token quota: %w", err)
	}
	return nil
}
