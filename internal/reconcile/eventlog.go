package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/punchamoorthee/payoutops/internal/domain"
)

// EventLog remembers which deliveries were already taken. The ledger store
// implements it on processed_webhook_events; RedisEventLog is the
// SETNX-backed alternative.
type EventLog interface {
	ClaimEvent(ctx context.Context, e *domain.WebhookEvent) (bool, error)
	CompleteEvent(ctx context.Context, eventID, processingErr string) error
	ReleaseEvent(ctx context.Context, eventID string) error
}

const (
	eventKeyPrefix = "payoutops:webhook:"
	claimedValue   = "processing"
	doneValue      = "done"
)

type RedisEventLog struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisEventLog(rdb *redis.Client, ttl time.Duration) *RedisEventLog {
	return &RedisEventLog{rdb: rdb, ttl: ttl}
}

// NewRedisClient parses url and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return rdb, nil
}

func (l *RedisEventLog) ClaimEvent(ctx context.Context, e *domain.WebhookEvent) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, eventKeyPrefix+e.ID, claimedValue, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("event claim failed: %w", err)
	}
	return ok, nil
}

func (l *RedisEventLog) CompleteEvent(ctx context.Context, eventID, processingErr string) error {
	value := doneValue
	if processingErr != "" {
		value = "error: " + processingErr
	}
	if err := l.rdb.Set(ctx, eventKeyPrefix+eventID, value, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("event completion failed: %w", err)
	}
	return nil
}

func (l *RedisEventLog) ReleaseEvent(ctx context.Context, eventID string) error {
	if err := l.rdb.Del(ctx, eventKeyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("event release failed: %w", err)
	}
	return nil
}
