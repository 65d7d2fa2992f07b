package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RequestDeduplicator makes submission idempotent: the first caller of a
// client request id claims it and binds it to a session; retries of the same
// request id get the original session back.
type RequestDeduplicator struct {
	redis *redis.Client
	ttl   time.Duration
}

func NewRequestDeduplicator(rdb *redis.Client, ttl time.Duration) *RequestDeduplicator {
	return &RequestDeduplicator{redis: rdb, ttl: ttl}
}

func (d *RequestDeduplicator) key(userID, requestID string) string {
	return fmt.Sprintf("namegen:request:%s:%s", userID, requestID)
}

// Claim returns (sessionID, true) when this call bound the request id, or the
// previously bound session id and false on a duplicate.
func (d *RequestDeduplicator) Claim(ctx context.Context, userID, requestID, sessionID string) (string, bool, error) {
	key := d.key(userID, requestID)
	ok, err := d.redis.SetNX(ctx, key, sessionID, d.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedupe setnx: %w", err)
	}
	if ok {
		return sessionID, true, nil
	}
	existing, err := d.redis.Get(ctx, key).Result()
	if err != nil {
		return "", false, fmt.Errorf("dedupe get: %w", err)
	}
	return existing, false, nil
}
