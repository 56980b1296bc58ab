// Package lock provides a per-conversation mutual-exclusion token in Redis.
// Acquisition never blocks; a failed acquire means another worker owns the
// conversation right now.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTTL = 30 * time.Second

type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Locker acquires and releases conversation locks.
type Locker struct {
	rdb redisAPI
}

func New(rdb redisAPI) (*Locker, error) {
	if rdb == nil {
		return nil, errors.New("lock: redis client must not be nil")
	}
	return &Locker{rdb: rdb}, nil
}

// Key returns the lock key for a conversation.
func Key(conversationID string) string {
	return "batch_processing_" + conversationID
}

// TryAcquire sets the lock to owner if no valid token exists.
func (l *Locker) TryAcquire(ctx context.Context, conversationID, owner string, ttl time.Duration) (bool, error) {
	if strings.TrimSpace(conversationID) == "" {
		return false, errors.New("lock: TryAcquire: conversation id is required")
	}
	if strings.TrimSpace(owner) == "" {
		return false, errors.New("lock: TryAcquire: owner is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	ok, err := l.rdb.SetNX(ctx, Key(conversationID), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lock: TryAcquire: %w", err)
	}
	return ok, nil
}

// Release deletes the token unconditionally. Releasing an expired lock is a
// no-op.
func (l *Locker) Release(ctx context.Context, conversationID string) error {
	if err := l.rdb.Del(ctx, Key(conversationID)).Err(); err != nil {
		return fmt.Errorf("lock: Release: %w", err)
	}
	return nil
}

// Owner returns the current holder, or "" when the lock is free.
func (l *Locker) Owner(ctx context.Context, conversationID string) (string, error) {
	v, err := l.rdb.Get(ctx, Key(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock: Owner: %w", err)
	}
	return v, nil
}
