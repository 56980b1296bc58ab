// Package batch accumulates inbound message fragments per conversation in a
// Redis list until a processor drains them.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"commerce-agent/internal/domain"
)

const (
	DefaultTTL     = 60 * time.Second
	defaultSeenTTL = time.Hour
)

// redisAPI is the subset of *redis.Client used by Accumulator.
type redisAPI interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LLen(ctx context.Context, key string) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Accumulator stores fragments under msgbatch:{conversationID}.
type Accumulator struct {
	rdb redisAPI
	ttl time.Duration
}

func New(rdb redisAPI, ttl time.Duration) (*Accumulator, error) {
	if rdb == nil {
		return nil, errors.New("batch: redis client must not be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Accumulator{rdb: rdb, ttl: ttl}, nil
}

// Key returns the batch list key for a conversation.
func Key(conversationID string) string {
	return "msgbatch:" + conversationID
}

// Append inserts a fragment at the tail and resets the batch expiry.
func (a *Accumulator) Append(ctx context.Context, conversationID string, f domain.Fragment) error {
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("batch: Append: conversation id is required")
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("batch: Append marshal: %w", err)
	}
	key := Key(conversationID)
	if err := a.rdb.RPush(ctx, key, raw).Err(); err != nil {
		return fmt.Errorf("batch: Append rpush: %w", err)
	}
	if err := a.rdb.Expire(ctx, key, a.ttl).Err(); err != nil {
		return fmt.Errorf("batch: Append expire: %w", err)
	}
	return nil
}

// Drained is one read of a conversation's batch. Entries counts every list
// entry read, including undecodable ones, and is what Trim should remove.
type Drained struct {
	Fragments []domain.Fragment
	Entries   int64
}

// Drain returns every fragment in arrival order without removing them.
// Entries that fail to decode are skipped.
func (a *Accumulator) Drain(ctx context.Context, conversationID string) (Drained, error) {
	raws, err := a.rdb.LRange(ctx, Key(conversationID), 0, -1).Result()
	if err != nil {
		return Drained{}, fmt.Errorf("batch: Drain: %w", err)
	}
	frags := make([]domain.Fragment, 0, len(raws))
	for i, raw := range raws {
		var f domain.Fragment
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			slog.Warn("skipping undecodable batch entry", "conversation_id", conversationID, "index", i, "err", err)
			continue
		}
		frags = append(frags, f)
	}
	return Drained{Fragments: frags, Entries: int64(len(raws))}, nil
}

// Trim removes the first n entries, the ones a previous Drain returned, and
// reports how many are left. Fragments appended after that Drain stay for the
// next pass.
func (a *Accumulator) Trim(ctx context.Context, conversationID string, n int64) (int64, error) {
	key := Key(conversationID)
	if n > 0 {
		if err := a.rdb.LTrim(ctx, key, n, -1).Err(); err != nil {
			return 0, fmt.Errorf("batch: Trim: %w", err)
		}
	}
	left, err := a.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("batch: Trim llen: %w", err)
	}
	return left, nil
}

// Clear removes all fragments of a conversation.
func (a *Accumulator) Clear(ctx context.Context, conversationID string) error {
	if err := a.rdb.Del(ctx, Key(conversationID)).Err(); err != nil {
		return fmt.Errorf("batch: Clear: %w", err)
	}
	return nil
}

// MarkSeen records an inbound message id and reports whether it was new.
// Webhook redeliveries of the same message return false.
func (a *Accumulator) MarkSeen(ctx context.Context, messageID string) (bool, error) {
	if strings.TrimSpace(messageID) == "" {
		return true, nil
	}
	ok, err := a.rdb.SetNX(ctx, "msgseen:"+messageID, 1, defaultSeenTTL).Result()
	if err != nil {
		return false, fmt.Errorf("batch: MarkSeen: %w", err)
	}
	return ok, nil
}
