// Package scheduler enqueues delayed processing passes on SQS. At most one
// pass is pending per conversation: a Redis marker keyed by the conversation
// id collapses repeated schedules until the pending pass is picked up.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/redis/go-redis/v9"

	"commerce-agent/internal/batch"
)

const (
	maxDelay    = 15 * time.Minute
	markerGrace = 30 * time.Second
)

type sqsAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type redisAPI interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Request is the body of a processing message. It matches the inbound
// trigger payload.
type Request struct {
	SenderID string `json:"senderId"`
	BatchKey string `json:"batchKey"`
}

// Scheduler sends delayed processing requests.
type Scheduler struct {
	queue    sqsAPI
	rdb      redisAPI
	queueURL string
}

func New(queue sqsAPI, rdb redisAPI, queueURL string) (*Scheduler, error) {
	if queue == nil {
		return nil, errors.New("scheduler: sqs client must not be nil")
	}
	if rdb == nil {
		return nil, errors.New("scheduler: redis client must not be nil")
	}
	if strings.TrimSpace(queueURL) == "" {
		return nil, errors.New("scheduler: queue url must not be empty")
	}
	return &Scheduler{queue: queue, rdb: rdb, queueURL: queueURL}, nil
}

func markerKey(conversationID string) string {
	return "pending_process:" + conversationID
}

// Schedule enqueues a processing pass for conversationID after delay. It
// returns false when a pass is already pending.
func (s *Scheduler) Schedule(ctx context.Context, conversationID string, delay time.Duration) (bool, error) {
	if strings.TrimSpace(conversationID) == "" {
		return false, errors.New("scheduler: Schedule: conversation id is required")
	}
	seconds := delaySeconds(delay)
	ttl := time.Duration(seconds)*time.Second + markerGrace

	fresh, err := s.rdb.SetNX(ctx, markerKey(conversationID), time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: Schedule dedup: %w", err)
	}
	if !fresh {
		return false, nil
	}

	body, err := json.Marshal(Request{SenderID: conversationID, BatchKey: batch.Key(conversationID)})
	if err != nil {
		return false, fmt.Errorf("scheduler: Schedule marshal: %w", err)
	}
	_, err = s.queue.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(s.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: int32(seconds),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"conversationId": {DataType: aws.String("String"), StringValue: aws.String(conversationID)},
		},
	})
	if err != nil {
		// Drop the marker so the next fragment can schedule again.
		_ = s.rdb.Del(ctx, markerKey(conversationID)).Err()
		return false, fmt.Errorf("scheduler: Schedule send: %w", err)
	}
	return true, nil
}

// Done clears the pending marker once a worker picks the pass up.
func (s *Scheduler) Done(ctx context.Context, conversationID string) error {
	if err := s.rdb.Del(ctx, markerKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("scheduler: Done: %w", err)
	}
	return nil
}

// delaySeconds rounds up to whole seconds within the SQS range. A pass is
// never scheduled with zero delay so the quiet period can elapse.
func delaySeconds(d time.Duration) int {
	if d > maxDelay {
		d = maxDelay
	}
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// ParseRequest decodes a processing message body.
func ParseRequest(body string) (Request, error) {
	var r Request
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return Request{}, fmt.Errorf("scheduler: decode request: %w", err)
	}
	if strings.TrimSpace(r.SenderID) == "" {
		return Request{}, errors.New("scheduler: request sender id is empty")
	}
	return r, nil
}
