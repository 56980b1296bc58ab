package usecase

import (
	"context"
	"errors"
	"strings"
	"time"

	"commerce-agent/internal/domain"
	"commerce-agent/internal/observability"
)

const (
	StatusQueued    = "queued"
	StatusDuplicate = "duplicate"
)

type BatchWriter interface {
	MarkSeen(ctx context.Context, messageID string) (bool, error)
	Append(ctx context.Context, conversationID string, f domain.Fragment) error
}

type Scheduler interface {
	Schedule(ctx context.Context, conversationID string, delay time.Duration) (bool, error)
}

// IngestService accepts inbound fragments from the webhook.
type IngestService struct {
	batches     BatchWriter
	scheduler   Scheduler
	quietPeriod time.Duration
	now         func() time.Time
}

type IngestInput struct {
	SenderID    string
	MessageID   string
	Text        string
	Attachments []domain.Attachment
	Timestamp   time.Time
}

type IngestOutput struct {
	Status string
}

func NewIngestService(b BatchWriter, s Scheduler, quietPeriod time.Duration, now func() time.Time) (*IngestService, error) {
	if b == nil {
		return nil, errors.New("usecase: batch writer must not be nil")
	}
	if s == nil {
		return nil, errors.New("usecase: scheduler must not be nil")
	}
	if quietPeriod <= 0 {
		quietPeriod = 1500 * time.Millisecond
	}
	if now == nil {
		now = time.Now
	}
	return &IngestService{batches: b, scheduler: s, quietPeriod: quietPeriod, now: now}, nil
}

// Ingest appends a fragment to its conversation batch and makes sure a
// processing pass is pending.
func (s *IngestService) Ingest(ctx context.Context, in IngestInput) (IngestOutput, error) {
	id := strings.TrimSpace(in.SenderID)
	if id == "" {
		return IngestOutput{}, newError(ErrorInvalidInput, "empty_sender_id", nil)
	}
	frag := domain.Fragment{
		MessageID:   strings.TrimSpace(in.MessageID),
		Text:        in.Text,
		Attachments: in.Attachments,
		Timestamp:   in.Timestamp,
	}
	if strings.TrimSpace(frag.Text) == "" && len(frag.Attachments) == 0 {
		return IngestOutput{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	for _, a := range frag.Attachments {
		if strings.TrimSpace(a.URL) == "" {
			return IngestOutput{}, newError(ErrorInvalidInput, "empty_attachment_url", nil)
		}
	}
	if frag.Timestamp.IsZero() {
		frag.Timestamp = s.now()
	}

	fresh, err := s.batches.MarkSeen(ctx, frag.MessageID)
	if err != nil {
		return IngestOutput{}, newError(ErrorInternal, "dedup_error", err)
	}
	if !fresh {
		observability.Logger(ctx).Info("duplicate webhook delivery ignored", "conversation_id", id, "message_id", frag.MessageID)
		return IngestOutput{Status: StatusDuplicate}, nil
	}

	if err := s.batches.Append(ctx, id, frag); err != nil {
		return IngestOutput{}, newError(ErrorInternal, "batch_append_error", err)
	}
	if _, err := s.scheduler.Schedule(ctx, id, s.quietPeriod); err != nil {
		return IngestOutput{}, newError(ErrorInternal, "schedule_error", err)
	}
	return IngestOutput{Status: StatusQueued}, nil
}
