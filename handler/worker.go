package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"commerce-agent/internal/observability"
	"commerce-agent/internal/scheduler"
	"commerce-agent/internal/usecase"
)

type PendingMarker interface {
	Done(ctx context.Context, conversationID string) error
}

// Worker consumes delayed processing requests from SQS.
type Worker struct {
	process Processor
	pending PendingMarker
}

func NewWorker(p Processor, pending PendingMarker) (*Worker, error) {
	if p == nil {
		return nil, errors.New("handler: process use case must not be nil")
	}
	if pending == nil {
		return nil, errors.New("handler: pending marker must not be nil")
	}
	return &Worker{process: p, pending: pending}, nil
}

// Handle runs one pipeline pass per record. Records that fail with a
// retryable error are reported back so SQS redelivers only those.
func (w *Worker) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		log := slog.With("message_id", rec.MessageId)
		recCtx := observability.WithLogger(ctx, log)

		req, err := scheduler.ParseRequest(rec.Body)
		if err != nil {
			log.Error("dropping malformed processing request", "err", err)
			continue
		}
		log = log.With("conversation_id", req.SenderID)

		// Cleared first so a rescheduling pass can enqueue its successor.
		if err := w.pending.Done(ctx, req.SenderID); err != nil {
			log.Warn("failed to clear pending marker", "err", err)
		}

		out, err := w.process.Process(recCtx, usecase.ProcessInput{ConversationID: req.SenderID, BatchKey: req.BatchKey})
		if err != nil {
			var ucErr *usecase.Error
			if errors.As(err, &ucErr) && ucErr.Code == usecase.ErrorInvalidInput {
				log.Error("dropping invalid processing request", "reason", ucErr.Reason, "err", err)
				continue
			}
			log.Error("processing pass failed", "err", err)
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		log.Info("processing pass finished", "status", out.Status, "reason", out.Reason)
	}
	return resp, nil
}
