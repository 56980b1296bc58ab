package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"commerce-agent/internal/admission"
	"commerce-agent/internal/batch"
	"commerce-agent/internal/debounce"
	"commerce-agent/internal/domain"
	"commerce-agent/internal/interpreter"
	"commerce-agent/internal/observability"
	"commerce-agent/internal/reply"
)

// Status tokens returned by Process.
const (
	StatusProcessed         = "processed"
	StatusAlreadyProcessing = "already_processing"
	StatusNoMessages        = "no_messages"
	StatusWaitingForMore    = "waiting_for_more"
	StatusManualMode        = "manual_mode"
	StatusBotPaused         = "bot_paused"
	StatusRateLimited       = "rate_limited"
)

const taskWaitTimeout = 10 * time.Second

var tracer = otel.Tracer("commerce-agent/usecase")

type Gate interface {
	Check(ctx context.Context, conversationID string) admission.Result
}

type Locker interface {
	TryAcquire(ctx context.Context, conversationID, owner string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, conversationID string) error
}

type BatchReader interface {
	Drain(ctx context.Context, conversationID string) (batch.Drained, error)
	Trim(ctx context.Context, conversationID string, n int64) (int64, error)
	Clear(ctx context.Context, conversationID string) error
}

type Debouncer interface {
	Decide(frags []domain.Fragment, now time.Time) debounce.Decision
	Reschedule(ctx context.Context, conversationID string, delay time.Duration) error
}

type ConversationReader interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	GetManualMode(ctx context.Context, conversationID string) (bool, error)
}

type CatalogLoader interface {
	Products(ctx context.Context) ([]domain.Product, error)
}

type ReplyGenerator interface {
	Generate(ctx context.Context, req reply.Request) (reply.Reply, error)
}

type Escalator interface {
	Escalate(ctx context.Context, conv *domain.Conversation, reason, customerMessage string) domain.EscalationEvent
}

type OrderCreator interface {
	Create(ctx context.Context, conv *domain.Conversation, payload domain.OrderConfirmation) (string, error)
}

type TaskWaiter interface {
	Wait(ctx context.Context) error
}

// ProcessDeps wires the pipeline.
type ProcessDeps struct {
	Gate          Gate
	Locker        Locker
	Batches       BatchReader
	Debouncer     Debouncer
	Conversations ConversationReader
	Catalog       CatalogLoader
	Replies       ReplyGenerator
	Escalations   Escalator
	Orders        OrderCreator
	Dispatcher    *Dispatcher
	Tasks         TaskWaiter

	LockTTL time.Duration
	Now     func() time.Time
}

type ProcessService struct {
	d ProcessDeps
}

type ProcessInput struct {
	ConversationID string
	BatchKey       string
}

type ProcessOutput struct {
	Status string
	Reason string
}

func NewProcessService(d ProcessDeps) (*ProcessService, error) {
	switch {
	case d.Gate == nil:
		return nil, errors.New("usecase: gate must not be nil")
	case d.Locker == nil:
		return nil, errors.New("usecase: locker must not be nil")
	case d.Batches == nil:
		return nil, errors.New("usecase: batch reader must not be nil")
	case d.Debouncer == nil:
		return nil, errors.New("usecase: debouncer must not be nil")
	case d.Conversations == nil:
		return nil, errors.New("usecase: conversation reader must not be nil")
	case d.Catalog == nil:
		return nil, errors.New("usecase: catalog must not be nil")
	case d.Replies == nil:
		return nil, errors.New("usecase: reply generator must not be nil")
	case d.Escalations == nil:
		return nil, errors.New("usecase: escalator must not be nil")
	case d.Orders == nil:
		return nil, errors.New("usecase: order creator must not be nil")
	case d.Dispatcher == nil:
		return nil, errors.New("usecase: dispatcher must not be nil")
	case d.Tasks == nil:
		return nil, errors.New("usecase: task waiter must not be nil")
	}
	if d.LockTTL <= 0 {
		d.LockTTL = 30 * time.Second
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &ProcessService{d: d}, nil
}

// Process runs one pipeline pass for a conversation.
func (s *ProcessService) Process(ctx context.Context, in ProcessInput) (out ProcessOutput, err error) {
	id := strings.TrimSpace(in.ConversationID)
	if id == "" {
		return ProcessOutput{}, newError(ErrorInvalidInput, "empty_sender_id", nil)
	}
	if in.BatchKey != "" && in.BatchKey != batch.Key(id) {
		return ProcessOutput{}, newError(ErrorInvalidInput, "batch_key_mismatch", nil)
	}

	ctx, span := tracer.Start(ctx, "pipeline.process", trace.WithAttributes(attribute.String("conversation.id", id)))
	defer func() {
		span.SetAttributes(attribute.String("pipeline.status", out.Status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "process failed")
		}
		span.End()
	}()
	log := observability.Logger(ctx).With("conversation_id", id)

	gate := s.d.Gate.Check(ctx, id)
	switch gate.Decision {
	case admission.BotPaused:
		return ProcessOutput{Status: StatusBotPaused, Reason: gate.Reason}, nil
	case admission.RateLimited:
		return ProcessOutput{Status: StatusRateLimited, Reason: gate.Reason}, nil
	case admission.ManualMode, admission.Proceed:
	default:
		return ProcessOutput{}, newError(ErrorInternal, "unknown_gate_decision", nil)
	}

	owner := newUUID()
	acquired, err := s.d.Locker.TryAcquire(ctx, id, owner, s.d.LockTTL)
	if err != nil {
		return ProcessOutput{}, newError(ErrorInternal, "lock_error", err)
	}
	if !acquired {
		return ProcessOutput{Status: StatusAlreadyProcessing}, nil
	}
	log = log.With("processing_id", owner)

	drained, err := s.d.Batches.Drain(ctx, id)
	if err != nil {
		s.discard(ctx, log, id)
		return ProcessOutput{}, newError(ErrorInternal, "batch_drain_error", err)
	}
	frags := drained.Fragments
	if len(frags) == 0 {
		s.finish(ctx, log, id, drained.Entries)
		return ProcessOutput{Status: StatusNoMessages}, nil
	}

	if gate.Decision == admission.ManualMode {
		defer s.finish(ctx, log, id, drained.Entries)
		return s.holdForOperator(ctx, log, id, frags, nil)
	}

	now := s.d.Now()
	if dec := s.d.Debouncer.Decide(frags, now); dec.Action == debounce.Reschedule {
		if err := s.d.Debouncer.Reschedule(ctx, id, dec.Delay); err != nil {
			s.release(ctx, log, id)
			return ProcessOutput{}, newError(ErrorInternal, "reschedule_error", err)
		}
		log.Info("waiting for more fragments", "fragments", len(frags), "delay", dec.Delay)
		return ProcessOutput{Status: StatusWaitingForMore}, nil
	}

	// From here on the batch is consumed whatever happens.
	defer s.finish(ctx, log, id, drained.Entries)
	defer s.waitTasks(ctx, log)
	span.SetAttributes(attribute.Int("pipeline.fragments", len(frags)))

	conv, err := s.loadContext(ctx, log, id)
	if err != nil {
		return ProcessOutput{}, newError(ErrorInternal, "conversation_load_error", err)
	}
	if conv.ManualMode {
		return s.holdForOperator(ctx, log, id, frags, &conv)
	}

	content := domain.CombineFragments(frags)
	if err := content.Validate(); err != nil {
		return ProcessOutput{}, newError(ErrorInvalidInput, "invalid_batch_content", err)
	}

	generated, err := s.d.Replies.Generate(ctx, reply.Request{Conversation: conv, Content: content})
	if err != nil {
		if perr := s.recordUserTurn(ctx, &conv, content, now); perr != nil {
			log.Error("failed to persist user turn", "err", perr)
		}
		return ProcessOutput{}, upstreamError("reply_generation_error", err)
	}
	if generated.Fallback {
		log.Warn("sending fallback reply")
	}

	res := interpreter.Interpret(generated.Text)
	text := res.Text

	escalated := false
	if res.Escalation != nil {
		ev := s.d.Escalations.Escalate(ctx, &conv, res.Escalation.Reason, content.Text)
		escalated = true
		log.Info("conversation escalated", "reason", ev.Reason, "verified", ev.Verified, "notify_scheduled", ev.NotifyScheduled, "explicit", res.Escalation.Explicit)
	}

	if res.Order != nil {
		number, err := s.d.Orders.Create(ctx, &conv, *res.Order)
		if err != nil {
			log.Error("order creation failed, placeholder left in reply", "err", err)
		} else {
			text = interpreter.FillOrderNumber(text, number)
		}
	}

	if !escalated {
		manual, err := s.d.Conversations.GetManualMode(ctx, id)
		if err != nil {
			log.Warn("manual mode re-check failed, sending reply", "err", err)
		} else if manual {
			log.Info("operator took over during generation, reply suppressed")
			conv.ManualMode = true
			if err := s.recordUserTurn(ctx, &conv, content, now); err != nil {
				return ProcessOutput{}, newError(ErrorInternal, "conversation_save_error", err)
			}
			return ProcessOutput{Status: StatusManualMode}, nil
		}
	}

	err = s.d.Dispatcher.Dispatch(ctx, &conv, Outgoing{
		UserContent: content,
		ReplyText:   text,
		ImageIDs:    res.ImageIDs,
		At:          now,
	})
	if err != nil {
		return ProcessOutput{}, upstreamError("dispatch_error", err)
	}
	log.Info("batch processed", "fragments", len(frags), "images", len(res.ImageIDs), "order", res.Order != nil)
	return ProcessOutput{Status: StatusProcessed}, nil
}

// loadContext reads the conversation and warms the catalog concurrently.
func (s *ProcessService) loadContext(ctx context.Context, log *slog.Logger, id string) (domain.Conversation, error) {
	var conv domain.Conversation
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := s.d.Conversations.GetConversation(gctx, id)
		if err != nil {
			return err
		}
		conv = c
		return nil
	})
	g.Go(func() error {
		if _, err := s.d.Catalog.Products(gctx); err != nil {
			log.Warn("catalog warm-up failed", "err", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return domain.Conversation{}, err
	}
	if conv.ID == "" {
		conv.ID = id
	}
	return conv, nil
}

// holdForOperator folds the batch into history without replying.
func (s *ProcessService) holdForOperator(ctx context.Context, log *slog.Logger, id string, frags []domain.Fragment, conv *domain.Conversation) (ProcessOutput, error) {
	if conv == nil {
		c, err := s.d.Conversations.GetConversation(ctx, id)
		if err != nil {
			return ProcessOutput{}, newError(ErrorInternal, "conversation_load_error", err)
		}
		if c.ID == "" {
			c.ID = id
		}
		conv = &c
	}
	content := domain.CombineFragments(frags)
	if err := s.recordUserTurn(ctx, conv, content, s.d.Now()); err != nil {
		return ProcessOutput{}, newError(ErrorInternal, "conversation_save_error", err)
	}
	log.Info("manual mode, batch stored for operator", "fragments", len(frags))
	return ProcessOutput{Status: StatusManualMode}, nil
}

// recordUserTurn saves the batch without a reply. A pending operator
// instruction was not used, so it stays pending.
func (s *ProcessService) recordUserTurn(ctx context.Context, conv *domain.Conversation, content domain.Content, at time.Time) error {
	if err := appendUserTurn(conv, content, at); err != nil {
		return err
	}
	instruction := conv.OperatorInstruction
	conv.OperatorInstruction = ""
	err := s.d.Dispatcher.Persist(ctx, conv, at)
	conv.OperatorInstruction = instruction
	return err
}

// finish drops the n entries this pass read and releases the lock. Fragments
// appended after the drain stay queued, and a follow-up pass is scheduled for
// them since their own request may have been turned away by this pass's lock.
func (s *ProcessService) finish(ctx context.Context, log *slog.Logger, id string, n int64) {
	ctx = context.WithoutCancel(ctx)
	left, err := s.d.Batches.Trim(ctx, id, n)
	if err != nil {
		log.Error("failed to trim batch", "entries", n, "err", err)
	}
	if left == 0 {
		s.release(ctx, log, id)
		return
	}
	log.Info("fragments arrived during pass, scheduling follow-up", "left", left)
	if err := s.d.Debouncer.Reschedule(ctx, id, 0); err != nil {
		log.Error("failed to schedule follow-up pass", "err", err)
	}
}

// discard drops the whole batch when it could not be read, so a broken list
// does not block the conversation.
func (s *ProcessService) discard(ctx context.Context, log *slog.Logger, id string) {
	ctx = context.WithoutCancel(ctx)
	if err := s.d.Batches.Clear(ctx, id); err != nil {
		log.Error("failed to clear batch", "err", err)
	}
	s.release(ctx, log, id)
}

func (s *ProcessService) release(ctx context.Context, log *slog.Logger, id string) {
	if err := s.d.Locker.Release(context.WithoutCancel(ctx), id); err != nil {
		log.Warn("failed to release lock", "err", err)
	}
}

func (s *ProcessService) waitTasks(ctx context.Context, log *slog.Logger) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), taskWaitTimeout)
	defer cancel()
	if err := s.d.Tasks.Wait(wctx); err != nil {
		log.Warn("background tasks still running at end of pass", "err", err)
	}
}

var newUUID = func() string {
	return uuid.NewString()
}
