package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"commerce-agent/internal/domain"
	"commerce-agent/internal/escalation"
	"commerce-agent/internal/observability"
	"commerce-agent/internal/orders"
)

const maxInstructionChars = 1000

// ModeSwitcher moves a single conversation between automatic and manual
// handling.
type ModeSwitcher interface {
	Pause(ctx context.Context, conversationID, reason string) error
	Resume(ctx context.Context, conversationID string) error
}

type PaymentUpdater interface {
	SetPaymentStatus(ctx context.Context, number string, status domain.PaymentStatus) error
}

// OperatorStore holds the operator-owned fields: the per-conversation
// instruction and the global bot switches.
type OperatorStore interface {
	SetOperatorInstruction(ctx context.Context, conversationID, instruction string, at time.Time) error
	SetBotPaused(ctx context.Context, paused bool, at time.Time) error
	ResetKillSwitch(ctx context.Context, at time.Time) error
}

// ControlService carries the operator actions.
type ControlService struct {
	modes    ModeSwitcher
	payments PaymentUpdater
	store    OperatorStore
	now      func() time.Time
}

func NewControlService(m ModeSwitcher, p PaymentUpdater, store OperatorStore, now func() time.Time) (*ControlService, error) {
	if m == nil {
		return nil, errors.New("usecase: mode switcher must not be nil")
	}
	if p == nil {
		return nil, errors.New("usecase: payment updater must not be nil")
	}
	if store == nil {
		return nil, errors.New("usecase: operator store must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &ControlService{modes: m, payments: p, store: store, now: now}, nil
}

// Pause hands a conversation to the operator without waiting for the model
// to escalate it.
func (s *ControlService) Pause(ctx context.Context, conversationID, reason string) error {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	err := s.modes.Pause(ctx, id, reason)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, escalation.ErrNotVerified):
		return newError(ErrorInternal, "pause_not_verified", err)
	default:
		return newError(ErrorInternal, "pause_error", err)
	}
}

func (s *ControlService) Resume(ctx context.Context, conversationID string) error {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	if err := s.modes.Resume(ctx, id); err != nil {
		return newError(ErrorInternal, "resume_error", err)
	}
	return nil
}

// SetInstruction stores a one-shot note that the next generated reply for the
// conversation follows.
func (s *ControlService) SetInstruction(ctx context.Context, conversationID, instruction string) error {
	id := strings.TrimSpace(conversationID)
	if id == "" {
		return newError(ErrorInvalidInput, "empty_conversation_id", nil)
	}
	instruction = strings.TrimSpace(instruction)
	switch {
	case instruction == "":
		return newError(ErrorInvalidInput, "empty_instruction", nil)
	case utf8.RuneCountInString(instruction) > maxInstructionChars:
		return newError(ErrorInvalidInput, "instruction_too_long", nil)
	}
	if err := s.store.SetOperatorInstruction(ctx, id, instruction, s.now()); err != nil {
		return newError(ErrorInternal, "instruction_save_error", err)
	}
	observability.Logger(ctx).Info("operator instruction set", "conversation_id", id)
	return nil
}

// SetBotPaused stops or restarts automatic replies for every conversation.
func (s *ControlService) SetBotPaused(ctx context.Context, paused bool) error {
	if err := s.store.SetBotPaused(ctx, paused, s.now()); err != nil {
		return newError(ErrorInternal, "settings_save_error", err)
	}
	observability.Logger(ctx).Info("bot pause flag changed", "paused", paused)
	return nil
}

// ResetKillSwitch clears a kill switch tripped by the circuit breaker or an
// operator.
func (s *ControlService) ResetKillSwitch(ctx context.Context) error {
	if err := s.store.ResetKillSwitch(ctx, s.now()); err != nil {
		return newError(ErrorInternal, "settings_save_error", err)
	}
	observability.Logger(ctx).Warn("kill switch reset")
	return nil
}

func (s *ControlService) SetPayment(ctx context.Context, number string, status domain.PaymentStatus) error {
	number = strings.TrimSpace(number)
	if number == "" {
		return newError(ErrorInvalidInput, "empty_order_number", nil)
	}
	err := s.payments.SetPaymentStatus(ctx, number, status)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, orders.ErrInvalidStatus):
		return newError(ErrorInvalidInput, "invalid_payment_status", err)
	case errors.Is(err, orders.ErrOrderNotFound):
		return newError(ErrorNotFound, "order_not_found", err)
	case errors.Is(err, orders.ErrInvalidTransition):
		return newError(ErrorConflict, "payment_already_final", err)
	default:
		return newError(ErrorInternal, "payment_update_error", err)
	}
}
