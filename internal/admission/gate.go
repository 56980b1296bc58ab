// Package admission decides whether an inbound batch may be processed: the
// global kill switch, per-conversation manual mode and rate limits are
// checked in that order. Store failures fail open.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"commerce-agent/internal/domain"
)

type Decision string

const (
	Proceed     Decision = "proceed"
	BotPaused   Decision = "bot_paused"
	ManualMode  Decision = "manual_mode"
	RateLimited Decision = "rate_limited"
)

const (
	defaultReadAttempts  = 2
	defaultRetryInterval = 100 * time.Millisecond
)

type SettingsStore interface {
	GetBotSettings(ctx context.Context) (domain.BotSettings, error)
	ActivateKillSwitch(ctx context.Context, reason string, auto bool, at time.Time) error
}

type ManualModeReader interface {
	GetManualMode(ctx context.Context, conversationID string) (bool, error)
}

type Limiter interface {
	Allow(ctx context.Context, conversationID, member string, now time.Time) (Verdict, error)
}

// Result carries the decision and, for rejections, why.
type Result struct {
	Decision Decision
	Reason   string
}

type Gate struct {
	settings      SettingsStore
	convs         ManualModeReader
	limiter       Limiter
	now           func() time.Time
	retryInterval time.Duration
}

func NewGate(settings SettingsStore, convs ManualModeReader, limiter Limiter, now func() time.Time) (*Gate, error) {
	if settings == nil {
		return nil, errors.New("admission: settings store must not be nil")
	}
	if convs == nil {
		return nil, errors.New("admission: conversation reader must not be nil")
	}
	if limiter == nil {
		return nil, errors.New("admission: limiter must not be nil")
	}
	if now == nil {
		now = time.Now
	}
	return &Gate{settings: settings, convs: convs, limiter: limiter, now: now, retryInterval: defaultRetryInterval}, nil
}

// Check runs the admission checks for one processing attempt.
func (g *Gate) Check(ctx context.Context, conversationID string) Result {
	log := slog.With("conversation_id", conversationID)

	settings, err := readWithRetry(ctx, g.retryInterval, func() (domain.BotSettings, error) {
		return g.settings.GetBotSettings(ctx)
	})
	if err != nil {
		log.Warn("kill switch read failed, admitting", "err", err)
	} else if settings.Halted() {
		reason := settings.Reason
		if reason == "" && settings.Paused {
			reason = "paused"
		}
		return Result{Decision: BotPaused, Reason: reason}
	}

	manual, err := readWithRetry(ctx, g.retryInterval, func() (bool, error) {
		return g.convs.GetManualMode(ctx, conversationID)
	})
	if err != nil {
		log.Warn("manual mode read failed, admitting", "err", err)
	} else if manual {
		return Result{Decision: ManualMode}
	}

	now := g.now()
	v, err := g.limiter.Allow(ctx, conversationID, fmt.Sprintf("%s:%d", conversationID, now.UnixNano()), now)
	if err != nil {
		log.Warn("rate limit check failed, admitting", "err", err)
		return Result{Decision: Proceed}
	}
	if v.Allowed {
		return Result{Decision: Proceed}
	}
	if v.Window == WindowBreaker {
		reason := fmt.Sprintf("circuit breaker: %d messages in window", v.Count)
		if err := g.settings.ActivateKillSwitch(ctx, reason, true, now); err != nil {
			log.Error("failed to activate kill switch", "reason", reason, "err", err)
		} else {
			log.Error("circuit breaker tripped, kill switch activated", "count", v.Count)
		}
		return Result{Decision: BotPaused, Reason: reason}
	}
	log.Info("conversation rate limited", "window", v.Window, "count", v.Count)
	return Result{Decision: RateLimited, Reason: v.Window}
}

func readWithRetry[T any](ctx context.Context, interval time.Duration, op func() (T, error)) (T, error) {
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(defaultReadAttempts),
	)
}
