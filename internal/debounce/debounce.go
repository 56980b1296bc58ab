// Package debounce decides whether a processing pass runs now or waits for
// the conversation to go quiet.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"commerce-agent/internal/domain"
)

const (
	DefaultQuietPeriod    = 1500 * time.Millisecond
	DefaultBurstThreshold = 3
)

type Action int

const (
	ProceedNow Action = iota
	Reschedule
)

func (a Action) String() string {
	if a == Reschedule {
		return "reschedule"
	}
	return "proceed_now"
}

// Decision is the outcome of Decide. Delay is set for Reschedule and is the
// remaining quiet time.
type Decision struct {
	Action Action
	Delay  time.Duration
}

type Releaser interface {
	Release(ctx context.Context, conversationID string) error
}

type Scheduler interface {
	Schedule(ctx context.Context, conversationID string, delay time.Duration) (bool, error)
}

// Controller applies debounce decisions.
type Controller struct {
	quiet time.Duration
	burst int
	lock  Releaser
	sched Scheduler
}

func New(lock Releaser, sched Scheduler, quiet time.Duration, burst int) (*Controller, error) {
	if lock == nil {
		return nil, errors.New("debounce: lock must not be nil")
	}
	if sched == nil {
		return nil, errors.New("debounce: scheduler must not be nil")
	}
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	if burst <= 0 {
		burst = DefaultBurstThreshold
	}
	return &Controller{quiet: quiet, burst: burst, lock: lock, sched: sched}, nil
}

// Decide proceeds when the newest fragment is at least the quiet period old
// or the batch reached the burst threshold.
func (c *Controller) Decide(frags []domain.Fragment, now time.Time) Decision {
	if len(frags) >= c.burst {
		return Decision{Action: ProceedNow}
	}
	latest := domain.LatestTimestamp(frags)
	if latest.IsZero() {
		return Decision{Action: ProceedNow}
	}
	gap := now.Sub(latest)
	if gap >= c.quiet {
		return Decision{Action: ProceedNow}
	}
	return Decision{Action: Reschedule, Delay: c.quiet - gap}
}

// Reschedule releases the caller's lock and then enqueues a delayed pass.
// The lock goes first so the next attempt is not blocked by this one.
func (c *Controller) Reschedule(ctx context.Context, conversationID string, delay time.Duration) error {
	if err := c.lock.Release(ctx, conversationID); err != nil {
		return fmt.Errorf("debounce: release lock: %w", err)
	}
	if _, err := c.sched.Schedule(ctx, conversationID, delay); err != nil {
		return fmt.Errorf("debounce: schedule: %w", err)
	}
	return nil
}
