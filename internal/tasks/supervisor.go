// Package tasks runs best-effort side effects outside the main response path.
// Each task is retried a bounded number of times; final failures are sent to
// an error channel that the supervisor logs.
package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxTries    = 3
	defaultInterval    = 200 * time.Millisecond
	defaultTaskTimeout = 10 * time.Second
)

// TaskError is a task that exhausted its retries.
type TaskError struct {
	Name string
	Err  error
}

// Supervisor owns background tasks for one worker.
type Supervisor struct {
	maxTries uint
	interval time.Duration
	timeout  time.Duration
	onError  func(TaskError)

	errs    chan TaskError
	running sync.WaitGroup
	pending sync.WaitGroup
	once    sync.Once
}

type Option func(*Supervisor)

func WithRetry(maxTries uint, interval time.Duration) Option {
	return func(s *Supervisor) {
		if maxTries > 0 {
			s.maxTries = maxTries
		}
		if interval > 0 {
			s.interval = interval
		}
	}
}

func WithTaskTimeout(d time.Duration) Option {
	return func(s *Supervisor) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithErrorHandler replaces the default logging of final task failures.
func WithErrorHandler(fn func(TaskError)) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.onError = fn
		}
	}
}

func NewSupervisor(opts ...Option) *Supervisor {
	s := &Supervisor{
		maxTries: defaultMaxTries,
		interval: defaultInterval,
		timeout:  defaultTaskTimeout,
		onError: func(te TaskError) {
			slog.Error("background task failed", "task", te.Name, "err", te.Err)
		},
		errs: make(chan TaskError, 16),
	}
	for _, opt := range opts {
		opt(s)
	}
	go s.report()
	return s
}

func (s *Supervisor) report() {
	for te := range s.errs {
		s.onError(te)
		s.pending.Done()
	}
}

// Go starts fn in the background. The task outlives cancellation of ctx but
// is bounded by the task timeout.
func (s *Supervisor) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	s.running.Add(1)
	go func() {
		defer s.running.Done()
		taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()

		_, err := backoff.Retry(taskCtx, func() (struct{}, error) {
			return struct{}{}, fn(taskCtx)
		}, backoff.WithBackOff(backoff.NewConstantBackOff(s.interval)), backoff.WithMaxTries(s.maxTries))
		if err != nil {
			s.pending.Add(1)
			s.errs <- TaskError{Name: name, Err: err}
		}
	}()
}

// Wait blocks until every started task finished and its failure, if any, was
// reported, or until ctx is done.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		s.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the reporter after waiting for running tasks.
func (s *Supervisor) Close() {
	s.once.Do(func() {
		s.running.Wait()
		close(s.errs)
	})
}
